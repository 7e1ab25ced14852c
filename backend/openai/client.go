// Package openai is a completion backend for OpenAI-compatible chat
// completion endpoints.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bazelment/yoloswe/switchboard/agentstream"
)

const (
	// BackendID is the router id of this backend.
	BackendID = "openai"

	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o"
)

// Config configures a Client. BaseURL may point at any OpenAI-compatible
// server.
type Config struct {
	HTTPClient *http.Client
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
}

// Client implements agentstream.Completer.
type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	model      string
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	c := &Client{
		httpClient: cfg.HTTPClient,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
	}
	if c.httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 2 * time.Minute
		}
		c.httpClient = &http.Client{Timeout: timeout}
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.model == "" {
		c.model = defaultModel
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete implements agentstream.Completer.
func (c *Client) Complete(ctx context.Context, system string, messages []agentstream.Message, model string) (*agentstream.Completion, error) {
	if model == "" {
		model = c.model
	}
	reqBody := chatRequest{Model: model}
	if system != "" {
		reqBody.Messages = append(reqBody.Messages, chatMessage{Role: "system", Content: system})
	}
	for _, m := range messages {
		reqBody.Messages = append(reqBody.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fail(0, fmt.Errorf("failed to marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fail(0, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fail(0, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fail(0, fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fail(resp.StatusCode, fmt.Errorf("rate limit exceeded (429): %s", strings.TrimSpace(string(body))))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fail(resp.StatusCode, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fail(0, fmt.Errorf("failed to parse response: %w", err))
	}
	if chatResp.Error != nil {
		return nil, fail(0, fmt.Errorf("API error: %s", chatResp.Error.Message))
	}
	if len(chatResp.Choices) == 0 || strings.TrimSpace(chatResp.Choices[0].Message.Content) == "" {
		return nil, fail(0, fmt.Errorf("no completion returned"))
	}
	return &agentstream.Completion{
		Text:         chatResp.Choices[0].Message.Content,
		InputTokens:  chatResp.Usage.PromptTokens,
		OutputTokens: chatResp.Usage.CompletionTokens,
	}, nil
}

func fail(status int, err error) *agentstream.BackendError {
	be := &agentstream.BackendError{
		Kind:     agentstream.KindBackend,
		Category: agentstream.CategoryGeneric,
		Backend:  BackendID,
		Message:  err.Error(),
		Cause:    err,
	}
	if status != 0 {
		be.Category = agentstream.CategoryForStatus(status)
	}
	return be
}
