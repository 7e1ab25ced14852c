// Package anthropic is a completion backend for the Anthropic Messages API.
package anthropic

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
	BackendID = "anthropic"

	defaultBaseURL   = "https://api.anthropic.com"
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 4096
	apiVersion       = "2023-06-01"
)

// Config configures a Client.
type Config struct {
	HTTPClient *http.Client
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
}

// Client calls the Messages API. It implements agentstream.Completer.
type Client struct {
	client    *http.Client
	apiKey    string
	baseURL   string
	model     string
	maxTokens int
}

// NewClient creates a Client, filling unset Config fields with defaults.
func NewClient(cfg Config) *Client {
	c := &Client{
		client:    cfg.HTTPClient,
		apiKey:    cfg.APIKey,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: 120 * time.Second}
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.model == "" {
		c.model = defaultModel
	}
	if c.maxTokens <= 0 {
		c.maxTokens = defaultMaxTokens
	}
	return c
}

type request struct {
	Model     string                `json:"model"`
	System    string                `json:"system,omitempty"`
	Messages  []agentstream.Message `json:"messages"`
	MaxTokens int                   `json:"max_tokens"`
}

type response struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements agentstream.Completer. An empty model uses the
// client default.
func (c *Client) Complete(ctx context.Context, system string, messages []agentstream.Message, model string) (*agentstream.Completion, error) {
	if model == "" {
		model = c.model
	}
	body, err := json.Marshal(request{
		Model:     model,
		MaxTokens: c.maxTokens,
		System:    system,
		Messages:  messages,
	})
	if err != nil {
		return nil, c.fail(0, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, c.fail(0, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, c.fail(0, fmt.Errorf("api call: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.fail(0, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			return nil, c.fail(resp.StatusCode, fmt.Errorf("api error %d: %s: %s", resp.StatusCode, errResp.Error.Type, errResp.Error.Message))
		}
		return nil, c.fail(resp.StatusCode, fmt.Errorf("api error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}

	var apiResp response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, c.fail(0, fmt.Errorf("unmarshal response: %w", err))
	}

	var text strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, c.fail(0, fmt.Errorf("empty response content"))
	}
	return &agentstream.Completion{
		Text:         text.String(),
		InputTokens:  apiResp.Usage.InputTokens,
		OutputTokens: apiResp.Usage.OutputTokens,
	}, nil
}

func (c *Client) fail(status int, err error) *agentstream.BackendError {
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
	if status == http.StatusUnauthorized {
		be.Hint = "check ANTHROPIC_API_KEY"
	}
	return be
}
