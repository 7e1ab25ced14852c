// Package gemini is a completion backend for the Gemini API via the genai SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/bazelment/yoloswe/switchboard/agentstream"
)

const (
	// BackendID is the router id of this backend.
	BackendID = "gemini"

	defaultModel = "gemini-2.5-flash"
)

// Config configures a Client.
type Config struct {
	APIKey string
	Model  string
	// BaseURL overrides the API endpoint, for tests and proxies.
	BaseURL string
}

// Client implements agentstream.Completer.
type Client struct {
	client *genai.Client
	model  string
}

// NewClient creates a Client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &Client{client: client, model: model}, nil
}

// Complete implements agentstream.Completer.
func (c *Client) Complete(ctx context.Context, system string, messages []agentstream.Message, model string) (*agentstream.Completion, error) {
	if model == "" {
		model = c.model
	}
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := genai.RoleUser
		if m.Role == agentstream.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, genai.Role(role)))
	}
	var config *genai.GenerateContentConfig
	if system != "" {
		config = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		}
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, classify(err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, &agentstream.BackendError{
			Kind:     agentstream.KindBackend,
			Category: agentstream.CategoryContentRejected,
			Backend:  BackendID,
			Message:  "empty completion (possibly blocked by safety filters)",
		}
	}
	out := &agentstream.Completion{Text: resp.Text()}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
	}
	return out, nil
}

func classify(err error) *agentstream.BackendError {
	be := &agentstream.BackendError{
		Kind:     agentstream.KindBackend,
		Category: agentstream.CategoryGeneric,
		Backend:  BackendID,
		Message:  fmt.Sprintf("GenAI generate failed: %v", err),
		Cause:    err,
	}
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		be.Category = agentstream.CategoryForStatus(apiErr.Code)
	case errors.As(err, &apiErrPtr):
		be.Category = agentstream.CategoryForStatus(apiErrPtr.Code)
	}
	return be
}
