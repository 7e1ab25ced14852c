package agentstream

import "context"

// Message roles for completion history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a completion conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completion is the single-shot answer of an HTTP backend.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Completer is the boundary of an HTTP completion backend. Implementations
// return *BackendError for every failure.
type Completer interface {
	Complete(ctx context.Context, systemPrompt string, messages []Message, model string) (*Completion, error)
}
