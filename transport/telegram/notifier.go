package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bazelment/yoloswe/switchboard/confirm"
)

const maxInputPreview = 500

// Notifier sends confirmation prompts with approve/reject buttons and
// rewrites them once decided.
type Notifier struct {
	Client *Client
	Logger *slog.Logger
}

func (n Notifier) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

// Keyboard returns the approve/reject buttons for request id.
func Keyboard(id string) [][]InlineButton {
	return [][]InlineButton{{
		{Text: "Approve", CallbackData: confirm.EncodeCallback(id, true)},
		{Text: "Reject", CallbackData: confirm.EncodeCallback(id, false)},
	}}
}

// PromptText is the body of a confirmation prompt.
func PromptText(req confirm.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ Approval needed: %s\n", req.Invocation.Name)
	if req.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", req.Reason)
	}
	if len(req.Invocation.Input) > 0 {
		input, err := json.MarshalIndent(req.Invocation.Input, "", "  ")
		if err == nil {
			b.WriteString("\n")
			b.WriteString(truncate(string(input), maxInputPreview))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (n Notifier) NotifyConfirmation(ctx context.Context, req confirm.Request) (string, error) {
	chatID, err := ParseChatID(req.ConversationID)
	if err != nil {
		return "", err
	}
	id, err := n.Client.Send(ctx, chatID, PromptText(req), Keyboard(req.ID))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

func (n Notifier) NotifyResolved(ctx context.Context, req confirm.Request) {
	if req.MessageRef == "" {
		return
	}
	chatID, err := ParseChatID(req.ConversationID)
	if err != nil {
		return
	}
	msgID, err := strconv.ParseInt(req.MessageRef, 10, 64)
	if err != nil {
		return
	}
	var verdict string
	switch req.Decision {
	case confirm.DecisionApproved:
		verdict = "✅ Approved"
	case confirm.DecisionTimedOut:
		verdict = "⌛ Timed out"
	default:
		verdict = "❌ Rejected"
	}
	text := PromptText(req) + "\n\n" + verdict
	if err := n.Client.Edit(ctx, chatID, msgID, text, nil); err != nil {
		n.logger().Warn("failed to update confirmation prompt", "id", req.ID, "error", err)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
