package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bazelment/yoloswe/switchboard/agentstream"
	"github.com/bazelment/yoloswe/switchboard/confirm"
	"github.com/bazelment/yoloswe/switchboard/router"
)

// Service is the part of turn.Service the bot drives.
type Service interface {
	StartTurn(ctx context.Context, convID, text string) (*agentstream.StreamOutcome, error)
	DeveloperTurn(ctx context.Context, convID, text string) (router.DeveloperResult, error)
	ResolveConfirmation(id string, approved bool) bool
	GetProviderStatus() []router.ProviderStatus
	SetProviderOverride(convID, providerID string) error
	ResetConversation(ctx context.Context, convID string) error
	ActiveBackend(convID string) string
	Cancel(convID string) bool
	Status(convID string) string
}

const helpText = `Send a message and I will pass it to the active backend.

/status - what the current turn is doing
/stop - cancel the current turn
/providers - list backends
/provider <id> - pin this chat to a backend (no id clears)
/reset - start a fresh backend conversation
/dev <question> - ask with the developer prompt`

// Bot long-polls Telegram and feeds messages to a Service.
type Bot struct {
	client      *Client
	svc         Service
	logger      *slog.Logger
	allowed     map[int64]bool
	pollTimeout time.Duration
	wg          sync.WaitGroup
}

// BotOption configures a Bot.
type BotOption func(*Bot)

// WithAllowedChats restricts the bot to chats; none means every chat.
func WithAllowedChats(ids ...int64) BotOption {
	return func(b *Bot) {
		for _, id := range ids {
			b.allowed[id] = true
		}
	}
}

// WithPollTimeout sets the long-poll timeout.
func WithPollTimeout(d time.Duration) BotOption {
	return func(b *Bot) {
		b.pollTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) BotOption {
	return func(b *Bot) {
		b.logger = l
	}
}

// NewBot creates a Bot.
func NewBot(client *Client, svc Service, opts ...BotOption) *Bot {
	b := &Bot{
		client:      client,
		svc:         svc,
		logger:      slog.Default(),
		allowed:     make(map[int64]bool),
		pollTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run polls until ctx is done, then waits for running turns to end.
func (b *Bot) Run(ctx context.Context) error {
	defer b.wg.Wait()
	b.logger.Info("telegram bot polling", "timeout", b.pollTimeout)
	var offset int64
	for {
		updates, next, err := b.client.GetUpdates(ctx, offset, b.pollTimeout)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			b.logger.Warn("telegram getUpdates failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		offset = next
		for _, u := range updates {
			b.Handle(ctx, u)
		}
	}
}

// Handle processes one update. Turns and button presses run in their own
// goroutine so neither one chat nor a slow decision stalls polling.
func (b *Bot) Handle(ctx context.Context, u Update) {
	switch {
	case u.CallbackQuery != nil:
		q := u.CallbackQuery
		b.spawn(ctx, func(ctx context.Context) { b.handleCallback(ctx, q) })
	case u.Message != nil && u.Message.Chat != nil:
		b.handleMessage(ctx, u.Message)
	}
}

// Wait blocks until every goroutine started by Handle has finished.
func (b *Bot) Wait() {
	b.wg.Wait()
}

func (b *Bot) authorized(chatID int64) bool {
	return len(b.allowed) == 0 || b.allowed[chatID]
}

func (b *Bot) handleCallback(ctx context.Context, q *CallbackQuery) {
	if q.Message != nil && q.Message.Chat != nil && !b.authorized(q.Message.Chat.ID) {
		b.answer(ctx, q.ID, "unauthorized")
		return
	}
	id, approved, err := confirm.ParseCallback(q.Data)
	if err != nil {
		b.answer(ctx, q.ID, "Unknown button")
		return
	}
	if !b.svc.ResolveConfirmation(id, approved) {
		b.answer(ctx, q.ID, "Already decided or expired")
		return
	}
	if approved {
		b.answer(ctx, q.ID, "Approved")
	} else {
		b.answer(ctx, q.ID, "Rejected")
	}
}

func (b *Bot) answer(ctx context.Context, callbackID, text string) {
	if err := b.client.AnswerCallback(ctx, callbackID, text); err != nil {
		b.logger.Debug("answerCallbackQuery failed", "error", err)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *Message) {
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)
	if text == "" || (msg.From != nil && msg.From.IsBot) {
		return
	}
	if !b.authorized(chatID) {
		b.logger.Warn("telegram unauthorized chat", "chat_id", chatID)
		b.reply(ctx, chatID, "unauthorized")
		return
	}
	conv := ConversationID(chatID)

	cmd, args := splitCommand(text)
	switch cmd {
	case "/start", "/help":
		b.reply(ctx, chatID, helpText)
	case "/status":
		b.reply(ctx, chatID, b.svc.Status(conv))
	case "/stop":
		if b.svc.Cancel(conv) {
			b.reply(ctx, chatID, "Stopped.")
		} else {
			b.reply(ctx, chatID, "Nothing is running.")
		}
	case "/providers":
		b.reply(ctx, chatID, FormatProviders(b.svc.GetProviderStatus(), b.svc.ActiveBackend(conv)))
	case "/provider":
		if err := b.svc.SetProviderOverride(conv, args); err != nil {
			b.reply(ctx, chatID, err.Error())
			return
		}
		if args == "" {
			b.reply(ctx, chatID, "Provider override cleared.")
		} else {
			b.reply(ctx, chatID, "Using "+args+" for this chat.")
		}
	case "/reset":
		if err := b.svc.ResetConversation(ctx, conv); err != nil {
			if agentstream.KindOf(err) == agentstream.KindBusy {
				b.reply(ctx, chatID, "A turn is running. /stop it first.")
				return
			}
			b.reply(ctx, chatID, "Error: "+err.Error())
			return
		}
		b.reply(ctx, chatID, "Started a fresh conversation.")
	case "/dev":
		if args == "" {
			b.reply(ctx, chatID, "usage: /dev <question>")
			return
		}
		b.spawn(ctx, func(ctx context.Context) {
			res, err := b.svc.DeveloperTurn(ctx, conv, args)
			if err != nil {
				b.reply(ctx, chatID, "Error: "+err.Error())
				return
			}
			b.reply(ctx, chatID, res.Text)
		})
	default:
		if strings.HasPrefix(cmd, "/") {
			b.reply(ctx, chatID, "Unknown command. /help lists them.")
			return
		}
		b.spawn(ctx, func(ctx context.Context) {
			if err := b.client.SendTyping(ctx, chatID); err != nil {
				b.logger.Debug("sendChatAction failed", "error", err)
			}
			_, err := b.svc.StartTurn(ctx, conv, text)
			if agentstream.KindOf(err) == agentstream.KindBusy {
				b.reply(ctx, chatID, "Still working on your previous message. /stop cancels it.")
			}
		})
	}
}

func (b *Bot) spawn(ctx context.Context, fn func(context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(ctx)
	}()
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if _, err := b.client.Send(ctx, chatID, text, nil); err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Warn("telegram reply failed", "chat_id", chatID, "error", err)
	}
}

// FormatProviders renders provider status for chat.
func FormatProviders(providers []router.ProviderStatus, active string) string {
	var sb strings.Builder
	for _, p := range providers {
		mark := "✗"
		if p.Available {
			mark = "✓"
		}
		fmt.Fprintf(&sb, "%s %s (%s)", mark, p.Label, p.ID)
		if p.ID == active {
			sb.WriteString(" ← active")
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// splitCommand splits "/cmd@bot args" into ("/cmd", "args").
func splitCommand(text string) (string, string) {
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	cmd, rest, _ := strings.Cut(text, " ")
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), strings.TrimSpace(rest)
}
