// Package telegram adapts the Telegram Bot API to the outbound Messenger
// and confirmation Notifier interfaces, and polls it for updates.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the public Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// ErrNotModified is returned by EditMessage when the text is unchanged.
var ErrNotModified = errors.New("telegram: message is not modified")

// APIError is a Bot API failure response.
type APIError struct {
	Method      string
	Description string
	Status      int
	RetryAfter  int
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("telegram %s: http %d: %s", e.Method, e.Status, e.Description)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %ds)", e.RetryAfter)
	}
	return msg
}

// Client is a minimal Bot API client.
type Client struct {
	http    *http.Client
	logger  *slog.Logger
	baseURL string
	token   string
}

// NewClient creates a Client. A nil httpClient gets a 60s timeout, which
// must exceed the long-poll timeout.
func NewClient(httpClient *http.Client, baseURL, token string, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:    httpClient,
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

type apiResponse struct {
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
	OK bool `json:"ok"`
}

// call POSTs body as JSON to method and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return &APIError{Method: method, Status: resp.StatusCode, Description: strings.TrimSpace(string(raw))}
	}
	if !ar.OK || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if strings.Contains(ar.Description, "message is not modified") {
			return ErrNotModified
		}
		return &APIError{
			Method:      method,
			Status:      resp.StatusCode,
			Description: ar.Description,
			RetryAfter:  ar.Parameters.RetryAfter,
		}
	}
	if out != nil && len(ar.Result) > 0 {
		if err := json.Unmarshal(ar.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// InlineButton is one button of an inline keyboard.
type InlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type replyMarkup struct {
	InlineKeyboard [][]InlineButton `json:"inline_keyboard"`
}

type sendMessageRequest struct {
	ReplyMarkup *replyMarkup `json:"reply_markup,omitempty"`
	ChatID      int64        `json:"chat_id"`
	Text        string       `json:"text"`
}

type editMessageRequest struct {
	ReplyMarkup *replyMarkup `json:"reply_markup,omitempty"`
	ChatID      int64        `json:"chat_id"`
	MessageID   int64        `json:"message_id"`
	Text        string       `json:"text"`
}

type messageRequest struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

// Send posts text to chatID with an optional inline keyboard and returns
// the new message id.
func (c *Client) Send(ctx context.Context, chatID int64, text string, keyboard [][]InlineButton) (int64, error) {
	req := sendMessageRequest{ChatID: chatID, Text: text}
	if len(keyboard) > 0 {
		req.ReplyMarkup = &replyMarkup{InlineKeyboard: keyboard}
	}
	var msg Message
	if err := c.call(ctx, "sendMessage", req, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// Edit replaces a message's text. A nil keyboard removes any buttons.
func (c *Client) Edit(ctx context.Context, chatID, messageID int64, text string, keyboard [][]InlineButton) error {
	req := editMessageRequest{ChatID: chatID, MessageID: messageID, Text: text}
	if len(keyboard) > 0 {
		req.ReplyMarkup = &replyMarkup{InlineKeyboard: keyboard}
	}
	return c.call(ctx, "editMessageText", req, nil)
}

// Delete removes a message.
func (c *Client) Delete(ctx context.Context, chatID, messageID int64) error {
	return c.call(ctx, "deleteMessage", messageRequest{ChatID: chatID, MessageID: messageID}, nil)
}

// AnswerCallback acknowledges an inline button press with a short toast.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return c.call(ctx, "answerCallbackQuery", map[string]string{
		"callback_query_id": callbackID,
		"text":              text,
	}, nil)
}

// SendTyping shows the typing indicator.
func (c *Client) SendTyping(ctx context.Context, chatID int64) error {
	return c.call(ctx, "sendChatAction", map[string]interface{}{"chat_id": chatID, "action": "typing"}, nil)
}

// GetUpdates long-polls for updates at or after offset and returns them
// with the next offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, int64, error) {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	body := map[string]interface{}{
		"timeout":         secs,
		"allowed_updates": []string{"message", "callback_query"},
	}
	if offset > 0 {
		body["offset"] = offset
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	var updates []Update
	if err := c.call(reqCtx, "getUpdates", body, &updates); err != nil {
		return nil, offset, err
	}
	next := offset
	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
	}
	return updates, next, nil
}

// Messenger adapts Client to outbound.Messenger. Conversation ids are chat
// ids in decimal, message ids likewise.
type Messenger struct {
	Client *Client
}

func (m Messenger) SendMessage(ctx context.Context, convID, text string) (string, error) {
	chatID, err := ParseChatID(convID)
	if err != nil {
		return "", err
	}
	id, err := m.Client.Send(ctx, chatID, text, nil)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

func (m Messenger) EditMessage(ctx context.Context, convID, messageID, text string) error {
	chatID, err := ParseChatID(convID)
	if err != nil {
		return err
	}
	msgID, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad message id %q: %w", messageID, err)
	}
	err = m.Client.Edit(ctx, chatID, msgID, text, nil)
	if errors.Is(err, ErrNotModified) {
		return nil
	}
	return err
}

func (m Messenger) DeleteMessage(ctx context.Context, convID, messageID string) error {
	chatID, err := ParseChatID(convID)
	if err != nil {
		return err
	}
	msgID, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad message id %q: %w", messageID, err)
	}
	return m.Client.Delete(ctx, chatID, msgID)
}

// ParseChatID converts a conversation id back to a chat id.
func ParseChatID(convID string) (int64, error) {
	id, err := strconv.ParseInt(convID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("conversation %q is not a telegram chat: %w", convID, err)
	}
	return id, nil
}

// ConversationID formats a chat id as a conversation id.
func ConversationID(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}
