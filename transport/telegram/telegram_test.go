package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/switchboard/agentstream"
	"github.com/bazelment/yoloswe/switchboard/confirm"
	"github.com/bazelment/yoloswe/switchboard/router"
)

type apiCall struct {
	body   map[string]interface{}
	method string
}

// fakeAPI is an httptest Bot API. handler may override the reply per
// method; by default every call succeeds with message id 42.
type fakeAPI struct {
	handler func(method string, body map[string]interface{}) (int, string)
	calls   []apiCall
	mu      sync.Mutex
}

func (f *fakeAPI) serve(t *testing.T) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		method := parts[len(parts)-1]
		assert.Equal(t, "/bottok", "/"+parts[1])
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.calls = append(f.calls, apiCall{method: method, body: body})
		handler := f.handler
		f.mu.Unlock()

		status, reply := http.StatusOK, `{"ok":true,"result":{"message_id":42}}`
		if handler != nil {
			status, reply = handler(method, body)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.Client(), srv.URL, "tok", nil)
}

func (f *fakeAPI) snapshot() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

func (f *fakeAPI) texts(method string) []string {
	var out []string
	for _, c := range f.snapshot() {
		if c.method == method {
			out = append(out, c.body["text"].(string))
		}
	}
	return out
}

func TestClientSendEditDelete(t *testing.T) {
	api := &fakeAPI{}
	c := api.serve(t)
	ctx := context.Background()

	id, err := c.Send(ctx, 7, "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	require.NoError(t, c.Edit(ctx, 7, 42, "hello again", nil))
	require.NoError(t, c.Delete(ctx, 7, 42))

	calls := api.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, "sendMessage", calls[0].method)
	assert.Equal(t, float64(7), calls[0].body["chat_id"])
	assert.NotContains(t, calls[0].body, "reply_markup")
	assert.Equal(t, "editMessageText", calls[1].method)
	assert.Equal(t, float64(42), calls[1].body["message_id"])
	assert.Equal(t, "deleteMessage", calls[2].method)
}

func TestClientErrors(t *testing.T) {
	api := &fakeAPI{handler: func(method string, _ map[string]interface{}) (int, string) {
		if method == "editMessageText" {
			return http.StatusBadRequest, `{"ok":false,"description":"Bad Request: message is not modified"}`
		}
		return http.StatusTooManyRequests, `{"ok":false,"description":"Too Many Requests","parameters":{"retry_after":3}}`
	}}
	c := api.serve(t)

	assert.ErrorIs(t, c.Edit(context.Background(), 1, 2, "x", nil), ErrNotModified)

	_, err := c.Send(context.Background(), 1, "x", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Equal(t, 3, apiErr.RetryAfter)
	assert.Contains(t, err.Error(), "retry after 3s")
}

func TestGetUpdatesAdvancesOffset(t *testing.T) {
	api := &fakeAPI{handler: func(string, map[string]interface{}) (int, string) {
		return http.StatusOK, `{"ok":true,"result":[
			{"update_id":10,"message":{"message_id":1,"chat":{"id":5},"text":"hi"}},
			{"update_id":11,"callback_query":{"id":"cb","data":"abc:approve"}}]}`
	}}
	c := api.serve(t)

	updates, next, err := c.GetUpdates(context.Background(), 3, time.Second)
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, int64(12), next)
	assert.Equal(t, "hi", updates[0].Message.Text)
	assert.Equal(t, "abc:approve", updates[1].CallbackQuery.Data)
	assert.Equal(t, float64(3), api.snapshot()[0].body["offset"])
}

func TestMessenger(t *testing.T) {
	api := &fakeAPI{handler: func(method string, _ map[string]interface{}) (int, string) {
		if method == "editMessageText" {
			return http.StatusBadRequest, `{"ok":false,"description":"Bad Request: message is not modified"}`
		}
		return http.StatusOK, `{"ok":true,"result":{"message_id":99}}`
	}}
	m := Messenger{Client: api.serve(t)}
	ctx := context.Background()

	id, err := m.SendMessage(ctx, "-100", "x")
	require.NoError(t, err)
	assert.Equal(t, "99", id)
	require.NoError(t, m.EditMessage(ctx, "-100", "99", "x"), "unchanged text is not an error")
	require.NoError(t, m.DeleteMessage(ctx, "-100", "99"))

	_, err = m.SendMessage(ctx, "not-a-chat", "x")
	require.Error(t, err)
	require.Error(t, m.EditMessage(ctx, "1", "nope", "x"))
}

func TestNotifier(t *testing.T) {
	api := &fakeAPI{}
	n := Notifier{Client: api.serve(t)}
	req := confirm.Request{
		ID:             "req-1",
		ConversationID: "5",
		Reason:         "destructive shell command",
		Invocation: agentstream.ToolInvocation{
			Name:  "Bash",
			Input: map[string]interface{}{"command": "rm -rf /tmp/x"},
		},
	}

	ref, err := n.NotifyConfirmation(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "42", ref)

	calls := api.snapshot()
	require.Len(t, calls, 1)
	text := calls[0].body["text"].(string)
	assert.Contains(t, text, "Approval needed: Bash")
	assert.Contains(t, text, "rm -rf /tmp/x")
	markup, _ := json.Marshal(calls[0].body["reply_markup"])
	assert.Contains(t, string(markup), `"callback_data":"req-1:approve"`)
	assert.Contains(t, string(markup), `"callback_data":"req-1:reject"`)

	req.MessageRef = ref
	req.Decision = confirm.DecisionTimedOut
	n.NotifyResolved(context.Background(), req)
	edits := api.texts("editMessageText")
	require.Len(t, edits, 1)
	assert.Contains(t, edits[0], "Timed out")
}

type fakeService struct {
	resolved  map[string]bool
	// hold, when set, blocks ResolveConfirmation until closed.
	hold      chan struct{}
	turns     []string
	override  string
	turnErr   error
	resetErr  error
	resets    int
	cancelled bool
	mu        sync.Mutex
}

func (s *fakeService) StartTurn(_ context.Context, convID, text string) (*agentstream.StreamOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, convID+":"+text)
	if s.turnErr != nil {
		return nil, s.turnErr
	}
	return &agentstream.StreamOutcome{Text: "ok"}, nil
}

func (s *fakeService) DeveloperTurn(_ context.Context, _, text string) (router.DeveloperResult, error) {
	return router.DeveloperResult{Text: "dev: " + text}, nil
}

func (s *fakeService) ResolveConfirmation(id string, approved bool) bool {
	if s.hold != nil {
		<-s.hold
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.resolved[id]; seen || id != "req-1" {
		return false
	}
	s.resolved[id] = approved
	return true
}

func (s *fakeService) GetProviderStatus() []router.ProviderStatus {
	return []router.ProviderStatus{
		{ID: "claude", Label: "Claude Code", Available: true},
		{ID: "gemini", Label: "Gemini"},
	}
}

func (s *fakeService) SetProviderOverride(_, id string) error {
	s.override = id
	return nil
}

func (s *fakeService) ResetConversation(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return s.resetErr
}

func (s *fakeService) ActiveBackend(string) string { return "claude" }

func (s *fakeService) Cancel(string) bool {
	s.cancelled = true
	return true
}

func (s *fakeService) Status(string) string { return "Thinking…" }

func message(chatID int64, text string) Update {
	return Update{Message: &Message{Chat: &Chat{ID: chatID}, Text: text}}
}

func TestBotCommands(t *testing.T) {
	api := &fakeAPI{}
	svc := &fakeService{resolved: map[string]bool{}}
	bot := NewBot(api.serve(t), svc)
	ctx := context.Background()

	bot.Handle(ctx, message(5, "/status"))
	bot.Handle(ctx, message(5, "/stop"))
	bot.Handle(ctx, message(5, "/providers"))
	bot.Handle(ctx, message(5, "/provider@switchbot gemini"))
	bot.Handle(ctx, message(5, "/dev why?"))
	bot.Wait()
	bot.Handle(ctx, message(5, "/bogus"))
	bot.Wait()

	texts := api.texts("sendMessage")
	require.Len(t, texts, 6)
	assert.Equal(t, "Thinking…", texts[0])
	assert.Equal(t, "Stopped.", texts[1])
	assert.Equal(t, "✓ Claude Code (claude) ← active\n✗ Gemini (gemini)", texts[2])
	assert.Equal(t, "Using gemini for this chat.", texts[3])
	assert.Equal(t, "dev: why?", texts[4])
	assert.Contains(t, texts[5], "Unknown command")
	assert.True(t, svc.cancelled)
	assert.Equal(t, "gemini", svc.override)
}

func TestBotStartsTurns(t *testing.T) {
	api := &fakeAPI{}
	svc := &fakeService{resolved: map[string]bool{}}
	bot := NewBot(api.serve(t), svc)

	bot.Handle(context.Background(), message(5, "  fix the tests  "))
	bot.Wait()
	assert.Equal(t, []string{"5:fix the tests"}, svc.turns)
	assert.Empty(t, api.texts("sendMessage"))

	svc.turnErr = agentstream.Errorf(agentstream.KindBusy, "claude", "busy")
	bot.Handle(context.Background(), message(5, "again"))
	bot.Wait()
	texts := api.texts("sendMessage")
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Still working")
}

func TestBotCallbacks(t *testing.T) {
	api := &fakeAPI{}
	svc := &fakeService{resolved: map[string]bool{}}
	bot := NewBot(api.serve(t), svc)
	ctx := context.Background()

	press := func(data string) {
		bot.Handle(ctx, Update{CallbackQuery: &CallbackQuery{ID: "cb", Data: data}})
		bot.Wait()
	}
	press("req-1:reject")
	press("req-1:approve")
	press("garbage")

	var answers []string
	for _, c := range api.snapshot() {
		if c.method == "answerCallbackQuery" {
			answers = append(answers, c.body["text"].(string))
		}
	}
	assert.Equal(t, []string{"Rejected", "Already decided or expired", "Unknown button"}, answers)
	assert.Equal(t, map[string]bool{"req-1": false}, svc.resolved)
}

func TestBotCallbackDoesNotBlockUpdates(t *testing.T) {
	api := &fakeAPI{}
	svc := &fakeService{resolved: map[string]bool{}, hold: make(chan struct{})}
	bot := NewBot(api.serve(t), svc)
	ctx := context.Background()

	bot.Handle(ctx, Update{CallbackQuery: &CallbackQuery{ID: "cb", Data: "req-1:approve"}})
	// The decision is still pending, yet the next update is served.
	bot.Handle(ctx, message(5, "/status"))
	assert.Equal(t, []string{"Thinking…"}, api.texts("sendMessage"))

	close(svc.hold)
	bot.Wait()
	assert.Equal(t, map[string]bool{"req-1": true}, svc.resolved)
}

func TestBotReset(t *testing.T) {
	api := &fakeAPI{}
	svc := &fakeService{resolved: map[string]bool{}}
	bot := NewBot(api.serve(t), svc)
	ctx := context.Background()

	bot.Handle(ctx, message(5, "/reset"))
	svc.resetErr = agentstream.Errorf(agentstream.KindBusy, "", "busy")
	bot.Handle(ctx, message(5, "/reset"))

	texts := api.texts("sendMessage")
	require.Len(t, texts, 2)
	assert.Equal(t, "Started a fresh conversation.", texts[0])
	assert.Contains(t, texts[1], "/stop it first")
	assert.Equal(t, 2, svc.resets)
}

func TestBotAllowedChats(t *testing.T) {
	api := &fakeAPI{}
	svc := &fakeService{resolved: map[string]bool{}}
	bot := NewBot(api.serve(t), svc, WithAllowedChats(1))

	bot.Handle(context.Background(), message(2, "hello"))
	bot.Wait()
	assert.Empty(t, svc.turns)
	assert.Equal(t, []string{"unauthorized"}, api.texts("sendMessage"))
}

func TestBotRunStopsOnCancel(t *testing.T) {
	api := &fakeAPI{handler: func(string, map[string]interface{}) (int, string) {
		return http.StatusOK, `{"ok":true,"result":[]}`
	}}
	bot := NewBot(api.serve(t), &fakeService{}, WithPollTimeout(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bot.Run(ctx) }()
	require.Eventually(t, func() bool { return len(api.snapshot()) > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSplitCommand(t *testing.T) {
	cmd, args := splitCommand("/Provider@bot  gemini ")
	assert.Equal(t, "/provider", cmd)
	assert.Equal(t, "gemini", args)
	cmd, args = splitCommand("plain text")
	assert.Empty(t, cmd)
	assert.Equal(t, "plain text", args)
}
