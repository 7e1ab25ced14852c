package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/switchboard/agentstream"
	"github.com/bazelment/yoloswe/switchboard/confirm"
	"github.com/bazelment/yoloswe/switchboard/router"
	"github.com/bazelment/yoloswe/switchboard/store"
	"github.com/bazelment/yoloswe/switchboard/streamstate"
)

type fakeService struct {
	turnErr  error
	subs     chan agentstream.Envelope
	override string
	mu       sync.Mutex
}

func (f *fakeService) StartTurn(_ context.Context, convID, text string) (*agentstream.StreamOutcome, error) {
	if f.turnErr != nil {
		return nil, f.turnErr
	}
	return &agentstream.StreamOutcome{Text: "echo " + text, BackendID: "claude", SessionRef: convID}, nil
}

func (f *fakeService) DeveloperTurn(_ context.Context, _, text string) (router.DeveloperResult, error) {
	return router.DeveloperResult{Text: "dev " + text, BackendID: "gemini", WasFallback: true}, nil
}

func (f *fakeService) ResolveConfirmation(id string, _ bool) bool { return id == "req-1" }

func (f *fakeService) PendingConfirmations() []confirm.Request {
	return []confirm.Request{{
		ID:             "req-1",
		ConversationID: "c1",
		Reason:         "destructive shell command",
		Invocation:     agentstream.ToolInvocation{Name: "Bash", Input: map[string]interface{}{"command": "rm -rf x"}},
	}}
}

func (f *fakeService) GetProviderStatus() []router.ProviderStatus {
	return []router.ProviderStatus{{ID: "claude", Label: "Claude Code", Available: true, Default: true}}
}

func (f *fakeService) SetProviderOverride(_, id string) error {
	if id != "" && id != "claude" {
		return router.ErrUnknownProvider
	}
	f.mu.Lock()
	f.override = id
	f.mu.Unlock()
	return nil
}

func (f *fakeService) ActiveBackend(string) string { return "claude" }

func (f *fakeService) Cancel(convID string) bool { return convID == "busy" }

func (f *fakeService) Status(string) string { return "Thinking…" }

func (f *fakeService) Snapshot(convID string) (*streamstate.Session, bool) {
	if convID != "c1" {
		return nil, false
	}
	return &streamstate.Session{Phase: agentstream.PhaseConfirmation, BackendID: "claude", PendingConfirmationID: "req-1"}, true
}

func (f *fakeService) Subscribe(string) (<-chan agentstream.Envelope, func()) {
	return f.subs, func() {}
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&m))
	return m
}

func TestHealth(t *testing.T) {
	w := do(t, NewServer(&fakeService{}), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestStartTurn(t *testing.T) {
	s := NewServer(&fakeService{})
	w := do(t, s, http.MethodPost, "/api/v1/conversations/c1/turns", `{"text":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var out agentstream.StreamOutcome
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	assert.Equal(t, "echo hi", out.Text)
	assert.Equal(t, "c1", out.SessionRef)

	w = do(t, s, http.MethodPost, "/api/v1/conversations/c1/turns", `{"text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, s, http.MethodPost, "/api/v1/conversations/c1/turns", `{`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartTurnErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{agentstream.Errorf(agentstream.KindBusy, "claude", "busy"), http.StatusConflict},
		{agentstream.Errorf(agentstream.KindTimeout, "claude", "slow"), http.StatusGatewayTimeout},
		{agentstream.Errorf(agentstream.KindUnavailable, "", "none"), http.StatusServiceUnavailable},
		{agentstream.Errorf(agentstream.KindRejected, "", "no"), http.StatusUnprocessableEntity},
		{agentstream.Errorf(agentstream.KindBackend, "claude", "boom"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(string(agentstream.KindOf(tt.err)), func(t *testing.T) {
			s := NewServer(&fakeService{turnErr: tt.err})
			w := do(t, s, http.MethodPost, "/api/v1/conversations/c1/turns", `{"text":"hi"}`)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, string(agentstream.KindOf(tt.err)), decode(t, w)["kind"])
		})
	}
}

func TestErrorIncludesHint(t *testing.T) {
	err := &agentstream.BackendError{Kind: agentstream.KindTimeout, Message: "no output", Hint: "log in"}
	s := NewServer(&fakeService{turnErr: err})
	w := do(t, s, http.MethodPost, "/api/v1/conversations/c1/turns", `{"text":"hi"}`)
	assert.Equal(t, "log in", decode(t, w)["hint"])
}

func TestDeveloperTurn(t *testing.T) {
	w := do(t, NewServer(&fakeService{}), http.MethodPost, "/api/v1/conversations/c1/developer", `{"text":"q"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "dev q", body["text"])
	assert.Equal(t, true, body["was_fallback"])
}

func TestStatusAndCancel(t *testing.T) {
	s := NewServer(&fakeService{})
	body := decode(t, do(t, s, http.MethodGet, "/api/v1/conversations/c1/status", ""))
	assert.Equal(t, "Thinking…", body["status"])
	assert.Equal(t, "confirmation", body["phase"])
	assert.Equal(t, true, body["active"])
	assert.Equal(t, "req-1", body["pending_confirmation"])

	body = decode(t, do(t, s, http.MethodGet, "/api/v1/conversations/other/status", ""))
	assert.Equal(t, "idle", body["phase"])
	assert.Equal(t, false, body["active"])

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/v1/conversations/busy/cancel", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/api/v1/conversations/idle/cancel", "").Code)
}

func TestProviders(t *testing.T) {
	svc := &fakeService{}
	s := NewServer(svc)
	w := do(t, s, http.MethodGet, "/api/v1/providers", "")
	require.Equal(t, http.StatusOK, w.Code)
	var status []router.ProviderStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	require.Len(t, status, 1)
	assert.True(t, status[0].Available)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPut, "/api/v1/conversations/c1/provider", `{"provider":"claude"}`).Code)
	assert.Equal(t, "claude", svc.override)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPut, "/api/v1/conversations/c1/provider", `{"provider":"nope"}`).Code)
}

func TestConfirmations(t *testing.T) {
	s := NewServer(&fakeService{})
	w := do(t, s, http.MethodGet, "/api/v1/confirmations", "")
	require.Equal(t, http.StatusOK, w.Code)
	var pending []map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "Bash", pending[0]["tool"])

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/v1/confirmations/req-1", `{"approved":true}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/api/v1/confirmations/zzz", `{"approved":false}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/v1/confirmations/req-1", `{}`).Code)
}

func TestDecisions(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, do(t, NewServer(&fakeService{}), http.MethodGet, "/api/v1/decisions", "").Code)

	mem := store.NewMemory()
	require.NoError(t, mem.RecordDecision(context.Background(), confirm.Request{
		ID: "r1", ConversationID: "c1", Decision: confirm.DecisionApproved, ResolvedAt: time.Now(),
	}))
	s := NewServer(&fakeService{}, WithDecisions(mem))
	w := do(t, s, http.MethodGet, "/api/v1/decisions?conversation=c1&limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	var out []store.Decision
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	require.Len(t, out, 1)
	assert.Equal(t, "approved", out[0].Decision)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/decisions?limit=-1", "").Code)
}

func TestBearerAuth(t *testing.T) {
	s := NewServer(&fakeService{}, WithAPIToken("secret"))
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodGet, "/api/v1/providers", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/providers", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEventStream(t *testing.T) {
	svc := &fakeService{subs: make(chan agentstream.Envelope, 2)}
	srv := httptest.NewServer(NewServer(svc).Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/conversations/c1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	svc.subs <- agentstream.NewEnvelope("c1", agentstream.ContentDelta{Text: "he", FullText: "he"})
	svc.subs <- agentstream.NewEnvelope("c1", agentstream.PhaseChange{Phase: agentstream.PhaseResponse})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var first, second agentstream.Envelope
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "content_delta", first.Kind)
	assert.Equal(t, "he", first.Text)
	assert.Equal(t, agentstream.PhaseResponse, second.Phase)

	close(svc.subs)
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "server closes the stream when the subscription ends")
}
