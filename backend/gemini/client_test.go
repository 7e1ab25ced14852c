package gemini

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/switchboard/agentstream"
)

func TestNewClient_RequiresKey(t *testing.T) {
	t.Parallel()
	_, err := NewClient(t.Context(), Config{})
	assert.Error(t, err)
}

func TestComplete(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/models/gemini-test:generateContent"), r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		contents, _ := body["contents"].([]interface{})
		assert.Len(t, contents, 2)
		assert.NotNil(t, body["systemInstruction"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"candidates":[{"content":{"role":"model","parts":[{"text":"bonjour"}]}}],
			"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":1}
		}`))
	}))
	defer srv.Close()

	c, err := NewClient(t.Context(), Config{APIKey: "g-key", Model: "gemini-test", BaseURL: srv.URL})
	require.NoError(t, err)
	got, err := c.Complete(t.Context(), "translate", []agentstream.Message{
		{Role: agentstream.RoleUser, Content: "hello"},
		{Role: agentstream.RoleAssistant, Content: "?"},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "bonjour", got.Text)
	assert.Equal(t, 4, got.InputTokens)
	assert.Equal(t, 1, got.OutputTokens)
}

func TestComplete_RateLimited(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer srv.Close()

	c, err := NewClient(t.Context(), Config{APIKey: "g-key", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = c.Complete(t.Context(), "", []agentstream.Message{{Role: "user", Content: "hi"}}, "")
	var be *agentstream.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, agentstream.CategoryRateLimited, be.Category)
}
