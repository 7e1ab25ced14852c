package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/bazelment/yoloswe/switchboard/agentstream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeCLI writes an executable shell script standing in for the agent CLI.
func fakeCLI(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// recorder collects events delivered to a sink.
type recorder struct {
	events []agentstream.Event
	mu     sync.Mutex
}

func (r *recorder) sink(ev agentstream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []agentstream.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]agentstream.EventKind, 0, len(r.events))
	for _, ev := range r.events {
		kinds = append(kinds, ev.StreamEventKind())
	}
	return kinds
}

func (r *recorder) last() agentstream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

func TestBuildArgs(t *testing.T) {
	t.Parallel()
	e := New(
		WithModel("sonnet"),
		WithAllowedTools("Read", "Grep"),
		WithDisallowedTools("Bash"),
		WithSystemPrompt("be brief"),
		WithExtraArgs("--verbose"),
	)

	args := e.BuildArgs(Request{Prompt: "hello", SessionRef: "sess-1", Model: "opus"})
	assert.Equal(t, []string{
		"--output-format", "json",
		"--resume", "sess-1",
		"--model", "opus",
		"--allowedTools", "Read", "Grep",
		"--disallowedTools", "Bash",
		"--system-prompt", "be brief",
		"--verbose",
		"--", "hello",
	}, args)

	minimal := New().BuildArgs(Request{Prompt: "-x"})
	assert.Equal(t, []string{"--output-format", "json", "--", "-x"}, minimal)
}

func TestExecute_ResultOnly(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `echo '{"type":"result","result":"OK"}'`)
	e := New(WithCLIPath(cli))
	rec := &recorder{}

	out, err := e.Execute(context.Background(), Request{ConversationID: "c1", Prompt: "hi"}, rec.sink)
	require.NoError(t, err)
	assert.Equal(t, "OK", out.Text)
	assert.Equal(t, "claude", out.BackendID)
	assert.Equal(t, []agentstream.EventKind{
		agentstream.KindPhaseChange,
		agentstream.KindContentDelta,
		agentstream.KindTurnComplete,
	}, rec.kinds())
	assert.False(t, e.Active("c1"))
}

func TestExecute_FullStream(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `cat <<'EOF'
{"type":"system","subtype":"init","session_id":"sess-42"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Looking."},{"type":"tool_use","id":"tu1","name":"Read","input":{"path":"a.go"}}]}}
{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu1","content":[{"type":"text","text":"package a"}]}]}}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":" Done."}]}}
{"type":"result","subtype":"success","result":"Looking. Done.","session_id":"sess-42","usage":{"input_tokens":12,"output_tokens":7}}
EOF`)
	e := New(WithCLIPath(cli))
	rec := &recorder{}

	out, err := e.Execute(context.Background(), Request{ConversationID: "c1", Prompt: "read a.go"}, rec.sink)
	require.NoError(t, err)
	assert.Equal(t, "Looking. Done.", out.Text)
	assert.Equal(t, "sess-42", out.SessionRef)
	assert.Equal(t, 12, out.InputTokens)
	assert.Equal(t, 7, out.OutputTokens)

	assert.Equal(t, []agentstream.EventKind{
		agentstream.KindPhaseChange,
		agentstream.KindContentDelta,
		agentstream.KindToolInvocation,
		agentstream.KindToolOutcome,
		agentstream.KindContentDelta,
		agentstream.KindTurnComplete,
	}, rec.kinds())

	inv := rec.events[2].(agentstream.ToolInvocation)
	assert.Equal(t, "tu1", inv.ID)
	assert.Equal(t, "Read", inv.Name)
	assert.Equal(t, "a.go", inv.Input["path"])

	outcome := rec.events[3].(agentstream.ToolOutcome)
	assert.Equal(t, "tu1", outcome.ToolInvocationID)
	assert.Equal(t, "package a", outcome.Content)

	delta := rec.events[4].(agentstream.ContentDelta)
	assert.Equal(t, "Looking. Done.", delta.FullText)
}

func TestExecute_RawTextFallback(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `echo "plain line one"
echo "not json {"
echo '{"type":"mystery"}'`)
	e := New(WithCLIPath(cli))

	out, err := e.Execute(context.Background(), Request{ConversationID: "c1", Prompt: "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "plain line one\nnot json {", out.Text)
}

func TestExecute_PassesResumeAndPrompt(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `printf '%s\n' "$@"`)
	e := New(WithCLIPath(cli))

	out, err := e.Execute(context.Background(), Request{ConversationID: "c1", Prompt: "the prompt", SessionRef: "sess-1"}, nil)
	require.NoError(t, err)
	assert.Contains(t, out.Text, "--resume\nsess-1")
	assert.Contains(t, out.Text, "--\nthe prompt")
}

func TestExecute_TimeoutWithoutOutput(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `sleep 30`)
	e := New(WithCLIPath(cli), WithTimeout(200*time.Millisecond), WithGracePeriod(100*time.Millisecond))
	rec := &recorder{}

	start := time.Now()
	_, err := e.Execute(context.Background(), Request{ConversationID: "c1", Prompt: "hi"}, rec.sink)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, agentstream.KindTimeout, agentstream.KindOf(err))
	assert.Contains(t, err.Error(), "authenticat")
	assert.IsType(t, agentstream.StreamError{}, rec.last())
}

func TestExecute_TimeoutWithPartialOutput(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `echo '{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}'
sleep 30`)
	e := New(WithCLIPath(cli), WithTimeout(300*time.Millisecond), WithGracePeriod(100*time.Millisecond))

	_, err := e.Execute(context.Background(), Request{ConversationID: "c1", Prompt: "hi"}, nil)
	require.Error(t, err)
	assert.Equal(t, agentstream.KindTimeout, agentstream.KindOf(err))
	assert.Contains(t, err.Error(), "partial output")
	assert.NotContains(t, err.Error(), "authenticat")
}

func TestExecute_SinkTimeNotCharged(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `echo '{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}'
echo '{"type":"result","result":"listed"}'`)
	e := New(WithCLIPath(cli), WithTimeout(300*time.Millisecond))

	out, err := e.Execute(context.Background(), Request{ConversationID: "c1", Prompt: "hi"}, func(ev agentstream.Event) {
		if _, ok := ev.(agentstream.ToolInvocation); ok {
			// Stands in for a human approving the call.
			time.Sleep(600 * time.Millisecond)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, "listed", out.Text)
}

func TestExecute_NotInstalled(t *testing.T) {
	t.Parallel()
	for _, path := range []string{"switchboard-no-such-agent-binary", "/nonexistent/dir/agent"} {
		e := New(WithCLIPath(path))
		_, err := e.Execute(context.Background(), Request{ConversationID: "c1", Prompt: "hi"}, nil)
		require.Error(t, err)
		assert.Equal(t, agentstream.KindUnavailable, agentstream.KindOf(err), path)
		assert.Contains(t, err.Error(), "not installed")
	}
}

func TestExecute_NonZeroExitAuthHint(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `echo "Error: invalid API key, please run login" >&2
exit 1`)
	e := New(WithCLIPath(cli))

	_, err := e.Execute(context.Background(), Request{ConversationID: "c1", Prompt: "hi"}, nil)
	require.Error(t, err)
	var be *agentstream.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, agentstream.KindBackend, be.Kind)
	assert.Equal(t, agentstream.CategoryCLI, be.Category)
	assert.Contains(t, be.Message, "invalid API key")
	assert.Contains(t, be.Hint, "authentication")
}

func TestExecute_NonZeroExitWithoutAuthPhrase(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `echo "segfault in module" >&2
exit 3`)
	e := New(WithCLIPath(cli))

	_, err := e.Execute(context.Background(), Request{ConversationID: "c1", Prompt: "hi"}, nil)
	var be *agentstream.BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, agentstream.CategoryCLI, be.Category)
	assert.Empty(t, be.Hint)
}

func TestExecute_NonZeroExitAfterResultSucceeds(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `echo '{"type":"result","result":"fine"}'
exit 2`)
	e := New(WithCLIPath(cli))

	out, err := e.Execute(context.Background(), Request{ConversationID: "c1", Prompt: "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fine", out.Text)
}

func TestExecute_ErrorResult(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `echo '{"type":"result","is_error":true,"result":"model overloaded"}'`)
	e := New(WithCLIPath(cli))

	_, err := e.Execute(context.Background(), Request{ConversationID: "c1", Prompt: "hi"}, nil)
	require.Error(t, err)
	assert.Equal(t, agentstream.KindBackend, agentstream.KindOf(err))
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestExecute_EmptyOutput(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `exit 0`)
	e := New(WithCLIPath(cli))

	_, err := e.Execute(context.Background(), Request{ConversationID: "c1", Prompt: "hi"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without output")
}

func TestExecute_BusyPerConversation(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `sleep 30`)
	e := New(WithCLIPath(cli), WithGracePeriod(100*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(ctx, Request{ConversationID: "c1", Prompt: "first"}, nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return e.Active("c1") }, 5*time.Second, 10*time.Millisecond)

	_, err := e.Execute(context.Background(), Request{ConversationID: "c1", Prompt: "second"}, nil)
	assert.Equal(t, agentstream.KindBusy, agentstream.KindOf(err))
	assert.True(t, e.Active("c1"), "busy rejection must not disturb the running call")

	cancel()
	select {
	case err := <-done:
		assert.Equal(t, agentstream.KindCancelled, agentstream.KindOf(err))
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled call did not return")
	}
	assert.False(t, e.Active("c1"))
}

func TestExecute_CancelKillsStubbornProcess(t *testing.T) {
	t.Parallel()
	cli := fakeCLI(t, `trap '' TERM
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"started"}]}}'
while true; do sleep 0.1; done`)
	e := New(WithCLIPath(cli), WithGracePeriod(200*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := e.Execute(ctx, Request{ConversationID: "c1", Prompt: "hi"}, func(ev agentstream.Event) {
		if _, ok := ev.(agentstream.ContentDelta); ok {
			cancel()
		}
	})
	require.Error(t, err)
	assert.Equal(t, agentstream.KindCancelled, agentstream.KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)
}
