package confirm

import (
	"context"
	"errors"
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

func bash(id, command string) agentstream.ToolInvocation {
	return agentstream.ToolInvocation{ID: id, Name: "Bash", Input: map[string]interface{}{"command": command}}
}

func TestClassifier(t *testing.T) {
	t.Parallel()
	c := DefaultClassifier()

	tests := []struct {
		inv  agentstream.ToolInvocation
		name string
		want bool
	}{
		{name: "recursive delete", inv: bash("1", "rm -rf /tmp/build"), want: true},
		{name: "case insensitive", inv: bash("1", "RM -RF ./out"), want: true},
		{name: "force push", inv: bash("1", "git push --force origin main"), want: true},
		{name: "hard reset", inv: bash("1", "cd repo && git reset --hard HEAD~3"), want: true},
		{name: "disk write", inv: bash("1", "dd if=/dev/zero of=/dev/sda bs=1M"), want: true},
		{name: "permission strip", inv: bash("1", "chmod 000 secrets"), want: true},
		{name: "harmless shell", inv: bash("1", "ls -la && git status"), want: false},
		{name: "write tool", inv: agentstream.ToolInvocation{Name: "Write"}, want: true},
		{name: "edit tool lowercase", inv: agentstream.ToolInvocation{Name: "edit_file"}, want: true},
		{name: "read tool", inv: agentstream.ToolInvocation{Name: "Read", Input: map[string]interface{}{"command": "rm -rf /"}}, want: false},
		{name: "argv form", inv: agentstream.ToolInvocation{Name: "shell", Input: map[string]interface{}{"cmd": []interface{}{"rm", "-rf", "/"}}}, want: true},
		{name: "missing command", inv: agentstream.ToolInvocation{Name: "Bash"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, c.IsDangerous(tt.inv))
		})
	}

	assert.Contains(t, c.Reason(bash("1", "rm -rf x")), "rm -rf")
	assert.Empty(t, c.Reason(bash("1", "echo hi")))
}

func TestCallbackRoundTrip(t *testing.T) {
	t.Parallel()
	id, approved, err := ParseCallback(EncodeCallback("abc-123", true))
	require.NoError(t, err)
	assert.Equal(t, "abc-123", id)
	assert.True(t, approved)

	id, approved, err = ParseCallback("abc-123:reject")
	require.NoError(t, err)
	assert.Equal(t, "abc-123", id)
	assert.False(t, approved)

	for _, bad := range []string{"", "abc", ":approve", "abc:maybe"} {
		_, _, err := ParseCallback(bad)
		assert.ErrorIs(t, err, ErrBadCallback, bad)
	}
}

// recordingNotifier captures prompts and resolutions.
type recordingNotifier struct {
	prompts  chan Request
	err      error
	resolved []Request
	mu       sync.Mutex
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{prompts: make(chan Request, 10)}
}

func (n *recordingNotifier) NotifyConfirmation(_ context.Context, req Request) (string, error) {
	n.prompts <- req
	return "msg-" + req.ID, n.err
}

func (n *recordingNotifier) NotifyResolved(_ context.Context, req Request) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved = append(n.resolved, req)
}

func (n *recordingNotifier) resolvedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.resolved)
}

type memAuditor struct {
	// hold, when set, blocks RecordDecision until closed.
	hold      chan struct{}
	decisions []Decision
	mu        sync.Mutex
}

func (a *memAuditor) RecordDecision(_ context.Context, req Request) error {
	if a.hold != nil {
		<-a.hold
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decisions = append(a.decisions, req.Decision)
	return nil
}

func (a *memAuditor) recorded() []Decision {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Decision(nil), a.decisions...)
}

func TestRequestApproval_Approved(t *testing.T) {
	t.Parallel()
	notifier := newRecordingNotifier()
	auditor := &memAuditor{}
	g := NewGate(WithNotifier(notifier), WithAuditor(auditor))

	type result struct {
		err error
		ok  bool
	}
	done := make(chan result, 1)
	go func() {
		ok, err := g.RequestApproval(context.Background(), "c1", bash("t1", "rm -rf build"))
		done <- result{ok: ok, err: err}
	}()

	req := <-notifier.prompts
	assert.Equal(t, "c1", req.ConversationID)
	assert.Equal(t, "t1", req.Invocation.ID)
	assert.Contains(t, req.Reason, "rm -rf")

	require.Eventually(t, func() bool {
		p := g.Pending()
		return len(p) == 1 && p[0].MessageRef == "msg-"+req.ID
	}, time.Second, 5*time.Millisecond)

	assert.True(t, g.Resolve(req.ID, true))
	assert.False(t, g.Resolve(req.ID, false), "second resolution must be ignored")

	r := <-done
	require.NoError(t, r.err)
	assert.True(t, r.ok)
	assert.Empty(t, g.Pending())
	assert.Equal(t, []Decision{DecisionApproved}, auditor.recorded())
	assert.Equal(t, 1, notifier.resolvedCount())
}

func TestRequestApproval_Rejected(t *testing.T) {
	t.Parallel()
	notifier := newRecordingNotifier()
	g := NewGate(WithNotifier(notifier))

	go func() {
		req := <-notifier.prompts
		g.Resolve(req.ID, false)
	}()

	ok, err := g.RequestApproval(context.Background(), "c1", bash("t1", "git push -f"))
	assert.False(t, ok)
	assert.Equal(t, agentstream.KindRejected, agentstream.KindOf(err))
}

func TestRequestApproval_TimesOutOnce(t *testing.T) {
	t.Parallel()
	notifier := newRecordingNotifier()
	auditor := &memAuditor{}
	g := NewGate(WithNotifier(notifier), WithAuditor(auditor), WithTimeout(50*time.Millisecond))

	ok, err := g.RequestApproval(context.Background(), "c1", bash("t1", "mkfs.ext4 /dev/sdb"))
	assert.False(t, ok)
	assert.Equal(t, agentstream.KindConfirmationTimeout, agentstream.KindOf(err))

	req := <-notifier.prompts
	assert.False(t, g.Resolve(req.ID, true), "late approval must be ignored")
	require.Eventually(t, func() bool { return len(auditor.recorded()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Decision{DecisionTimedOut}, auditor.recorded())
	assert.Empty(t, g.Pending())
}

func TestRequestApproval_ReturnsBeforeAudit(t *testing.T) {
	t.Parallel()
	notifier := newRecordingNotifier()
	auditor := &memAuditor{hold: make(chan struct{})}
	g := NewGate(WithNotifier(notifier), WithAuditor(auditor))

	done := make(chan bool, 1)
	go func() {
		ok, _ := g.RequestApproval(context.Background(), "c1", bash("t1", "rm -rf build"))
		done <- ok
	}()
	req := <-notifier.prompts

	resolved := make(chan bool, 1)
	go func() { resolved <- g.Resolve(req.ID, true) }()

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("approval waited on the audit record")
	}
	assert.Empty(t, auditor.recorded())

	close(auditor.hold)
	assert.True(t, <-resolved)
	assert.Equal(t, []Decision{DecisionApproved}, auditor.recorded())
	assert.Equal(t, 1, notifier.resolvedCount())
}

// slowNotifier holds the prompt until release is closed, as a chat API
// that is slow to answer would.
type slowNotifier struct {
	release  chan struct{}
	resolved []Request
	mu       sync.Mutex
}

func (n *slowNotifier) NotifyConfirmation(context.Context, Request) (string, error) {
	<-n.release
	return "msg-1", nil
}

func (n *slowNotifier) NotifyResolved(_ context.Context, req Request) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved = append(n.resolved, req)
}

func (n *slowNotifier) updates() []Request {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Request(nil), n.resolved...)
}

func TestDecisionDuringPromptUpdatesPrompt(t *testing.T) {
	t.Parallel()
	notifier := &slowNotifier{release: make(chan struct{})}
	g := NewGate(WithNotifier(notifier), WithTimeout(20*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := g.RequestApproval(context.Background(), "c1", bash("t1", "rm -rf a"))
		done <- err
	}()
	// The request times out while the prompt is still being sent.
	require.Eventually(t, func() bool { return len(notifier.updates()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, notifier.updates()[0].MessageRef)

	close(notifier.release)
	err := <-done
	assert.Equal(t, agentstream.KindConfirmationTimeout, agentstream.KindOf(err))

	updates := notifier.updates()
	require.Len(t, updates, 2)
	assert.Equal(t, "msg-1", updates[1].MessageRef)
	assert.Equal(t, DecisionTimedOut, updates[1].Decision)
}

func TestRequestApproval_ContextCancelRejects(t *testing.T) {
	t.Parallel()
	g := NewGate()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := g.RequestApproval(ctx, "c1", bash("t1", "rm -rf /"))
		done <- err
	}()
	require.Eventually(t, func() bool { return len(g.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	err := <-done
	assert.Equal(t, agentstream.KindRejected, agentstream.KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, g.Pending())
}

func TestCancelConversation(t *testing.T) {
	t.Parallel()
	g := NewGate()
	ctx := context.Background()
	p1 := g.open(ctx, "c1", bash("a", "rm -rf a"))
	p2 := g.open(ctx, "c1", bash("b", "rm -rf b"))
	p3 := g.open(ctx, "c2", bash("c", "rm -rf c"))

	assert.Equal(t, 2, g.CancelConversation("c1"))
	assert.False(t, g.Resolve(p1.req.ID, true))
	for _, p := range []*pending{p1, p2} {
		ok, err := g.wait(ctx, p)
		assert.False(t, ok)
		assert.Equal(t, agentstream.KindRejected, agentstream.KindOf(err))
	}

	pending := g.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, p3.req.ID, pending[0].ID)
	assert.True(t, g.Resolve(p3.req.ID, true))
	ok, err := g.wait(ctx, p3)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOnePendingPerInvocation(t *testing.T) {
	t.Parallel()
	notifier := newRecordingNotifier()
	g := NewGate(WithNotifier(notifier))
	first := g.open(context.Background(), "c1", bash("t1", "rm -rf a"))
	second := g.open(context.Background(), "c1", bash("t1", "rm -rf a"))

	assert.Same(t, first, second)
	assert.Len(t, g.Pending(), 1)
	assert.Len(t, notifier.prompts, 1, "a joined request is not prompted again")
	g.CancelConversation("c1")
}

func TestNotifierFailureKeepsRequestPending(t *testing.T) {
	t.Parallel()
	notifier := newRecordingNotifier()
	notifier.err = errors.New("chat unreachable")
	g := NewGate(WithNotifier(notifier))

	done := make(chan bool, 1)
	go func() {
		ok, _ := g.RequestApproval(context.Background(), "c1", bash("t1", "rm -rf a"))
		done <- ok
	}()
	req := <-notifier.prompts
	require.Eventually(t, func() bool { return len(g.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, g.Pending()[0].MessageRef)

	assert.True(t, g.Resolve(req.ID, true))
	assert.True(t, <-done)
	assert.Empty(t, g.Pending())
}
