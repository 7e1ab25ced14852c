package streamstate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bazelment/yoloswe/switchboard/agentstream"
)

// DefaultIdleTTL is how long a session may sit without updates before GC
// drops it.
const DefaultIdleTTL = time.Hour

// Tracker holds one Session per conversation. It is safe for concurrent use.
type Tracker struct {
	sessions map[string]*Session
	now      func() time.Time
	logger   *slog.Logger
	idleTTL  time.Duration
	mu       sync.RWMutex
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithIdleTTL overrides DefaultIdleTTL.
func WithIdleTTL(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		t.idleTTL = d
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = l
	}
}

// NewTracker creates a Tracker.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		sessions: make(map[string]*Session),
		now:      time.Now,
		logger:   slog.Default(),
		idleTTL:  DefaultIdleTTL,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Begin starts a turn for convID in phase thinking. If a non-terminal session
// already exists it returns a BUSY error and leaves that session untouched.
func (t *Tracker) Begin(convID, backendID string) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[convID]; ok && !s.Phase.IsTerminal() {
		return nil, agentstream.Errorf(agentstream.KindBusy, s.BackendID,
			"conversation %s already has a turn in phase %s", convID, s.Phase)
	}
	now := t.now()
	s := &Session{
		ConversationID: convID,
		BackendID:      backendID,
		StartedAt:      now,
		LastUpdateAt:   now,
		PhaseStartedAt: now,
		Phase:          agentstream.PhaseIdle,
	}
	_ = s.setPhase(agentstream.PhaseThinking, now)
	t.sessions[convID] = s
	return s.clone(), nil
}

// Apply feeds one event to convID's session and returns the resulting phase.
// Events for a finished session are dropped with ErrTerminal.
func (t *Tracker) Apply(convID string, ev agentstream.Event) (agentstream.Phase, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[convID]
	if !ok {
		return agentstream.PhaseIdle, ErrNoSession
	}
	err := s.apply(ev, t.now())
	if err != nil {
		t.logger.Debug("stream event not applied",
			"conversation", convID,
			"event", ev.StreamEventKind().String(),
			"phase", s.Phase,
			"error", err)
	}
	return s.Phase, err
}

// SetBackend records which backend is currently serving the turn.
func (t *Tracker) SetBackend(convID, backendID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[convID]; ok && !s.Phase.IsTerminal() {
		s.BackendID = backendID
	}
}

// MarkConfirmation moves an active session to confirmation.
func (t *Tracker) MarkConfirmation(convID, confirmationID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[convID]
	if !ok {
		return ErrNoSession
	}
	if err := s.setPhase(agentstream.PhaseConfirmation, t.now()); err != nil {
		return err
	}
	s.PendingConfirmationID = confirmationID
	return nil
}

// ResolveConfirmation leaves confirmation: back to tool_use when decision is
// nil (approved), or to error with decision as the reason.
func (t *Tracker) ResolveConfirmation(convID string, decision error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[convID]
	if !ok {
		return ErrNoSession
	}
	if s.Phase != agentstream.PhaseConfirmation {
		if s.Phase.IsTerminal() {
			return ErrTerminal
		}
		return ErrInvalidTransition
	}
	now := t.now()
	s.PendingConfirmationID = ""
	if decision != nil {
		s.fail(decision, now)
		return nil
	}
	return s.setPhase(agentstream.PhaseToolUse, now)
}

// Fail moves an active session to error. It is a no-op on terminal sessions.
func (t *Tracker) Fail(convID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[convID]; ok && !s.Phase.IsTerminal() {
		s.fail(err, t.now())
	}
}

// Snapshot returns a copy of convID's session.
func (t *Tracker) Snapshot(convID string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[convID]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// Render returns the status line for convID.
func (t *Tracker) Render(convID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[convID]
	if !ok {
		return RenderSession(nil, t.now())
	}
	return RenderSession(s, t.now())
}

// Release drops convID's session once its terminal result was delivered.
// Active sessions are kept.
func (t *Tracker) Release(convID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[convID]
	if !ok || !s.Phase.IsTerminal() {
		return false
	}
	delete(t.sessions, convID)
	return true
}

// GC drops every session, finished or not, whose last update is older than
// the idle TTL. It returns the number dropped.
func (t *Tracker) GC(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, s := range t.sessions {
		if now.Sub(s.LastUpdateAt) < t.idleTTL {
			continue
		}
		if !s.Phase.IsTerminal() {
			t.logger.Warn("dropping idle stream session", "conversation", id, "phase", s.Phase)
		}
		delete(t.sessions, id)
		n++
	}
	return n
}

// RunGC calls GC every interval until ctx is done.
func (t *Tracker) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.GC(t.now()); n > 0 {
				t.logger.Debug("stream sessions collected", "count", n)
			}
		}
	}
}

// Len returns the number of tracked sessions.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
