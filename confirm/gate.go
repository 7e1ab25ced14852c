package confirm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bazelment/yoloswe/switchboard/agentstream"
)

// DefaultTimeout is how long a request waits for a decision before it is
// rejected.
const DefaultTimeout = 5 * time.Minute

// resolveTimeout bounds the audit record and prompt update of a decision.
const resolveTimeout = 10 * time.Second

// Decision is the resolution state of a Request.
type Decision int

const (
	DecisionPending Decision = iota
	DecisionApproved
	DecisionRejected
	DecisionTimedOut
)

func (d Decision) String() string {
	switch d {
	case DecisionApproved:
		return "approved"
	case DecisionRejected:
		return "rejected"
	case DecisionTimedOut:
		return "timed_out"
	default:
		return "pending"
	}
}

// Request is one confirmation prompt.
type Request struct {
	CreatedAt      time.Time
	ResolvedAt     time.Time
	Invocation     agentstream.ToolInvocation
	ID             string
	ConversationID string
	// MessageRef is the transport's id for the prompt message, if any.
	MessageRef string
	Reason     string
	Decision   Decision
}

// Notifier presents confirmation prompts to a human.
type Notifier interface {
	// NotifyConfirmation shows the approve/reject prompt and returns a
	// reference to the message it sent.
	NotifyConfirmation(ctx context.Context, req Request) (messageRef string, err error)
	// NotifyResolved updates the prompt after a decision.
	NotifyResolved(ctx context.Context, req Request)
}

// Auditor records resolved requests.
type Auditor interface {
	RecordDecision(ctx context.Context, req Request) error
}

type nopNotifier struct{}

func (nopNotifier) NotifyConfirmation(context.Context, Request) (string, error) { return "", nil }
func (nopNotifier) NotifyResolved(context.Context, Request)                     {}

type pending struct {
	timer *time.Timer
	done  chan struct{}
	req   Request
}

// Gate tracks pending confirmations. Requests for different conversations
// are independent; at most one request is pending per tool invocation id.
type Gate struct {
	notifier     Notifier
	auditor      Auditor
	classifier   *Classifier
	logger       *slog.Logger
	pending      map[string]*pending
	byInvocation map[string]string
	timeout      time.Duration
	mu           sync.Mutex
}

// Option configures a Gate.
type Option func(*Gate)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) {
		g.timeout = d
	}
}

// WithNotifier sets how prompts reach a human.
func WithNotifier(n Notifier) Option {
	return func(g *Gate) {
		g.notifier = n
	}
}

// WithAuditor records every resolution.
func WithAuditor(a Auditor) Option {
	return func(g *Gate) {
		g.auditor = a
	}
}

// WithClassifier replaces DefaultClassifier.
func WithClassifier(c *Classifier) Option {
	return func(g *Gate) {
		g.classifier = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = l
	}
}

// NewGate creates a Gate.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		notifier:     nopNotifier{},
		classifier:   DefaultClassifier(),
		logger:       slog.Default(),
		pending:      make(map[string]*pending),
		byInvocation: make(map[string]string),
		timeout:      DefaultTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetNotifier swaps the notifier. Used when the transport is created after
// the gate.
func (g *Gate) SetNotifier(n Notifier) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notifier = n
}

// IsDangerous reports whether inv needs approval.
func (g *Gate) IsDangerous(inv agentstream.ToolInvocation) bool {
	return g.classifier.IsDangerous(inv)
}

// RequestApproval opens a request for inv and blocks until it is approved,
// rejected, timed out, or ctx is done (which rejects it). It returns
// (true, nil) only on approval; otherwise the error is a
// CONFIRMATION_REJECTED or CONFIRMATION_TIMED_OUT BackendError.
func (g *Gate) RequestApproval(ctx context.Context, convID string, inv agentstream.ToolInvocation) (bool, error) {
	p := g.open(ctx, convID, inv)
	return g.wait(ctx, p)
}

// open creates (or joins the already pending) request for inv and sends the
// prompt without waiting for a decision.
func (g *Gate) open(ctx context.Context, convID string, inv agentstream.ToolInvocation) *pending {
	g.mu.Lock()
	if inv.ID != "" {
		if id, ok := g.byInvocation[inv.ID]; ok {
			p := g.pending[id]
			g.mu.Unlock()
			return p
		}
	}
	p := &pending{
		done: make(chan struct{}),
		req: Request{
			ID:             uuid.NewString(),
			ConversationID: convID,
			Invocation:     inv,
			Reason:         g.classifier.Reason(inv),
			CreatedAt:      time.Now(),
		},
	}
	id := p.req.ID
	g.pending[id] = p
	if inv.ID != "" {
		g.byInvocation[inv.ID] = id
	}
	p.timer = time.AfterFunc(g.timeout, func() {
		if g.settle(id, DecisionTimedOut) {
			g.logger.Info("confirmation timed out", "id", id, "conversation", convID, "tool", inv.Name)
		}
	})
	notifier := g.notifier
	req := p.req
	g.mu.Unlock()

	ref, err := notifier.NotifyConfirmation(ctx, req)
	if err != nil {
		// The request stays pending; a decision can still arrive through the
		// API or the bus, and the timeout still applies.
		g.logger.Warn("failed to deliver confirmation prompt", "id", id, "conversation", convID, "error", err)
		ref = ""
	}
	g.mu.Lock()
	p.req.MessageRef = ref
	_, stillPending := g.pending[id]
	settled := p.req
	g.mu.Unlock()
	if !stillPending && ref != "" {
		// Decided while the prompt was in flight; the resolution update had
		// no message to edit then.
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		notifier.NotifyResolved(nctx, settled)
		cancel()
	}

	g.logger.Info("confirmation requested", "id", id, "conversation", convID, "tool", inv.Name, "reason", req.Reason)
	return p
}

func (g *Gate) wait(ctx context.Context, p *pending) (bool, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		g.settle(p.req.ID, DecisionRejected)
		<-p.done
		if p.req.Decision == DecisionRejected {
			return false, &agentstream.BackendError{
				Kind:    agentstream.KindRejected,
				Message: "confirmation abandoned",
				Cause:   ctx.Err(),
			}
		}
	}
	switch p.req.Decision {
	case DecisionApproved:
		return true, nil
	case DecisionTimedOut:
		return false, agentstream.Errorf(agentstream.KindConfirmationTimeout, "",
			"no decision for %s within %s", p.req.Invocation.Name, g.timeout)
	default:
		return false, agentstream.Errorf(agentstream.KindRejected, "",
			"%s was rejected", p.req.Invocation.Name)
	}
}

// Resolve records an external decision. Only the first resolution of a
// request counts; later calls, and calls for unknown or expired ids, return
// false.
func (g *Gate) Resolve(id string, approved bool) bool {
	d := DecisionRejected
	if approved {
		d = DecisionApproved
	}
	return g.settle(id, d)
}

// CancelConversation rejects every pending request of convID and returns how
// many there were.
func (g *Gate) CancelConversation(convID string) int {
	g.mu.Lock()
	var ids []string
	for id, p := range g.pending {
		if p.req.ConversationID == convID {
			ids = append(ids, id)
		}
	}
	g.mu.Unlock()

	n := 0
	for _, id := range ids {
		if g.settle(id, DecisionRejected) {
			n++
		}
	}
	return n
}

// Pending returns a snapshot of unresolved requests.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.req)
	}
	return out
}

// settle resolves a pending request exactly once and drops all state for it.
func (g *Gate) settle(id string, d Decision) bool {
	g.mu.Lock()
	p, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return false
	}
	delete(g.pending, id)
	if p.req.Invocation.ID != "" {
		delete(g.byInvocation, p.req.Invocation.ID)
	}
	p.timer.Stop()
	p.req.Decision = d
	p.req.ResolvedAt = time.Now()
	req := p.req
	notifier, auditor := g.notifier, g.auditor
	g.mu.Unlock()
	close(p.done)

	g.logger.Debug("confirmation resolved", "id", id, "decision", d.String())

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	if auditor != nil {
		if err := auditor.RecordDecision(ctx, req); err != nil {
			g.logger.Warn("failed to record confirmation decision", "id", id, "error", err)
		}
	}
	notifier.NotifyResolved(ctx, req)
	return true
}
