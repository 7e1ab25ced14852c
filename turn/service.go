// Package turn runs one conversational turn end to end: routing, status
// tracking, human confirmation of dangerous tools, outbound delivery and
// event fan-out.
package turn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bazelment/yoloswe/switchboard/agentstream"
	"github.com/bazelment/yoloswe/switchboard/confirm"
	"github.com/bazelment/yoloswe/switchboard/outbound"
	"github.com/bazelment/yoloswe/switchboard/router"
	"github.com/bazelment/yoloswe/switchboard/streamstate"
)

// finishTimeout bounds the final outbound delivery of a turn.
const finishTimeout = 30 * time.Second

// errCancelled is the cancel cause of a turn stopped through Cancel.
var errCancelled = errors.New("turn cancelled by user")

// Publisher receives every event of every turn, e.g. a message bus.
type Publisher interface {
	Publish(ctx context.Context, env agentstream.Envelope) error
}

// Deps are the collaborators of a Service. Router is required; the rest
// default to fresh instances or are skipped when nil.
type Deps struct {
	Router    *router.Router
	Tracker   *streamstate.Tracker
	Gate      *confirm.Gate
	Throttler *outbound.Throttler
	Publisher Publisher
	// Notifier delivers confirmation prompts to a human. The Service wraps
	// it to keep the stream state in step with the gate.
	Notifier confirm.Notifier
	// Observer sees every backend event of every turn, in order, on the
	// backend's reader goroutine. Optional.
	Observer agentstream.Sink
	Logger   *slog.Logger
}

type activeTurn struct {
	cancel    context.CancelCauseFunc
	rejection error
	id        string
	mu        sync.Mutex
}

func (t *activeTurn) reject(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rejection == nil {
		t.rejection = err
	}
	t.cancel(err)
}

func (t *activeTurn) rejected() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rejection
}

// Service is the upward surface used by chat transports, the HTTP API and
// the CLI.
type Service struct {
	router    *router.Router
	tracker   *streamstate.Tracker
	gate      *confirm.Gate
	throttler *outbound.Throttler
	publisher Publisher
	observer  agentstream.Sink
	logger    *slog.Logger
	turns     map[string]*activeTurn
	fanout    *fanout
	mu        sync.Mutex
}

// New wires a Service.
func New(d Deps) *Service {
	s := &Service{
		router:    d.Router,
		tracker:   d.Tracker,
		gate:      d.Gate,
		throttler: d.Throttler,
		publisher: d.Publisher,
		observer:  d.Observer,
		logger:    d.Logger,
		turns:     make(map[string]*activeTurn),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracker == nil {
		s.tracker = streamstate.NewTracker(streamstate.WithLogger(s.logger))
	}
	if s.gate == nil {
		s.gate = confirm.NewGate(confirm.WithLogger(s.logger))
	}
	s.fanout = newFanout(s.logger)
	s.gate.SetNotifier(&stateNotifier{svc: s, next: d.Notifier})
	return s
}

// Tracker exposes the stream state tracker, e.g. for its GC loop.
func (s *Service) Tracker() *streamstate.Tracker {
	return s.tracker
}

// Gate exposes the confirmation gate.
func (s *Service) Gate() *confirm.Gate {
	return s.gate
}

// StartTurn routes text for convID and blocks until the turn ends. Events
// stream to subscribers, the publisher and the throttler while it runs. A
// second turn for a conversation with one in flight fails with BUSY.
func (s *Service) StartTurn(ctx context.Context, convID, text string) (*agentstream.StreamOutcome, error) {
	ctx, t, end, err := s.begin(ctx, convID)
	if err != nil {
		return nil, err
	}
	defer end()

	logger := s.logger.With("conversation", convID, "turn", t.id)
	logger.Info("turn started")
	s.emit(ctx, convID, agentstream.PhaseChange{Phase: agentstream.PhaseThinking})

	out, err := s.router.Route(ctx, convID, text, s.sink(ctx, convID, t, true))
	if rej := t.rejected(); rej != nil {
		out, err = nil, rej
	}
	if err != nil {
		// Guarantees a terminal phase even if the final event was dropped.
		s.tracker.Fail(convID, err)
		logger.Info("turn failed", "kind", agentstream.KindOf(err), "error", err)
	} else {
		logger.Info("turn complete", "backend", out.BackendID, "fallback", out.WasFallback,
			"input_tokens", out.InputTokens, "output_tokens", out.OutputTokens)
	}
	s.finish(ctx, convID, out, err)
	return out, err
}

// begin marks convID busy and registers the turn so Cancel can stop it.
// A conversation with a turn in flight fails with BUSY. end unregisters
// the turn and releases its context.
func (s *Service) begin(ctx context.Context, convID string) (context.Context, *activeTurn, func(), error) {
	if _, err := s.tracker.Begin(convID, s.router.ActiveBackend(convID)); err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithCancelCause(ctx)
	t := &activeTurn{id: uuid.NewString(), cancel: cancel}
	s.mu.Lock()
	s.turns[convID] = t
	s.mu.Unlock()
	end := func() {
		s.mu.Lock()
		if s.turns[convID] == t {
			delete(s.turns, convID)
		}
		s.mu.Unlock()
		cancel(nil)
	}
	return ctx, t, end, nil
}

// sink is the per-turn event handler. It runs on the backend's reader
// goroutine, so blocking here (a confirmation) pauses the backend. Text is
// pushed to the throttler only when deliver is set.
func (s *Service) sink(ctx context.Context, convID string, t *activeTurn, deliver bool) agentstream.Sink {
	handle := agentstream.Tee(
		func(ev agentstream.Event) {
			_, _ = s.tracker.Apply(convID, ev)
			s.emit(ctx, convID, ev)
		},
		s.observer,
		agentstream.Callbacks{
			OnContentDelta: func(e agentstream.ContentDelta) {
				if deliver && s.throttler != nil {
					s.throttler.Push(convID, e.FullText)
				}
			},
			OnToolInvocation: func(e agentstream.ToolInvocation) {
				if s.gate.IsDangerous(e) {
					s.confirm(ctx, convID, t, e)
				}
			},
		}.Sink(),
	)
	return func(ev agentstream.Event) {
		if e, ok := ev.(agentstream.StreamError); ok {
			if rej := t.rejected(); rej != nil {
				ev = agentstream.StreamError{Err: rej, Context: "confirmation"}
			} else if e.Err == nil {
				ev = agentstream.StreamError{Err: errors.New("unknown error"), Context: e.Context}
			}
		}
		handle(ev)
	}
}

// confirm blocks until a human decides on inv. A rejection ends the turn
// without fallback.
func (s *Service) confirm(ctx context.Context, convID string, t *activeTurn, inv agentstream.ToolInvocation) {
	approved, err := s.gate.RequestApproval(ctx, convID, inv)
	if approved {
		if rerr := s.tracker.ResolveConfirmation(convID, nil); rerr != nil {
			s.logger.Debug("confirmation resolved outside confirmation phase", "conversation", convID, "error", rerr)
		}
		s.emit(ctx, convID, agentstream.PhaseChange{Phase: agentstream.PhaseToolUse})
		return
	}
	if ctx.Err() != nil {
		// Cancelled turn; the router reports CANCELLED.
		return
	}
	if err == nil {
		err = agentstream.Errorf(agentstream.KindRejected, "", "%s was rejected", inv.Name)
	}
	_ = s.tracker.ResolveConfirmation(convID, err)
	s.logger.Info("dangerous tool not approved", "conversation", convID, "tool", inv.Name, "kind", agentstream.KindOf(err))
	t.reject(err)
}

// finish delivers the final text, or the rendered error, through the
// throttler. User cancellation leaves the chat as it is.
func (s *Service) finish(ctx context.Context, convID string, out *agentstream.StreamOutcome, err error) {
	if s.throttler == nil {
		return
	}
	if err != nil && agentstream.KindOf(err) == agentstream.KindCancelled {
		s.throttler.Stop(convID)
		return
	}
	text := s.tracker.Render(convID)
	if err == nil {
		text = out.Text
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if ferr := s.throttler.Finish(fctx, convID, text); ferr != nil {
		s.logger.Warn("failed to deliver final message", "conversation", convID, "error", ferr)
	}
}

func (s *Service) emit(ctx context.Context, convID string, ev agentstream.Event) {
	env := agentstream.NewEnvelope(convID, ev)
	s.fanout.publish(env)
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), env); err != nil {
		s.logger.Debug("failed to publish turn event", "conversation", convID, "kind", env.Kind, "error", err)
	}
}

// ResolveConfirmation records a human decision. It returns false when the
// request is unknown or already resolved.
func (s *Service) ResolveConfirmation(id string, approved bool) bool {
	return s.gate.Resolve(id, approved)
}

// PendingConfirmations lists the open confirmation requests.
func (s *Service) PendingConfirmations() []confirm.Request {
	return s.gate.Pending()
}

// GetProviderStatus lists providers and their availability.
func (s *Service) GetProviderStatus() []router.ProviderStatus {
	return s.router.Status()
}

// SetProviderOverride pins convID to providerID; empty clears the pin.
func (s *Service) SetProviderOverride(convID, providerID string) error {
	return s.router.SetOverride(convID, providerID)
}

// ResetConversation makes convID's next turn start a fresh backend
// conversation. It fails with BUSY while a turn is in flight.
func (s *Service) ResetConversation(ctx context.Context, convID string) error {
	s.mu.Lock()
	_, busy := s.turns[convID]
	s.mu.Unlock()
	if busy {
		return agentstream.Errorf(agentstream.KindBusy, "", "a turn is already running for conversation %s", convID)
	}
	if err := s.router.ResetHistory(ctx, convID); err != nil {
		return err
	}
	s.tracker.Release(convID)
	s.logger.Info("conversation reset", "conversation", convID)
	return nil
}

// ActiveBackend returns the backend the next turn for convID would try first.
func (s *Service) ActiveBackend(convID string) string {
	return s.router.ActiveBackend(convID)
}

// Cancel stops convID's turn: the backend is killed, pending confirmations
// are rejected and throttled edits stop. It reports whether a turn was
// running.
func (s *Service) Cancel(convID string) bool {
	s.mu.Lock()
	t, ok := s.turns[convID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel(errCancelled)
	n := s.gate.CancelConversation(convID)
	if s.throttler != nil {
		s.throttler.Stop(convID)
	}
	s.logger.Info("turn cancelled", "conversation", convID, "turn", t.id, "confirmations", n)
	return true
}

// Status renders convID's current status line.
func (s *Service) Status(convID string) string {
	return s.tracker.Render(convID)
}

// Snapshot returns a copy of convID's stream session.
func (s *Service) Snapshot(convID string) (*streamstate.Session, bool) {
	return s.tracker.Snapshot(convID)
}

// DeveloperTurn runs a turn with the developer prompt and returns the text
// instead of delivering it through the throttler. It shares StartTurn's
// busy guard, confirmations and Cancel.
func (s *Service) DeveloperTurn(ctx context.Context, convID, text string) (router.DeveloperResult, error) {
	ctx, t, end, err := s.begin(ctx, convID)
	if err != nil {
		return router.DeveloperResult{}, err
	}
	defer end()

	logger := s.logger.With("conversation", convID, "turn", t.id)
	logger.Info("developer turn started")
	s.emit(ctx, convID, agentstream.PhaseChange{Phase: agentstream.PhaseThinking})

	res, err := s.router.RouteDeveloperTurn(ctx, convID, text, s.sink(ctx, convID, t, false))
	if rej := t.rejected(); rej != nil {
		res, err = router.DeveloperResult{}, rej
	}
	if err != nil {
		s.tracker.Fail(convID, err)
		logger.Info("developer turn failed", "kind", agentstream.KindOf(err), "error", err)
		return res, err
	}
	logger.Info("developer turn complete", "backend", res.BackendID, "fallback", res.WasFallback)
	return res, nil
}

// Subscribe streams the events of convID's turns, or of every conversation
// when convID is empty. Slow subscribers lose events rather than stall the
// turn. The returned func unsubscribes and closes the channel.
func (s *Service) Subscribe(convID string) (<-chan agentstream.Envelope, func()) {
	return s.fanout.subscribe(convID)
}

// stateNotifier moves the stream into confirmation before the prompt goes
// out, so a decision can never arrive for a session that is not waiting.
type stateNotifier struct {
	svc  *Service
	next confirm.Notifier
}

func (n *stateNotifier) NotifyConfirmation(ctx context.Context, req confirm.Request) (string, error) {
	if err := n.svc.tracker.MarkConfirmation(req.ConversationID, req.ID); err != nil {
		n.svc.logger.Debug("could not mark confirmation", "conversation", req.ConversationID, "id", req.ID, "error", err)
	}
	n.svc.emit(ctx, req.ConversationID, agentstream.PhaseChange{Phase: agentstream.PhaseConfirmation})
	if n.next == nil {
		return "", nil
	}
	return n.next.NotifyConfirmation(ctx, req)
}

func (n *stateNotifier) NotifyResolved(ctx context.Context, req confirm.Request) {
	if n.next != nil {
		n.next.NotifyResolved(ctx, req)
	}
}
