package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bazelment/yoloswe/switchboard/agentstream"
)

// DefaultHistoryLimit is how many user/assistant messages are kept per
// conversation for HTTP backends.
const DefaultHistoryLimit = 20

// ErrUnknownProvider is returned when an id does not name a registered
// provider.
var ErrUnknownProvider = errors.New("unknown provider")

// ProviderStatus is one row of Router.Status.
type ProviderStatus struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Kind      Kind   `json:"kind"`
	Model     string `json:"model,omitempty"`
	Version   string `json:"version,omitempty"`
	Available bool   `json:"available"`
	Default   bool   `json:"default"`
}

// DeveloperResult is the result of a developer-mode turn.
type DeveloperResult struct {
	Text        string `json:"text"`
	BackendID   string `json:"backend_id"`
	WasFallback bool   `json:"was_fallback"`
}

// Router picks a backend per turn. Different conversations route
// concurrently; the override and default settings are read-mostly and
// guarded by one RWMutex.
type Router struct {
	providers       map[string]*Provider
	overrides       map[string]string
	history         map[string][]agentstream.Message
	sessions        SessionRefs
	logger          *slog.Logger
	developerPrompt string
	defaultID       string
	order           []string
	fallback        []string
	devFallback     []string
	historyLimit    int
	mu              sync.RWMutex
}

// Option configures a Router.
type Option func(*Router)

// WithDefault sets the default provider.
func WithDefault(id string) Option {
	return func(r *Router) {
		r.defaultID = id
	}
}

// WithFallback sets the static fallback order.
func WithFallback(ids ...string) Option {
	return func(r *Router) {
		r.fallback = ids
	}
}

// WithDeveloperFallback sets the fallback order for developer-mode turns.
func WithDeveloperFallback(ids ...string) Option {
	return func(r *Router) {
		r.devFallback = ids
	}
}

// WithDeveloperPrompt sets the system prompt for developer-mode turns.
func WithDeveloperPrompt(p string) Option {
	return func(r *Router) {
		r.developerPrompt = p
	}
}

// WithSessionRefs sets where backend session ids are kept.
func WithSessionRefs(s SessionRefs) Option {
	return func(r *Router) {
		r.sessions = s
	}
}

// WithHistoryLimit overrides DefaultHistoryLimit. Zero disables history.
func WithHistoryLimit(n int) Option {
	return func(r *Router) {
		r.historyLimit = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		r.logger = l
	}
}

// New creates a Router over providers. Status lists them in the given order.
// When no fallback order is configured, registration order is used.
func New(providers []Provider, opts ...Option) *Router {
	r := &Router{
		providers:    make(map[string]*Provider, len(providers)),
		overrides:    make(map[string]string),
		history:      make(map[string][]agentstream.Message),
		sessions:     NewMemorySessionRefs(),
		logger:       slog.Default(),
		historyLimit: DefaultHistoryLimit,
	}
	for i := range providers {
		p := providers[i]
		r.providers[p.ID] = &p
		r.order = append(r.order, p.ID)
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.fallback == nil {
		r.fallback = append([]string(nil), r.order...)
	}
	if r.devFallback == nil {
		r.devFallback = append([]string(nil), r.fallback...)
	}
	if r.defaultID == "" && len(r.order) > 0 {
		r.defaultID = r.order[0]
	}
	return r
}

// Route runs one turn for convID, trying candidates in order until one
// succeeds. Events of every attempt are forwarded to sink except their
// terminal events; Route emits exactly one terminal event itself.
func (r *Router) Route(ctx context.Context, convID, message string, sink agentstream.Sink) (*agentstream.StreamOutcome, error) {
	if sink == nil {
		sink = agentstream.Discard
	}
	r.mu.RLock()
	candidates := r.candidatesLocked(convID, r.fallback)
	r.mu.RUnlock()

	out, err := r.run(ctx, convID, message, "", candidates, sink)
	if err != nil {
		sink(agentstream.StreamError{Err: err, Context: "route"})
		return nil, err
	}
	r.remember(convID, message, out.Text)
	sink(agentstream.TurnComplete{Outcome: *out})
	return out, nil
}

// RouteDeveloperTurn runs a turn with the developer system prompt over the
// developer fallback list, skipping backends that cannot take a distinct
// developer prompt. Per-conversation overrides do not apply. sink sees the
// same events as with Route; it may be nil.
func (r *Router) RouteDeveloperTurn(ctx context.Context, convID, message string, sink agentstream.Sink) (DeveloperResult, error) {
	if sink == nil {
		sink = agentstream.Discard
	}
	r.mu.RLock()
	var candidates []string
	for _, id := range dedupe(r.devFallback) {
		if p, ok := r.providers[id]; ok && p.SupportsDeveloperMode {
			candidates = append(candidates, id)
		}
	}
	prompt := r.developerPrompt
	r.mu.RUnlock()

	out, err := r.run(ctx, convID, message, prompt, candidates, sink)
	if err != nil {
		sink(agentstream.StreamError{Err: err, Context: "route"})
		return DeveloperResult{}, err
	}
	sink(agentstream.TurnComplete{Outcome: *out})
	return DeveloperResult{Text: out.Text, BackendID: out.BackendID, WasFallback: out.WasFallback}, nil
}

// run tries candidates strictly in sequence.
func (r *Router) run(ctx context.Context, convID, message, systemPrompt string, candidates []string, sink agentstream.Sink) (*agentstream.StreamOutcome, error) {
	logger := r.logger.With("conversation", convID)
	forward := nonTerminal(sink)
	history := r.historyFor(convID)

	var lastErr error
	attempts := 0
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, &agentstream.BackendError{Kind: agentstream.KindCancelled, Message: "turn cancelled", Cause: err}
		}
		r.mu.RLock()
		p, ok := r.providers[id]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		if !p.available() {
			logger.Debug("skipping unavailable backend", "backend", id)
			lastErr = agentstream.Errorf(agentstream.KindUnavailable, id, "backend not available")
			continue
		}

		ref, err := r.sessions.SessionRef(ctx, convID, id)
		if err != nil {
			logger.Warn("failed to load session ref", "backend", id, "error", err)
		}
		req := Request{
			ConversationID: convID,
			Message:        message,
			SessionRef:     ref,
			Model:          p.DefaultModel,
			SystemPrompt:   systemPrompt,
		}
		if p.Kind == KindHTTP {
			req.History = history
		}

		logger.Info("routing turn", "backend", id, "attempt", attempts+1, "resume", ref != "")
		out, err := p.Backend.Stream(ctx, req, forward)
		if err == nil {
			out.BackendID = id
			out.WasFallback = attempts > 0
			if out.SessionRef != "" && out.SessionRef != ref {
				if err := r.sessions.SaveSessionRef(ctx, convID, id, out.SessionRef); err != nil {
					logger.Warn("failed to save session ref", "backend", id, "error", err)
				}
			}
			return out, nil
		}

		attempts++
		lastErr = err
		if ref != "" && agentstream.KindOf(err) == agentstream.KindBackend {
			// A stale session id fails every resume; start fresh next time.
			if err := r.sessions.SaveSessionRef(ctx, convID, id, ""); err != nil {
				logger.Warn("failed to clear session ref", "backend", id, "error", err)
			}
		}
		if !agentstream.IsRetryable(err) || ctx.Err() != nil {
			logger.Info("backend failed, not falling back", "backend", id, "kind", agentstream.KindOf(err), "error", err)
			return nil, err
		}
		logger.Warn("backend failed, trying next candidate", "backend", id, "kind", agentstream.KindOf(err), "error", err)
	}

	if lastErr == nil {
		return nil, agentstream.Errorf(agentstream.KindUnavailable, "", "no backends configured")
	}
	kind := agentstream.KindBackend
	if attempts == 0 {
		kind = agentstream.KindUnavailable
	}
	return nil, &agentstream.BackendError{
		Kind:    kind,
		Message: fmt.Sprintf("all %d backends failed; last error: %v", len(candidates), lastErr),
		Cause:   lastErr,
	}
}

// candidatesLocked returns override, default, then fallback, without
// duplicates. Availability is checked later, at attempt time.
func (r *Router) candidatesLocked(convID string, fallback []string) []string {
	ids := make([]string, 0, len(fallback)+2)
	if o, ok := r.overrides[convID]; ok {
		ids = append(ids, o)
	}
	if r.defaultID != "" {
		ids = append(ids, r.defaultID)
	}
	ids = append(ids, fallback...)
	return dedupe(ids)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// nonTerminal drops terminal events so a failed attempt does not end the
// caller's stream.
func nonTerminal(sink agentstream.Sink) agentstream.Sink {
	return func(ev agentstream.Event) {
		if agentstream.IsTerminal(ev) {
			return
		}
		sink(ev)
	}
}

// ActiveBackend returns the backend a turn for convID would try first.
func (r *Router) ActiveBackend(convID string) string {
	r.mu.RLock()
	candidates := r.candidatesLocked(convID, r.fallback)
	r.mu.RUnlock()
	for _, id := range candidates {
		r.mu.RLock()
		p, ok := r.providers[id]
		r.mu.RUnlock()
		if ok && p.available() {
			return id
		}
	}
	return ""
}

// Status lists every provider with its current availability.
func (r *Router) Status() []ProviderStatus {
	r.mu.RLock()
	providers := make([]*Provider, 0, len(r.order))
	for _, id := range r.order {
		providers = append(providers, r.providers[id])
	}
	def := r.defaultID
	r.mu.RUnlock()

	out := make([]ProviderStatus, 0, len(providers))
	for _, p := range providers {
		out = append(out, ProviderStatus{
			ID:        p.ID,
			Label:     p.Label,
			Kind:      p.Kind,
			Model:     p.DefaultModel,
			Version:   p.version(),
			Available: p.available(),
			Default:   p.ID == def,
		})
	}
	return out
}

// SetOverride pins convID to a provider. An empty id clears the override.
func (r *Router) SetOverride(convID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == "" {
		delete(r.overrides, convID)
		return nil
	}
	if _, ok := r.providers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	r.overrides[convID] = id
	return nil
}

// Override returns convID's override, or "".
func (r *Router) Override(convID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.overrides[convID]
}

// SetDefault changes the default provider.
func (r *Router) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	r.defaultID = id
	return nil
}

// SetFallback replaces the fallback order. Unknown ids are rejected.
func (r *Router) SetFallback(ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if _, ok := r.providers[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownProvider, id)
		}
	}
	r.fallback = append([]string(nil), ids...)
	return nil
}

// ResetHistory forgets convID's HTTP backend history and clears its session
// ref on every backend, so the next turn starts a fresh conversation.
func (r *Router) ResetHistory(ctx context.Context, convID string) error {
	r.mu.Lock()
	delete(r.history, convID)
	ids := append([]string(nil), r.order...)
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := r.sessions.SaveSessionRef(ctx, convID, id, ""); err != nil {
			errs = append(errs, fmt.Errorf("clear %s session: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Router) historyFor(convID string) []agentstream.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]agentstream.Message(nil), r.history[convID]...)
}

func (r *Router) remember(convID, user, assistant string) {
	if r.historyLimit <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h := append(r.history[convID],
		agentstream.Message{Role: agentstream.RoleUser, Content: user},
		agentstream.Message{Role: agentstream.RoleAssistant, Content: assistant})
	if over := len(h) - r.historyLimit; over > 0 {
		h = append([]agentstream.Message(nil), h[over:]...)
	}
	r.history[convID] = h
}
