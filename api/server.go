// Package api exposes the turn service over HTTP and streams turn events
// over a websocket.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bazelment/yoloswe/switchboard/agentstream"
	"github.com/bazelment/yoloswe/switchboard/confirm"
	"github.com/bazelment/yoloswe/switchboard/router"
	"github.com/bazelment/yoloswe/switchboard/store"
	"github.com/bazelment/yoloswe/switchboard/streamstate"
)

// Service is the part of turn.Service the API serves.
type Service interface {
	StartTurn(ctx context.Context, convID, text string) (*agentstream.StreamOutcome, error)
	DeveloperTurn(ctx context.Context, convID, text string) (router.DeveloperResult, error)
	ResolveConfirmation(id string, approved bool) bool
	PendingConfirmations() []confirm.Request
	GetProviderStatus() []router.ProviderStatus
	SetProviderOverride(convID, providerID string) error
	ActiveBackend(convID string) string
	Cancel(convID string) bool
	Status(convID string) string
	Snapshot(convID string) (*streamstate.Session, bool)
	Subscribe(convID string) (<-chan agentstream.Envelope, func())
}

// Decisions lists audited confirmations.
type Decisions interface {
	RecentDecisions(ctx context.Context, convID string, limit int) ([]store.Decision, error)
}

// Server is the HTTP API.
type Server struct {
	router    *chi.Mux
	svc       Service
	decisions Decisions
	logger    *slog.Logger
	apiToken  string
}

// Option configures a Server.
type Option func(*Server)

// WithDecisions enables GET /api/v1/decisions.
func WithDecisions(d Decisions) Option {
	return func(s *Server) {
		s.decisions = d
	}
}

// WithAPIToken requires "Authorization: Bearer <token>" on /api routes.
func WithAPIToken(token string) Option {
	return func(s *Server) {
		s.apiToken = token
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer builds the router.
func NewServer(svc Service, opts ...Option) *Server {
	s := &Server{
		router: chi.NewRouter(),
		svc:    svc,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLogger)

	s.router.Get("/health", s.health)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(bearerAuth(s.apiToken))
		r.Get("/providers", s.providers)
		r.Get("/confirmations", s.pendingConfirmations)
		r.Post("/confirmations/{id}", s.resolveConfirmation)
		r.Get("/decisions", s.listDecisions)
		r.Get("/events", s.events)
		r.Route("/conversations/{conv}", func(r chi.Router) {
			r.Post("/turns", s.startTurn)
			r.Post("/developer", s.developerTurn)
			r.Get("/status", s.status)
			r.Post("/cancel", s.cancel)
			r.Put("/provider", s.setProvider)
			r.Get("/events", s.events)
		})
	})
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got == "" {
				got = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type errorBody struct {
	Error string                `json:"error"`
	Kind  agentstream.ErrorKind `json:"kind,omitempty"`
	Hint  string                `json:"hint,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusFor maps a turn failure to an HTTP status.
func statusFor(kind agentstream.ErrorKind) int {
	switch kind {
	case agentstream.KindBusy, agentstream.KindCancelled:
		return http.StatusConflict
	case agentstream.KindTimeout:
		return http.StatusGatewayTimeout
	case agentstream.KindUnavailable:
		return http.StatusServiceUnavailable
	case agentstream.KindRejected, agentstream.KindConfirmationTimeout:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func writeTurnError(w http.ResponseWriter, err error) {
	kind := agentstream.KindOf(err)
	body := errorBody{Error: err.Error(), Kind: kind}
	var be *agentstream.BackendError
	if errors.As(err, &be) {
		body.Hint = be.Hint
	}
	writeJSON(w, statusFor(kind), body)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) providers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.GetProviderStatus())
}

type textRequest struct {
	Text string `json:"text"`
}

func decodeText(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return "", false
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return "", false
	}
	return req.Text, true
}

// startTurn blocks until the turn ends. Clients wanting progress open the
// events websocket first.
func (s *Server) startTurn(w http.ResponseWriter, r *http.Request) {
	text, ok := decodeText(w, r)
	if !ok {
		return
	}
	out, err := s.svc.StartTurn(r.Context(), chi.URLParam(r, "conv"), text)
	if err != nil {
		writeTurnError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) developerTurn(w http.ResponseWriter, r *http.Request) {
	text, ok := decodeText(w, r)
	if !ok {
		return
	}
	res, err := s.svc.DeveloperTurn(r.Context(), chi.URLParam(r, "conv"), text)
	if err != nil {
		writeTurnError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type statusResponse struct {
	Status        string            `json:"status"`
	Phase         agentstream.Phase `json:"phase"`
	Active        bool              `json:"active"`
	Backend       string            `json:"backend,omitempty"`
	ActiveBackend string            `json:"active_backend,omitempty"`
	Confirmation  string            `json:"pending_confirmation,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	conv := chi.URLParam(r, "conv")
	resp := statusResponse{
		Status:        s.svc.Status(conv),
		Phase:         agentstream.PhaseIdle,
		ActiveBackend: s.svc.ActiveBackend(conv),
	}
	if snap, ok := s.svc.Snapshot(conv); ok {
		resp.Phase = snap.Phase
		resp.Active = snap.Phase.IsActive()
		resp.Backend = snap.BackendID
		resp.Confirmation = snap.PendingConfirmationID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	if !s.svc.Cancel(chi.URLParam(r, "conv")) {
		writeError(w, http.StatusNotFound, "no turn in flight")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

type providerRequest struct {
	Provider string `json:"provider"`
}

func (s *Server) setProvider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	conv := chi.URLParam(r, "conv")
	if err := s.svc.SetProviderOverride(conv, req.Provider); err != nil {
		if errors.Is(err, router.ErrUnknownProvider) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"active_backend": s.svc.ActiveBackend(conv)})
}

type pendingConfirmation struct {
	CreatedAt      time.Time              `json:"created_at"`
	Input          map[string]interface{} `json:"input,omitempty"`
	ID             string                 `json:"id"`
	ConversationID string                 `json:"conversation_id"`
	Tool           string                 `json:"tool"`
	Reason         string                 `json:"reason"`
}

func (s *Server) pendingConfirmations(w http.ResponseWriter, _ *http.Request) {
	pending := s.svc.PendingConfirmations()
	out := make([]pendingConfirmation, 0, len(pending))
	for _, p := range pending {
		out = append(out, pendingConfirmation{
			ID:             p.ID,
			ConversationID: p.ConversationID,
			Tool:           p.Invocation.Name,
			Input:          p.Invocation.Input,
			Reason:         p.Reason,
			CreatedAt:      p.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type decisionRequest struct {
	Approved *bool `json:"approved"`
}

func (s *Server) resolveConfirmation(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Approved == nil {
		writeError(w, http.StatusBadRequest, `body must be {"approved": true|false}`)
		return
	}
	if !s.svc.ResolveConfirmation(chi.URLParam(r, "id"), *req.Approved) {
		writeError(w, http.StatusNotFound, "unknown or already resolved confirmation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	if s.decisions == nil {
		writeError(w, http.StatusNotFound, "decision audit is not enabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	out, err := s.decisions.RecentDecisions(r.Context(), r.URL.Query().Get("conversation"), limit)
	if err != nil {
		s.logger.Warn("failed to list decisions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list decisions")
		return
	}
	if out == nil {
		out = []store.Decision{}
	}
	writeJSON(w, http.StatusOK, out)
}
