package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bazelment/yoloswe/switchboard/agentstream"
	"github.com/bazelment/yoloswe/switchboard/backend/anthropic"
	"github.com/bazelment/yoloswe/switchboard/backend/gemini"
	"github.com/bazelment/yoloswe/switchboard/backend/openai"
	"github.com/bazelment/yoloswe/switchboard/config"
	"github.com/bazelment/yoloswe/switchboard/confirm"
	"github.com/bazelment/yoloswe/switchboard/engine"
	"github.com/bazelment/yoloswe/switchboard/outbound"
	"github.com/bazelment/yoloswe/switchboard/router"
	"github.com/bazelment/yoloswe/switchboard/store"
	"github.com/bazelment/yoloswe/switchboard/streamstate"
)

// buildProviders turns the enabled provider entries into router providers,
// in configuration order.
func buildProviders(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]router.Provider, error) {
	var out []router.Provider
	for _, p := range cfg.Enabled() {
		prov, err := buildProvider(ctx, p, logger)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.ID, err)
		}
		out = append(out, prov)
	}
	return out, nil
}

func buildProvider(ctx context.Context, p config.Provider, logger *slog.Logger) (router.Provider, error) {
	desc := router.Descriptor{
		ID:                    p.ID,
		Label:                 p.Label,
		DefaultModel:          p.Model,
		SupportsDeveloperMode: p.DeveloperMode,
	}
	if desc.Label == "" {
		desc.Label = p.ID
	}

	switch p.Kind {
	case config.KindProcess:
		desc.Kind = router.KindProcess
		cli := p.CLIPath
		if cli == "" {
			cli = "claude"
		}
		probe := router.NewBinaryProbe(cli)
		desc.Available = probe.Available
		desc.Version = probe.Version
		opts := []engine.Option{
			engine.WithBackendID(p.ID),
			engine.WithCLIPath(cli),
			engine.WithModel(p.Model),
			engine.WithSystemPrompt(p.SystemPrompt),
			engine.WithWorkDir(p.WorkDir),
			engine.WithLogger(logger),
		}
		if len(p.AllowedTools) > 0 {
			opts = append(opts, engine.WithAllowedTools(p.AllowedTools...))
		}
		if len(p.DisallowedTools) > 0 {
			opts = append(opts, engine.WithDisallowedTools(p.DisallowedTools...))
		}
		if len(p.ExtraArgs) > 0 {
			opts = append(opts, engine.WithExtraArgs(p.ExtraArgs...))
		}
		if p.Timeout > 0 {
			opts = append(opts, engine.WithTimeout(p.Timeout.Std()))
		}
		if p.GracePeriod > 0 {
			opts = append(opts, engine.WithGracePeriod(p.GracePeriod.Std()))
		}
		return router.Provider{
			Descriptor: desc,
			Backend:    router.ProcessBackend{Engine: engine.New(opts...)},
		}, nil

	case config.KindHTTP:
		desc.Kind = router.KindHTTP
		desc.Available = router.KeyAvailable(p.APIKey)
		completer, err := buildCompleter(ctx, p)
		if err != nil {
			return router.Provider{}, err
		}
		return router.Provider{
			Descriptor: desc,
			Backend:    router.CompletionBackend{ID: p.ID, Completer: completer},
		}, nil
	}
	return router.Provider{}, fmt.Errorf("unknown kind %q", p.Kind)
}

func buildCompleter(ctx context.Context, p config.Provider) (agentstream.Completer, error) {
	if p.APIKey == "" {
		return missingKey{id: p.ID}, nil
	}
	switch p.API {
	case config.APIAnthropic:
		return anthropic.NewClient(anthropic.Config{
			APIKey:    p.APIKey,
			BaseURL:   p.BaseURL,
			Model:     p.Model,
			MaxTokens: p.MaxTokens,
		}), nil
	case config.APIOpenAI:
		return openai.NewClient(openai.Config{
			APIKey:  p.APIKey,
			BaseURL: p.BaseURL,
			Model:   p.Model,
		}), nil
	case config.APIGemini:
		return gemini.NewClient(ctx, gemini.Config{
			APIKey:  p.APIKey,
			BaseURL: p.BaseURL,
			Model:   p.Model,
		})
	}
	return nil, fmt.Errorf("unknown api %q", p.API)
}

// missingKey stands in for an HTTP backend whose key is unset. The router
// never selects it because KeyAvailable reports false.
type missingKey struct {
	id string
}

func (m missingKey) Complete(context.Context, string, []agentstream.Message, string) (*agentstream.Completion, error) {
	return nil, agentstream.Errorf(agentstream.KindUnavailable, m.id, "no API key configured")
}

// enabledIDs filters ids down to the providers that were built.
func enabledIDs(providers []router.Provider, ids []string) []string {
	known := make(map[string]bool, len(providers))
	for _, p := range providers {
		known[p.ID] = true
	}
	var out []string
	for _, id := range ids {
		if known[id] {
			out = append(out, id)
		}
	}
	return out
}

func newRouter(cfg *config.Config, providers []router.Provider, refs router.SessionRefs, logger *slog.Logger) *router.Router {
	opts := []router.Option{
		router.WithSessionRefs(refs),
		router.WithHistoryLimit(cfg.Routing.HistoryLimit),
		router.WithLogger(logger),
	}
	if def := enabledIDs(providers, []string{cfg.Routing.Default}); len(def) == 1 {
		opts = append(opts, router.WithDefault(def[0]))
	}
	if len(cfg.Routing.Fallback) > 0 {
		opts = append(opts, router.WithFallback(enabledIDs(providers, cfg.Routing.Fallback)...))
	}
	if len(cfg.Routing.DeveloperFallback) > 0 {
		opts = append(opts, router.WithDeveloperFallback(enabledIDs(providers, cfg.Routing.DeveloperFallback)...))
	}
	if cfg.Routing.DeveloperPrompt != "" {
		opts = append(opts, router.WithDeveloperPrompt(cfg.Routing.DeveloperPrompt))
	}
	return router.New(providers, opts...)
}

// applyRouting hot-applies the routing section of a reloaded config.
// Provider definitions themselves only change on restart.
func applyRouting(r *router.Router, cfg *config.Config, providers []router.Provider, logger *slog.Logger) {
	if def := enabledIDs(providers, []string{cfg.Routing.Default}); len(def) == 1 {
		if err := r.SetDefault(def[0]); err != nil {
			logger.Warn("config reload: default provider not applied", "error", err)
		}
	}
	if len(cfg.Routing.Fallback) > 0 {
		if err := r.SetFallback(enabledIDs(providers, cfg.Routing.Fallback)); err != nil {
			logger.Warn("config reload: fallback not applied", "error", err)
		}
	}
	logger.Info("config reloaded", "default", cfg.Routing.Default, "fallback", cfg.Routing.Fallback)
}

func newClassifier(c config.Confirmation) *confirm.Classifier {
	dangerous, shell, patterns := c.DangerousTools, c.ShellTools, c.DestructivePatterns
	if len(dangerous) == 0 {
		dangerous = confirm.DefaultDangerousTools
	}
	if len(shell) == 0 {
		shell = confirm.DefaultShellTools
	}
	if len(patterns) == 0 {
		patterns = confirm.DefaultDestructivePatterns
	}
	return confirm.NewClassifier(dangerous, shell, patterns)
}

func newGate(cfg *config.Config, auditor confirm.Auditor, logger *slog.Logger) *confirm.Gate {
	opts := []confirm.Option{
		confirm.WithClassifier(newClassifier(cfg.Confirmation)),
		confirm.WithLogger(logger),
	}
	if auditor != nil {
		opts = append(opts, confirm.WithAuditor(auditor))
	}
	if cfg.Confirmation.Timeout > 0 {
		opts = append(opts, confirm.WithTimeout(cfg.Confirmation.Timeout.Std()))
	}
	return confirm.NewGate(opts...)
}

func newTracker(cfg *config.Config, logger *slog.Logger) *streamstate.Tracker {
	opts := []streamstate.TrackerOption{streamstate.WithLogger(logger)}
	if cfg.Status.IdleTTL > 0 {
		opts = append(opts, streamstate.WithIdleTTL(cfg.Status.IdleTTL.Std()))
	}
	return streamstate.NewTracker(opts...)
}

func newThrottler(cfg *config.Config, m outbound.Messenger, logger *slog.Logger) *outbound.Throttler {
	opts := []outbound.Option{outbound.WithLogger(logger)}
	if cfg.Outbound.Interval > 0 {
		opts = append(opts, outbound.WithInterval(cfg.Outbound.Interval.Std()))
	}
	if cfg.Outbound.MaxLen > 0 {
		opts = append(opts, outbound.WithMaxLen(cfg.Outbound.MaxLen))
	}
	if cfg.Outbound.Marker != "" {
		opts = append(opts, outbound.WithMarker(cfg.Outbound.Marker))
	}
	return outbound.NewThrottler(m, opts...)
}

// openStore returns Postgres when a database URL is configured and the
// in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Database.URL == "" {
		logger.Debug("no database configured, keeping state in memory")
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	logger.Info("using postgres store")
	return pg, nil
}
