package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bazelment/yoloswe/switchboard/api"
	"github.com/bazelment/yoloswe/switchboard/bus"
	"github.com/bazelment/yoloswe/switchboard/config"
	"github.com/bazelment/yoloswe/switchboard/confirm"
	"github.com/bazelment/yoloswe/switchboard/outbound"
	"github.com/bazelment/yoloswe/switchboard/router"
	"github.com/bazelment/yoloswe/switchboard/transport/telegram"
	"github.com/bazelment/yoloswe/switchboard/turn"
)

var (
	serveAddr    string
	serveNoWeb   bool
	serveNoBot   bool
	serveNoBus   bool
	serveNoWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the Telegram bot and the event bus bridge",
	Long: `Serve starts every configured surface: the HTTP API (always, unless
--no-api), the Telegram bot when a bot token is set, and the NATS bridge when
a NATS URL is set. Routing changes in the config file are applied without a
restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.HTTP.Addr = serveAddr
		}
		logger := newLogger(os.Stderr, cfg)
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "API listen address (overrides http.addr)")
	serveCmd.Flags().BoolVar(&serveNoWeb, "no-api", false, "Do not start the HTTP API")
	serveCmd.Flags().BoolVar(&serveNoBot, "no-telegram", false, "Do not start the Telegram bot even if a token is set")
	serveCmd.Flags().BoolVar(&serveNoBus, "no-nats", false, "Do not connect to NATS even if a URL is set")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Do not reload routing when the config file changes")
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	providers, err := buildProviders(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if len(providers) == 0 {
		return fmt.Errorf("no providers enabled in %s", configPath)
	}
	rt := newRouter(cfg, providers, st, logger)
	logProviders(logger, rt.Status())

	deps := turn.Deps{
		Router:  rt,
		Tracker: newTracker(cfg, logger),
		Gate:    newGate(cfg, st, logger),
		Logger:  logger,
	}

	var tg *telegram.Client
	if cfg.Telegram.Token != "" && !serveNoBot {
		tg = telegram.NewClient(nil, cfg.Telegram.BaseURL, cfg.Telegram.Token, logger)
		deps.Throttler = newThrottler(cfg, telegram.Messenger{Client: tg}, logger)
		deps.Notifier = telegram.Notifier{Client: tg, Logger: logger}
	}

	var nc *bus.Client
	if cfg.NATS.URL != "" && !serveNoBus {
		nc, err = bus.Connect(bus.Config{
			Logger: logger,
			URL:    cfg.NATS.URL,
			Token:  cfg.NATS.Token,
			Prefix: cfg.NATS.Prefix,
			Name:   "switchboard",
		})
		if err != nil {
			return err
		}
		defer nc.Close()
		deps.Publisher = nc
	}

	svc := turn.New(deps)

	if nc != nil {
		if err := nc.SubscribeDecisions(svc.ResolveConfirmation); err != nil {
			return fmt.Errorf("subscribe decisions: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	interval := cfg.Status.GCInterval.Std()
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	g.Go(func() error {
		svc.Tracker().RunGC(gctx, interval)
		return nil
	})

	if !serveNoWeb {
		srv := api.NewServer(svc,
			api.WithDecisions(st),
			api.WithAPIToken(cfg.HTTP.APIToken),
			api.WithLogger(logger))
		g.Go(func() error {
			return srv.ListenAndServe(gctx, cfg.HTTP.Addr)
		})
	}

	if tg != nil {
		opts := []telegram.BotOption{telegram.WithLogger(logger)}
		if len(cfg.Telegram.AllowedChats) > 0 {
			opts = append(opts, telegram.WithAllowedChats(cfg.Telegram.AllowedChats...))
		}
		if cfg.Telegram.PollTimeout > 0 {
			opts = append(opts, telegram.WithPollTimeout(cfg.Telegram.PollTimeout.Std()))
		}
		bot := telegram.NewBot(tg, svc, opts...)
		g.Go(func() error {
			return bot.Run(gctx)
		})
	}

	if !serveNoWatch {
		g.Go(func() error {
			err := config.Watch(gctx, configPath, logger, func(next *config.Config) {
				applyRouting(rt, next, providers, logger)
			})
			if err != nil {
				logger.Warn("config watch stopped", "error", err)
			}
			return nil
		})
	}

	logger.Info("switchboard running",
		"providers", len(providers),
		"api", !serveNoWeb,
		"telegram", tg != nil,
		"nats", nc != nil)
	return g.Wait()
}

func logProviders(logger *slog.Logger, status []router.ProviderStatus) {
	for _, p := range status {
		logger.Info("provider registered",
			"id", p.ID,
			"kind", p.Kind,
			"model", p.Model,
			"available", p.Available,
			"default", p.Default)
	}
}

// Compile-time checks that the transports satisfy what the service expects.
var (
	_ confirm.Notifier   = telegram.Notifier{}
	_ outbound.Messenger = telegram.Messenger{}
	_ turn.Publisher     = (*bus.Client)(nil)
)
