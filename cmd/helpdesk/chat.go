package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"helpdesk/internal/bus"
	"helpdesk/internal/config"
	"helpdesk/internal/console"
	"helpdesk/internal/domain"
	"helpdesk/internal/metrics"
	"helpdesk/internal/push"
	"helpdesk/internal/session"
	"helpdesk/internal/uistate"
	"helpdesk/internal/widget"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

type chatOptions struct {
	email     string
	name      string
	transport string
	human     bool
}

func chatCmd() *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open the support chat in the terminal",
		Long: "Starts with the assistant; type /handoff to reach a human agent. " +
			"An open conversation is resumed on the next start.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(opts)
		},
	}
	cmd.Flags().StringVar(&opts.email, "email", "", "email used when handing off to an agent")
	cmd.Flags().StringVar(&opts.name, "name", "", "name shown to the agent")
	cmd.Flags().StringVar(&opts.transport, "transport", "", "poll or push (default from config)")
	cmd.Flags().BoolVar(&opts.human, "human", false, "skip the assistant and contact an agent directly")
	return cmd
}

func runChat(opts chatOptions) error {
	cfg := loadConfigOrDefaults()
	if opts.email != "" {
		cfg.Widget.Email = opts.email
	}
	if opts.name != "" {
		cfg.Widget.Name = opts.name
	}
	if opts.transport != "" {
		cfg.Widget.Transport = opts.transport
	}
	if opts.human {
		cfg.Widget.StartMode = string(uistate.ModeHuman)
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.NewClient(reg)
	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics, reg)
	}

	api, err := newClient(cfg, m)
	if err != nil {
		return err
	}

	var sessions domain.SessionStore
	if cfg.Session.Enabled {
		store, err := session.NewSQLiteStore(cfg.Session.DBPath, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		sessions = store
	}

	var sub widget.Subscriber
	if cfg.Widget.Transport == "push" {
		sub = push.New(push.Config{URLFor: api.TicketSocketURL, Header: api.Header(), Logger: logger})
	}

	eventBus := bus.NewEventBus(logger)
	con := console.New(console.Config{
		Bus:      eventBus,
		Identity: domain.Identity{Name: cfg.Widget.Name, Email: cfg.Widget.Email},
		Bell:     cfg.Widget.Bell,
		Logger:   logger,
	})
	w := widget.New(widget.Options{
		API:          api,
		UI:           uistate.NewMemory(uistate.State{Open: true, Mode: uistate.Mode(cfg.Widget.StartMode)}),
		Notifier:     con,
		Sessions:     sessions,
		SessionKey:   cfg.Session.Key,
		Push:         sub,
		Bus:          eventBus,
		PollInterval: time.Duration(cfg.Widget.PollIntervalMs) * time.Millisecond,
		Logger:       logger,
		Metrics:      m,
	})
	defer w.Close()
	con.SetWidget(w)

	resumed, err := w.Resume(ctx)
	if err != nil {
		logger.Warn("session not resumed", "err", err)
	}
	if !resumed && cfg.Widget.StartMode == string(uistate.ModeHuman) {
		w.RequestHandoff()
	}

	go w.Run(ctx)

	err = con.Start(ctx)
	stop()
	return err
}

// serveMetrics exposes the client's metrics on their own listener.
func serveMetrics(ctx context.Context, mc config.MetricsConfig, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle(mc.Path, metrics.Handler(reg))
	srv := &http.Server{Addr: mc.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", mc.Addr, "path", mc.Path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server error", "err", err)
	}
}
