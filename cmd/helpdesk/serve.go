package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"helpdesk/internal/alert"
	"helpdesk/internal/backend"
	"helpdesk/internal/config"
	"helpdesk/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference support backend",
		Long:  "Serves the ticket, message, assistant-stream and push API over HTTP. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrDefaults()
			if host != "" {
				cfg.Server.Host = host
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (default from config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default from config)")
	return cmd
}

func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := backend.NewStore(cfg.Server.DBPath, logger)
	if err != nil {
		return fmt.Errorf("support store: %w", err)
	}
	defer store.Close()

	maxBytes, err := cfg.Server.MaxUploadBytes()
	if err != nil {
		return err
	}
	uploads, err := backend.NewUploads(cfg.Server.UploadDir, backend.UploadsPrefix, maxBytes, logger)
	if err != nil {
		return err
	}

	assistant := backend.DefaultAssistant()
	if cfg.Server.AssistantRules != "" {
		assistant, err = backend.LoadAssistant(cfg.Server.AssistantRules)
		if err != nil {
			return err
		}
		logger.Info("assistant rules loaded", "path", cfg.Server.AssistantRules, "rules", len(assistant.Rules))
	}

	alerter, err := newAlerter(cfg.Alerts)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = metrics.Handler(reg)
	}

	srv := backend.New(backend.Config{
		Addr:           net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		APIKey:         cfg.Backend.APIKey,
		Store:          store,
		Uploads:        uploads,
		Assistant:      assistant,
		StreamDelay:    time.Duration(cfg.Server.StreamDelayMs) * time.Millisecond,
		RateLimit:      cfg.Server.RateLimit.Enabled,
		RPS:            cfg.Server.RateLimit.RPS,
		Burst:          cfg.Server.RateLimit.Burst,
		Alerter:        alerter,
		Metrics:        metrics.NewServer(reg),
		MetricsHandler: metricsHandler,
		MetricsPath:    cfg.Metrics.Path,
		Logger:         logger,
	})

	err = srv.Start(ctx)
	logger.Info("support backend stopped")
	return err
}

func newAlerter(ac config.AlertsConfig) (alert.Alerter, error) {
	alerters := alert.Multi{alert.Log{Logger: logger}}
	if ac.Telegram.Enabled {
		tg, err := alert.NewTelegram(alert.TelegramConfig{
			Token:  ac.Telegram.Token,
			ChatID: ac.Telegram.ChatID,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("telegram alerts: %w", err)
		}
		alerters = append(alerters, tg)
		logger.Info("telegram alerts enabled", "chat", ac.Telegram.ChatID)
	}
	return alerters, nil
}
