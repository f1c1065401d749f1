package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"helpdesk/internal/client"
	"helpdesk/internal/config"
	"helpdesk/internal/domain"
	"helpdesk/internal/metrics"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
	logFile    *os.File
)

func main() {
	_ = godotenv.Load(".env")
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "helpdesk",
		Short: "helpdesk: support chat client and reference support backend",
		Long: "helpdesk runs a terminal support-chat widget against a support backend, " +
			"the agent-side inbox, and a reference backend to talk to.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.helpdesk/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(wizardCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(inboxCmd())
	root.AddCommand(replyCmd())
	root.AddCommand(closeCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(configCmd())

	err := root.Execute()
	if logFile != nil {
		logFile.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s (use 'helpdesk config set' or 'helpdesk wizard')", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file and applies its logging settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	if err := setupLogger(cfg.General); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigOrDefaults falls back to defaults when no usable config exists.
func loadConfigOrDefaults() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := loadConfig()
	if err != nil {
		logger.Warn("config not loaded, using defaults", "path", cfgPath, "err", err)
		return config.Defaults()
	}
	return cfg
}

func setupLogger(g config.GeneralConfig) error {
	var level slog.Level
	switch g.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if g.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(g.LogFile), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(g.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logFile = f
		out = f
	}
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	return nil
}

func newClient(cfg *config.Config, m *metrics.Client) (*client.Client, error) {
	return client.New(client.Config{
		BaseURL:      cfg.Backend.BaseURL,
		APIKey:       cfg.Backend.APIKey,
		Timeout:      time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
		TicketsPath:  cfg.Backend.TicketsPath,
		MessagesPath: cfg.Backend.MessagesPath,
		ChatPath:     cfg.Backend.ChatPath,
		Logger:       logger,
		Metrics:      m,
	})
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show config and backend status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}

			api, err := newClient(cfg, nil)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			list, err := api.ListTickets(ctx)
			if err != nil {
				logger.Info("backend", "url", cfg.Backend.BaseURL, "reachable", false, "err", err)
				return nil
			}
			counts := map[domain.TicketStatus]int{}
			for _, t := range list {
				counts[t.Status]++
			}
			logger.Info("backend", "url", cfg.Backend.BaseURL, "reachable", true,
				"tickets", len(list),
				"open", counts[domain.StatusOpen],
				"assigned", counts[domain.StatusAssigned],
				"closed", counts[domain.StatusClosed],
			)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. widget.pollIntervalMs)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. widget.transport push)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			value := args[1]
			if isSecretPath(args[0]) {
				value = "***"
			}
			logger.Info("config updated", "path", args[0], "value", value, "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			keys, values := config.ListPaths(config.Sanitize(cfg))
			for _, k := range keys {
				fmt.Printf("%-32s %v\n", k, values[k])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func isSecretPath(path string) bool {
	return strings.HasSuffix(path, "apiKey") || strings.HasSuffix(path, "token")
}
