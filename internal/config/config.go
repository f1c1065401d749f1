package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for helpdesk.
type Config struct {
	General GeneralConfig `json:"general" yaml:"general"`
	Backend BackendConfig `json:"backend" yaml:"backend"`
	Widget  WidgetConfig  `json:"widget" yaml:"widget"`
	Session SessionConfig `json:"session" yaml:"session"`
	Server  ServerConfig  `json:"server" yaml:"server"`
	Alerts  AlertsConfig  `json:"alerts" yaml:"alerts"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile" yaml:"logFile"` // optional log file path
}

// BackendConfig points the widget at the support API.
type BackendConfig struct {
	BaseURL        string `json:"baseURL" yaml:"baseURL"`
	APIKey         string `json:"apiKey" yaml:"apiKey"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	TicketsPath    string `json:"ticketsPath" yaml:"ticketsPath"`
	MessagesPath   string `json:"messagesPath" yaml:"messagesPath"`
	ChatPath       string `json:"chatPath" yaml:"chatPath"`
}

type WidgetConfig struct {
	Name             string `json:"name" yaml:"name"`
	Email            string `json:"email" yaml:"email"`
	PollIntervalMs   int    `json:"pollIntervalMs" yaml:"pollIntervalMs"`
	ListPollInterval int    `json:"listPollIntervalMs" yaml:"listPollIntervalMs"`
	Transport        string `json:"transport" yaml:"transport"` // "poll" | "push"
	Bell             bool   `json:"bell" yaml:"bell"`
	StartMode        string `json:"startMode" yaml:"startMode"` // "assistant" | "human"
}

type SessionConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DBPath  string `json:"dbPath" yaml:"dbPath"`
	Key     string `json:"key" yaml:"key"`
}

// ServerConfig configures the reference support backend.
type ServerConfig struct {
	Host           string          `json:"host" yaml:"host"`
	Port           int             `json:"port" yaml:"port"`
	DBPath         string          `json:"dbPath" yaml:"dbPath"`
	UploadDir      string          `json:"uploadDir" yaml:"uploadDir"`
	MaxUploadSize  string          `json:"maxUploadSize" yaml:"maxUploadSize"` // humanized, e.g. "10MB"
	AssistantRules string          `json:"assistantRules" yaml:"assistantRules"`
	StreamDelayMs  int             `json:"streamDelayMs" yaml:"streamDelayMs"`
	RateLimit      RateLimitConfig `json:"rateLimit" yaml:"rateLimit"`
}

type RateLimitConfig struct {
	Enabled bool    `json:"enabled" yaml:"enabled"`
	RPS     float64 `json:"rps" yaml:"rps"`
	Burst   int     `json:"burst" yaml:"burst"`
}

type AlertsConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token"`
	ChatID  int64  `json:"chatId" yaml:"chatId"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	Path    string `json:"path" yaml:"path"`
}

// MaxUploadBytes parses Server.MaxUploadSize.
func (s ServerConfig) MaxUploadBytes() (int64, error) {
	n, err := humanize.ParseBytes(s.MaxUploadSize)
	if err != nil {
		return 0, fmt.Errorf("server.maxUploadSize: %w", err)
	}
	return int64(n), nil
}

// DefaultConfigDir returns the default config directory (~/.helpdesk).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".helpdesk"
	}
	return filepath.Join(home, ".helpdesk")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Session.DBPath = ExpandPath(cfg.Session.DBPath)
	cfg.Server.DBPath = ExpandPath(cfg.Server.DBPath)
	cfg.Server.UploadDir = ExpandPath(cfg.Server.UploadDir)
	cfg.Server.AssistantRules = ExpandPath(cfg.Server.AssistantRules)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes the config as JSON, or YAML when the path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if u, err := url.Parse(cfg.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, "backend.baseURL must be an absolute URL")
	}
	if cfg.Backend.TimeoutSeconds < 1 {
		errs = append(errs, "backend.timeoutSeconds must be >= 1")
	}
	for name, p := range map[string]string{
		"backend.ticketsPath":  cfg.Backend.TicketsPath,
		"backend.messagesPath": cfg.Backend.MessagesPath,
		"backend.chatPath":     cfg.Backend.ChatPath,
	} {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, name+" must start with /")
		}
	}

	if cfg.Widget.PollIntervalMs < 100 {
		errs = append(errs, "widget.pollIntervalMs must be >= 100")
	}
	if cfg.Widget.ListPollInterval < 100 {
		errs = append(errs, "widget.listPollIntervalMs must be >= 100")
	}
	switch cfg.Widget.Transport {
	case "poll", "push":
	default:
		errs = append(errs, "widget.transport must be one of: poll, push")
	}
	switch cfg.Widget.StartMode {
	case "assistant", "human":
	default:
		errs = append(errs, "widget.startMode must be one of: assistant, human")
	}

	if cfg.Session.Enabled && cfg.Session.DBPath == "" {
		errs = append(errs, "session.dbPath is required when session is enabled")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if _, err := cfg.Server.MaxUploadBytes(); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.Server.StreamDelayMs < 0 {
		errs = append(errs, "server.streamDelayMs must be >= 0")
	}
	if cfg.Server.RateLimit.Enabled && (cfg.Server.RateLimit.RPS <= 0 || cfg.Server.RateLimit.Burst < 1) {
		errs = append(errs, "server.rateLimit requires rps > 0 and burst >= 1")
	}

	if cfg.Alerts.Telegram.Enabled && (cfg.Alerts.Telegram.Token == "" || cfg.Alerts.Telegram.ChatID == 0) {
		errs = append(errs, "alerts.telegram requires token and chatId")
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, "metrics.path must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
