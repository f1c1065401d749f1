package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Backend: BackendConfig{
			BaseURL:        "http://127.0.0.1:8080",
			TimeoutSeconds: 30,
			TicketsPath:    "/api/tickets",
			MessagesPath:   "/api/tickets/messages",
			ChatPath:       "/api/chat",
		},
		Widget: WidgetConfig{
			PollIntervalMs:   2000,
			ListPollInterval: 5000,
			Transport:        "poll",
			Bell:             true,
			StartMode:        "assistant",
		},
		Session: SessionConfig{
			Enabled: true,
			DBPath:  "~/.helpdesk/session.db",
			Key:     "default",
		},
		Server: ServerConfig{
			Host:          "127.0.0.1",
			Port:          8080,
			DBPath:        "~/.helpdesk/support.db",
			UploadDir:     "~/.helpdesk/uploads",
			MaxUploadSize: "10MB",
			StreamDelayMs: 40,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     20,
				Burst:   40,
			},
		},
		Alerts: AlertsConfig{
			Telegram: TelegramConfig{
				Enabled: false,
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
			Path:    "/metrics",
		},
	}
}
