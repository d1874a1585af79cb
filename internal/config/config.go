package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains all runtime settings for the voice agent bridge.
type Config struct {
	BindAddr         string        `env:"APP_BIND_ADDR" envDefault:":5000"`
	ShutdownTimeout  time.Duration `env:"APP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	MetricsNamespace string        `env:"APP_METRICS_NAMESPACE" envDefault:"voiceagent"`
	AllowAnyOrigin   bool          `env:"APP_ALLOW_ANY_ORIGIN" envDefault:"false"`
	DevMode          bool          `env:"APP_DEV_MODE" envDefault:"false"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`

	UpstreamProvider          string        `env:"UPSTREAM_PROVIDER" envDefault:"auto"`
	DeepgramAPIKey            string        `env:"DEEPGRAM_API_KEY"`
	DeepgramAgentURL          string        `env:"DEEPGRAM_AGENT_URL" envDefault:"wss://agent.deepgram.com/agent"`
	UpstreamOpenTimeout       time.Duration `env:"UPSTREAM_OPEN_TIMEOUT" envDefault:"10s"`
	UpstreamCloseTimeout      time.Duration `env:"UPSTREAM_CLOSE_TIMEOUT" envDefault:"1s"`
	UpstreamKeepAliveInterval time.Duration `env:"UPSTREAM_KEEPALIVE_INTERVAL" envDefault:"8s"`

	PersistTimeout     time.Duration `env:"PERSIST_TIMEOUT" envDefault:"5s"`
	ClientWriteTimeout time.Duration `env:"CLIENT_WRITE_TIMEOUT" envDefault:"10s"`
	ClientReadTimeout  time.Duration `env:"CLIENT_READ_TIMEOUT" envDefault:"120s"`
	SessionIdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"2m"`
	EndCallGrace       time.Duration `env:"END_CALL_GRACE" envDefault:"5s"`
	ToolCallTimeout    time.Duration `env:"TOOL_CALL_TIMEOUT" envDefault:"20s"`

	BackendBaseURL    string        `env:"BACKEND_BASE_URL"`
	BackendAPIToken   string        `env:"BACKEND_API_TOKEN"`
	BackendTimeout    time.Duration `env:"BACKEND_TIMEOUT" envDefault:"15s"`
	BackendMaxRetries int           `env:"BACKEND_MAX_RETRIES" envDefault:"2"`

	DatabaseURL string `env:"DATABASE_URL"`

	NatsURL   string `env:"NATS_URL"`
	NatsToken string `env:"NATS_TOKEN"`

	DevInstructionsPath string `env:"DEV_INSTRUCTIONS_PATH"`
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.UpstreamProvider = strings.ToLower(strings.TrimSpace(cfg.UpstreamProvider))
	if cfg.UpstreamProvider == "" {
		cfg.UpstreamProvider = "auto"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.DeepgramAPIKey = strings.TrimSpace(cfg.DeepgramAPIKey)
	cfg.BackendBaseURL = strings.TrimRight(strings.TrimSpace(cfg.BackendBaseURL), "/")
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.NatsURL = strings.TrimSpace(cfg.NatsURL)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	durations := []struct {
		key string
		val time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", c.ShutdownTimeout},
		{"UPSTREAM_OPEN_TIMEOUT", c.UpstreamOpenTimeout},
		{"UPSTREAM_CLOSE_TIMEOUT", c.UpstreamCloseTimeout},
		{"UPSTREAM_KEEPALIVE_INTERVAL", c.UpstreamKeepAliveInterval},
		{"PERSIST_TIMEOUT", c.PersistTimeout},
		{"CLIENT_WRITE_TIMEOUT", c.ClientWriteTimeout},
		{"CLIENT_READ_TIMEOUT", c.ClientReadTimeout},
		{"SESSION_IDLE_TIMEOUT", c.SessionIdleTimeout},
		{"TOOL_CALL_TIMEOUT", c.ToolCallTimeout},
		{"BACKEND_TIMEOUT", c.BackendTimeout},
	}
	for _, d := range durations {
		if d.val <= 0 {
			return fmt.Errorf("%s must be positive", d.key)
		}
	}
	if c.EndCallGrace < 0 {
		return fmt.Errorf("END_CALL_GRACE must be >= 0")
	}
	if c.BackendMaxRetries < 0 {
		return fmt.Errorf("BACKEND_MAX_RETRIES must be >= 0")
	}

	switch c.UpstreamProvider {
	case "auto", "mock":
	case "deepgram":
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("UPSTREAM_PROVIDER=deepgram but DEEPGRAM_API_KEY is not set")
		}
	default:
		return fmt.Errorf("invalid UPSTREAM_PROVIDER: %q (expected auto|deepgram|mock)", c.UpstreamProvider)
	}

	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid LOG_LEVEL: %q (expected debug|info|warn|error)", c.LogLevel)
	}
	return nil
}
