package app

import (
	"fmt"
	"log/slog"

	"github.com/pgvoice/voiceagent/internal/config"
	"github.com/pgvoice/voiceagent/internal/upstream"
)

type providerSetup struct {
	provider upstream.Provider
	name     string
	detail   string
}

func resolveProvider(cfg config.Config, logger *slog.Logger) (providerSetup, error) {
	tryDeepgram := func() (providerSetup, bool) {
		if cfg.DeepgramAPIKey == "" {
			return providerSetup{}, false
		}
		p := upstream.NewDeepgramProvider(upstream.DeepgramConfig{
			APIKey:            cfg.DeepgramAPIKey,
			URL:               cfg.DeepgramAgentURL,
			KeepAliveInterval: cfg.UpstreamKeepAliveInterval,
			Logger:            logger,
		})
		return providerSetup{provider: p, name: "deepgram", detail: cfg.DeepgramAgentURL}, true
	}

	switch cfg.UpstreamProvider {
	case "deepgram":
		if setup, ok := tryDeepgram(); ok {
			return setup, nil
		}
		return providerSetup{}, fmt.Errorf("UPSTREAM_PROVIDER=deepgram but DEEPGRAM_API_KEY is not set")
	case "mock":
		return providerSetup{provider: upstream.NewMockProvider(), name: "mock", detail: "mock"}, nil
	case "", "auto":
		if setup, ok := tryDeepgram(); ok {
			return setup, nil
		}
		return providerSetup{
			provider: upstream.NewMockProvider(),
			name:     "mock",
			detail:   "mock (no deepgram key)",
		}, nil
	default:
		return providerSetup{}, fmt.Errorf("invalid UPSTREAM_PROVIDER: %q (expected auto|deepgram|mock)", cfg.UpstreamProvider)
	}
}
