package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pgvoice/voiceagent/internal/agency"
	"github.com/pgvoice/voiceagent/internal/backend"
	"github.com/pgvoice/voiceagent/internal/bridge"
	"github.com/pgvoice/voiceagent/internal/commands"
	"github.com/pgvoice/voiceagent/internal/config"
	"github.com/pgvoice/voiceagent/internal/events"
	"github.com/pgvoice/voiceagent/internal/httpapi"
	"github.com/pgvoice/voiceagent/internal/observability"
	"github.com/pgvoice/voiceagent/internal/session"
	"github.com/pgvoice/voiceagent/internal/store"
)

type ProviderInfo struct {
	Name   string
	Detail string
}

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Sessions  *session.Registry
	Metrics   *observability.Metrics
	Provider  ProviderInfo
	StoreMode string

	// Cleanup releases the store and the event connection. Call it after the
	// HTTP server has stopped.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	st, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("conversation store init failed: %w", err)
	}
	storeMode := "in-memory"
	if cfg.DatabaseURL != "" {
		storeMode = "postgres"
	}

	setup, err := resolveProvider(cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	instructions, err := agency.LoadInstructions(cfg.DevInstructionsPath)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("dev instructions: %w", err)
	}

	var publisher events.Publisher = events.Noop{}
	if cfg.NatsURL != "" {
		np, err := events.NewNATSPublisher(cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("nats publisher init failed: %w", err)
		}
		publisher = np
	}

	client := backend.NewClient(backend.Options{
		BaseURL:    cfg.BackendBaseURL,
		Token:      cfg.BackendAPIToken,
		Timeout:    cfg.BackendTimeout,
		MaxRetries: cfg.BackendMaxRetries,
		Logger:     logger,
	})
	registry := commands.NewDefaultRegistry(client, logger)

	resolver := agency.NewResolver(agency.Options{
		Source:       st,
		Functions:    registry.Definitions(),
		DevAllowed:   cfg.DevMode,
		Instructions: instructions,
	})

	sessions := session.NewRegistry(metrics)

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions:      sessions,
		Conversations: st,
		Metrics:       metrics,
		Logger:        logger,
		ProviderName:  setup.name,
		StoreMode:     storeMode,
		Bridge: bridge.Options{
			Provider:       setup.provider,
			Resolver:       resolver,
			Commands:       registry,
			Store:          st,
			Publisher:      publisher,
			Logger:         logger,
			DevMode:        cfg.DevMode,
			OpenTimeout:    cfg.UpstreamOpenTimeout,
			CloseTimeout:   cfg.UpstreamCloseTimeout,
			PersistTimeout: cfg.PersistTimeout,
			WriteTimeout:   cfg.ClientWriteTimeout,
			ReadTimeout:    cfg.ClientReadTimeout,
			ToolTimeout:    cfg.ToolCallTimeout,
			EndCallGrace:   cfg.EndCallGrace,
		},
	})

	cleanup := func() error {
		publisher.Close()
		if err := st.Close(); err != nil {
			return fmt.Errorf("close store: %w", err)
		}
		return nil
	}

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Sessions:  sessions,
		Metrics:   metrics,
		Provider:  ProviderInfo{Name: setup.name, Detail: setup.detail},
		StoreMode: storeMode,
		Cleanup:   cleanup,
	}, nil
}
