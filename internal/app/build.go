package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ent0n29/chatrelay/internal/config"
	"github.com/ent0n29/chatrelay/internal/httpapi"
	"github.com/ent0n29/chatrelay/internal/inference"
	"github.com/ent0n29/chatrelay/internal/memory"
	"github.com/ent0n29/chatrelay/internal/observability"
	"github.com/ent0n29/chatrelay/internal/relay"
	"github.com/ent0n29/chatrelay/internal/session"
)

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Relay   *relay.Relay
	Actor   session.Actor
	Metrics *observability.Metrics
	Logger  *slog.Logger

	// Sessions is the in-process actor, nil when a remote actor is configured.
	Sessions *session.Manager

	// Cleanup should be called on shutdown to release external resources (DB pool).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	adapter, err := inference.NewAdapter(inference.Config{
		Mode:        cfg.InferenceMode,
		URL:         cfg.InferenceURL,
		FallbackURL: cfg.InferenceFallbackURL,
		APIToken:    cfg.InferenceAPIToken,
		Model:       cfg.InferenceModel,
		Timeout:     cfg.InferenceTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("inference adapter init failed: %w", err)
	}

	var (
		actor    session.Actor
		sessions *session.Manager
		store    memory.Store
	)
	if strings.TrimSpace(cfg.SessionActorURL) != "" {
		actor = session.NewClient(cfg.SessionActorURL)
	} else {
		store, err = memory.NewStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("session store init failed: %w", err)
		}
		sessions = session.NewManager(store, cfg.HistoryMaxTurns, cfg.SessionIdleTimeout)
		sessions.SetCreateHook(func(string) {
			metrics.ObserveActorEvent("created", sessions.ActiveCount())
		})
		sessions.SetEvictHook(func(sessionID string) {
			metrics.ObserveActorEvent("evicted", sessions.ActiveCount())
			logger.Debug("idle session actor evicted", "session_id", sessionID)
		})
		actor = sessions
	}

	var tokens observability.TokenCounter
	if cfg.PromptTokenMetrics {
		tokens = observability.NewTiktokenCounter("")
	}

	rl := relay.New(actor, adapter, relay.Options{
		MaxMessageChars:   cfg.MessageMaxChars,
		CompactTrigger:    cfg.CompactTriggerTurns,
		CompactKeep:       cfg.CompactKeepTurns,
		CompactOnStream:   cfg.CompactOnStream,
		SummaryModel:      cfg.InferenceSummaryModel,
		StreamBufferBytes: cfg.StreamBufferBytes,
		PersistTimeout:    cfg.PersistTimeout,
		PersistAttempts:   cfg.PersistAttempts,
		Logger:            logger,
		Metrics:           metrics,
		Tokens:            tokens,
	})

	// Only a locally owned actor is re-exported on the internal routes.
	var served session.Actor
	if sessions != nil {
		served = sessions
	}
	api, err := httpapi.New(rl, served, metrics, logger)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, fmt.Errorf("http api init failed: %w", err)
	}

	cleanup := func() error {
		if store == nil {
			return nil
		}
		return store.Close()
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Relay:    rl,
		Actor:    actor,
		Sessions: sessions,
		Metrics:  metrics,
		Logger:   logger,
		Cleanup:  cleanup,
	}, nil
}
