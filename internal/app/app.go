// Package app wires configuration, logging, the Telegram client, snapshots
// and metrics into a ready sync engine for the relaynotes binaries.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaynotes/internal/codec"
	"github.com/agentworkforce/relaynotes/internal/config"
	"github.com/agentworkforce/relaynotes/internal/logging"
	"github.com/agentworkforce/relaynotes/internal/metrics"
	"github.com/agentworkforce/relaynotes/internal/notesync"
	"github.com/agentworkforce/relaynotes/internal/snapshot"
	"github.com/agentworkforce/relaynotes/internal/telegram"
)

type Options struct {
	ConfigPath string
	// LogLevel overrides the configured level when set.
	LogLevel string
	Service  string
}

type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Client    *telegram.Client
	Engine    *notesync.Engine
	Registry  *prometheus.Registry
	snapshots snapshot.Backend
}

// New loads settings, requires credentials and restores the engine from the
// configured snapshot. A snapshot that cannot be read is logged and skipped.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireCredentials(); err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if strings.TrimSpace(opts.LogLevel) != "" {
		level = opts.LogLevel
	}
	logger, err := logging.New(level, opts.Service)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	syncMetrics, err := metrics.NewSync(registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	snapshots, err := snapshot.BuildFromDSN(cfg.SnapshotDSN)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %q: %w", cfg.SnapshotDSN, err)
	}

	client := telegram.NewClient(telegram.ClientOptions{
		BaseURL:        cfg.APIBaseURL,
		Credentials:    Credentials(cfg),
		ParseMode:      cfg.ParseMode,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger.Named("telegram"),
	})
	engine, err := notesync.NewEngine(client, notesync.Options{
		Codec:        codec.New(codec.VocabularyByName(cfg.Vocabulary)),
		Logger:       logger.Named("sync"),
		Metrics:      syncMetrics,
		Snapshots:    snapshots,
		ChatID:       cfg.ChatID,
		Limit:        cfg.Limit,
		PollTimeout:  cfg.PollTimeout,
		SeenCapacity: cfg.SeenCapacity,
	})
	if err != nil {
		if snapshots != nil {
			_ = snapshots.Close()
		}
		return nil, err
	}
	if err := engine.Restore(ctx); err != nil {
		logger.Warn("starting without snapshot", zap.Error(err))
	}
	return &App{
		Config:    cfg,
		Logger:    logger,
		Client:    client,
		Engine:    engine,
		Registry:  registry,
		snapshots: snapshots,
	}, nil
}

// WatchCredentials swaps the client's tokens whenever the settings file at
// path changes. Reloads without credentials are ignored. It blocks until ctx
// is done.
func (a *App) WatchCredentials(ctx context.Context, path string) error {
	return config.Watch(ctx, path, a.Logger.Named("config"), func(next *config.Config) {
		if err := next.RequireCredentials(); err != nil {
			a.Logger.Warn("reloaded settings ignored", zap.Error(err))
			return
		}
		a.Client.SetCredentials(Credentials(next))
		a.Logger.Info("credentials reloaded")
	})
}

func (a *App) Close() {
	if a.snapshots != nil {
		_ = a.snapshots.Close()
	}
	_ = a.Logger.Sync()
}

func Credentials(cfg *config.Config) telegram.Credentials {
	return telegram.Credentials{
		HistoryToken: cfg.HistoryToken,
		ActionToken:  cfg.ActionToken,
		ChatID:       cfg.ChatID,
	}
}
