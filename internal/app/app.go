package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"forestline/internal/config"
	"forestline/internal/db"
	"forestline/internal/engine"
	"forestline/internal/export"
	"forestline/internal/logging"
	"forestline/internal/metrics"
	"forestline/internal/migrate"
)

type Options struct {
	Workspace string
	Verbose   bool
	// Logger replaces the logger built from the config when set.
	Logger *zap.Logger
}

// Env is an opened workspace: config, logger, migrated database and engine.
type Env struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *metrics.Recorder
	Engine    engine.Engine
}

// Open loads forestline.yml (or the defaults), opens and migrates the
// workspace database and wires the engine.
func Open(ctx context.Context, opts Options) (*Env, error) {
	cfg, err := config.LoadOrDefault(opts.Workspace)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger, err = logging.New(cfg.Logging, opts.Verbose)
		if err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	rec, err := metrics.New()
	if err != nil {
		conn.Close()
		return nil, err
	}
	logger.Debug("workspace opened", zap.String("db", db.Path(opts.Workspace)))
	return &Env{
		Workspace: opts.Workspace,
		DB:        conn,
		Config:    cfg,
		Logger:    logger,
		Metrics:   rec,
		Engine:    engine.New(conn, cfg, logger, rec),
	}, nil
}

// Sink opens the export destination configured for the workspace.
func (e *Env) Sink(ctx context.Context) (export.Sink, error) {
	return export.Open(ctx, e.Config.Export, e.Workspace)
}

func (e *Env) Close() error {
	if e == nil || e.DB == nil {
		return nil
	}
	_ = e.Logger.Sync()
	return e.DB.Close()
}
