// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package locking

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"

	"github.com/holomush/chestlock/internal/config"
	"github.com/holomush/chestlock/internal/protection"
	"github.com/holomush/chestlock/internal/protection/attached"
	"github.com/holomush/chestlock/internal/protection/filestore"
	"github.com/holomush/chestlock/internal/protection/postgres"
	"github.com/holomush/chestlock/internal/store"
	"github.com/holomush/chestlock/pkg/errutil"
)

// Pool is a PostgreSQL connection pool.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Connector opens a pool.
type Connector func(ctx context.Context, cfg store.ConnConfig) (Pool, error)

// MigrateFunc brings the schema behind pool up to date.
type MigrateFunc func(ctx context.Context, pool Pool, strategy store.Strategy, logger *slog.Logger) (store.Result, error)

type openOptions struct {
	logger  *slog.Logger
	connect Connector
	migrate MigrateFunc
}

// OpenOption configures Open.
type OpenOption func(*openOptions)

// WithOpenLogger sets the logger used by Open and every store it builds.
func WithOpenLogger(logger *slog.Logger) OpenOption {
	return func(o *openOptions) {
		o.logger = logger
	}
}

// WithConnector replaces store.Connect.
func WithConnector(c Connector) OpenOption {
	return func(o *openOptions) {
		o.connect = c
	}
}

// WithMigrate replaces the embedded schema migrator.
func WithMigrate(m MigrateFunc) OpenOption {
	return func(o *openOptions) {
		o.migrate = m
	}
}

// ConnectPostgres is the default Connector.
func ConnectPostgres(ctx context.Context, cfg store.ConnConfig) (Pool, error) {
	pool, err := store.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// MigrateEmbedded is the default MigrateFunc.
func MigrateEmbedded(ctx context.Context, pool Pool, strategy store.Strategy, logger *slog.Logger) (store.Result, error) {
	m, err := store.NewMigrator(pool, store.WithStrategy(strategy), store.WithMigratorLogger(logger))
	if err != nil {
		return store.Result{State: store.StateFailed}, err
	}
	return m.Migrate(ctx)
}

// ConnConfig maps the postgres settings onto the pool parameters.
func ConnConfig(pg config.PostgresConfig) store.ConnConfig {
	return store.ConnConfig{
		Host:           pg.Host,
		Port:           pg.Port,
		Database:       pg.Database,
		User:           pg.User,
		Password:       pg.Password,
		SSLMode:        pg.SSLMode,
		MaxConns:       pg.MaxConns,
		MinConns:       pg.MinConns,
		ConnectTimeout: pg.ConnectTimeout,
	}
}

// RelationalOptions maps the postgres write settings onto store options.
func RelationalOptions(pg config.PostgresConfig, logger *slog.Logger) []postgres.Option {
	return []postgres.Option{
		postgres.WithLogger(logger),
		postgres.WithWriteMode(postgres.WriteMode(pg.WriteMode)),
		postgres.WithWorkers(pg.WriteWorkers),
		postgres.WithQueueSize(pg.WriteQueue),
		postgres.WithWriteTimeout(pg.WriteTimeout),
		postgres.WithRetries(uint64(max(pg.WriteRetries, 0)), 0),
	}
}

// Open builds a Service for cfg and loads its records. A postgres backend
// that cannot be reached, migrated, or warmed is replaced by the file
// backend. A migration whose backup could not be restored is returned as an
// error and no Service is built.
func Open(ctx context.Context, cfg *config.Config, opts ...OpenOption) (*Service, error) {
	o := openOptions{
		logger:  slog.Default(),
		connect: ConnectPostgres,
		migrate: MigrateEmbedded,
	}
	for _, opt := range opts {
		opt(&o)
	}

	attachedStore := attached.NewStore(cfg.Storage.Attached.Namespace, attached.WithLogger(o.logger))

	if cfg.Storage.Type == config.StoragePostgres {
		locations, err := openPostgres(ctx, cfg, o)
		if err == nil {
			return New(attachedStore, locations, WithLogger(o.logger), WithBackend(config.StoragePostgres)), nil
		}
		if errors.Is(err, store.ErrRestoreFailed) {
			errutil.Log(ctx, o.logger, slog.LevelError, "schema migration failed and could not be restored; refusing to start", err)
			return nil, err
		}
		errutil.Log(ctx, o.logger, slog.LevelWarn, "relational storage unavailable, falling back to file storage", err,
			"path", cfg.Storage.File.Path)
		fileStore, ferr := openFile(ctx, cfg, o)
		if ferr != nil {
			return nil, ferr
		}
		return New(attachedStore, fileStore, WithLogger(o.logger), WithBackend(config.StorageFile), withFallback()), nil
	}

	locations, err := openFile(ctx, cfg, o)
	if err != nil {
		return nil, err
	}
	return New(attachedStore, locations, WithLogger(o.logger), WithBackend(config.StorageFile)), nil
}

func openFile(ctx context.Context, cfg *config.Config, o openOptions) (protection.LocationStore, error) {
	fs := filestore.New(cfg.Storage.File.Path, filestore.WithLogger(o.logger))
	if _, err := fs.Load(ctx); err != nil {
		return nil, err
	}
	return fs, nil
}

func openPostgres(ctx context.Context, cfg *config.Config, o openOptions) (protection.LocationStore, error) {
	pg := cfg.Storage.Postgres
	pool, err := o.connect(ctx, ConnConfig(pg))
	if err != nil {
		return nil, err
	}

	res, err := o.migrate(ctx, pool, store.Strategy(cfg.Storage.Migration.Strategy), o.logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	o.logger.InfoContext(ctx, "schema ready", "state", string(res.State), "from", res.From, "to", res.To)

	rs := postgres.New(pool, RelationalOptions(pg, o.logger)...)
	if _, err := rs.Load(ctx); err != nil {
		_ = rs.Close()
		return nil, oops.With("operation", "warm protection cache").Wrap(err)
	}
	return rs, nil
}
