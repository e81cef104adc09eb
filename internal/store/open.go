package store

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/cdp/internal/config"
	"github.com/JonMunkholm/cdp/internal/core"
)

// Backend is a core.Store the process owns: it can be health-checked and
// must be closed on shutdown.
type Backend interface {
	core.Store
	Ping(ctx context.Context) error
	Close()
}

var (
	_ Backend = (*Memory)(nil)
	_ Backend = (*Postgres)(nil)
)

// Open connects the backend selected by cfg.Store.Driver.
func Open(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch strings.ToLower(cfg.Store.Driver) {
	case config.StoreDriverMemory:
		slog.Warn("using in-memory store, data is lost on exit")
		return NewMemory(), nil
	case config.StoreDriverPostgres, "":
		return openPostgres(ctx, cfg.Database)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func openPostgres(ctx context.Context, cfg config.DatabaseConfig) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	pg := NewPostgres(pool)
	if err := pg.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if u, err := url.Parse(cfg.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}

	if cfg.EnsureSchema {
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		slog.Info("database schema ensured")
	}
	return pg, nil
}
