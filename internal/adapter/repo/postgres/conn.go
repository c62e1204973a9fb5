package postgres

import (
	"context"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool sizing shared by the api and the worker. Both hold connections only
// briefly per request, so a small pool with a lifetime cap keeps the server
// side tidy across deploys.
const (
	poolMaxConns        = 10
	poolMinConns        = 2
	poolMaxConnIdleTime = 5 * time.Minute
	poolMaxConnLifetime = 30 * time.Minute
)

// NewPool creates a pgx connection pool from the provided DSN. Queries are
// traced through the otelpgx tracer, and sessions carry an application_name
// so pg_stat_activity attributes them to this service.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = poolMaxConns
	cfg.MinConns = poolMinConns
	cfg.MaxConnIdleTime = poolMaxConnIdleTime
	cfg.MaxConnLifetime = poolMaxConnLifetime
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	cfg.ConnConfig.RuntimeParams["application_name"] = "listing-intake"
	return pgxpool.NewWithConfig(ctx, cfg)
}
