// Package postgres reads the conversation stores and subject permissions
// from Postgres and bridges row-change notifications onto the change feed.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect creates a pgx connection pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string, opts ...func(*pgxpool.Config)) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}

	if cfg.MaxConns == 0 {
		cfg.MaxConns = 8
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.MaxConnLifetime == 0 {
		cfg.MaxConnLifetime = 60 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// normalizeDSN converts driver-suffixed DSNs from other ecosystems into the
// plain postgres:// form.
func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	for _, prefix := range []string{"postgresql+asyncpg://", "postgresql+pgx://"} {
		s = strings.Replace(s, prefix, "postgresql://", 1)
	}
	for _, prefix := range []string{"postgres+asyncpg://", "postgres+pgx://"} {
		s = strings.Replace(s, prefix, "postgres://", 1)
	}
	return s
}
