package dbpool

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/schedge/backend/internal/platform/env"
)

const (
	defaultMinConns        = 2
	defaultMaxConns        = 20
	defaultMaxConnLifetime = 30 * time.Minute
	defaultMaxConnIdleTime = 5 * time.Minute
	defaultHealthCheck     = 30 * time.Second
	readinessAttempt       = 3 * time.Second
	readinessBackoff       = 500 * time.Millisecond
)

// New builds a pool from databaseURL, sized by the DB_* environment.
func New(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	minConns := env.Int("DB_MIN_CONNS", defaultMinConns)
	maxConns := env.Int("DB_MAX_CONNS", defaultMaxConns)
	if minConns < 0 {
		minConns = defaultMinConns
	}
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	if minConns > maxConns {
		minConns = maxConns
	}

	cfg.MinConns = int32(minConns)
	cfg.MaxConns = int32(maxConns)
	cfg.MaxConnLifetime = env.Duration("DB_MAX_CONN_LIFETIME", defaultMaxConnLifetime)
	cfg.MaxConnIdleTime = env.Duration("DB_MAX_CONN_IDLE_TIME", defaultMaxConnIdleTime)
	cfg.HealthCheckPeriod = env.Duration("DB_HEALTH_CHECK_PERIOD", defaultHealthCheck)

	return pgxpool.NewWithConfig(ctx, cfg)
}

// WaitReady pings the pool and then runs ensure until both succeed or
// timeout elapses. ensure may be nil.
func WaitReady(
	ctx context.Context,
	pool *pgxpool.Pool,
	ensure func(context.Context) error,
	timeout time.Duration,
	log zerolog.Logger,
) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, readinessAttempt)
		lastErr = pool.Ping(attemptCtx)
		if lastErr == nil && ensure != nil {
			lastErr = ensure(attemptCtx)
		}
		cancel()

		if lastErr == nil {
			return nil
		}
		log.Warn().Err(lastErr).Msg("waiting for postgres readiness")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readinessBackoff):
		}
	}
	return fmt.Errorf("postgres not ready after %s: %w", timeout, lastErr)
}
