// Package postgres implements repository.StateAdapter over PostgreSQL,
// using SELECT ... FOR UPDATE SKIP LOCKED for acquisition and FOR UPDATE for
// the read-modify-write sequences the blocker/chain model needs.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/kvet/queuert/internal/infrastructure/config"
)

// Open connects to cfg.DatabaseURL, retrying the open-and-ping sequence
// with exponential backoff up to cfg.DBConnectMaxRetries times (a fresh
// deployment's database may still be coming up when queuerd starts), then
// tunes the pool from the remaining DB* settings.
func Open(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	var db *sql.DB
	var lastErr error

	maxRetries := cfg.DBConnectMaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("queuert/state/postgres: connect cancelled: %w", ctx.Err())
		default:
		}

		if attempt > 0 {
			log.Printf("queuert: database connection attempt %d/%d after error: %v", attempt+1, maxRetries, lastErr)
		}

		db, lastErr = sql.Open("postgres", cfg.DatabaseURL)
		if lastErr != nil {
			if !waitBackoff(ctx, cfg, attempt) {
				return nil, ctx.Err()
			}
			continue
		}

		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(time.Duration(cfg.DBConnMaxLifetimeMs) * time.Millisecond)
		db.SetConnMaxIdleTime(time.Duration(cfg.DBConnMaxIdleTimeMs) * time.Millisecond)

		pingCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.DBPingTimeoutMs)*time.Millisecond)
		lastErr = db.PingContext(pingCtx)
		cancel()

		if lastErr == nil {
			return db, nil
		}

		db.Close()
		if !waitBackoff(ctx, cfg, attempt) {
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("queuert/state/postgres: failed to connect after %d attempts: %w", maxRetries, lastErr)
}

func waitBackoff(ctx context.Context, cfg *config.Config, attempt int) bool {
	backoff := calculateBackoff(cfg, attempt)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(backoff):
		return true
	}
}

func calculateBackoff(cfg *config.Config, attempt int) time.Duration {
	initial := time.Duration(cfg.DBConnectInitialBackoffMs) * time.Millisecond
	max := time.Duration(cfg.DBConnectMaxBackoffMs) * time.Millisecond

	backoff := initial
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff > max {
			return max
		}
	}
	return backoff
}
