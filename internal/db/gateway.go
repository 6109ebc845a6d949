// Package db manages the PostgreSQL connection pool and classifies
// execution errors into remediation hints.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	connectAttempts = 3
	connectDelay    = 2 * time.Second
	attemptTimeout  = 5 * time.Second
)

// PoolStats is a snapshot of pool usage for diagnostics.
type PoolStats struct {
	Total  int
	Active int
	Idle   int
}

// Gateway owns one lazily created connection pool. Create it once, inject
// it where needed, and Disconnect when the process winds down; the entry
// layer ties Disconnect to signal-driven shutdown so exits do not leave
// orphaned connections.
type Gateway struct {
	dsn    string
	logger *slog.Logger

	attempts       int
	delay          time.Duration
	attemptTimeout time.Duration

	mu   sync.Mutex
	pool *sql.DB
}

// NewGateway creates a gateway for the given connection string. No
// connection is made until Connect or the first Exec.
func NewGateway(dsn string, logger *slog.Logger) *Gateway {
	return &Gateway{
		dsn:            dsn,
		logger:         logger,
		attempts:       connectAttempts,
		delay:          connectDelay,
		attemptTimeout: attemptTimeout,
	}
}

// Connect establishes the pool, retrying a bounded number of times with a
// fixed delay between attempts. Each attempt is individually time-bounded.
// When silent is true, intermediate attempt failures are not logged.
func (g *Gateway) Connect(ctx context.Context, silent bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connectLocked(ctx, silent)
}

func (g *Gateway) connectLocked(ctx context.Context, silent bool) error {
	if g.pool != nil {
		return nil
	}

	pool, err := sql.Open("postgres", g.dsn)
	if err != nil {
		return fmt.Errorf("db: open: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= g.attempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, g.attemptTimeout)
		lastErr = pool.PingContext(pingCtx)
		cancel()
		if lastErr == nil {
			g.pool = pool
			return nil
		}
		if !silent {
			g.logger.Warn("db: connect attempt failed",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", g.attempts),
				slog.String("error", lastErr.Error()))
		}
		if attempt < g.attempts {
			select {
			case <-time.After(g.delay):
			case <-ctx.Done():
				_ = pool.Close()
				return fmt.Errorf("db: connect cancelled: %w", ctx.Err())
			}
		}
	}
	_ = pool.Close()
	return fmt.Errorf("db: connect failed after %d attempts: %w", g.attempts, lastErr)
}

// Exec runs sqlText against the pool, connecting lazily on first use.
func (g *Gateway) Exec(ctx context.Context, sqlText string) error {
	g.mu.Lock()
	if err := g.connectLocked(ctx, false); err != nil {
		g.mu.Unlock()
		return err
	}
	pool := g.pool
	g.mu.Unlock()

	if _, err := pool.ExecContext(ctx, sqlText); err != nil {
		return err
	}
	return nil
}

// TestConnection reports whether the database is reachable. It never
// returns an error; any failure collapses to false.
func (g *Gateway) TestConnection(ctx context.Context) bool {
	return g.Connect(ctx, true) == nil
}

// Disconnect drains and clears the pool. Idempotent.
func (g *Gateway) Disconnect() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pool == nil {
		return
	}
	if err := g.pool.Close(); err != nil {
		g.logger.Warn("db: close pool", slog.String("error", err.Error()))
	}
	g.pool = nil
}

// Stats returns a snapshot of pool usage. Zero-valued before Connect.
func (g *Gateway) Stats() PoolStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pool == nil {
		return PoolStats{}
	}
	s := g.pool.Stats()
	return PoolStats{
		Total:  s.OpenConnections,
		Active: s.InUse,
		Idle:   s.Idle,
	}
}
