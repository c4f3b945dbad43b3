// Package registry keeps an optional Postgres table of every monitor
// the gateway has heard from. It is bookkeeping beside the pipeline: a
// write failure is logged by the caller, never retried, and never
// stalls ingestion.
package registry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sunfield/mesh-daq/internal/config"
	"go.uber.org/zap"
)

const createMonitorsSQL = `
CREATE TABLE IF NOT EXISTS monitors (
    macaddr    text PRIMARY KEY,
    dtype      integer,
    first_seen timestamptz NOT NULL DEFAULT now(),
    last_seen  timestamptz NOT NULL DEFAULT now()
)`

const upsertMonitorSQL = `
INSERT INTO monitors (macaddr, dtype, first_seen, last_seen)
VALUES ($1, $2, now(), now())
ON CONFLICT (macaddr) DO UPDATE SET
    dtype     = COALESCE(EXCLUDED.dtype, monitors.dtype),
    last_seen = now()`

// Monitors is the registry handle.
type Monitors struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// Connect opens the pool and verifies the link. Callers should treat a
// nil DSN as "registry disabled" and skip this entirely.
func Connect(ctx context.Context, cfg config.RegistryConfig, log *zap.Logger) (*Monitors, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("registry: parsing DSN: %w", err)
	}
	pcfg.MaxConns = cfg.MaxConns
	pcfg.MinConns = cfg.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("registry: creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("registry: pinging database: %w", err)
	}
	return &Monitors{pool: pool, log: log}, nil
}

// EnsureSchema creates the monitors table when it does not exist.
func (m *Monitors) EnsureSchema(ctx context.Context) error {
	if _, err := m.pool.Exec(ctx, createMonitorsSQL); err != nil {
		return fmt.Errorf("registry: creating monitors table: %w", err)
	}
	return nil
}

// UpsertMonitor records a sighting. COALESCE preserves a dtype already
// on file when a later frame carries none.
func (m *Monitors) UpsertMonitor(ctx context.Context, macaddr string, dtype int) error {
	_, err := m.pool.Exec(ctx, upsertMonitorSQL, macaddr, dtype)
	return err
}

// Ping feeds the readiness check.
func (m *Monitors) Ping(ctx context.Context) error {
	return m.pool.Ping(ctx)
}

func (m *Monitors) Close() {
	m.pool.Close()
}
