package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jianxcao/watch-docker/internal/config"
)

// Schema creates the stats history table. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS container_stats (
	container_id   TEXT             NOT NULL,
	name           TEXT             NOT NULL DEFAULT '',
	cpu_percent    DOUBLE PRECISION NOT NULL DEFAULT 0,
	memory_usage   BIGINT           NOT NULL DEFAULT 0,
	memory_limit   BIGINT           NOT NULL DEFAULT 0,
	memory_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
	network_rx_rate BIGINT          NOT NULL DEFAULT 0,
	network_tx_rate BIGINT          NOT NULL DEFAULT 0,
	block_read     BIGINT           NOT NULL DEFAULT 0,
	block_write    BIGINT           NOT NULL DEFAULT 0,
	pids_current   BIGINT           NOT NULL DEFAULT 0,
	sampled_at     BIGINT           NOT NULL,
	received_at    BIGINT           NOT NULL,
	PRIMARY KEY (container_id, sampled_at)
);
CREATE INDEX IF NOT EXISTS container_stats_sampled_at_idx ON container_stats (sampled_at);
`

// Execer runs a statement. *pgxpool.Pool implements it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	connStr := BuildConnString(cfg)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// EnsureSchema creates missing tables.
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Open connects and ensures the schema.
func Open(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	pool, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
