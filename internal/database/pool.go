package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/easymkt/internal/config"
)

// UpdatesTable receives recorded market data updates.
const UpdatesTable = "market_updates"

// Schema creates the updates table. The hypertable conversion runs only when
// the timescaledb extension is installed.
const Schema = `
CREATE TABLE IF NOT EXISTS market_updates (
	id          uuid        NOT NULL,
	received_at timestamptz NOT NULL,
	security    text        NOT NULL,
	token       text        NOT NULL,
	payload     jsonb       NOT NULL,
	PRIMARY KEY (id, received_at)
);
CREATE INDEX IF NOT EXISTS market_updates_security_idx
	ON market_updates (security, received_at DESC);
DO $$
BEGIN
	IF EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb') THEN
		PERFORM create_hypertable('market_updates', 'received_at', if_not_exists => TRUE);
	END IF;
END
$$;
`

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

// EnsureSchema creates the recorder tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	logger.Debug("schema ready", "table", UpdatesTable)
	return nil
}
