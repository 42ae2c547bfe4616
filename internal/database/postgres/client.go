// Package postgres provides the PostgreSQL client used by the device bridge.
// It persists the device registry and every Share a device reports.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// schema is applied on connect; every statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS devices (
	unique_id   TEXT PRIMARY KEY,
	version     TEXT NOT NULL,
	asic        TEXT NOT NULL,
	asic_count  INTEGER NOT NULL,
	first_seen  TIMESTAMPTZ NOT NULL,
	last_seen   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS shares (
	id          BIGSERIAL PRIMARY KEY,
	device_id   TEXT NOT NULL REFERENCES devices (unique_id),
	job_id      BIGINT NOT NULL,
	nonce       BIGINT NOT NULL,
	version     BIGINT NOT NULL,
	ntime       BIGINT NOT NULL,
	hash        TEXT NOT NULL,
	difficulty  DOUBLE PRECISION NOT NULL,
	is_valid    BOOLEAN NOT NULL,
	found_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS shares_device_found_idx ON shares (device_id, found_at DESC);
`

// NewClient creates a new PostgreSQL client and applies the schema
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Client{db: db}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sql.DB for advanced operations
func (c *Client) DB() *sql.DB {
	return c.db
}
