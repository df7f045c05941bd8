package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns = 10
	defaultMaxIdleConns = 2
	defaultConnLifetime = time.Hour
	defaultConnIdleTime = 30 * time.Minute
	defaultPingTimeout  = 5 * time.Second
)

// NewPostgres creates a pgx/stdlib backed *sql.DB pool and validates the connection.
// The pool is sized for a single-station process, not a fleet backend.
func NewPostgres(dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("db: empty DSN")
	}

	pool, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	pool.SetMaxOpenConns(defaultMaxOpenConns)
	pool.SetMaxIdleConns(defaultMaxIdleConns)
	pool.SetConnMaxLifetime(defaultConnLifetime)
	pool.SetConnMaxIdleTime(defaultConnIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS connectors (
		id                 INT PRIMARY KEY,
		status             TEXT NOT NULL DEFAULT 'Available',
		transaction_id     INT NOT NULL DEFAULT 0,
		transaction_start  TIMESTAMPTZ,
		transaction_id_tag TEXT NOT NULL DEFAULT '',
		reservation_id     INT NOT NULL DEFAULT 0,
		reservation_id_tag TEXT NOT NULL DEFAULT '',
		reservation_expiry TIMESTAMPTZ,
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS request_queue (
		id         BIGSERIAL PRIMARY KEY,
		action     TEXT NOT NULL,
		payload    TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS charging_profiles (
		connector_id   INT NOT NULL,
		profile_id     INT NOT NULL,
		stack_level    INT NOT NULL DEFAULT 0,
		purpose        TEXT NOT NULL,
		transaction_id INT,
		payload        TEXT NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (connector_id, profile_id)
	)`,
}

// EnsureSchema provisions the station-local tables. The charge point owns its
// database and must be able to start on an empty one.
func EnsureSchema(ctx context.Context, pool *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("db: ensure schema: %w", err)
		}
	}
	return nil
}
