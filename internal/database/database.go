// Guildpulse - Discord Activity Aggregation and Scheduled Reporting
// Copyright 2026 M. Beckett (mbeckett)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mbeckett/guildpulse

// Package database provides the embedded DuckDB storage layer: the
// database handle and schema, the fixed-size connection pool, and the
// stores for activity counters, members, schedules and the delivery
// ledger. All store access goes through the pool.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/mbeckett/guildpulse/internal/config"
	"github.com/mbeckett/guildpulse/internal/logging"
)

// DB wraps the DuckDB database handle and its connection pool.
type DB struct {
	conn *sql.DB
	pool *Pool
}

// Open opens (or creates) the DuckDB database at cfg.Path, initializes
// the schema and builds the fixed-size handle pool.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d", cfg.Path, numThreads)
	if cfg.MaxMemory != "" {
		connStr += "&max_memory=" + cfg.MaxMemory
	}

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// The explicit handle pool holds every connection this service uses.
	conn.SetMaxOpenConns(cfg.PoolSize + 1)
	conn.SetMaxIdleConns(cfg.PoolSize + 1)
	conn.SetConnMaxLifetime(0)

	if err := initialize(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	pool, err := NewPool(ctx, conn, PoolConfig{
		Size:           cfg.PoolSize,
		AcquireTimeout: cfg.AcquireTimeout,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to build connection pool: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Int("pool_size", cfg.PoolSize).
		Msg("database opened")

	return &DB{conn: conn, pool: pool}, nil
}

// Pool returns the connection pool.
func (db *DB) Pool() *Pool {
	return db.pool
}

// Ping verifies database liveness for health reporting.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close drains the pool with a bounded deadline and closes the database.
func (db *DB) Close(ctx context.Context) error {
	poolErr := db.pool.Close(ctx)
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return poolErr
}

// schemaStatements creates the durable tables. Counters are only ever
// incremented, never overwritten; sent_reports rows are never mutated.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS message_activity (
		guild_id      BIGINT  NOT NULL,
		user_id       BIGINT  NOT NULL,
		day           DATE    NOT NULL,
		hour          TINYINT NOT NULL,
		message_count BIGINT  NOT NULL DEFAULT 0,
		PRIMARY KEY (guild_id, user_id, day, hour)
	)`,
	`CREATE TABLE IF NOT EXISTS members (
		guild_id  BIGINT  NOT NULL,
		user_id   BIGINT  NOT NULL,
		username  VARCHAR NOT NULL,
		nickname  VARCHAR,
		join_date TIMESTAMP NOT NULL,
		left_date TIMESTAMP,
		last_seen TIMESTAMP,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (guild_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS report_schedules (
		guild_id     BIGINT  PRIMARY KEY,
		channel_url  VARCHAR NOT NULL,
		frequencies  VARCHAR NOT NULL,
		report_types VARCHAR NOT NULL,
		weekly_day   TINYINT NOT NULL DEFAULT 0,
		monthly_day  TINYINT NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS sent_reports (
		guild_id   BIGINT  NOT NULL,
		period_key VARCHAR NOT NULL,
		sent_at    TIMESTAMP NOT NULL,
		PRIMARY KEY (guild_id, period_key)
	)`,
}

func initialize(ctx context.Context, conn *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
