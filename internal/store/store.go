// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package store persists sessions, violations and detection rules in DuckDB.
// One embedded database file backs the whole deployment; the tracker is the
// only writer of session rows, the rule engine's action phase the only writer
// of violations.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/streamwarden/streamwarden/internal/logging"
)

// Config tunes the embedded database.
type Config struct {
	// Path is the database file. Empty selects an in-memory database.
	Path string

	// MaxMemory caps DuckDB's memory use, e.g. "512MB". Empty uses the
	// engine default.
	MaxMemory string

	// Threads caps DuckDB's internal parallelism. Zero or negative selects
	// the CPU count.
	Threads int
}

// Store wraps the DuckDB connection and provides data access methods.
type Store struct {
	conn *sql.DB
}

// New opens the database, configures the connection pool and initializes the
// schema.
func New(cfg Config) (*Store, error) {
	if dir := filepath.Dir(cfg.Path); cfg.Path != "" && dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}

	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d", cfg.Path, threads)
	if cfg.MaxMemory != "" {
		connStr += "&max_memory=" + cfg.MaxMemory
	}

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// DuckDB is an in-process engine; a small pool is enough and avoids
	// writer contention on the single file.
	conn.SetMaxOpenConns(max(2, runtime.NumCPU()/2))
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{conn: conn}
	if err := s.initSchema(); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Msg("database opened")
	return s, nil
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR PRIMARY KEY,
			server_id VARCHAR NOT NULL,
			session_key VARCHAR NOT NULL,
			rating_key VARCHAR NOT NULL DEFAULT '',
			live_uuid VARCHAR NOT NULL DEFAULT '',
			state VARCHAR NOT NULL,
			progress_ms BIGINT NOT NULL DEFAULT 0,
			total_duration_ms BIGINT NOT NULL DEFAULT 0,
			is_transcode BOOLEAN NOT NULL DEFAULT false,
			server_user_id VARCHAR NOT NULL,
			ip_address VARCHAR NOT NULL DEFAULT '',
			device_id VARCHAR NOT NULL DEFAULT '',
			player_name VARCHAR NOT NULL DEFAULT '',
			media_type VARCHAR NOT NULL DEFAULT '',
			title VARCHAR NOT NULL DEFAULT '',
			latitude DOUBLE NOT NULL DEFAULT 0,
			longitude DOUBLE NOT NULL DEFAULT 0,
			city VARCHAR NOT NULL DEFAULT '',
			country VARCHAR NOT NULL DEFAULT '',
			started_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_open
			ON sessions (server_id, session_key) `,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_updated
			ON sessions (server_user_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS violations (
			id VARCHAR PRIMARY KEY,
			rule_id VARCHAR NOT NULL,
			rule_name VARCHAR NOT NULL,
			rule_type VARCHAR NOT NULL,
			server_id VARCHAR NOT NULL,
			server_user_id VARCHAR NOT NULL,
			session_id VARCHAR NOT NULL,
			severity VARCHAR NOT NULL,
			data JSON,
			created_at TIMESTAMP NOT NULL,
			acknowledged_at TIMESTAMP,
			acknowledged_by VARCHAR NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_violations_created
			ON violations (created_at)`,
		`CREATE TABLE IF NOT EXISTS detection_rules (
			id VARCHAR PRIMARY KEY,
			name VARCHAR NOT NULL,
			rule_type VARCHAR NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT true,
			severity VARCHAR NOT NULL,
			groups JSON NOT NULL,
			actions JSON NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	}

	for _, q := range queries {
		if _, err := s.conn.Exec(q); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

func closeQuietly(c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		logging.Debug().Err(err).Msg("close failed")
	}
}
