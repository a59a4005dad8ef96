// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package treestore provides the SQLite-backed durable stores of the sync
// engine: the action queue with its dead-letter table, and the base snapshot
// store the merge engine anchors on. Every mutation is persisted
// synchronously: a crash between two statements leaves items in the queue
// for the next drain, never silently absent.
package treestore

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens (creating if needed) the durable store database at path and
// initializes the schema. Use ":memory:" for tests.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and a pooled
	// ":memory:" handle would otherwise open a fresh empty database per
	// connection.
	db.SetMaxOpenConns(1)

	if err := initialize(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// initialize enables WAL and creates the durable tables. A missing schema is
// never fatal, it is simply created; the stores treat an empty database as
// an empty queue.
func initialize(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS action_queue (
			id            TEXT PRIMARY KEY,
			type          TEXT NOT NULL,
			payload       TEXT NOT NULL,
			enqueued_at   TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_retry_at TEXT NOT NULL,
			last_error    TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS dead_letter (
			id            TEXT PRIMARY KEY,
			type          TEXT NOT NULL,
			payload       TEXT NOT NULL,
			enqueued_at   TEXT NOT NULL,
			attempt_count INTEGER NOT NULL,
			last_error    TEXT NOT NULL DEFAULT '',
			reason        TEXT NOT NULL,
			moved_at      TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS base_snapshots (
			project_id       TEXT PRIMARY KEY,
			payload          TEXT NOT NULL,
			version          INTEGER NOT NULL,
			created_at       TEXT NOT NULL,
			last_accessed_at TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_action_queue_ready
			ON action_queue (next_retry_at, enqueued_at)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create store table: %w", err)
		}
	}
	return nil
}
