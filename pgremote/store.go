// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package pgremote implements the treesync.Remote contract on PostgreSQL.
// Optimistic concurrency is a single guarded UPDATE: the write applies only
// when the submitted base version equals the stored one, and rowsAffected
// zero comes back as conflict data, never as an error. A per-entity change
// log feeds delta sync.
package pgremote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/treetask/go-treesync/treesync"
)

const txRetryAttempts = 3

// Store is a PostgreSQL-backed treesync.Remote.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a store over an existing pool. Nil logger falls back to
// slog.Default().
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// InitSchema creates the store's tables when they do not exist yet.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS projects (
			id         TEXT PRIMARY KEY,
			payload    JSONB NOT NULL,
			version    BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS project_change_log (
			project_id  TEXT NOT NULL,
			entity_kind TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			payload     JSONB NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (project_id, entity_kind, entity_id)
		);
		CREATE INDEX IF NOT EXISTS idx_change_log_watermark
			ON project_change_log (project_id, updated_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize pgremote schema: %w", err)
	}
	return nil
}

// Get returns the stored project with its version, or nil when absent.
func (s *Store) Get(ctx context.Context, projectID string) (*treesync.RemoteProject, error) {
	var (
		payload []byte
		version int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT payload, version FROM projects WHERE id = $1
	`, projectID).Scan(&payload, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, treesync.Transient(fmt.Errorf("failed to load project %s: %w", projectID, err))
	}

	project := &treesync.Project{}
	if err := json.Unmarshal(payload, project); err != nil {
		return nil, &treesync.CorruptRecordError{Kind: "project", ID: projectID, Err: err}
	}
	project.Version = version
	return &treesync.RemoteProject{Project: project, Version: version}, nil
}

// Save applies the project only if baseVersion matches the stored version.
// A mismatch returns the current remote state as conflict data; an absent
// project returns a zero result so the caller can fall back to Insert.
func (s *Store) Save(ctx context.Context, project *treesync.Project, baseVersion int64) (*treesync.SaveResult, error) {
	var result *treesync.SaveResult
	err := s.withRetryTx(ctx, func(tx pgx.Tx) error {
		payload, err := json.Marshal(project)
		if err != nil {
			return treesync.Permanent("validation", fmt.Errorf("failed to marshal project: %w", err))
		}

		ct, err := tx.Exec(ctx, `
			UPDATE projects
			SET payload = $3, version = version + 1, updated_at = now()
			WHERE id = $1 AND version = $2
		`, project.ID, baseVersion, payload)
		if err != nil {
			return err
		}

		if ct.RowsAffected() == 0 {
			var (
				curPayload []byte
				curVersion int64
			)
			err := tx.QueryRow(ctx, `
				SELECT payload, version FROM projects WHERE id = $1
			`, project.ID).Scan(&curPayload, &curVersion)
			if errors.Is(err, pgx.ErrNoRows) {
				result = &treesync.SaveResult{}
				return nil
			}
			if err != nil {
				return err
			}
			current := &treesync.Project{}
			if err := json.Unmarshal(curPayload, current); err != nil {
				return &treesync.CorruptRecordError{Kind: "project", ID: project.ID, Err: err}
			}
			current.Version = curVersion
			result = &treesync.SaveResult{Conflict: true, RemoteProject: current}
			return nil
		}

		if err := s.logEntities(ctx, tx, project); err != nil {
			return err
		}
		result = &treesync.SaveResult{Success: true, NewVersion: baseVersion + 1}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Insert creates a project at version 1; losing a create race comes back
// as a conflict carrying the winner's state.
func (s *Store) Insert(ctx context.Context, project *treesync.Project) (*treesync.SaveResult, error) {
	var result *treesync.SaveResult
	err := s.withRetryTx(ctx, func(tx pgx.Tx) error {
		payload, err := json.Marshal(project)
		if err != nil {
			return treesync.Permanent("validation", fmt.Errorf("failed to marshal project: %w", err))
		}

		ct, err := tx.Exec(ctx, `
			INSERT INTO projects (id, payload, version) VALUES ($1, $2, 1)
			ON CONFLICT (id) DO NOTHING
		`, project.ID, payload)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			var (
				curPayload []byte
				curVersion int64
			)
			if err := tx.QueryRow(ctx, `
				SELECT payload, version FROM projects WHERE id = $1
			`, project.ID).Scan(&curPayload, &curVersion); err != nil {
				return err
			}
			current := &treesync.Project{}
			if err := json.Unmarshal(curPayload, current); err != nil {
				return &treesync.CorruptRecordError{Kind: "project", ID: project.ID, Err: err}
			}
			current.Version = curVersion
			result = &treesync.SaveResult{Conflict: true, RemoteProject: current}
			return nil
		}

		if err := s.logEntities(ctx, tx, project); err != nil {
			return err
		}
		result = &treesync.SaveResult{Success: true, NewVersion: 1}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListChangedSince returns entities whose recorded change is after the
// watermark, oldest first.
func (s *Store) ListChangedSince(ctx context.Context, projectID string, since time.Time) ([]treesync.ChangedEntity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entity_kind, entity_id, payload, updated_at
		FROM project_change_log
		WHERE project_id = $1 AND updated_at > $2
		ORDER BY updated_at, entity_id
	`, projectID, since)
	if err != nil {
		return nil, treesync.Transient(fmt.Errorf("failed to query change log: %w", err))
	}
	defer rows.Close()

	var out []treesync.ChangedEntity
	for rows.Next() {
		var (
			kind, entityID string
			payload        []byte
			updatedAt      time.Time
		)
		if err := rows.Scan(&kind, &entityID, &payload, &updatedAt); err != nil {
			return nil, treesync.Transient(fmt.Errorf("failed to scan change log row: %w", err))
		}
		e := treesync.ChangedEntity{Kind: kind, UpdatedAt: updatedAt}
		switch kind {
		case "task":
			t := &treesync.Task{}
			if err := json.Unmarshal(payload, t); err != nil {
				s.logger.Warn("skipping corrupt change log entry",
					"project_id", projectID, "entity_id", entityID, "error", err)
				continue
			}
			e.Task = t
		case "connection":
			c := &treesync.Connection{}
			if err := json.Unmarshal(payload, c); err != nil {
				s.logger.Warn("skipping corrupt change log entry",
					"project_id", projectID, "entity_id", entityID, "error", err)
				continue
			}
			e.Connection = c
		default:
			s.logger.Warn("skipping change log entry of unknown kind",
				"project_id", projectID, "kind", kind)
			continue
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, treesync.Transient(fmt.Errorf("failed to read change log: %w", err))
	}
	return out, nil
}

// List returns all stored projects.
func (s *Store) List(ctx context.Context) ([]*treesync.Project, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, payload, version FROM projects ORDER BY id`)
	if err != nil {
		return nil, treesync.Transient(fmt.Errorf("failed to list projects: %w", err))
	}
	defer rows.Close()

	var out []*treesync.Project
	for rows.Next() {
		var (
			id      string
			payload []byte
			version int64
		)
		if err := rows.Scan(&id, &payload, &version); err != nil {
			return nil, treesync.Transient(fmt.Errorf("failed to scan project row: %w", err))
		}
		project := &treesync.Project{}
		if err := json.Unmarshal(payload, project); err != nil {
			s.logger.Warn("skipping corrupt project row", "project_id", id, "error", err)
			continue
		}
		project.Version = version
		out = append(out, project)
	}
	if err := rows.Err(); err != nil {
		return nil, treesync.Transient(fmt.Errorf("failed to read projects: %w", err))
	}
	return out, nil
}

// logEntities upserts every entity of the saved project into the change
// log at its own updated_at, so delta clients past that watermark skip it.
func (s *Store) logEntities(ctx context.Context, tx pgx.Tx, project *treesync.Project) error {
	const stmt = `
		INSERT INTO project_change_log (project_id, entity_kind, entity_id, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, entity_kind, entity_id)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
	`
	for i := range project.Tasks {
		t := &project.Tasks[i]
		payload, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal task %s: %w", t.ID, err)
		}
		if _, err := tx.Exec(ctx, stmt, project.ID, "task", t.ID, payload, t.UpdatedAt); err != nil {
			return err
		}
	}
	for i := range project.Connections {
		c := &project.Connections[i]
		payload, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal connection %s: %w", c.ID, err)
		}
		if _, err := tx.Exec(ctx, stmt, project.ID, "connection", c.ID, payload, c.UpdatedAt); err != nil {
			return err
		}
	}
	return nil
}

// withRetryTx runs fn in a transaction, retrying serialization and
// deadlock failures a few times before classifying the error transient.
func (s *Store) withRetryTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < txRetryAttempts; attempt++ {
		err := pgx.BeginFunc(ctx, s.pool, fn)
		if err == nil {
			return nil
		}
		if treesync.IsPermanent(err) || treesync.IsCorrupt(err) {
			return err
		}
		if !isRetryablePGTxError(err) {
			return treesync.Transient(err)
		}
		lastErr = err
		s.logger.Debug("retrying transaction", "attempt", attempt+1, "error", err)
		if serr := sleepWithContext(ctx, time.Duration(attempt+1)*50*time.Millisecond); serr != nil {
			return treesync.Transient(serr)
		}
	}
	return treesync.Transient(fmt.Errorf("transaction retries exhausted: %w", lastErr))
}
