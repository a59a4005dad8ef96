// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package treestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/treetask/go-treesync/treesync"
)

// DefaultSnapshotTTL is how long an unread snapshot survives before Expire
// may evict it.
const DefaultSnapshotTTL = 30 * 24 * time.Hour

// BaseStore persists the last mutually-confirmed project state per project,
// the anchor every three-way merge hangs on. Snapshots are only ever written
// after a confirmed push or pull; writing one speculatively would anchor
// merges on unconfirmed state and silently launder conflicts, so callers
// hold that line.
type BaseStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewBaseStore creates a snapshot store over an opened store database.
func NewBaseStore(db *sql.DB, logger *slog.Logger) *BaseStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BaseStore{db: db, logger: logger, now: time.Now}
}

// SaveSnapshot overwrites the snapshot for the project's id. Call only after
// a confirmed push/pull.
func (s *BaseStore) SaveSnapshot(ctx context.Context, project *treesync.Project) error {
	payload, err := json.Marshal(project)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	now := formatTime(s.now().UTC())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO base_snapshots (project_id, payload, version, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			payload = excluded.payload,
			version = excluded.version,
			created_at = excluded.created_at,
			last_accessed_at = excluded.last_accessed_at
	`, project.ID, string(payload), project.Version, now, now)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns the stored snapshot, or nil when absent (new device,
// evicted). A read refreshes last_accessed_at before returning, so an
// in-flight merge holding the snapshot can never race a TTL eviction
// (access-then-evict ordering). A corrupt payload is treated as absent: the
// row is dropped and the caller degrades to two-way resolution.
func (s *BaseStore) GetSnapshot(ctx context.Context, projectID string) (*treesync.Project, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM base_snapshots WHERE project_id = ?
	`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	// Touch before returning.
	_, err = s.db.ExecContext(ctx, `
		UPDATE base_snapshots SET last_accessed_at = ? WHERE project_id = ?
	`, formatTime(s.now().UTC()), projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to touch snapshot: %w", err)
	}

	var project treesync.Project
	if err := json.Unmarshal([]byte(payload), &project); err != nil {
		s.logger.Warn("dropping corrupt base snapshot", "project_id", projectID, "error", err)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM base_snapshots WHERE project_id = ?`, projectID)
		return nil, nil
	}
	return &project, nil
}

// DeleteSnapshot removes the snapshot for a project (project deleted).
func (s *BaseStore) DeleteSnapshot(ctx context.Context, projectID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM base_snapshots WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// Expire evicts snapshots unread for longer than ttl and returns how many
// were removed. ttl <= 0 falls back to DefaultSnapshotTTL.
func (s *BaseStore) Expire(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	cutoff := formatTime(s.now().UTC().Add(-ttl))
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM base_snapshots WHERE last_accessed_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("expired base snapshots", "count", n, "ttl", ttl)
	}
	return int(n), nil
}
