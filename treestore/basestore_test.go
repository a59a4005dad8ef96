// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package treestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/treetask/go-treesync/treesync"
)

func testBaseStore(t *testing.T) *BaseStore {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBaseStore(db, nil)
}

func snapshotProject(version int64) *treesync.Project {
	return &treesync.Project{
		ID:      "p1",
		Version: version,
		Title:   "Snapshot",
		Tasks: []treesync.Task{
			{ID: "t1", Title: "Task", Status: "todo", UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		},
	}
}

func TestBaseStore_SaveAndGetRoundTrip(t *testing.T) {
	s := testBaseStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSnapshot(ctx, snapshotProject(4)))

	got, err := s.GetSnapshot(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.EqualValues(t, 4, got.Version)
	require.Len(t, got.Tasks, 1)
	require.Equal(t, "Task", got.Tasks[0].Title)
}

func TestBaseStore_AbsentSnapshotIsNilNotError(t *testing.T) {
	s := testBaseStore(t)

	got, err := s.GetSnapshot(context.Background(), "never-seen")
	require.NoError(t, err, "a missing snapshot is a normal state, not a failure")
	require.Nil(t, got)
}

func TestBaseStore_SaveOverwrites(t *testing.T) {
	s := testBaseStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSnapshot(ctx, snapshotProject(4)))
	newer := snapshotProject(5)
	newer.Title = "Snapshot v5"
	require.NoError(t, s.SaveSnapshot(ctx, newer))

	got, err := s.GetSnapshot(ctx, "p1")
	require.NoError(t, err)
	require.EqualValues(t, 5, got.Version)
	require.Equal(t, "Snapshot v5", got.Title)
}

func TestBaseStore_DeleteSnapshot(t *testing.T) {
	s := testBaseStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSnapshot(ctx, snapshotProject(4)))
	require.NoError(t, s.DeleteSnapshot(ctx, "p1"))

	got, err := s.GetSnapshot(ctx, "p1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestBaseStore_CorruptPayloadReadsAsAbsent(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	s := NewBaseStore(db, nil)
	ctx := context.Background()

	_, err = db.ExecContext(ctx, `
		INSERT INTO base_snapshots (project_id, payload, version, created_at, last_accessed_at)
		VALUES ('p1', 'not json at all', 1, '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')
	`)
	require.NoError(t, err)

	got, err := s.GetSnapshot(ctx, "p1")
	require.NoError(t, err, "a corrupt snapshot must degrade gracefully, not fail the merge")
	require.Nil(t, got)

	// The corrupt row is gone for good.
	var count int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM base_snapshots WHERE project_id = 'p1'`).Scan(&count))
	require.Zero(t, count)
}

func TestBaseStore_ExpireEvictsOnlyStaleSnapshots(t *testing.T) {
	s := testBaseStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := start
	s.now = func() time.Time { return now }

	stale := snapshotProject(1)
	stale.ID = "p-stale"
	require.NoError(t, s.SaveSnapshot(ctx, stale))

	now = start.Add(40 * 24 * time.Hour)
	fresh := snapshotProject(2)
	fresh.ID = "p-fresh"
	require.NoError(t, s.SaveSnapshot(ctx, fresh))

	evicted, err := s.Expire(ctx, DefaultSnapshotTTL)
	require.NoError(t, err)
	require.Equal(t, 1, evicted)

	gotStale, err := s.GetSnapshot(ctx, "p-stale")
	require.NoError(t, err)
	require.Nil(t, gotStale, "unread snapshot past TTL must be evicted")

	gotFresh, err := s.GetSnapshot(ctx, "p-fresh")
	require.NoError(t, err)
	require.NotNil(t, gotFresh, "recently written snapshot must survive")
}

func TestBaseStore_ReadRefreshesTTL(t *testing.T) {
	s := testBaseStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := start
	s.now = func() time.Time { return now }

	require.NoError(t, s.SaveSnapshot(ctx, snapshotProject(1)))

	// Read it just before the TTL would lapse; the touch must restart the
	// clock so an in-use snapshot is never evicted out from under a merge.
	now = start.Add(29 * 24 * time.Hour)
	got, err := s.GetSnapshot(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)

	now = start.Add(35 * 24 * time.Hour)
	evicted, err := s.Expire(ctx, DefaultSnapshotTTL)
	require.NoError(t, err)
	require.Zero(t, evicted, "a snapshot read inside the window must not expire")
}
