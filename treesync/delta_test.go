// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package treesync

import (
	"context"
	"testing"
	"time"
)

func TestDeltaPull_LastWriterWinsPerEntity(t *testing.T) {
	remote := newFakeRemote()
	coord := newTestCoordinator(remote, &fakeQueue{}, newFakeBases())

	local := mergeProject(3,
		mergeTask("t1", "Local newer", 8),
		mergeTask("t2", "Local older", 2),
	)

	newer := mergeTask("t2", "Remote newer", 6)
	older := mergeTask("t1", "Remote older", 4)
	remote.changed = []ChangedEntity{
		{Kind: "task", Task: &newer, UpdatedAt: newer.UpdatedAt},
		{Kind: "task", Task: &older, UpdatedAt: older.UpdatedAt},
	}

	res, err := coord.DeltaPull(context.Background(), local, mergeStamp(1))
	if err != nil {
		t.Fatalf("delta pull failed: %v", err)
	}
	if res.FullSync {
		t.Fatal("a valid cursor must stay on the delta path")
	}
	if res.Applied != 1 || res.Skipped != 1 {
		t.Errorf("expected 1 applied / 1 skipped, got %d / %d", res.Applied, res.Skipped)
	}
	if got := res.Project.FindTask("t1").Title; got != "Local newer" {
		t.Errorf("older remote change must lose, got %q", got)
	}
	if got := res.Project.FindTask("t2").Title; got != "Remote newer" {
		t.Errorf("newer remote change must win, got %q", got)
	}
	if !res.NextCursor.Equal(newer.UpdatedAt) {
		t.Errorf("cursor must advance to the newest applied change, got %v", res.NextCursor)
	}
}

func TestDeltaPull_InsertsUnknownEntities(t *testing.T) {
	remote := newFakeRemote()
	coord := newTestCoordinator(remote, &fakeQueue{}, newFakeBases())

	local := mergeProject(3, mergeTask("t1", "Existing", 1))
	fresh := mergeTask("t9", "Brand new", 5)
	conn := Connection{ID: "c1", Source: "t1", Target: "t9", UpdatedAt: mergeStamp(6)}
	remote.changed = []ChangedEntity{
		{Kind: "task", Task: &fresh, UpdatedAt: fresh.UpdatedAt},
		{Kind: "connection", Connection: &conn, UpdatedAt: conn.UpdatedAt},
	}

	res, err := coord.DeltaPull(context.Background(), local, mergeStamp(1))
	if err != nil {
		t.Fatalf("delta pull failed: %v", err)
	}
	if res.Project.FindTask("t9") == nil {
		t.Error("unknown task from the delta feed must be inserted")
	}
	if res.Project.FindConnection("c1") == nil {
		t.Error("unknown connection from the delta feed must be inserted")
	}
}

func TestDeltaPull_InvalidTimestampsAreSkippedNotFatal(t *testing.T) {
	remote := newFakeRemote()
	coord := newTestCoordinator(remote, &fakeQueue{}, newFakeBases())

	local := mergeProject(3, mergeTask("t1", "Existing", 1))

	zeroStamp := mergeTask("t1", "No timestamp", 0)
	zeroStamp.UpdatedAt = time.Time{}
	future := mergeTask("t1", "From the future", 0)
	future.UpdatedAt = time.Now().Add(48 * time.Hour)
	good := mergeTask("t2", "Fine", 5)
	remote.changed = []ChangedEntity{
		{Kind: "task", Task: &zeroStamp, UpdatedAt: zeroStamp.UpdatedAt},
		{Kind: "task", Task: &future, UpdatedAt: future.UpdatedAt},
		{Kind: "task", Task: &good, UpdatedAt: good.UpdatedAt},
	}

	res, err := coord.DeltaPull(context.Background(), local, mergeStamp(1))
	if err != nil {
		t.Fatalf("bad timestamps must never abort the batch: %v", err)
	}
	if res.Applied != 1 || res.Skipped != 2 {
		t.Errorf("expected 1 applied / 2 skipped, got %d / %d", res.Applied, res.Skipped)
	}
	if got := res.Project.FindTask("t1").Title; got != "Existing" {
		t.Errorf("entity with invalid timestamp must not be applied, got %q", got)
	}
}

func TestDeltaPull_ZeroCursorFallsBackToFullSync(t *testing.T) {
	remote := newFakeRemote()
	coord := newTestCoordinator(remote, &fakeQueue{}, newFakeBases())
	remote.put(mergeProject(7, mergeTask("t1", "Authoritative", 3)))

	local := mergeProject(3, mergeTask("t1", "Stale", 1))

	res, err := coord.DeltaPull(context.Background(), local, time.Time{})
	if err != nil {
		t.Fatalf("fallback pull failed: %v", err)
	}
	if !res.FullSync {
		t.Fatal("an unusable cursor must degrade to a full sync")
	}
	if res.Project == nil || res.Project.Version != 7 {
		t.Errorf("full sync must return the authoritative remote state, got %+v", res.Project)
	}
}

func TestDeltaPull_FetchFailureFallsBackToFullSync(t *testing.T) {
	remote := newFakeRemote()
	coord := newTestCoordinator(remote, &fakeQueue{}, newFakeBases())
	remote.put(mergeProject(7, mergeTask("t1", "Authoritative", 3)))
	remote.changedErr = Transient(context.DeadlineExceeded)

	local := mergeProject(3, mergeTask("t1", "Stale", 1))

	res, err := coord.DeltaPull(context.Background(), local, mergeStamp(1))
	if err != nil {
		t.Fatalf("fallback pull failed: %v", err)
	}
	if !res.FullSync {
		t.Fatal("a failed delta fetch must degrade to a full sync")
	}
}

func TestDeltaPull_DoesNotTouchBaseSnapshot(t *testing.T) {
	remote := newFakeRemote()
	bases := newFakeBases()
	coord := newTestCoordinator(remote, &fakeQueue{}, bases)

	local := mergeProject(3, mergeTask("t1", "Existing", 1))
	changed := mergeTask("t1", "Changed", 5)
	remote.changed = []ChangedEntity{{Kind: "task", Task: &changed, UpdatedAt: changed.UpdatedAt}}

	if _, err := coord.DeltaPull(context.Background(), local, mergeStamp(1)); err != nil {
		t.Fatalf("delta pull failed: %v", err)
	}
	if snap, _ := bases.GetSnapshot(context.Background(), "p1"); snap != nil {
		t.Error("delta results are partial state and must never advance the base snapshot")
	}
}
