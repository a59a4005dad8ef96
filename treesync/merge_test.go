// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package treesync

import (
	"testing"
	"time"
)

func mergeStamp(sec int) time.Time {
	return time.Date(2026, 1, 1, 12, 0, sec, 0, time.UTC)
}

func mergeTask(id, title string, sec int) Task {
	return Task{
		ID:        id,
		Title:     title,
		Content:   "content of " + id,
		Status:    "todo",
		Rank:      1.0,
		UpdatedAt: mergeStamp(sec),
	}
}

func mergeProject(version int64, tasks ...Task) *Project {
	return &Project{
		ID:      "p1",
		Version: version,
		Title:   "Project One",
		Tasks:   tasks,
	}
}

func TestMerge_RemoteOnlyChangeIsSilent(t *testing.T) {
	m := NewMerger(KeepLocalPolicy, nil)

	base := mergeProject(1, mergeTask("t1", "Original", 0))
	local := base.Clone()
	remote := base.Clone()
	remote.Tasks[0].Title = "Renamed remotely"
	remote.Tasks[0].UpdatedAt = mergeStamp(5)

	res := m.Merge(base, local, remote)

	if res.HasRealConflicts {
		t.Fatal("remote-only change must not produce a real conflict")
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("expected no conflict records, got %d", len(res.Conflicts))
	}
	if got := res.Project.FindTask("t1").Title; got != "Renamed remotely" {
		t.Errorf("expected remote title to win, got %q", got)
	}
	if res.AutoResolvedCount == 0 {
		t.Error("remote change should be counted as auto-resolved")
	}
}

func TestMerge_LocalOnlyChangeWins(t *testing.T) {
	m := NewMerger(KeepLocalPolicy, nil)

	base := mergeProject(1, mergeTask("t1", "Original", 0))
	local := base.Clone()
	local.Tasks[0].Content = "edited locally"
	local.Tasks[0].UpdatedAt = mergeStamp(3)
	remote := base.Clone()

	res := m.Merge(base, local, remote)

	if res.HasRealConflicts || len(res.Conflicts) != 0 {
		t.Fatalf("local-only change must merge silently, got %d conflicts", len(res.Conflicts))
	}
	if got := res.Project.FindTask("t1").Content; got != "edited locally" {
		t.Errorf("expected local content to win, got %q", got)
	}
}

func TestMerge_BothChangedSameValueAgrees(t *testing.T) {
	m := NewMerger(KeepLocalPolicy, nil)

	base := mergeProject(1, mergeTask("t1", "Original", 0))
	local := base.Clone()
	local.Tasks[0].Status = "done"
	remote := base.Clone()
	remote.Tasks[0].Status = "done"

	res := m.Merge(base, local, remote)

	if res.HasRealConflicts || len(res.Conflicts) != 0 {
		t.Fatal("coincidental agreement must not be a conflict")
	}
	if got := res.Project.FindTask("t1").Status; got != "done" {
		t.Errorf("expected agreed status, got %q", got)
	}
}

func TestMerge_DoubleModifiedFieldKeepsLocal(t *testing.T) {
	m := NewMerger(KeepLocalPolicy, nil)

	base := mergeProject(1, mergeTask("t1", "Original", 0))
	local := base.Clone()
	local.Tasks[0].Title = "Local title"
	local.Tasks[0].UpdatedAt = mergeStamp(3)
	remote := base.Clone()
	remote.Tasks[0].Title = "Remote title"
	remote.Tasks[0].UpdatedAt = mergeStamp(7)

	res := m.Merge(base, local, remote)

	if !res.HasRealConflicts {
		t.Fatal("double-modified field resolved kept-local must set HasRealConflicts")
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("expected one conflict record, got %d", len(res.Conflicts))
	}
	c := res.Conflicts[0]
	if c.Field != "title" || c.EntityID != "t1" || c.Resolution != "kept-local" {
		t.Errorf("unexpected conflict record: %+v", c)
	}
	if got := res.Project.FindTask("t1").Title; got != "Local title" {
		t.Errorf("expected local title to win, got %q", got)
	}
}

func TestMerge_KeepRemotePolicyIsNotReal(t *testing.T) {
	m := NewMerger(KeepRemotePolicy, nil)

	base := mergeProject(1, mergeTask("t1", "Original", 0))
	local := base.Clone()
	local.Tasks[0].Title = "Local title"
	remote := base.Clone()
	remote.Tasks[0].Title = "Remote title"

	res := m.Merge(base, local, remote)

	if res.HasRealConflicts {
		t.Fatal("kept-remote resolution must not gate the push")
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("conflict must still be recorded, got %d", len(res.Conflicts))
	}
	if got := res.Project.FindTask("t1").Title; got != "Remote title" {
		t.Errorf("expected remote title under KeepRemotePolicy, got %q", got)
	}
}

func TestMerge_AdditionsOnEitherSide(t *testing.T) {
	m := NewMerger(KeepLocalPolicy, nil)

	base := mergeProject(1, mergeTask("t1", "Shared", 0))
	local := base.Clone()
	local.Tasks = append(local.Tasks, mergeTask("t2", "Added locally", 2))
	remote := base.Clone()
	remote.Tasks = append(remote.Tasks, mergeTask("t3", "Added remotely", 4))

	res := m.Merge(base, local, remote)

	if res.HasRealConflicts {
		t.Fatal("independent additions must merge silently")
	}
	if len(res.Project.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(res.Project.Tasks))
	}
	for _, id := range []string{"t1", "t2", "t3"} {
		if res.Project.FindTask(id) == nil {
			t.Errorf("expected task %s in merge result", id)
		}
	}
}

func TestMerge_RemoteRowDeleteVsLocalEditResurrects(t *testing.T) {
	m := NewMerger(KeepLocalPolicy, nil)

	base := mergeProject(1, mergeTask("t1", "Keep me", 0))
	local := base.Clone()
	local.Tasks[0].Content = "edited after remote deleted it"
	local.Tasks[0].UpdatedAt = mergeStamp(5)
	remote := base.Clone()
	remote.Tasks = nil // row dropped entirely

	res := m.Merge(base, local, remote)

	if res.HasRealConflicts {
		t.Fatal("delete-vs-edit must not block silent rebase")
	}
	task := res.Project.FindTask("t1")
	if task == nil {
		t.Fatal("locally edited task must be resurrected")
	}
	if task.Content != "edited after remote deleted it" {
		t.Errorf("resurrected task lost its edit: %q", task.Content)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Type != "deletion" {
		t.Fatalf("expected one deletion conflict record, got %+v", res.Conflicts)
	}
}

func TestMerge_UnmodifiedRowDeleteIsAccepted(t *testing.T) {
	m := NewMerger(KeepLocalPolicy, nil)

	base := mergeProject(1, mergeTask("t1", "Doomed", 0))
	local := base.Clone()
	remote := base.Clone()
	remote.Tasks = nil

	res := m.Merge(base, local, remote)

	if res.HasRealConflicts || len(res.Conflicts) != 0 {
		t.Fatal("deleting an unmodified row must be silent")
	}
	if res.Project.FindTask("t1") != nil {
		t.Error("unmodified row deleted remotely must stay deleted")
	}
}

func TestMerge_TombstoneWinsOverRemoteEdit(t *testing.T) {
	m := NewMerger(KeepLocalPolicy, nil)

	base := mergeProject(1, mergeTask("t1", "Doomed", 0))
	local := base.Clone()
	deletedAt := mergeStamp(4)
	local.Tasks[0].DeletedAt = &deletedAt
	local.Tasks[0].UpdatedAt = deletedAt
	remote := base.Clone()
	remote.Tasks[0].Title = "Edited after deletion"
	remote.Tasks[0].UpdatedAt = mergeStamp(6)

	res := m.Merge(base, local, remote)

	if res.HasRealConflicts {
		t.Fatal("delete-vs-edit must not be a real conflict")
	}
	task := res.Project.FindTask("t1")
	if task == nil {
		t.Fatal("tombstoned task must stay in the collection")
	}
	if !task.Deleted() {
		t.Error("deletion must win over the remote edit")
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Resolution != "deleted" {
		t.Fatalf("expected one recorded deletion conflict, got %+v", res.Conflicts)
	}
}

func TestMerge_BothDeletedKeepsEarliestTimestamp(t *testing.T) {
	m := NewMerger(KeepLocalPolicy, nil)

	base := mergeProject(1, mergeTask("t1", "Doomed", 0))
	local := base.Clone()
	localDel := mergeStamp(8)
	local.Tasks[0].DeletedAt = &localDel
	remote := base.Clone()
	remoteDel := mergeStamp(3)
	remote.Tasks[0].DeletedAt = &remoteDel

	res := m.Merge(base, local, remote)

	task := res.Project.FindTask("t1")
	if task == nil || !task.Deleted() {
		t.Fatal("double-deleted task must stay tombstoned")
	}
	if !task.DeletedAt.Equal(remoteDel) {
		t.Errorf("expected earliest deletion timestamp %v, got %v", remoteDel, *task.DeletedAt)
	}
	if res.HasRealConflicts || len(res.Conflicts) != 0 {
		t.Error("agreeing deletions must be silent")
	}
}

func TestMerge_OneSidedResurrectionStaysDeleted(t *testing.T) {
	m := NewMerger(KeepLocalPolicy, nil)

	deletedAt := mergeStamp(1)
	baseTask := mergeTask("t1", "Ghost", 0)
	baseTask.DeletedAt = &deletedAt
	base := mergeProject(1, baseTask)

	local := base.Clone()
	local.Tasks[0].DeletedAt = nil // cleared locally
	local.Tasks[0].UpdatedAt = mergeStamp(5)
	remote := base.Clone()

	res := m.Merge(base, local, remote)

	task := res.Project.FindTask("t1")
	if task == nil || !task.Deleted() {
		t.Error("clearing a tombstone on only one side must not resurrect the task")
	}
}

func TestMerge_DualResurrectionMergesFields(t *testing.T) {
	m := NewMerger(KeepLocalPolicy, nil)

	deletedAt := mergeStamp(1)
	baseTask := mergeTask("t1", "Ghost", 0)
	baseTask.DeletedAt = &deletedAt
	base := mergeProject(1, baseTask)

	local := base.Clone()
	local.Tasks[0].DeletedAt = nil
	local.Tasks[0].Title = "Back from the dead"
	local.Tasks[0].UpdatedAt = mergeStamp(5)
	remote := base.Clone()
	remote.Tasks[0].DeletedAt = nil
	remote.Tasks[0].UpdatedAt = mergeStamp(6)

	res := m.Merge(base, local, remote)

	task := res.Project.FindTask("t1")
	if task == nil || task.Deleted() {
		t.Fatal("tombstone cleared on both sides must resurrect the task")
	}
	if task.Title != "Back from the dead" {
		t.Errorf("resurrected task lost local edit: %q", task.Title)
	}
}

func TestMerge_DoubleInsertUsesLocalAsPseudoBase(t *testing.T) {
	m := NewMerger(KeepLocalPolicy, nil)

	base := mergeProject(1)
	local := mergeProject(1, mergeTask("t1", "Local copy", 2))
	remote := mergeProject(1, mergeTask("t1", "Remote copy", 4))

	res := m.Merge(base, local, remote)

	if res.HasRealConflicts {
		t.Fatal("double-insert with local as pseudo-base must not be a real conflict")
	}
	task := res.Project.FindTask("t1")
	if task == nil {
		t.Fatal("double-inserted task missing from result")
	}
	// With local as pseudo-base, the remote value reads as the only change.
	if task.Title != "Remote copy" {
		t.Errorf("expected remote divergence to win over pseudo-base, got %q", task.Title)
	}
}

func TestMerge_TagsSetUnionWithIntent(t *testing.T) {
	m := NewMerger(KeepLocalPolicy, nil)

	baseTask := mergeTask("t1", "Tagged", 0)
	baseTask.Tags = []string{"alpha", "beta"}
	base := mergeProject(1, baseTask)

	local := base.Clone()
	local.Tasks[0].Tags = []string{"alpha"} // removed beta
	local.Tasks[0].UpdatedAt = mergeStamp(2)
	remote := base.Clone()
	remote.Tasks[0].Tags = []string{"alpha", "beta", "gamma"} // added gamma
	remote.Tasks[0].UpdatedAt = mergeStamp(3)

	res := m.Merge(base, local, remote)

	got := res.Project.FindTask("t1").Tags
	want := map[string]bool{"alpha": true, "gamma": true}
	if len(got) != len(want) {
		t.Fatalf("expected tags {alpha gamma}, got %v", got)
	}
	for _, tag := range got {
		if !want[tag] {
			t.Errorf("unexpected tag %q in %v", tag, got)
		}
	}
	if res.HasRealConflicts {
		t.Error("tag merges are conflict-free by construction")
	}
}

func TestMerge_AttachmentsUnionLocalWins(t *testing.T) {
	m := NewMerger(KeepLocalPolicy, nil)

	baseTask := mergeTask("t1", "Files", 0)
	base := mergeProject(1, baseTask)

	local := base.Clone()
	local.Tasks[0].Attachments = map[string]Attachment{
		"a1": {ID: "a1", Name: "local.pdf"},
	}
	local.Tasks[0].UpdatedAt = mergeStamp(2)
	remote := base.Clone()
	remote.Tasks[0].Attachments = map[string]Attachment{
		"a1": {ID: "a1", Name: "remote.pdf"},
		"a2": {ID: "a2", Name: "extra.png"},
	}
	remote.Tasks[0].UpdatedAt = mergeStamp(3)

	res := m.Merge(base, local, remote)

	att := res.Project.FindTask("t1").Attachments
	if len(att) != 2 {
		t.Fatalf("expected attachment union of 2, got %d", len(att))
	}
	if att["a1"].Name != "local.pdf" {
		t.Errorf("local attachment must win the id collision, got %q", att["a1"].Name)
	}
	if att["a2"].Name != "extra.png" {
		t.Errorf("remote-only attachment must survive, got %q", att["a2"].Name)
	}
}

func TestMerge_LayoutAlwaysKeepsLocal(t *testing.T) {
	m := NewMerger(KeepLocalPolicy, nil)

	baseTask := mergeTask("t1", "Placed", 0)
	baseTask.PosX, baseTask.PosY = 10, 20
	base := mergeProject(1, baseTask)

	local := base.Clone()
	local.Tasks[0].PosX, local.Tasks[0].PosY = 100, 200
	remote := base.Clone()
	remote.Tasks[0].PosX, remote.Tasks[0].PosY = 999, 999
	remote.Tasks[0].UpdatedAt = mergeStamp(9)

	res := m.Merge(base, local, remote)

	task := res.Project.FindTask("t1")
	if task.PosX != 100 || task.PosY != 200 {
		t.Errorf("layout must stay local, got (%v, %v)", task.PosX, task.PosY)
	}
	if res.HasRealConflicts {
		t.Error("layout divergence must never be a conflict")
	}
}

func TestMerge_InputsNeverMutated(t *testing.T) {
	m := NewMerger(KeepLocalPolicy, nil)

	base := mergeProject(1, mergeTask("t1", "Original", 0))
	local := base.Clone()
	local.Tasks[0].Title = "Local"
	remote := base.Clone()
	remote.Tasks[0].Title = "Remote"

	localBefore := local.Clone()
	remoteBefore := remote.Clone()
	baseBefore := base.Clone()

	_ = m.Merge(base, local, remote)

	if local.Tasks[0].Title != localBefore.Tasks[0].Title ||
		remote.Tasks[0].Title != remoteBefore.Tasks[0].Title ||
		base.Tasks[0].Title != baseBefore.Tasks[0].Title {
		t.Error("merge inputs must never be mutated")
	}
}

func TestMerge_DeterministicOrder(t *testing.T) {
	m := NewMerger(KeepLocalPolicy, nil)

	base := mergeProject(1, mergeTask("t1", "A", 0), mergeTask("t2", "B", 0))
	local := base.Clone()
	local.Tasks = append(local.Tasks, mergeTask("t3", "C", 2))
	remote := base.Clone()
	remote.Tasks = append(remote.Tasks, mergeTask("t4", "D", 3))

	first := m.Merge(base, local, remote)
	second := m.Merge(base, local, remote)

	if len(first.Project.Tasks) != len(second.Project.Tasks) {
		t.Fatal("merge output length differs between identical runs")
	}
	for i := range first.Project.Tasks {
		if first.Project.Tasks[i].ID != second.Project.Tasks[i].ID {
			t.Fatalf("merge order not deterministic at index %d: %s vs %s",
				i, first.Project.Tasks[i].ID, second.Project.Tasks[i].ID)
		}
	}
}

func TestMerge_ConnectionDeleteWins(t *testing.T) {
	m := NewMerger(KeepLocalPolicy, nil)

	base := mergeProject(1, mergeTask("t1", "A", 0), mergeTask("t2", "B", 0))
	base.Connections = []Connection{{
		ID: "c1", Source: "t1", Target: "t2", Description: "link", UpdatedAt: mergeStamp(0),
	}}

	local := base.Clone()
	deletedAt := mergeStamp(4)
	local.Connections[0].DeletedAt = &deletedAt
	remote := base.Clone()
	remote.Connections[0].Description = "edited link"
	remote.Connections[0].UpdatedAt = mergeStamp(6)

	res := m.Merge(base, local, remote)

	conn := res.Project.FindConnection("c1")
	if conn == nil || !conn.Deleted() {
		t.Error("connection deletion must win over the remote edit")
	}

	var deletion *MergeConflict
	for i := range res.Conflicts {
		if res.Conflicts[i].Type == "deletion" && res.Conflicts[i].EntityType == "connection" {
			deletion = &res.Conflicts[i]
		}
	}
	if deletion == nil {
		t.Fatal("delete-vs-edit on a connection must record a deletion conflict, same as tasks")
	}
	if deletion.EntityID != "c1" || deletion.Resolution != "deleted" {
		t.Errorf("unexpected deletion conflict record: %+v", deletion)
	}
	if res.HasRealConflicts {
		t.Error("deletion conflicts resolve silently, never gating the push")
	}
}

func TestMerge_ConnectionUntouchedDeleteIsSilent(t *testing.T) {
	m := NewMerger(KeepLocalPolicy, nil)

	base := mergeProject(1, mergeTask("t1", "A", 0), mergeTask("t2", "B", 0))
	base.Connections = []Connection{{
		ID: "c1", Source: "t1", Target: "t2", Description: "link", UpdatedAt: mergeStamp(0),
	}}

	local := base.Clone()
	deletedAt := mergeStamp(4)
	local.Connections[0].DeletedAt = &deletedAt
	remote := base.Clone() // untouched since base

	res := m.Merge(base, local, remote)

	if conn := res.Project.FindConnection("c1"); conn == nil || !conn.Deleted() {
		t.Error("deleting an untouched connection must stick")
	}
	if len(res.Conflicts) != 0 {
		t.Errorf("deleting an untouched connection must not record conflicts, got %+v", res.Conflicts)
	}
	if res.AutoResolvedCount == 0 {
		t.Error("the silent deletion must count as auto-resolved")
	}
}
