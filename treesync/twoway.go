// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package treesync

// MergeTwoWay reconciles local against remote when no base snapshot exists
// (new device, evicted snapshot). It is a formally distinct path, not the
// three-way algorithm with a fabricated base: without an anchor there is no
// way to tell "added here" from "deleted there", so the rules degrade to
// per-entity last-write-wins by UpdatedAt with tombstones winning over live
// rows. Every divergent field records a conflict so callers know the merge
// was lossy.
func (m *Merger) MergeTwoWay(local, remote *Project) *MergeResult {
	acc := &mergeAcc{}

	merged := &Project{
		ID:      local.ID,
		Version: remote.Version,
	}
	if remote.UpdatedAt.After(local.UpdatedAt) {
		merged.UpdatedAt = remote.UpdatedAt
	} else {
		merged.UpdatedAt = local.UpdatedAt
	}

	if local.Title == remote.Title {
		merged.Title = local.Title
	} else {
		merged.Title = local.Title
		if remote.UpdatedAt.After(local.UpdatedAt) {
			merged.Title = remote.Title
		}
		c := MergeConflict{
			Type:          "field",
			EntityType:    "project",
			EntityID:      local.ID,
			Field:         "title",
			LocalValue:    local.Title,
			RemoteValue:   remote.Title,
			ResolvedValue: merged.Title,
			Resolution:    twoWayResolution(merged.Title == local.Title),
		}
		acc.record(c)
		if c.Resolution == "kept-local" {
			acc.real = true
		}
	}

	localTasks := local.TaskByID()
	remoteTasks := remote.TaskByID()

	for i := range local.Tasks {
		l := &local.Tasks[i]
		ri, ok := remoteTasks[l.ID]
		if !ok {
			// Only local: cannot distinguish local add from remote delete.
			// Keep the row; a superfluous row is recoverable, a lost one is
			// not.
			merged.Tasks = append(merged.Tasks, *l.Clone())
			continue
		}
		merged.Tasks = append(merged.Tasks, *m.twoWayTask(acc, l, &remote.Tasks[ri]))
	}
	for i := range remote.Tasks {
		r := &remote.Tasks[i]
		if _, ok := localTasks[r.ID]; !ok {
			acc.autoResolved++
			merged.Tasks = append(merged.Tasks, *r.Clone())
		}
	}

	localConns := make(map[string]int, len(local.Connections))
	for i := range local.Connections {
		localConns[local.Connections[i].ID] = i
	}
	for i := range local.Connections {
		l := &local.Connections[i]
		r := remote.FindConnection(l.ID)
		if r == nil {
			merged.Connections = append(merged.Connections, *l.Clone())
			continue
		}
		merged.Connections = append(merged.Connections, *m.twoWayConnection(l, r))
	}
	for i := range remote.Connections {
		r := &remote.Connections[i]
		if _, ok := localConns[r.ID]; !ok {
			acc.autoResolved++
			merged.Connections = append(merged.Connections, *r.Clone())
		}
	}

	return &MergeResult{
		Project:           merged,
		Conflicts:         acc.conflicts,
		HasRealConflicts:  acc.real,
		AutoResolvedCount: acc.autoResolved,
	}
}

// twoWayTask picks per entity: tombstones win, then later UpdatedAt wins.
// Layout stays local either way.
func (m *Merger) twoWayTask(acc *mergeAcc, l, r *Task) *Task {
	var winner *Task
	switch {
	case l.Deleted() && !r.Deleted():
		winner = l
	case r.Deleted() && !l.Deleted():
		winner = r
	case r.UpdatedAt.After(l.UpdatedAt):
		winner = r
	default:
		winner = l
	}

	out := winner.Clone()
	out.PosX = l.PosX
	out.PosY = l.PosY

	if divergentTask(l, r) {
		c := MergeConflict{
			Type:          "field",
			EntityType:    "task",
			EntityID:      l.ID,
			LocalValue:    l.UpdatedAt,
			RemoteValue:   r.UpdatedAt,
			ResolvedValue: out.UpdatedAt,
			Resolution:    twoWayResolution(winner == l),
		}
		acc.record(c)
		if c.Resolution == "kept-local" {
			acc.real = true
		}
	}
	return out
}

func (m *Merger) twoWayConnection(l, r *Connection) *Connection {
	switch {
	case l.Deleted() && !r.Deleted():
		return l.Clone()
	case r.Deleted() && !l.Deleted():
		return r.Clone()
	case r.UpdatedAt.After(l.UpdatedAt):
		return r.Clone()
	default:
		return l.Clone()
	}
}

func divergentTask(l, r *Task) bool {
	return l.Title != r.Title ||
		l.Content != r.Content ||
		l.Status != r.Status ||
		l.Rank != r.Rank ||
		!valuesEqual(l.ParentID, r.ParentID) ||
		!valuesEqual(l.Stage, r.Stage) ||
		!valuesEqual(l.DeletedAt, r.DeletedAt)
}

func twoWayResolution(keptLocal bool) string {
	if keptLocal {
		return "kept-local"
	}
	return "kept-remote"
}
