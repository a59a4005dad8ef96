// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package treesync

import (
	"log/slog"
	"reflect"
)

// MergeConflict records one resolved divergence. Conflicts are data, never
// errors: the coordinator inspects them to decide whether a human has to be
// prompted, and they travel with the merged project for audit.
type MergeConflict struct {
	Type          string `json:"type"` // "field", "deletion", "double-insert"
	EntityType    string `json:"entity_type"`
	EntityID      string `json:"entity_id"`
	Field         string `json:"field,omitempty"`
	BaseValue     any    `json:"base_value,omitempty"`
	LocalValue    any    `json:"local_value,omitempty"`
	RemoteValue   any    `json:"remote_value,omitempty"`
	ResolvedValue any    `json:"resolved_value,omitempty"`
	Resolution    string `json:"resolution"` // "kept-local", "kept-remote", "deleted", "resurrected"
}

// MergeResult is the output of a three-way merge.
//
// HasRealConflicts is true iff at least one double-modified field was
// resolved by policy (default "kept-local"); it gates whether the sync
// coordinator must surface the merge to a human. Remote-only changes and
// coincidental agreements are auto-resolved and counted in
// AutoResolvedCount.
type MergeResult struct {
	Project           *Project        `json:"project"`
	Conflicts         []MergeConflict `json:"conflicts,omitempty"`
	HasRealConflicts  bool            `json:"has_real_conflicts"`
	AutoResolvedCount int             `json:"auto_resolved_count"`
}

// ConflictPolicy decides a double-modified field. It returns the resolved
// value and a resolution label. The surrounding protocol never changes when
// the policy is swapped.
type ConflictPolicy func(c MergeConflict) (resolved any, resolution string)

// KeepLocalPolicy is the default: the device that last touched the queue
// wins, recorded as "kept-local".
func KeepLocalPolicy(c MergeConflict) (any, string) { return c.LocalValue, "kept-local" }

// KeepRemotePolicy resolves double-modified fields in favor of the remote
// value.
func KeepRemotePolicy(c MergeConflict) (any, string) { return c.RemoteValue, "kept-remote" }

// Merger performs three-way merges anchored on a base snapshot. Merge is
// deterministic and side-effect-free (the logger only narrates pathological
// inputs), so the coordinator can safely retry it inside a bounded
// auto-rebase loop.
type Merger struct {
	policy ConflictPolicy
	logger *slog.Logger
}

// NewMerger creates a merger with the given conflict policy and logger.
// Nil policy defaults to KeepLocalPolicy; nil logger to slog.Default().
func NewMerger(policy ConflictPolicy, logger *slog.Logger) *Merger {
	if policy == nil {
		policy = KeepLocalPolicy
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{policy: policy, logger: logger}
}

// mergeAcc accumulates conflicts while a merge is running.
type mergeAcc struct {
	conflicts    []MergeConflict
	real         bool
	autoResolved int
}

func (a *mergeAcc) record(c MergeConflict) {
	a.conflicts = append(a.conflicts, c)
}

// Merge merges local and remote against the base snapshot. Inputs are never
// mutated; the merged project is built from deep copies.
//
// Base must be the last mutually-confirmed snapshot. Callers that have no
// base (new device, evicted snapshot) must use MergeTwoWay instead; this
// function is never run with a fabricated base.
func (m *Merger) Merge(base, local, remote *Project) *MergeResult {
	if base == nil {
		base = &Project{ID: local.ID}
	}
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

	merged.Title = m.mergeScalar(acc, "project", local.ID, "title",
		base.Title, local.Title, remote.Title).(string)

	merged.Tasks = m.mergeTasks(acc, base, local, remote)
	merged.Connections = m.mergeConnections(acc, base, local, remote)

	return &MergeResult{
		Project:           merged,
		Conflicts:         acc.conflicts,
		HasRealConflicts:  acc.real,
		AutoResolvedCount: acc.autoResolved,
	}
}

// mergeScalar applies the per-field rule:
//
//	neither changed            -> base
//	only local changed         -> local (silent)
//	only remote changed        -> remote (auto-resolved, silent)
//	both changed, same value   -> that value (coincidental agreement)
//	both changed, different    -> real conflict, resolved by policy
func (m *Merger) mergeScalar(acc *mergeAcc, entityType, entityID, field string, base, local, remote any) any {
	localChanged := !valuesEqual(local, base)
	remoteChanged := !valuesEqual(remote, base)

	switch {
	case !localChanged && !remoteChanged:
		return base
	case localChanged && !remoteChanged:
		return local
	case !localChanged && remoteChanged:
		acc.autoResolved++
		return remote
	case valuesEqual(local, remote):
		return local
	}

	c := MergeConflict{
		Type:        "field",
		EntityType:  entityType,
		EntityID:    entityID,
		Field:       field,
		BaseValue:   base,
		LocalValue:  local,
		RemoteValue: remote,
	}
	resolved, resolution := m.policy(c)
	c.ResolvedValue = resolved
	c.Resolution = resolution
	acc.record(c)
	if resolution == "kept-local" {
		acc.real = true
	}
	return resolved
}

func valuesEqual(a, b any) bool {
	// Normalize typed-nil pointers so (*string)(nil) == (*string)(nil) and a
	// nil pointer never compares unequal to an untyped nil.
	if isNilValue(a) && isNilValue(b) {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func isNilValue(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// mergeTasks merges the task collections by stable id, by presence pattern
// across {base, local, remote}.
func (m *Merger) mergeTasks(acc *mergeAcc, base, local, remote *Project) []Task {
	baseIdx := base.TaskByID()
	localIdx := local.TaskByID()
	remoteIdx := remote.TaskByID()

	var out []Task
	seen := make(map[string]bool)

	appendTask := func(t *Task) {
		if t != nil {
			out = append(out, *t)
		}
	}

	// Base order first, then local additions, then remote additions; the
	// output must be deterministic for identical inputs.
	order := make([]string, 0, len(base.Tasks)+len(local.Tasks)+len(remote.Tasks))
	for i := range base.Tasks {
		order = append(order, base.Tasks[i].ID)
	}
	for i := range local.Tasks {
		if _, ok := baseIdx[local.Tasks[i].ID]; !ok {
			order = append(order, local.Tasks[i].ID)
		}
	}
	for i := range remote.Tasks {
		id := remote.Tasks[i].ID
		if _, inB := baseIdx[id]; inB {
			continue
		}
		if _, inL := localIdx[id]; inL {
			continue
		}
		order = append(order, id)
	}

	for _, id := range order {
		if seen[id] {
			continue
		}
		seen[id] = true

		bi, inBase := baseIdx[id]
		li, inLocal := localIdx[id]
		ri, inRemote := remoteIdx[id]

		var b, l, r *Task
		if inBase {
			b = &base.Tasks[bi]
		}
		if inLocal {
			l = &local.Tasks[li]
		}
		if inRemote {
			r = &remote.Tasks[ri]
		}

		switch {
		case inLocal && !inBase && !inRemote:
			// Local addition.
			appendTask(l.Clone())

		case inRemote && !inBase && !inLocal:
			// Remote addition.
			acc.autoResolved++
			appendTask(r.Clone())

		case inBase && inLocal && !inRemote:
			// Remote deleted the row entirely. Accept unless local modified
			// it since base, then resurrect, logged kept-local.
			if taskModified(b, l) {
				acc.record(MergeConflict{
					Type:       "deletion",
					EntityType: "task",
					EntityID:   id,
					BaseValue:  b.UpdatedAt,
					LocalValue: l.UpdatedAt,
					Resolution: "kept-local",
				})
				appendTask(l.Clone())
			} else {
				acc.autoResolved++
			}

		case inBase && inRemote && !inLocal:
			// Local deleted the row entirely. Deletion wins either way; a
			// remote modification since base is recorded as a conflict.
			if taskModified(b, r) {
				acc.record(MergeConflict{
					Type:        "deletion",
					EntityType:  "task",
					EntityID:    id,
					BaseValue:   b.UpdatedAt,
					RemoteValue: r.UpdatedAt,
					Resolution:  "deleted",
				})
			} else {
				acc.autoResolved++
			}

		case inLocal && inRemote && !inBase:
			// Double-insert with the same id on both sides and no base row:
			// pathological, but happens when an entity round-trips before the
			// base snapshot catches up. Treat local as pseudo-base.
			m.logger.Warn("double-insert detected, merging with local as pseudo-base",
				"entity", "task", "id", id)
			appendTask(m.mergeTaskFields(acc, l, l, r))

		case inBase && inLocal && inRemote:
			if t := m.mergeTaskTombstones(acc, b, l, r); t != nil {
				appendTask(t)
			} else {
				appendTask(m.mergeTaskFields(acc, b, l, r))
			}
		}
	}

	return out
}

// mergeTaskTombstones applies the delete-wins overlay. It returns a task to
// emit when tombstone handling fully decides the row, or nil when the row
// should proceed to field-level merge.
func (m *Merger) mergeTaskTombstones(acc *mergeAcc, b, l, r *Task) *Task {
	switch {
	case !b.Deleted() && l.Deleted() && r.Deleted():
		// Both sides deleted; keep the earliest deletion timestamp.
		t := l.Clone()
		if r.DeletedAt.Before(*l.DeletedAt) {
			t = r.Clone()
		}
		return t

	case !b.Deleted() && l.Deleted() && !r.Deleted():
		// Local deleted, remote still live (possibly edited). Delete wins.
		t := l.Clone()
		if taskModified(b, r) {
			acc.record(MergeConflict{
				Type:        "deletion",
				EntityType:  "task",
				EntityID:    b.ID,
				LocalValue:  l.DeletedAt,
				RemoteValue: r.UpdatedAt,
				Resolution:  "deleted",
			})
		} else {
			acc.autoResolved++
		}
		return t

	case !b.Deleted() && !l.Deleted() && r.Deleted():
		// Remote deleted. Delete wins; a local edit since base is recorded.
		t := r.Clone()
		if taskModified(b, l) {
			acc.record(MergeConflict{
				Type:        "deletion",
				EntityType:  "task",
				EntityID:    b.ID,
				LocalValue:  l.UpdatedAt,
				RemoteValue: r.DeletedAt,
				Resolution:  "deleted",
			})
		} else {
			acc.autoResolved++
		}
		return t

	case b.Deleted() && !l.Deleted() && !r.Deleted():
		// Both sides independently cleared the tombstone: resurrection is
		// legitimate, proceed to field merge.
		return nil

	case b.Deleted() && (l.Deleted() != r.Deleted()):
		// Only one side cleared the tombstone. Tombstones win over
		// resurrection.
		if l.Deleted() {
			return l.Clone()
		}
		return r.Clone()

	case b.Deleted() && l.Deleted() && r.Deleted():
		return l.Clone()
	}

	// Nobody deleted anything.
	return nil
}

// mergeTaskFields merges one task field by field.
func (m *Merger) mergeTaskFields(acc *mergeAcc, b, l, r *Task) *Task {
	id := l.ID
	out := l.Clone()

	out.Title = m.mergeScalar(acc, "task", id, "title", b.Title, l.Title, r.Title).(string)
	out.Content = m.mergeScalar(acc, "task", id, "content", b.Content, l.Content, r.Content).(string)
	out.Status = m.mergeScalar(acc, "task", id, "status", b.Status, l.Status, r.Status).(string)
	out.Rank = m.mergeScalar(acc, "task", id, "rank", b.Rank, l.Rank, r.Rank).(float64)
	out.ParentID = asStringPtr(m.mergeScalar(acc, "task", id, "parent_id", b.ParentID, l.ParentID, r.ParentID))
	out.Stage = asIntPtr(m.mergeScalar(acc, "task", id, "stage", b.Stage, l.Stage, r.Stage))

	// Layout is never overwritten by sync.
	out.PosX = l.PosX
	out.PosY = l.PosY

	out.Tags = mergeTags(b.Tags, l.Tags, r.Tags)
	out.Attachments = mergeAttachments(l.Attachments, r.Attachments)

	if r.UpdatedAt.After(l.UpdatedAt) {
		out.UpdatedAt = r.UpdatedAt
	} else {
		out.UpdatedAt = l.UpdatedAt
	}
	return out
}

// mergeConnections mirrors mergeTasks for the connection collection.
func (m *Merger) mergeConnections(acc *mergeAcc, base, local, remote *Project) []Connection {
	baseIdx := make(map[string]int, len(base.Connections))
	for i := range base.Connections {
		baseIdx[base.Connections[i].ID] = i
	}
	localIdx := make(map[string]int, len(local.Connections))
	for i := range local.Connections {
		localIdx[local.Connections[i].ID] = i
	}
	remoteIdx := make(map[string]int, len(remote.Connections))
	for i := range remote.Connections {
		remoteIdx[remote.Connections[i].ID] = i
	}

	var order []string
	for i := range base.Connections {
		order = append(order, base.Connections[i].ID)
	}
	for i := range local.Connections {
		if _, ok := baseIdx[local.Connections[i].ID]; !ok {
			order = append(order, local.Connections[i].ID)
		}
	}
	for i := range remote.Connections {
		id := remote.Connections[i].ID
		_, inB := baseIdx[id]
		_, inL := localIdx[id]
		if !inB && !inL {
			order = append(order, id)
		}
	}

	var out []Connection
	seen := make(map[string]bool)
	for _, id := range order {
		if seen[id] {
			continue
		}
		seen[id] = true

		var b, l, r *Connection
		if i, ok := baseIdx[id]; ok {
			b = &base.Connections[i]
		}
		if i, ok := localIdx[id]; ok {
			l = &local.Connections[i]
		}
		if i, ok := remoteIdx[id]; ok {
			r = &remote.Connections[i]
		}

		switch {
		case l != nil && b == nil && r == nil:
			out = append(out, *l.Clone())

		case r != nil && b == nil && l == nil:
			acc.autoResolved++
			out = append(out, *r.Clone())

		case b != nil && l != nil && r == nil:
			if connModified(b, l) {
				acc.record(MergeConflict{
					Type:       "deletion",
					EntityType: "connection",
					EntityID:   id,
					Resolution: "kept-local",
				})
				out = append(out, *l.Clone())
			} else {
				acc.autoResolved++
			}

		case b != nil && r != nil && l == nil:
			if connModified(b, r) {
				acc.record(MergeConflict{
					Type:       "deletion",
					EntityType: "connection",
					EntityID:   id,
					Resolution: "deleted",
				})
			} else {
				acc.autoResolved++
			}

		case l != nil && r != nil && b == nil:
			m.logger.Warn("double-insert detected, merging with local as pseudo-base",
				"entity", "connection", "id", id)
			out = append(out, *m.mergeConnFields(acc, l, l, r))

		case b != nil && l != nil && r != nil:
			if c := m.mergeConnTombstones(acc, b, l, r); c != nil {
				out = append(out, *c)
			} else {
				out = append(out, *m.mergeConnFields(acc, b, l, r))
			}
		}
	}
	return out
}

// mergeConnTombstones applies the delete-wins overlay for connections,
// recording a deletion conflict when the surviving tombstone discards an
// edit from the other side.
func (m *Merger) mergeConnTombstones(acc *mergeAcc, b, l, r *Connection) *Connection {
	switch {
	case !b.Deleted() && l.Deleted() && r.Deleted():
		if r.DeletedAt.Before(*l.DeletedAt) {
			return r.Clone()
		}
		return l.Clone()

	case !b.Deleted() && l.Deleted():
		if connModified(b, r) {
			acc.record(MergeConflict{
				Type:        "deletion",
				EntityType:  "connection",
				EntityID:    b.ID,
				LocalValue:  l.DeletedAt,
				RemoteValue: r.UpdatedAt,
				Resolution:  "deleted",
			})
		} else {
			acc.autoResolved++
		}
		return l.Clone()

	case !b.Deleted() && r.Deleted():
		if connModified(b, l) {
			acc.record(MergeConflict{
				Type:        "deletion",
				EntityType:  "connection",
				EntityID:    b.ID,
				LocalValue:  l.UpdatedAt,
				RemoteValue: r.DeletedAt,
				Resolution:  "deleted",
			})
		} else {
			acc.autoResolved++
		}
		return r.Clone()

	case b.Deleted() && !l.Deleted() && !r.Deleted():
		return nil

	case b.Deleted() && (l.Deleted() != r.Deleted()):
		if l.Deleted() {
			return l.Clone()
		}
		return r.Clone()

	case b.Deleted():
		return l.Clone()
	}
	return nil
}

func (m *Merger) mergeConnFields(acc *mergeAcc, b, l, r *Connection) *Connection {
	out := l.Clone()
	out.Description = m.mergeScalar(acc, "connection", l.ID, "description",
		b.Description, l.Description, r.Description).(string)
	out.Source = m.mergeScalar(acc, "connection", l.ID, "source", b.Source, l.Source, r.Source).(string)
	out.Target = m.mergeScalar(acc, "connection", l.ID, "target", b.Target, l.Target, r.Target).(string)
	if r.UpdatedAt.After(l.UpdatedAt) {
		out.UpdatedAt = r.UpdatedAt
	} else {
		out.UpdatedAt = l.UpdatedAt
	}
	return out
}

// taskModified reports whether cur diverged from base in any merge-relevant
// way. UpdatedAt alone is not trusted: clients with skewed clocks may bump
// it without changing content.
func taskModified(base, cur *Task) bool {
	if cur.UpdatedAt.After(base.UpdatedAt) {
		return true
	}
	return cur.Title != base.Title ||
		cur.Content != base.Content ||
		cur.Status != base.Status ||
		cur.Rank != base.Rank ||
		!valuesEqual(cur.ParentID, base.ParentID) ||
		!valuesEqual(cur.Stage, base.Stage) ||
		!reflect.DeepEqual(cur.Tags, base.Tags) ||
		!reflect.DeepEqual(cur.Attachments, base.Attachments) ||
		!valuesEqual(cur.DeletedAt, base.DeletedAt)
}

func connModified(base, cur *Connection) bool {
	if cur.UpdatedAt.After(base.UpdatedAt) {
		return true
	}
	return cur.Description != base.Description ||
		cur.Source != base.Source ||
		cur.Target != base.Target ||
		!valuesEqual(cur.DeletedAt, base.DeletedAt)
}

// mergeTags merges tag arrays with set-union-with-intent: an element present
// or absent on only one side relative to base is an intentional add/remove
// and is honored; elements untouched on both sides keep their base
// membership. Membership is boolean, so a double change always agrees;
// there is no conflicting case.
func mergeTags(base, local, remote []string) []string {
	inBase := toSet(base)
	inLocal := toSet(local)
	inRemote := toSet(remote)

	keep := func(tag string) bool {
		b, l, r := inBase[tag], inLocal[tag], inRemote[tag]
		localChanged := l != b
		remoteChanged := r != b
		switch {
		case !localChanged && !remoteChanged:
			return b
		case localChanged && !remoteChanged:
			return l
		case !localChanged && remoteChanged:
			return r
		default:
			return l // both flipped from base, so l == r
		}
	}

	var out []string
	emitted := make(map[string]bool)
	for _, src := range [][]string{base, local, remote} {
		for _, tag := range src {
			if emitted[tag] {
				continue
			}
			emitted[tag] = true
			if keep(tag) {
				out = append(out, tag)
			}
		}
	}
	return out
}

func toSet(tags []string) map[string]bool {
	s := make(map[string]bool, len(tags))
	for _, t := range tags {
		s[t] = true
	}
	return s
}

// mergeAttachments unions the per-id attachment maps; local wins ties.
func mergeAttachments(local, remote map[string]Attachment) map[string]Attachment {
	if local == nil && remote == nil {
		return nil
	}
	out := make(map[string]Attachment, len(local)+len(remote))
	for id, a := range remote {
		out[id] = a
	}
	for id, a := range local {
		out[id] = a
	}
	return out
}

func asStringPtr(v any) *string {
	if v == nil {
		return nil
	}
	if p, ok := v.(*string); ok {
		return p
	}
	return nil
}

func asIntPtr(v any) *int {
	if v == nil {
		return nil
	}
	if p, ok := v.(*int); ok {
		return p
	}
	return nil
}
