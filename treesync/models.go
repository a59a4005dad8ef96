// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package treesync implements the offline-first synchronization engine for a
// hierarchical task/project editor: a three-way merge anchored on the last
// mutually-confirmed snapshot, a sync coordinator that pushes under
// optimistic concurrency, and a delta-sync path for incremental pulls.
//
// Durable persistence (action queue, base snapshots) lives in the treestore
// package; a Postgres reference implementation of the remote contract lives
// in pgremote.
package treesync

import (
	"time"
)

// Project is the unit of synchronization. Version is a monotonic counter:
// a remote write applies only if the submitted version equals the stored one,
// and every confirmed write increments it by exactly one.
type Project struct {
	ID          string       `json:"id"`
	Version     int64        `json:"version"`
	Title       string       `json:"title"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Tasks       []Task       `json:"tasks"`
	Connections []Connection `json:"connections"`
}

// Task is a node in the project tree. ParentID is a nullable tree edge and
// must reference an existing task in the same project. DeletedAt is a
// tombstone: deleted tasks are retained so deletion propagates during merge
// instead of being silently undone.
type Task struct {
	ID          string                `json:"id"`
	ParentID    *string               `json:"parent_id,omitempty"`
	Stage       *int                  `json:"stage,omitempty"` // nil = unassigned
	Rank        float64               `json:"rank"`            // fractional order key
	Title       string                `json:"title"`
	Content     string                `json:"content"`
	Status      string                `json:"status"`
	Tags        []string              `json:"tags,omitempty"`
	Attachments map[string]Attachment `json:"attachments,omitempty"`
	PosX        float64               `json:"pos_x"`
	PosY        float64               `json:"pos_y"`
	DeletedAt   *time.Time            `json:"deleted_at,omitempty"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// Attachment is a file reference attached to a task, keyed by ID in
// Task.Attachments.
type Attachment struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	URL     string    `json:"url"`
	AddedAt time.Time `json:"added_at"`
}

// Connection is a directed edge between two tasks.
type Connection struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Target      string     `json:"target"`
	Description string     `json:"description"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Deleted reports whether the task carries a tombstone.
func (t *Task) Deleted() bool { return t.DeletedAt != nil }

// Deleted reports whether the connection carries a tombstone.
func (c *Connection) Deleted() bool { return c.DeletedAt != nil }

// Clone returns a deep copy of the project. The merge engine never aliases
// its inputs, so every merge output is built from clones.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Tasks = make([]Task, len(p.Tasks))
	for i := range p.Tasks {
		cp.Tasks[i] = *p.Tasks[i].Clone()
	}
	cp.Connections = make([]Connection, len(p.Connections))
	for i := range p.Connections {
		cp.Connections[i] = *p.Connections[i].Clone()
	}
	return &cp
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	ct := *t
	if t.ParentID != nil {
		v := *t.ParentID
		ct.ParentID = &v
	}
	if t.Stage != nil {
		v := *t.Stage
		ct.Stage = &v
	}
	if t.DeletedAt != nil {
		v := *t.DeletedAt
		ct.DeletedAt = &v
	}
	if t.Tags != nil {
		ct.Tags = append([]string(nil), t.Tags...)
	}
	if t.Attachments != nil {
		ct.Attachments = make(map[string]Attachment, len(t.Attachments))
		for k, v := range t.Attachments {
			ct.Attachments[k] = v
		}
	}
	return &ct
}

// Clone returns a deep copy of the connection.
func (c *Connection) Clone() *Connection {
	if c == nil {
		return nil
	}
	cc := *c
	if c.DeletedAt != nil {
		v := *c.DeletedAt
		cc.DeletedAt = &v
	}
	return &cc
}

// TaskByID builds an id -> index map over the project's tasks.
func (p *Project) TaskByID() map[string]int {
	idx := make(map[string]int, len(p.Tasks))
	for i := range p.Tasks {
		idx[p.Tasks[i].ID] = i
	}
	return idx
}

// FindTask returns the task with the given id, or nil.
func (p *Project) FindTask(id string) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// FindConnection returns the connection with the given id, or nil.
func (p *Project) FindConnection(id string) *Connection {
	for i := range p.Connections {
		if p.Connections[i].ID == id {
			return &p.Connections[i]
		}
	}
	return nil
}

// SyncState is the coordinator's externally visible status, emitted on every
// state transition.
type SyncState struct {
	ProjectID   string `json:"project_id"`
	IsSyncing   bool   `json:"is_syncing"`
	IsOnline    bool   `json:"is_online"`
	OfflineMode bool   `json:"offline_mode"`
	HasConflict bool   `json:"has_conflict"`
}

// ConflictEvent is emitted when auto-rebase could not resolve a version
// conflict and a human has to pick a side.
type ConflictEvent struct {
	ProjectID     string   `json:"project_id"`
	LocalProject  *Project `json:"local_project"`
	RemoteProject *Project `json:"remote_project"`
}
