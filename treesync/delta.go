// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package treesync

import (
	"context"
	"time"
)

// maxCursorSkew bounds how far into the future a change timestamp (or a
// cursor) may sit before it is considered corrupt rather than merely
// clock-skewed.
const maxCursorSkew = 24 * time.Hour

// DeltaResult is the outcome of a DeltaPull.
type DeltaResult struct {
	// Project is the folded result the caller should adopt, or nil when
	// the project does not exist remotely.
	Project *Project

	// NextCursor is the watermark for the next delta fetch. It only moves
	// forward on timestamps that were actually applied.
	NextCursor time.Time

	// FullSync reports that the delta path was abandoned and a full pull
	// served the request instead.
	FullSync bool

	Applied int
	Skipped int
}

// DeltaPull fetches entities changed after cursor and folds them into
// local by per-entity last-writer-wins on UpdatedAt. Entities with
// missing or absurd timestamps are skipped and logged, never fatal; an
// unusable cursor or a failed delta fetch degrades to a full pull rather
// than erroring out.
//
// Delta results are partial state, so the base snapshot is left alone;
// only confirmed full pulls and pushes advance it.
func (c *Coordinator) DeltaPull(ctx context.Context, local *Project, cursor time.Time) (*DeltaResult, error) {
	now := c.now()
	if !validStamp(cursor, now) {
		c.logger.Warn("delta cursor unusable, falling back to full sync",
			"project_id", local.ID, "cursor", cursor)
		return c.deltaFallback(ctx, local.ID, now)
	}

	entities, err := c.remote.ListChangedSince(ctx, local.ID, cursor)
	if err != nil {
		c.logger.Warn("delta fetch failed, falling back to full sync",
			"project_id", local.ID, "error", err)
		return c.deltaFallback(ctx, local.ID, now)
	}

	res := &DeltaResult{NextCursor: cursor}
	folded := local.Clone()
	for i := range entities {
		e := &entities[i]
		if !validStamp(e.UpdatedAt, now) {
			c.logger.Warn("skipping delta entity with invalid timestamp",
				"project_id", local.ID, "kind", e.Kind, "updated_at", e.UpdatedAt)
			res.Skipped++
			continue
		}
		if !c.foldEntity(folded, e) {
			res.Skipped++
			continue
		}
		res.Applied++
		if e.UpdatedAt.After(res.NextCursor) {
			res.NextCursor = e.UpdatedAt
		}
	}
	res.Project = folded
	c.logger.Debug("delta applied", "project_id", local.ID,
		"applied", res.Applied, "skipped", res.Skipped, "cursor", res.NextCursor)
	return res, nil
}

func (c *Coordinator) deltaFallback(ctx context.Context, projectID string, now time.Time) (*DeltaResult, error) {
	pr, err := c.PullChanges(ctx, projectID, PullOptions{Reason: "delta-fallback", Force: true})
	if err != nil {
		return nil, err
	}
	return &DeltaResult{Project: pr.Project, NextCursor: now, FullSync: true}, nil
}

// foldEntity applies one changed entity by last-writer-wins; it reports
// whether the change was applied. An absent entity is inserted, a
// tombstoned one keeps its tombstone.
func (c *Coordinator) foldEntity(p *Project, e *ChangedEntity) bool {
	switch e.Kind {
	case "task":
		if e.Task == nil {
			return false
		}
		if cur := p.FindTask(e.Task.ID); cur != nil {
			if !e.UpdatedAt.After(cur.UpdatedAt) {
				return false
			}
			*cur = *e.Task.Clone()
			return true
		}
		p.Tasks = append(p.Tasks, *e.Task.Clone())
		return true

	case "connection":
		if e.Connection == nil {
			return false
		}
		if cur := p.FindConnection(e.Connection.ID); cur != nil {
			if !e.UpdatedAt.After(cur.UpdatedAt) {
				return false
			}
			*cur = *e.Connection.Clone()
			return true
		}
		p.Connections = append(p.Connections, *e.Connection.Clone())
		return true

	default:
		c.logger.Warn("skipping delta entity of unknown kind", "kind", e.Kind)
		return false
	}
}

// validStamp rejects zero times, obviously pre-epoch garbage, and
// timestamps unreasonably far in the future.
func validStamp(t, now time.Time) bool {
	if t.IsZero() {
		return false
	}
	if t.Year() < 2000 {
		return false
	}
	if t.After(now.Add(maxCursorSkew)) {
		return false
	}
	return true
}
