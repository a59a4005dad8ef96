// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package treesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CoordinatorConfig tunes the sync coordinator.
type CoordinatorConfig struct {
	// DebounceInterval is the trailing-edge delay between an edit and its
	// enqueue. Rapid edit bursts collapse into one queued save.
	DebounceInterval time.Duration

	// FreshnessWindow suppresses redundant pulls: a non-forced pull within
	// this window of the last completed pull is skipped.
	FreshnessWindow time.Duration

	// MaxRebaseAttempts bounds the push/merge/retry loop under concurrent
	// writers. Exhaustion surfaces as a transient failure so the queue
	// retries later, with backoff.
	MaxRebaseAttempts int
}

// DefaultCoordinatorConfig returns the standard tuning.
func DefaultCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		DebounceInterval:  800 * time.Millisecond,
		FreshnessWindow:   30 * time.Second,
		MaxRebaseAttempts: 3,
	}
}

// PullOptions controls one PullChanges call.
type PullOptions struct {
	// Reason tags the pull in logs ("startup", "return-online", "interval",
	// "post-save", "manual").
	Reason string

	// Force bypasses the freshness window.
	Force bool
}

// PullResult is the outcome of PullChanges. Skipped means the freshness
// window suppressed the fetch; Project is nil in that case and when the
// project does not exist remotely.
type PullResult struct {
	Project *Project
	Version int64
	Skipped bool
}

// projectState is the coordinator's per-project runtime state. Its mutex
// serializes save/pull/resolve for one project; distinct projects proceed
// concurrently.
type projectState struct {
	mu sync.Mutex

	debounce     *time.Timer
	pending      *Project
	pendingActor string

	lastPulled  time.Time
	conflict    *ConflictEvent
	offlineMode bool
	syncing     bool
}

// Coordinator orchestrates local edits against the remote store: debounced
// enqueue, optimistic push with bounded auto-rebase, freshness-gated pull,
// conflict surfacing and resolution, and offline/online transitions.
//
// It is safe for concurrent use. All remote interaction goes through the
// durable queue or through explicit pull/resolve calls; the coordinator
// itself never drops an edit.
type Coordinator struct {
	queue      ActionQueue
	bases      SnapshotStore
	remote     Remote
	merger     *Merger
	rebalancer Rebalancer
	config     *CoordinatorConfig
	logger     *slog.Logger

	mu       sync.Mutex
	projects map[string]*projectState

	onConflict  []func(ConflictEvent)
	onSyncState []func(SyncState)

	pulls singleflight.Group

	now func() time.Time
}

// NewCoordinator creates a coordinator. Nil config falls back to
// DefaultCoordinatorConfig, nil rebalancer to NoopRebalancer, nil logger
// to slog.Default().
func NewCoordinator(queue ActionQueue, bases SnapshotStore, remote Remote,
	merger *Merger, rebalancer Rebalancer, config *CoordinatorConfig, logger *slog.Logger) *Coordinator {
	if config == nil {
		config = DefaultCoordinatorConfig()
	}
	if rebalancer == nil {
		rebalancer = NoopRebalancer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		queue:      queue,
		bases:      bases,
		remote:     remote,
		merger:     merger,
		rebalancer: rebalancer,
		config:     config,
		logger:     logger,
		projects:   make(map[string]*projectState),
		now:        time.Now,
	}
}

// OnConflict registers an observer for surfaced conflicts that need a
// user decision.
func (c *Coordinator) OnConflict(cb func(ConflictEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConflict = append(c.onConflict, cb)
}

// OnSyncState registers an observer for per-project sync state changes.
func (c *Coordinator) OnSyncState(cb func(SyncState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSyncState = append(c.onSyncState, cb)
}

// Pause suspends queue processing (used around inbound remote-change
// application so local handlers never race a pull).
func (c *Coordinator) Pause() { c.queue.Pause() }

// Resume re-enables queue processing.
func (c *Coordinator) Resume() { c.queue.Resume() }

func (c *Coordinator) state(projectID string) *projectState {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps, ok := c.projects[projectID]
	if !ok {
		ps = &projectState{}
		c.projects[projectID] = ps
	}
	return ps
}

// pendingNotes buffers observer notifications raised while a projectState
// mutex is held. Observers may re-enter the coordinator (ResolveConflict
// from inside an OnConflict callback), so delivery must wait until the
// lock is released.
type pendingNotes struct {
	fns []func()
}

// state snapshots the sync state now, while ps.mu is held, and defers the
// observer calls to deliver.
func (n *pendingNotes) state(c *Coordinator, projectID string, ps *projectState) {
	st := SyncState{
		ProjectID:   projectID,
		IsSyncing:   ps.syncing,
		IsOnline:    !ps.offlineMode,
		OfflineMode: ps.offlineMode,
		HasConflict: ps.conflict != nil,
	}
	n.fns = append(n.fns, func() { c.notifyState(st) })
}

func (n *pendingNotes) conflict(c *Coordinator, ev ConflictEvent) {
	n.fns = append(n.fns, func() { c.notifyConflict(ev) })
}

// deliver fires the buffered notifications in order. Callers must not hold
// any projectState mutex.
func (n *pendingNotes) deliver() {
	for _, fn := range n.fns {
		fn()
	}
	n.fns = nil
}

func (c *Coordinator) notifyState(st SyncState) {
	c.mu.Lock()
	observers := append([]func(SyncState){}, c.onSyncState...)
	c.mu.Unlock()
	for _, cb := range observers {
		cb(st)
	}
}

func (c *Coordinator) notifyConflict(ev ConflictEvent) {
	c.mu.Lock()
	observers := append([]func(ConflictEvent){}, c.onConflict...)
	c.mu.Unlock()
	for _, cb := range observers {
		cb(ev)
	}
}

// SchedulePersist records an edit for debounced persistence. Later calls
// within the window supersede earlier ones (trailing edge); the project is
// cloned immediately so further caller edits cannot race the enqueue.
func (c *Coordinator) SchedulePersist(project *Project, actor string) {
	ps := c.state(project.ID)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.pending = project.Clone()
	ps.pendingActor = actor

	if ps.debounce != nil {
		ps.debounce.Stop()
	}
	projectID := project.ID
	ps.debounce = time.AfterFunc(c.config.DebounceInterval, func() {
		c.flushProject(context.Background(), projectID)
	})
}

// Flush enqueues all pending edits immediately, bypassing any remaining
// debounce delay. Call on shutdown and before going offline.
func (c *Coordinator) Flush(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.projects))
	for id := range c.projects {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.flushProject(ctx, id)
	}
}

func (c *Coordinator) flushProject(ctx context.Context, projectID string) {
	ps := c.state(projectID)
	ps.mu.Lock()
	if ps.debounce != nil {
		ps.debounce.Stop()
		ps.debounce = nil
	}
	pending, actor := ps.pending, ps.pendingActor
	ps.pending = nil
	ps.mu.Unlock()

	if pending == nil {
		return
	}
	if _, err := c.queue.Enqueue(ctx, ActionSaveProject, &SaveProjectPayload{
		Project: pending,
		Actor:   actor,
	}); err != nil {
		// The edit is not lost: it stays in ps.pending for the next flush.
		ps.mu.Lock()
		if ps.pending == nil {
			ps.pending = pending
			ps.pendingActor = actor
		}
		ps.mu.Unlock()
		c.logger.Error("failed to enqueue project save", "project_id", projectID, "error", err)
	}
}

// QueueAssetUpload enqueues an attachment upload intent. Uploads ride the
// same durable queue as saves, so they survive restarts and drain when
// connectivity allows.
func (c *Coordinator) QueueAssetUpload(ctx context.Context, payload *UploadAssetPayload) (string, error) {
	return c.queue.Enqueue(ctx, ActionUploadAsset, payload)
}

// PushQueued implements ProjectPusher: the queue's save-project handler
// delegates here. The boolean follows handler semantics: transient
// failures leave the item queued for backoff retry, while a surfaced
// conflict parks it in the dead letter under ReasonConflictPending. The
// frozen intent stays durable across a restart; resolution releases the
// hold via ReleaseHeld.
func (c *Coordinator) PushQueued(ctx context.Context, project *Project, actor string) (bool, error) {
	_, err := c.SaveProjectToCloud(ctx, project, actor)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrConflictPending):
		return false, Permanent(ReasonConflictPending, err)
	default:
		return false, err
	}
}

// SaveProjectToCloud pushes project with optimistic concurrency, silently
// rebasing over concurrent remote writes when the three-way merge resolves
// everything automatically. A merge with real conflicts freezes the push
// and returns ErrConflictPending; the held ConflictEvent is delivered to
// OnConflict observers.
//
// On success the returned project carries the new confirmed version, and
// the base snapshot is advanced to it.
func (c *Coordinator) SaveProjectToCloud(ctx context.Context, project *Project, actor string) (*Project, error) {
	ps := c.state(project.ID)

	// Registered before the lock defers so it runs last: notifications
	// buffered under ps.mu are delivered only after the unlock.
	notes := &pendingNotes{}
	defer notes.deliver()

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.conflict != nil {
		// A pending conflict gates further pushes for this project; the
		// resolution flow is the only way forward.
		return nil, ErrConflictPending
	}

	ps.syncing = true
	notes.state(c, project.ID, ps)
	defer func() {
		ps.syncing = false
		notes.state(c, project.ID, ps)
	}()

	push := project.Clone()
	for attempt := 0; attempt <= c.config.MaxRebaseAttempts; attempt++ {
		res, err := c.remote.Save(ctx, push, push.Version)
		if err != nil {
			if IsTransient(err) {
				ps.offlineMode = true
				c.queue.SetOnline(false)
				notes.state(c, project.ID, ps)
			}
			return nil, fmt.Errorf("failed to push project %s: %w", project.ID, err)
		}

		if res.Success {
			push.Version = res.NewVersion
			ps.offlineMode = false
			if err := c.bases.SaveSnapshot(ctx, push); err != nil {
				c.logger.Warn("failed to advance base snapshot", "project_id", push.ID, "error", err)
			}
			c.logger.Info("project pushed", "project_id", push.ID,
				"version", push.Version, "actor", actor, "rebase_attempts", attempt)
			return push, nil
		}

		remote := res.RemoteProject
		if remote == nil {
			rp, err := c.remote.Get(ctx, push.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to fetch remote project %s: %w", push.ID, err)
			}
			if rp == nil {
				return c.insertProject(ctx, ps, notes, push, actor)
			}
			remote = rp.Project
			remote.Version = rp.Version
		}

		merged, hasReal := c.rebase(push, remote)
		if hasReal {
			ev := ConflictEvent{
				ProjectID:     push.ID,
				LocalProject:  push,
				RemoteProject: remote,
			}
			ps.conflict = &ev
			notes.state(c, push.ID, ps)
			notes.conflict(c, ev)
			c.logger.Warn("project push frozen on conflict",
				"project_id", push.ID, "local_version", push.Version, "remote_version", remote.Version)
			return nil, ErrConflictPending
		}

		// Retry the push atop the version we just merged against.
		merged.Version = remote.Version
		push = merged
		c.logger.Debug("project rebased onto remote", "project_id", push.ID,
			"remote_version", remote.Version, "attempt", attempt+1)
	}

	return nil, Transient(fmt.Errorf("project %s: rebase attempts exhausted after %d tries",
		project.ID, c.config.MaxRebaseAttempts))
}

// rebase merges push onto remote, three-way when a base snapshot exists
// and two-way otherwise. It reports whether the merge left real conflicts.
func (c *Coordinator) rebase(local, remote *Project) (*Project, bool) {
	base, err := c.bases.GetSnapshot(context.Background(), local.ID)
	if err != nil {
		c.logger.Warn("base snapshot unavailable, falling back to two-way merge",
			"project_id", local.ID, "error", err)
		base = nil
	}

	var mr *MergeResult
	if base != nil {
		mr = c.merger.Merge(base, local, remote)
	} else {
		mr = c.merger.MergeTwoWay(local, remote)
	}
	return mr.Project, mr.HasRealConflicts
}

// ps.mu must be held; notifications go through notes.
func (c *Coordinator) insertProject(ctx context.Context, ps *projectState, notes *pendingNotes, project *Project, actor string) (*Project, error) {
	res, err := c.remote.Insert(ctx, project)
	if err != nil {
		if IsTransient(err) {
			ps.offlineMode = true
			c.queue.SetOnline(false)
			notes.state(c, project.ID, ps)
		}
		return nil, fmt.Errorf("failed to insert project %s: %w", project.ID, err)
	}
	if !res.Success {
		// Lost a create race; the next drain pushes against the winner.
		return nil, Transient(fmt.Errorf("project %s: insert conflicted", project.ID))
	}
	project.Version = res.NewVersion
	ps.offlineMode = false
	if err := c.bases.SaveSnapshot(ctx, project); err != nil {
		c.logger.Warn("failed to write base snapshot", "project_id", project.ID, "error", err)
	}
	c.logger.Info("project created remotely", "project_id", project.ID, "actor", actor)
	return project, nil
}

// PullChanges fetches the remote project. Concurrent pulls for the same
// project collapse into one fetch (all callers get the same result), and
// a non-forced pull inside the freshness window is skipped entirely.
//
// A completed pull is confirmed state: the base snapshot is advanced to
// it, unless a conflict is pending (advancing the base mid-conflict would
// discard the anchor the resolution merge needs).
func (c *Coordinator) PullChanges(ctx context.Context, projectID string, opts PullOptions) (*PullResult, error) {
	ps := c.state(projectID)

	ps.mu.Lock()
	if !opts.Force && c.now().Sub(ps.lastPulled) < c.config.FreshnessWindow {
		ps.mu.Unlock()
		c.logger.Debug("pull skipped, data fresh", "project_id", projectID, "reason", opts.Reason)
		return &PullResult{Skipped: true}, nil
	}
	ps.mu.Unlock()

	v, err, _ := c.pulls.Do(projectID, func() (any, error) {
		rp, err := c.remote.Get(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("failed to pull project %s: %w", projectID, err)
		}

		ps.mu.Lock()
		ps.lastPulled = c.now()
		conflictPending := ps.conflict != nil
		ps.mu.Unlock()

		if rp == nil {
			return &PullResult{}, nil
		}
		project := rp.Project
		project.Version = rp.Version
		if !conflictPending {
			if err := c.bases.SaveSnapshot(ctx, project); err != nil {
				c.logger.Warn("failed to write base snapshot after pull",
					"project_id", projectID, "error", err)
			}
		}
		c.logger.Debug("project pulled", "project_id", projectID,
			"version", rp.Version, "reason", opts.Reason)
		return &PullResult{Project: project, Version: rp.Version}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PullResult), nil
}

// Conflict resolution strategies.
const (
	ResolveKeepLocal  = "local"
	ResolveKeepRemote = "remote"
	ResolveMerge      = "merge"
)

// ResolveConflict settles the pending conflict for projectID and returns
// the project the caller should adopt locally.
//
//	local  - push the local side over the remote one
//	remote - adopt the remote side (validated and rebalanced) locally
//	merge  - accept the automatic merge wholesale, local winning contested
//	         fields, and push the result
//
// With no pending conflict it returns an error; resolving is not a
// general-purpose save path.
func (c *Coordinator) ResolveConflict(ctx context.Context, projectID, strategy string) (*Project, error) {
	ps := c.state(projectID)
	notes := &pendingNotes{}
	ps.mu.Lock()

	if ps.conflict == nil {
		ps.mu.Unlock()
		return nil, fmt.Errorf("project %s has no pending conflict", projectID)
	}
	ev := *ps.conflict
	ps.conflict = nil
	notes.state(c, projectID, ps)
	ps.mu.Unlock()
	notes.deliver()

	switch strategy {
	case ResolveKeepLocal:
		resolved := ev.LocalProject.Clone()
		resolved.Version = ev.RemoteProject.Version
		return c.pushResolved(ctx, ps, resolved)

	case ResolveKeepRemote:
		resolved, issues := ValidateAndFixTree(ev.RemoteProject.Clone())
		if len(issues) > 0 {
			c.logger.Warn("repaired remote project tree during resolution",
				"project_id", projectID, "issues", len(issues))
		}
		resolved = c.rebalancer.Rebalance(resolved)
		if err := c.bases.SaveSnapshot(ctx, resolved); err != nil {
			c.logger.Warn("failed to write base snapshot after resolution",
				"project_id", projectID, "error", err)
		}
		c.releaseHeld(ctx, projectID)
		c.logger.Info("conflict resolved", "project_id", projectID, "strategy", strategy)
		return resolved, nil

	case ResolveMerge:
		merged, _ := c.rebase(ev.LocalProject, ev.RemoteProject)
		merged.Version = ev.RemoteProject.Version
		return c.pushResolved(ctx, ps, merged)

	default:
		// Unknown strategy must not silently drop the conflict.
		ps.mu.Lock()
		ps.conflict = &ev
		notes.state(c, projectID, ps)
		ps.mu.Unlock()
		notes.deliver()
		return nil, fmt.Errorf("unknown conflict resolution strategy %q", strategy)
	}
}

func (c *Coordinator) pushResolved(ctx context.Context, ps *projectState, resolved *Project) (*Project, error) {
	pushed, err := c.SaveProjectToCloud(ctx, resolved, "conflict-resolution")
	if err != nil {
		if errors.Is(err, ErrConflictPending) {
			// The remote moved again during resolution; a fresh conflict is
			// already held and surfaced.
			return nil, err
		}
		return nil, fmt.Errorf("failed to push resolved project %s: %w", resolved.ID, err)
	}
	c.releaseHeld(ctx, pushed.ID)
	c.logger.Info("conflict resolved", "project_id", pushed.ID, "version", pushed.Version)
	return pushed, nil
}

// releaseHeld drops queue items parked on this project's conflict. A held
// item only replays the save the resolution just superseded, so failure
// here is logged, not fatal.
func (c *Coordinator) releaseHeld(ctx context.Context, projectID string) {
	n, err := c.queue.ReleaseHeld(ctx, ReasonConflictPending, projectID)
	if err != nil {
		c.logger.Warn("failed to release held queue items", "project_id", projectID, "error", err)
		return
	}
	if n > 0 {
		c.logger.Info("released held queue items", "project_id", projectID, "count", n)
	}
}

// MergeOfflineDataOnReconnect reconciles local projects against the cloud
// after connectivity returns, and marks the coordinator online again. It
// returns the reconciled projects the caller should adopt locally; queued
// offline edits drain separately through the action queue.
//
// Per project: absent remotely means it was created offline and is
// inserted; identical versions with differing content merge and push;
// cloud ahead adopts the cloud copy (local divergence, if any, merges
// into it); local ahead pushes.
func (c *Coordinator) MergeOfflineDataOnReconnect(ctx context.Context, locals []*Project) ([]*Project, error) {
	c.queue.SetOnline(true)

	remotes, err := c.remote.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote projects: %w", err)
	}
	byID := make(map[string]*Project, len(remotes))
	for _, rp := range remotes {
		byID[rp.ID] = rp
	}

	out := make([]*Project, 0, len(locals))
	for _, local := range locals {
		ps := c.state(local.ID)
		notes := &pendingNotes{}
		ps.mu.Lock()
		ps.offlineMode = false
		notes.state(c, local.ID, ps)
		ps.mu.Unlock()
		notes.deliver()

		remote, exists := byID[local.ID]
		switch {
		case !exists:
			created, err := c.insertOnReconnect(ctx, ps, local)
			if err != nil {
				c.logger.Error("failed to upload offline-created project",
					"project_id", local.ID, "error", err)
				out = append(out, local)
				continue
			}
			out = append(out, created)

		case remote.Version == local.Version:
			merged, _ := c.rebase(local, remote)
			merged.Version = remote.Version
			pushed, err := c.SaveProjectToCloud(ctx, merged, "reconnect")
			if err != nil {
				out = append(out, merged)
				continue
			}
			out = append(out, pushed)

		case remote.Version > local.Version:
			merged, hasReal := c.rebase(local, remote)
			if hasReal {
				// Adopt the cloud copy; the surfaced conflict path already
				// ran inside rebase callers, but here we defer to the user
				// by keeping the divergent local queued.
				out = append(out, remote)
				c.logger.Warn("reconnect kept cloud copy over divergent local",
					"project_id", local.ID, "local_version", local.Version, "remote_version", remote.Version)
				continue
			}
			merged.Version = remote.Version
			pushed, err := c.SaveProjectToCloud(ctx, merged, "reconnect")
			if err != nil {
				out = append(out, merged)
				continue
			}
			out = append(out, pushed)

		default: // local ahead: the remote regressed, push local
			pushed, err := c.SaveProjectToCloud(ctx, local, "reconnect")
			if err != nil {
				out = append(out, local)
				continue
			}
			out = append(out, pushed)
		}
	}
	return out, nil
}

func (c *Coordinator) insertOnReconnect(ctx context.Context, ps *projectState, local *Project) (*Project, error) {
	notes := &pendingNotes{}
	defer notes.deliver()
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return c.insertProject(ctx, ps, notes, local.Clone(), "reconnect")
}
