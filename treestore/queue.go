// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package treestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/treetask/go-treesync/treesync"
)

// Dead-letter reasons.
const (
	ReasonMaxRetries = "max-retries-exceeded"
)

// Item is a queued mutation intent. An item is at all times in exactly one
// of {queue, in-flight, dead-letter}, never silently absent.
type Item struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	AttemptCount int             `json:"attempt_count"`
	NextRetryAt  time.Time       `json:"next_retry_at"`
	LastError    string          `json:"last_error,omitempty"`
}

// DecodePayload unmarshals the item's payload into its typed variant.
func (it *Item) DecodePayload() (any, error) {
	return treesync.DecodeActionPayload(it.Type, it.ID, it.Payload)
}

// DeadLetterItem is an item that exhausted retries or hit a non-retryable
// error. It stays visible and actionable (retry/dismiss) indefinitely.
type DeadLetterItem struct {
	Item
	Reason  string    `json:"reason"`
	MovedAt time.Time `json:"moved_at"`
}

// Handler processes one queue item. Returning (true, nil) removes the item;
// (false, nil) or a transient error schedules a backoff retry; a
// treesync.PermanentError dead-letters immediately. Handlers must be
// idempotent: a crash mid-flight leaves the item queued for the next drain.
type Handler func(ctx context.Context, item *Item) (bool, error)

// FailureEvent is delivered to OnFailure observers when an item is
// dead-lettered.
type FailureEvent struct {
	Action Item
	Reason string
}

// Stats summarizes one ProcessQueue drain.
type Stats struct {
	Processed         int
	Failed            int
	MovedToDeadLetter int
}

// Config tunes the queue's retry behavior.
type Config struct {
	BackoffMin     time.Duration // base for exponential backoff
	BackoffMax     time.Duration // cap
	MaxRetries     int           // attempts beyond this dead-letter the item
	HandlerTimeout time.Duration // per-invocation budget; expiry is a failure, never a hang
}

// DefaultConfig returns the standard queue tuning.
func DefaultConfig() *Config {
	return &Config{
		BackoffMin:     1 * time.Second,
		BackoffMax:     60 * time.Second,
		MaxRetries:     5,
		HandlerTimeout: 60 * time.Second,
	}
}

// Queue is the durable action queue. It guarantees at-least-once delivery of
// mutation intents across restarts and failures; enqueued items are persisted
// synchronously before Enqueue returns.
type Queue struct {
	db     *sql.DB
	config *Config
	logger *slog.Logger

	mu        sync.Mutex
	handlers  map[string]Handler
	inFlight  map[string]bool
	onFailure []func(FailureEvent)

	// Pause switch (atomic): callers suspend processing deterministically
	// around inbound remote-change batches.
	paused int32
	online int32

	now func() time.Time
}

// NewQueue creates a queue over an opened store database. Nil config falls
// back to DefaultConfig, nil logger to slog.Default().
func NewQueue(db *sql.DB, config *Config, logger *slog.Logger) *Queue {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		db:       db,
		config:   config,
		logger:   logger,
		handlers: make(map[string]Handler),
		inFlight: make(map[string]bool),
		now:      time.Now,
	}
	atomic.StoreInt32(&q.online, 1)
	return q
}

// RegisterProcessor registers the handler for one action type. One handler
// per type; a second registration replaces the first.
func (q *Queue) RegisterProcessor(actionType string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[actionType] = handler
}

// OnFailure registers an observer fired whenever an item is dead-lettered.
func (q *Queue) OnFailure(cb func(FailureEvent)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFailure = append(q.onFailure, cb)
}

// Pause suspends queue processing (ProcessQueue becomes a no-op).
func (q *Queue) Pause() { atomic.StoreInt32(&q.paused, 1) }

// Resume re-enables queue processing.
func (q *Queue) Resume() { atomic.StoreInt32(&q.paused, 0) }

// SetOnline records connectivity; Enqueue only triggers a drain while
// online.
func (q *Queue) SetOnline(online bool) {
	if online {
		atomic.StoreInt32(&q.online, 1)
	} else {
		atomic.StoreInt32(&q.online, 0)
	}
}

// Online reports the last connectivity state set.
func (q *Queue) Online() bool { return atomic.LoadInt32(&q.online) == 1 }

// Enqueue persists a mutation intent synchronously and returns its id. When
// online (and not paused) a background drain is triggered. Persistence
// failures are returned, never swallowed, but classification of handler
// failures happens later, inside ProcessQueue.
func (q *Queue) Enqueue(ctx context.Context, actionType string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	now := q.now().UTC()
	item := &Item{
		ID:          uuid.New().String(),
		Type:        actionType,
		Payload:     raw,
		EnqueuedAt:  now,
		NextRetryAt: now,
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO action_queue (id, type, payload, enqueued_at, attempt_count, next_retry_at, last_error)
		VALUES (?, ?, ?, ?, 0, ?, '')
	`, item.ID, item.Type, string(raw), formatTime(now), formatTime(now))
	if err != nil {
		return "", fmt.Errorf("failed to persist queue item: %w", err)
	}

	if q.Online() && atomic.LoadInt32(&q.paused) == 0 {
		go func() {
			if _, err := q.ProcessQueue(context.Background()); err != nil {
				q.logger.Warn("background drain failed", "error", err)
			}
		}()
	}
	return item.ID, nil
}

// ProcessQueue drains all ready items (next_retry_at <= now) in enqueue
// order. It is reentrant-safe: overlapping calls never run one item's
// handler twice concurrently.
func (q *Queue) ProcessQueue(ctx context.Context) (Stats, error) {
	var stats Stats
	if atomic.LoadInt32(&q.paused) == 1 {
		return stats, nil
	}

	items, err := q.ready(ctx)
	if err != nil {
		return stats, err
	}

	for i := range items {
		item := &items[i]

		q.mu.Lock()
		if q.inFlight[item.ID] {
			q.mu.Unlock()
			continue
		}
		handler, ok := q.handlers[item.Type]
		if !ok {
			q.mu.Unlock()
			q.logger.Warn("no processor registered for action type", "type", item.Type, "id", item.ID)
			continue
		}
		q.inFlight[item.ID] = true
		q.mu.Unlock()

		done, err := q.invoke(ctx, handler, item)
		if terr := q.transition(ctx, item, done, err, &stats); terr != nil {
			q.mu.Lock()
			delete(q.inFlight, item.ID)
			q.mu.Unlock()
			return stats, terr
		}

		q.mu.Lock()
		delete(q.inFlight, item.ID)
		q.mu.Unlock()
	}

	return stats, nil
}

// invoke races the handler against the per-item timeout; expiry is treated
// as a transient failure, never a hang.
func (q *Queue) invoke(ctx context.Context, handler Handler, item *Item) (bool, error) {
	hctx, cancel := context.WithTimeout(ctx, q.config.HandlerTimeout)
	defer cancel()

	type result struct {
		done bool
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		done, err := handler(hctx, item)
		ch <- result{done, err}
	}()

	select {
	case r := <-ch:
		return r.done, r.err
	case <-hctx.Done():
		return false, treesync.Transient(fmt.Errorf("handler timed out after %s", q.config.HandlerTimeout))
	}
}

// transition applies the failure classification:
//
//	done                -> remove from queue
//	permanent error     -> dead-letter immediately (retrying cannot succeed)
//	anything else       -> exponential backoff; past MaxRetries -> dead-letter
func (q *Queue) transition(ctx context.Context, item *Item, done bool, err error, stats *Stats) error {
	if err == nil && done {
		if _, derr := q.db.ExecContext(ctx, `DELETE FROM action_queue WHERE id = ?`, item.ID); derr != nil {
			return fmt.Errorf("failed to remove completed item: %w", derr)
		}
		stats.Processed++
		return nil
	}

	if treesync.IsPermanent(err) {
		reason := treesync.PermanentReason(err)
		if merr := q.moveToDeadLetter(ctx, item, reason, err.Error()); merr != nil {
			return merr
		}
		stats.MovedToDeadLetter++
		return nil
	}

	item.AttemptCount++
	if item.AttemptCount > q.config.MaxRetries {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		if merr := q.moveToDeadLetter(ctx, item, ReasonMaxRetries, msg); merr != nil {
			return merr
		}
		stats.MovedToDeadLetter++
		return nil
	}

	delay := q.config.BackoffMin << uint(item.AttemptCount)
	if delay > q.config.BackoffMax || delay <= 0 {
		delay = q.config.BackoffMax
	}
	lastError := ""
	if err != nil {
		lastError = err.Error()
	}
	nextRetry := q.now().UTC().Add(delay)
	_, uerr := q.db.ExecContext(ctx, `
		UPDATE action_queue SET attempt_count = ?, next_retry_at = ?, last_error = ? WHERE id = ?
	`, item.AttemptCount, formatTime(nextRetry), lastError, item.ID)
	if uerr != nil {
		return fmt.Errorf("failed to schedule retry: %w", uerr)
	}
	q.logger.Debug("queue item scheduled for retry",
		"id", item.ID, "type", item.Type, "attempt", item.AttemptCount, "delay", delay)
	stats.Failed++
	return nil
}

// moveToDeadLetter moves an item from the queue to the dead-letter table in
// one transaction: the item is never in both, and never in neither.
func (q *Queue) moveToDeadLetter(ctx context.Context, item *Item, reason, lastError string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dead-letter tx: %w", err)
	}
	defer tx.Rollback()

	movedAt := q.now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO dead_letter (id, type, payload, enqueued_at, attempt_count, last_error, reason, moved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.Type, string(item.Payload), formatTime(item.EnqueuedAt), item.AttemptCount, lastError, reason, formatTime(movedAt))
	if err != nil {
		return fmt.Errorf("failed to insert dead-letter item: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM action_queue WHERE id = ?`, item.ID); err != nil {
		return fmt.Errorf("failed to remove dead-lettered item from queue: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dead-letter tx: %w", err)
	}

	q.logger.Error("queue item dead-lettered", "id", item.ID, "type", item.Type, "reason", reason)

	q.mu.Lock()
	observers := append([]func(FailureEvent){}, q.onFailure...)
	q.mu.Unlock()
	for _, cb := range observers {
		cb(FailureEvent{Action: *item, Reason: reason})
	}
	return nil
}

// RetryDeadLetter resets a dead-lettered item's attempt count and requeues
// it.
func (q *Queue) RetryDeadLetter(ctx context.Context, id string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin retry tx: %w", err)
	}
	defer tx.Rollback()

	var item Item
	var enqueuedAt string
	err = tx.QueryRowContext(ctx, `
		SELECT id, type, payload, enqueued_at FROM dead_letter WHERE id = ?
	`, id).Scan(&item.ID, &item.Type, (*payloadScan)(&item.Payload), &enqueuedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("dead-letter item %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to load dead-letter item: %w", err)
	}

	now := q.now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO action_queue (id, type, payload, enqueued_at, attempt_count, next_retry_at, last_error)
		VALUES (?, ?, ?, ?, 0, ?, '')
	`, item.ID, item.Type, string(item.Payload), enqueuedAt, formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to requeue item: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM dead_letter WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove item from dead-letter: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit retry tx: %w", err)
	}
	return nil
}

// DismissDeadLetter permanently discards a dead-lettered item. This is the
// only path that drops data, and it requires this explicit acknowledgment.
func (q *Queue) DismissDeadLetter(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM dead_letter WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to dismiss dead-letter item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dead-letter item %s not found", id)
	}
	return nil
}

// ReleaseHeld drops dead-letter items parked for one project under the
// given reason (e.g. treesync.ReasonConflictPending) and returns how many
// were released. Payloads that fail to decode stay put for manual triage.
func (q *Queue) ReleaseHeld(ctx context.Context, reason, projectID string) (int, error) {
	items, err := q.ListDeadLetter(ctx)
	if err != nil {
		return 0, err
	}

	released := 0
	for i := range items {
		d := &items[i]
		if d.Reason != reason {
			continue
		}
		payload, err := d.DecodePayload()
		if err != nil {
			q.logger.Warn("skipping undecodable held item", "id", d.ID, "error", err)
			continue
		}
		if heldProjectID(payload) != projectID {
			continue
		}
		if err := q.DismissDeadLetter(ctx, d.ID); err != nil {
			return released, err
		}
		q.logger.Info("released held queue item", "id", d.ID, "type", d.Type, "reason", reason)
		released++
	}
	return released, nil
}

// heldProjectID extracts the owning project from a decoded action payload.
func heldProjectID(payload any) string {
	switch p := payload.(type) {
	case *treesync.SaveProjectPayload:
		if p.Project != nil {
			return p.Project.ID
		}
	case *treesync.DeleteProjectPayload:
		return p.ProjectID
	case *treesync.UploadAssetPayload:
		return p.ProjectID
	}
	return ""
}

// ListQueue returns all pending items in enqueue order. Corrupt rows are
// skipped and logged, never fatal.
func (q *Queue) ListQueue(ctx context.Context) ([]Item, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, type, payload, enqueued_at, attempt_count, next_retry_at, last_error
		FROM action_queue ORDER BY enqueued_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			q.logger.Warn("skipping corrupt queue row", "error", err)
			continue
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// ListDeadLetter returns all dead-lettered items, newest first.
func (q *Queue) ListDeadLetter(ctx context.Context) ([]DeadLetterItem, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, type, payload, enqueued_at, attempt_count, last_error, reason, moved_at
		FROM dead_letter ORDER BY moved_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead-letter: %w", err)
	}
	defer rows.Close()

	var items []DeadLetterItem
	for rows.Next() {
		var d DeadLetterItem
		var payload, enqueuedAt, movedAt string
		if err := rows.Scan(&d.ID, &d.Type, &payload, &enqueuedAt, &d.AttemptCount, &d.LastError, &d.Reason, &movedAt); err != nil {
			q.logger.Warn("skipping corrupt dead-letter row", "error", err)
			continue
		}
		d.Payload = json.RawMessage(payload)
		d.EnqueuedAt = parseTime(enqueuedAt)
		d.MovedAt = parseTime(movedAt)
		items = append(items, d)
	}
	return items, rows.Err()
}

// ready loads items due for processing.
func (q *Queue) ready(ctx context.Context) ([]Item, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, type, payload, enqueued_at, attempt_count, next_retry_at, last_error
		FROM action_queue
		WHERE next_retry_at <= ?
		ORDER BY enqueued_at, id
	`, formatTime(q.now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("failed to query ready items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			q.logger.Warn("skipping corrupt queue row", "error", err)
			continue
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func scanItem(rows *sql.Rows) (*Item, error) {
	var item Item
	var payload, enqueuedAt, nextRetryAt string
	if err := rows.Scan(&item.ID, &item.Type, &payload, &enqueuedAt, &item.AttemptCount, &nextRetryAt, &item.LastError); err != nil {
		return nil, err
	}
	item.Payload = json.RawMessage(payload)
	item.EnqueuedAt = parseTime(enqueuedAt)
	item.NextRetryAt = parseTime(nextRetryAt)
	return &item, nil
}

// payloadScan lets a json.RawMessage field scan a TEXT column.
type payloadScan json.RawMessage

func (p *payloadScan) Scan(src any) error {
	switch v := src.(type) {
	case string:
		*p = payloadScan(v)
	case []byte:
		*p = payloadScan(append([]byte(nil), v...))
	case nil:
		*p = nil
	default:
		return fmt.Errorf("unsupported payload type %T", src)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
