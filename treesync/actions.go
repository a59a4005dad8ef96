// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package treesync

import (
	"context"
	"encoding/json"
	"fmt"
)

// Action types carried by the durable queue. Each type owns a strongly-typed
// payload struct; processor dispatch switches over the type exhaustively.
const (
	ActionSaveProject   = "save-project"
	ActionDeleteProject = "delete-project"
	ActionUploadAsset   = "upload-asset"
)

// SaveProjectPayload is the payload of an ActionSaveProject item.
type SaveProjectPayload struct {
	Project *Project `json:"project"`
	Actor   string   `json:"actor"`
}

// DeleteProjectPayload is the payload of an ActionDeleteProject item.
type DeleteProjectPayload struct {
	ProjectID string `json:"project_id"`
	Actor     string `json:"actor"`
}

// UploadAssetPayload is the payload of an ActionUploadAsset item.
type UploadAssetPayload struct {
	ProjectID    string `json:"project_id"`
	TaskID       string `json:"task_id"`
	AttachmentID string `json:"attachment_id"`
	Name         string `json:"name"`
}

// DecodeActionPayload unmarshals a queue payload into its typed variant.
// An unknown type or undecodable payload is a CorruptRecordError so queue
// processors skip the record instead of aborting the batch.
func DecodeActionPayload(actionType, itemID string, raw json.RawMessage) (any, error) {
	var (
		v   any
		err error
	)
	switch actionType {
	case ActionSaveProject:
		p := &SaveProjectPayload{}
		err = json.Unmarshal(raw, p)
		v = p
	case ActionDeleteProject:
		p := &DeleteProjectPayload{}
		err = json.Unmarshal(raw, p)
		v = p
	case ActionUploadAsset:
		p := &UploadAssetPayload{}
		err = json.Unmarshal(raw, p)
		v = p
	default:
		return nil, &CorruptRecordError{Kind: "queue-item", ID: itemID,
			Err: fmt.Errorf("unknown action type: %s", actionType)}
	}
	if err != nil {
		return nil, &CorruptRecordError{Kind: "queue-item", ID: itemID, Err: err}
	}
	return v, nil
}

// ActionQueue is the coordinator's view of the durable action queue
// (implemented by treestore.Queue).
type ActionQueue interface {
	// Enqueue persists a mutation intent synchronously and returns its id.
	Enqueue(ctx context.Context, actionType string, payload any) (string, error)
	// Pause/Resume suspend processing around inbound remote-change batches.
	Pause()
	Resume()
	// SetOnline records connectivity; drains only trigger while online.
	SetOnline(online bool)
	// ReleaseHeld drops dead-letter items for projectID that were parked with
	// the given reason, returning how many were released. Callers invoke it
	// once the held intent has been superseded (e.g. by a resolved push).
	ReleaseHeld(ctx context.Context, reason, projectID string) (int, error)
}

// SnapshotStore is the coordinator's view of the base snapshot store
// (implemented by treestore.BaseStore).
type SnapshotStore interface {
	// SaveSnapshot overwrites the snapshot; call only after a confirmed
	// push/pull.
	SaveSnapshot(ctx context.Context, project *Project) error
	// GetSnapshot returns the stored snapshot, or nil when absent.
	GetSnapshot(ctx context.Context, projectID string) (*Project, error)
}

// ProjectPusher is the queue-facing surface of the coordinator: the
// processor for ActionSaveProject items delegates here. The boolean follows
// queue-handler semantics (true = item consumed).
type ProjectPusher interface {
	PushQueued(ctx context.Context, project *Project, actor string) (bool, error)
}
