// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package treestore

import (
	"context"

	"github.com/treetask/go-treesync/treesync"
)

// BindSaveProcessor wires the save-project action to a pusher. Decode
// failures are permanent: a payload that cannot be read today cannot be
// read on retry either.
func BindSaveProcessor(q *Queue, pusher treesync.ProjectPusher) {
	q.RegisterProcessor(treesync.ActionSaveProject, func(ctx context.Context, item *Item) (bool, error) {
		v, err := item.DecodePayload()
		if err != nil {
			return false, treesync.Permanent("corrupt-payload", err)
		}
		p := v.(*treesync.SaveProjectPayload)
		return pusher.PushQueued(ctx, p.Project, p.Actor)
	})
}

// BindUploadProcessor wires the upload-asset action to an uploader func.
func BindUploadProcessor(q *Queue, uploader func(ctx context.Context, p *treesync.UploadAssetPayload) (bool, error)) {
	q.RegisterProcessor(treesync.ActionUploadAsset, func(ctx context.Context, item *Item) (bool, error) {
		v, err := item.DecodePayload()
		if err != nil {
			return false, treesync.Permanent("corrupt-payload", err)
		}
		return uploader(ctx, v.(*treesync.UploadAssetPayload))
	})
}

// BindDeleteProcessor wires the delete-project action to a deleter func.
func BindDeleteProcessor(q *Queue, deleter func(ctx context.Context, projectID, actor string) (bool, error)) {
	q.RegisterProcessor(treesync.ActionDeleteProject, func(ctx context.Context, item *Item) (bool, error) {
		v, err := item.DecodePayload()
		if err != nil {
			return false, treesync.Permanent("corrupt-payload", err)
		}
		p := v.(*treesync.DeleteProjectPayload)
		return deleter(ctx, p.ProjectID, p.Actor)
	})
}
