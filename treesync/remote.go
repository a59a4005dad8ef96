// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package treesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// RemoteProject is a project as stored remotely, together with its stored
// version.
type RemoteProject struct {
	Project *Project `json:"project"`
	Version int64    `json:"version"`
}

// SaveResult reports the outcome of an optimistic-concurrency write.
// Conflict mirrors rowsAffected == 0 on the store side: it is data, not an
// error, and carries the current remote state so the caller can rebase.
type SaveResult struct {
	Success       bool     `json:"success"`
	Conflict      bool     `json:"conflict"`
	NewVersion    int64    `json:"new_version,omitempty"`
	RemoteProject *Project `json:"remote_data,omitempty"`
}

// ChangedEntity is one entity returned by a delta fetch.
type ChangedEntity struct {
	Kind       string      `json:"kind"` // "task" or "connection"
	Task       *Task       `json:"task,omitempty"`
	Connection *Connection `json:"connection,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Remote is the engine's contract with the remote project store. The write
// applies only if baseVersion equals the stored version; a mismatch comes
// back as SaveResult{Conflict: true}, never as an error. Transport failures
// are classified through the package error taxonomy (TransientError,
// PermanentError).
type Remote interface {
	// Get returns the stored project, or nil when it does not exist.
	Get(ctx context.Context, projectID string) (*RemoteProject, error)

	// Save submits project at baseVersion. On success the stored version
	// becomes baseVersion+1 (returned in NewVersion).
	Save(ctx context.Context, project *Project, baseVersion int64) (*SaveResult, error)

	// Insert creates a project that does not exist remotely yet.
	Insert(ctx context.Context, project *Project) (*SaveResult, error)

	// ListChangedSince returns entities of the project changed after the
	// watermark, for delta sync.
	ListChangedSince(ctx context.Context, projectID string, since time.Time) ([]ChangedEntity, error)

	// List returns all projects visible to the caller (reconnect merge).
	List(ctx context.Context) ([]*Project, error)
}

// HTTPRemote talks to a remote project store over HTTP with bearer-token
// auth. Status codes are classified into the engine taxonomy: 401/403 are
// permanent authorization failures, 4xx validation failures are permanent,
// 5xx and transport errors are transient, and version conflicts arrive in
// the response body as data.
type HTTPRemote struct {
	BaseURL string
	Token   func(context.Context) (string, error)
	HTTP    *http.Client
}

// NewHTTPRemote creates an HTTP remote. The token func is called per
// request; nil client gets a 60s-timeout default so a hung network call
// becomes a transient failure instead of a hang.
func NewHTTPRemote(baseURL string, token func(context.Context) (string, error)) *HTTPRemote {
	return &HTTPRemote{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
	}
}

type saveRequest struct {
	Project     *Project `json:"project"`
	BaseVersion int64    `json:"base_version"`
}

func (r *HTTPRemote) Get(ctx context.Context, projectID string) (*RemoteProject, error) {
	var out RemoteProject
	found, err := r.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID), nil, &out)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &out, nil
}

func (r *HTTPRemote) Save(ctx context.Context, project *Project, baseVersion int64) (*SaveResult, error) {
	var out SaveResult
	_, err := r.do(ctx, http.MethodPut, "/projects/"+url.PathEscape(project.ID),
		&saveRequest{Project: project, BaseVersion: baseVersion}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *HTTPRemote) Insert(ctx context.Context, project *Project) (*SaveResult, error) {
	var out SaveResult
	_, err := r.do(ctx, http.MethodPost, "/projects", &saveRequest{Project: project}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *HTTPRemote) ListChangedSince(ctx context.Context, projectID string, since time.Time) ([]ChangedEntity, error) {
	path := fmt.Sprintf("/projects/%s/changes?since=%s",
		url.PathEscape(projectID), url.QueryEscape(since.UTC().Format(time.RFC3339Nano)))
	var out struct {
		Entities []ChangedEntity `json:"entities"`
	}
	if _, err := r.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Entities, nil
}

func (r *HTTPRemote) List(ctx context.Context) ([]*Project, error) {
	var out struct {
		Projects []*Project `json:"projects"`
	}
	if _, err := r.do(ctx, http.MethodGet, "/projects", nil, &out); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

// do sends one request and decodes the response, classifying failures.
// found=false is returned for 404 so callers can distinguish absence from
// failure.
func (r *HTTPRemote) do(ctx context.Context, method, path string, body, out any) (found bool, err error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := r.Token(ctx)
	if err != nil {
		return false, Permanent("authorization", fmt.Errorf("failed to get token: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return false, Transient(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return false, Transient(fmt.Errorf("failed to decode response: %w", err))
			}
		}
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, Permanent("authorization", fmt.Errorf("server returned status %d", resp.StatusCode))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		data, _ := io.ReadAll(resp.Body)
		return false, Permanent("validation", fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(data)))
	default:
		data, _ := io.ReadAll(resp.Body)
		return false, Transient(fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(data)))
	}
}
