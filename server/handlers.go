// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package server exposes a treesync.Remote over HTTP, the counterpart of
// treesync.HTTPRemote. Version conflicts travel as response data with
// status 200; HTTP status codes are reserved for genuine failures (auth,
// validation, availability).
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/treetask/go-treesync/internal/auth"
	"github.com/treetask/go-treesync/treesync"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type saveRequest struct {
	Project     *treesync.Project `json:"project"`
	BaseVersion int64             `json:"base_version"`
}

// ProjectHandlers provides the HTTP handlers for the project sync API.
type ProjectHandlers struct {
	store         treesync.Remote
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewProjectHandlers creates the handler set over a backing store. Nil
// logger falls back to slog.Default().
func NewProjectHandlers(store treesync.Remote, authenticator ClientAuthenticator, logger *slog.Logger) *ProjectHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProjectHandlers{store: store, authenticator: authenticator, logger: logger}
}

// Register mounts the API routes on mux, each behind the authenticator's
// middleware so a request's credential is validated exactly once.
func (h *ProjectHandlers) Register(mux *http.ServeMux) {
	wrap := func(fn http.HandlerFunc) http.Handler {
		return h.authenticator.Middleware(fn)
	}
	mux.Handle("GET /projects", wrap(h.HandleList))
	mux.Handle("POST /projects", wrap(h.HandleInsert))
	mux.Handle("GET /projects/{id}", wrap(h.HandleGet))
	mux.Handle("PUT /projects/{id}", wrap(h.HandleSave))
	mux.Handle("GET /projects/{id}/changes", wrap(h.HandleChanges))
}

// authenticate returns the caller identities. Middleware-mounted routes
// carry them in the request context already; direct mounts fall back to
// per-request validation through the authenticator.
func (h *ProjectHandlers) authenticate(w http.ResponseWriter, r *http.Request) (userID, deviceID string, ok bool) {
	if userID, ok := auth.GetUserID(r.Context()); ok {
		deviceID, _ := auth.GetDeviceID(r.Context())
		return userID, deviceID, true
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	deviceID, err = h.authenticator.GetDeviceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	return userID, deviceID, true
}

// HandleGet returns one project with its stored version.
func (h *ProjectHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	_, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	projectID := r.PathValue("id")
	rp, err := h.store.Get(r.Context(), projectID)
	if err != nil {
		h.logger.Error("Failed to load project", "error", err, "project_id", projectID)
		h.writeError(w, http.StatusInternalServerError, "load_failed", "Failed to load project")
		return
	}
	if rp == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Project does not exist")
		return
	}
	h.writeJSON(w, rp)
}

// HandleSave applies an optimistic-version write. A version mismatch is a
// 200 response with conflict data, never an HTTP error.
func (h *ProjectHandlers) HandleSave(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req saveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Project == nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse save request")
		return
	}
	projectID := r.PathValue("id")
	if req.Project.ID != projectID {
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_request", "Project id does not match URL")
		return
	}

	res, err := h.store.Save(r.Context(), req.Project, req.BaseVersion)
	if err != nil {
		h.logger.Error("Failed to save project",
			"error", err, "project_id", projectID, "user_id", userID, "device_id", deviceID)
		h.writeError(w, http.StatusInternalServerError, "save_failed", "Failed to save project")
		return
	}
	if !res.Success && !res.Conflict {
		// Absent row: the client falls back to insert.
		h.writeError(w, http.StatusNotFound, "not_found", "Project does not exist")
		return
	}
	h.writeJSON(w, res)
}

// HandleInsert creates a project that does not exist yet.
func (h *ProjectHandlers) HandleInsert(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req saveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Project == nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse insert request")
		return
	}

	res, err := h.store.Insert(r.Context(), req.Project)
	if err != nil {
		h.logger.Error("Failed to insert project",
			"error", err, "project_id", req.Project.ID, "user_id", userID, "device_id", deviceID)
		h.writeError(w, http.StatusInternalServerError, "insert_failed", "Failed to insert project")
		return
	}
	h.writeJSON(w, res)
}

// HandleChanges serves the delta feed after the since watermark.
func (h *ProjectHandlers) HandleChanges(w http.ResponseWriter, r *http.Request) {
	_, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	since := time.Time{}
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := time.Parse(time.RFC3339Nano, sinceStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "since must be RFC3339")
			return
		}
		since = parsed
	}

	projectID := r.PathValue("id")
	entities, err := h.store.ListChangedSince(r.Context(), projectID, since)
	if err != nil {
		h.logger.Error("Failed to list changes", "error", err, "project_id", projectID)
		h.writeError(w, http.StatusInternalServerError, "changes_failed", "Failed to list changes")
		return
	}
	h.writeJSON(w, map[string]any{"entities": entities})
}

// HandleList returns all projects visible to the caller.
func (h *ProjectHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	_, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	projects, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error("Failed to list projects", "error", err)
		h.writeError(w, http.StatusInternalServerError, "list_failed", "Failed to list projects")
		return
	}
	h.writeJSON(w, map[string]any{"projects": projects})
}

func (h *ProjectHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *ProjectHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errorCode, Message: message})

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
