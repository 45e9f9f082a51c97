// Package httpapi provides the REST HTTP adapter for the server surfaces.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hylla/waypoint/internal/adapters/server/common"
	"github.com/hylla/waypoint/internal/app"
)

// maxRequestBodyBytes limits decoded JSON payload size for fail-closed request handling.
const maxRequestBodyBytes int64 = 1 << 20

// Editor identity headers carried by every mutating request.
const (
	HeaderEditorID   = "X-Waypoint-Editor-Id"
	HeaderEditorName = "X-Waypoint-Editor-Name"
)

// Handler serves the versioned API subrouter mounted under `/api/v1`.
type Handler struct {
	projects common.ProjectService
}

// APIError represents one structured API failure response.
type APIError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// ErrorEnvelope wraps one structured API error.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// progressRequest is the body of PUT `/projects/{id}/milestones/{mid}/progress`.
type progressRequest struct {
	Progress *int `json:"progress"`
}

// NewHandler constructs one HTTP API adapter over the project service.
func NewHandler(projects common.ProjectService) *Handler {
	return &Handler{projects: projects}
}

// ServeHTTP routes one versioned API request to the matching handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.projects == nil {
		writeJSONError(w, http.StatusServiceUnavailable, APIError{
			Code:    "service_unavailable",
			Message: "project service is not configured",
		})
		return
	}
	segments := splitPath(normalizePath(r.URL.Path))
	if len(segments) == 0 || segments[0] != "projects" {
		writeNotFound(w)
		return
	}
	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			h.handleListProjects(w, r)
		case http.MethodPost:
			h.handleCreateProject(w, r)
		default:
			writeMethodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
		return
	}
	h.routeProject(w, r, segments[1], segments[2:])
}

// routeProject dispatches `/projects/{id}/...`.
func (h *Handler) routeProject(w http.ResponseWriter, r *http.Request, projectID string, rest []string) {
	switch {
	case len(rest) == 0:
		switch r.Method {
		case http.MethodGet:
			h.handleGetProject(w, r, projectID)
		case http.MethodPatch:
			h.handleUpdateMetadata(w, r, projectID)
		default:
			writeMethodNotAllowed(w, http.MethodGet, http.MethodPatch)
		}
	case len(rest) == 1 && rest[0] == "status":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		status, err := h.projects.ProjectStatus(r.Context(), projectID)
		h.respond(w, http.StatusOK, status, err)
	case len(rest) == 1 && rest[0] == "lease":
		h.handleLease(w, r, projectID)
	case len(rest) == 1 && (rest[0] == "save" || rest[0] == "resume"):
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		var (
			status common.ProjectStatus
			err    error
		)
		if rest[0] == "save" {
			status, err = h.projects.Save(r.Context(), projectID)
		} else {
			status, err = h.projects.Resume(r.Context(), projectID)
		}
		h.respond(w, http.StatusOK, status, err)
	case len(rest) == 1 && rest[0] == "export":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleExport(w, r, projectID)
	case len(rest) == 1 && rest[0] == "import":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		h.handleImport(w, r, projectID)
	case len(rest) == 1 && rest[0] == "events":
		switch r.Method {
		case http.MethodGet:
			h.handleListEvents(w, r, projectID)
		case http.MethodPost:
			h.handleAnnounce(w, r, projectID)
		default:
			writeMethodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
	case len(rest) == 2 && rest[0] == "events" && rest[1] == "stream":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		h.handleEventStream(w, r, projectID)
	case len(rest) == 2 && rest[0] == "milestones":
		h.handleMilestone(w, r, projectID, rest[1])
	case len(rest) == 3 && rest[0] == "milestones" && rest[2] == "progress":
		if r.Method != http.MethodPut {
			writeMethodNotAllowed(w, http.MethodPut)
			return
		}
		h.handleMilestoneProgress(w, r, projectID, rest[1])
	case len(rest) == 4 && rest[0] == "milestones" && rest[2] == "kpis":
		h.handleKPI(w, r, projectID, rest[1], rest[3])
	case len(rest) == 2 && rest[0] == "tasks":
		h.handleTask(w, r, projectID, rest[1])
	default:
		writeNotFound(w)
	}
}

// handleListProjects serves GET `/projects`.
func (h *Handler) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.projects.ListProjects(r.Context())
	h.respond(w, http.StatusOK, map[string]any{"projects": projects}, err)
}

// handleCreateProject serves POST `/projects`.
func (h *Handler) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req common.CreateProjectRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	snap, err := h.projects.CreateProject(r.Context(), editorFromRequest(r), req)
	h.respond(w, http.StatusCreated, snap, err)
}

// handleGetProject serves GET `/projects/{id}`.
func (h *Handler) handleGetProject(w http.ResponseWriter, r *http.Request, projectID string) {
	snap, err := h.projects.GetProject(r.Context(), projectID)
	h.respond(w, http.StatusOK, snap, err)
}

// handleUpdateMetadata serves PATCH `/projects/{id}`.
func (h *Handler) handleUpdateMetadata(w http.ResponseWriter, r *http.Request, projectID string) {
	var patch common.MetadataPatch
	if err := decodeJSONBody(r.Context(), w, r, &patch); err != nil {
		writeErrorFrom(w, err)
		return
	}
	snap, err := h.projects.UpdateMetadata(r.Context(), projectID, editorFromRequest(r), patch)
	h.respond(w, http.StatusOK, snap, err)
}

// handleLease serves POST, PUT, and DELETE `/projects/{id}/lease`.
func (h *Handler) handleLease(w http.ResponseWriter, r *http.Request, projectID string) {
	editor := editorFromRequest(r)
	switch r.Method {
	case http.MethodPost:
		lease, err := h.projects.AcquireLease(r.Context(), projectID, editor)
		h.respond(w, http.StatusOK, lease, err)
	case http.MethodPut:
		lease, err := h.projects.RenewLease(r.Context(), projectID, editor)
		h.respond(w, http.StatusOK, lease, err)
	case http.MethodDelete:
		if err := h.projects.ReleaseLease(r.Context(), projectID, editor); err != nil {
			writeErrorFrom(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeMethodNotAllowed(w, http.MethodPost, http.MethodPut, http.MethodDelete)
	}
}

// handleMilestone serves PUT and DELETE `/projects/{id}/milestones/{mid}`.
func (h *Handler) handleMilestone(w http.ResponseWriter, r *http.Request, projectID, milestoneID string) {
	editor := editorFromRequest(r)
	switch r.Method {
	case http.MethodPut:
		var body app.SnapshotMilestone
		if err := decodeJSONBody(r.Context(), w, r, &body); err != nil {
			writeErrorFrom(w, err)
			return
		}
		body.ID = milestoneID
		snap, err := h.projects.UpsertMilestone(r.Context(), projectID, editor, body)
		h.respond(w, http.StatusOK, snap, err)
	case http.MethodDelete:
		snap, err := h.projects.DeleteMilestone(r.Context(), projectID, editor, milestoneID)
		h.respond(w, http.StatusOK, snap, err)
	default:
		writeMethodNotAllowed(w, http.MethodPut, http.MethodDelete)
	}
}

// handleMilestoneProgress serves PUT `/projects/{id}/milestones/{mid}/progress`.
func (h *Handler) handleMilestoneProgress(w http.ResponseWriter, r *http.Request, projectID, milestoneID string) {
	var body progressRequest
	if err := decodeJSONBody(r.Context(), w, r, &body); err != nil {
		writeErrorFrom(w, err)
		return
	}
	if body.Progress == nil {
		writeJSONError(w, http.StatusBadRequest, APIError{
			Code:    "invalid_request",
			Message: "progress is required",
		})
		return
	}
	snap, err := h.projects.SetMilestoneProgress(r.Context(), projectID, editorFromRequest(r), milestoneID, *body.Progress)
	h.respond(w, http.StatusOK, snap, err)
}

// handleKPI serves PUT and DELETE `/projects/{id}/milestones/{mid}/kpis/{kid}`.
func (h *Handler) handleKPI(w http.ResponseWriter, r *http.Request, projectID, milestoneID, kpiID string) {
	editor := editorFromRequest(r)
	switch r.Method {
	case http.MethodPut:
		var body app.SnapshotKPI
		if err := decodeJSONBody(r.Context(), w, r, &body); err != nil {
			writeErrorFrom(w, err)
			return
		}
		body.ID = kpiID
		snap, err := h.projects.UpsertKPI(r.Context(), projectID, editor, milestoneID, body)
		h.respond(w, http.StatusOK, snap, err)
	case http.MethodDelete:
		snap, err := h.projects.DeleteKPI(r.Context(), projectID, editor, milestoneID, kpiID)
		h.respond(w, http.StatusOK, snap, err)
	default:
		writeMethodNotAllowed(w, http.MethodPut, http.MethodDelete)
	}
}

// handleTask serves PUT and DELETE `/projects/{id}/tasks/{tid}`.
func (h *Handler) handleTask(w http.ResponseWriter, r *http.Request, projectID, taskID string) {
	editor := editorFromRequest(r)
	switch r.Method {
	case http.MethodPut:
		var body app.SnapshotTask
		if err := decodeJSONBody(r.Context(), w, r, &body); err != nil {
			writeErrorFrom(w, err)
			return
		}
		body.ID = taskID
		snap, err := h.projects.UpsertTask(r.Context(), projectID, editor, body)
		h.respond(w, http.StatusOK, snap, err)
	case http.MethodDelete:
		snap, err := h.projects.DeleteTask(r.Context(), projectID, editor, taskID)
		h.respond(w, http.StatusOK, snap, err)
	default:
		writeMethodNotAllowed(w, http.MethodPut, http.MethodDelete)
	}
}

// handleExport serves GET `/projects/{id}/export` as a downloadable snapshot document.
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request, projectID string) {
	data, err := h.projects.Export(r.Context(), projectID)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, projectID+".json"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleImport serves POST `/projects/{id}/import`. The body is a raw snapshot document.
func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request, projectID string) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		writeErrorFrom(w, fmt.Errorf("read import body: %w", errors.Join(common.ErrInvalidRequest, err)))
		return
	}
	snap, err := h.projects.Import(r.Context(), projectID, editorFromRequest(r), data)
	h.respond(w, http.StatusOK, snap, err)
}

// handleListEvents serves GET `/projects/{id}/events`.
func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request, projectID string) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSONError(w, http.StatusBadRequest, APIError{
				Code:    "invalid_request",
				Message: "limit must be a non-negative integer",
			})
			return
		}
		limit = parsed
	}
	events, err := h.projects.ListEvents(r.Context(), projectID, limit)
	h.respond(w, http.StatusOK, map[string]any{"events": events}, err)
}

// handleAnnounce serves POST `/projects/{id}/events`.
func (h *Handler) handleAnnounce(w http.ResponseWriter, r *http.Request, projectID string) {
	var req common.AnnounceRequest
	if err := decodeJSONBody(r.Context(), w, r, &req); err != nil {
		writeErrorFrom(w, err)
		return
	}
	if strings.TrimSpace(req.ActorID) == "" {
		req.ActorID = strings.TrimSpace(r.Header.Get(HeaderEditorID))
	}
	evt, err := h.projects.Announce(r.Context(), projectID, req)
	h.respond(w, http.StatusAccepted, evt, err)
}

// handleEventStream serves GET `/projects/{id}/events/stream` as server-sent events.
func (h *Handler) handleEventStream(w http.ResponseWriter, r *http.Request, projectID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusNotImplemented, APIError{
			Code:    "not_supported",
			Message: "streaming is not supported by this connection",
		})
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan app.ChangeEventJSON, 16)
	sub, err := h.projects.Subscribe(ctx, projectID, func(evt app.ChangeEventJSON) {
		select {
		case events <- evt:
		case <-ctx.Done():
		}
	})
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			encoded, err := json.Marshal(evt)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Kind, encoded); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// respond writes payload on success or the classified error.
func (h *Handler) respond(w http.ResponseWriter, statusCode int, payload any, err error) {
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, statusCode, payload)
}

// editorFromRequest reads editor identity headers.
func editorFromRequest(r *http.Request) common.Editor {
	return common.Editor{
		ID:   strings.TrimSpace(r.Header.Get(HeaderEditorID)),
		Name: strings.TrimSpace(r.Header.Get(HeaderEditorName)),
	}
}

// normalizePath canonicalizes one request path for route matching.
func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	path = strings.Trim(path, "/")
	return path
}

// splitPath splits a normalized path into non-empty segments.
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// writeNotFound writes the structured unknown-endpoint response.
func writeNotFound(w http.ResponseWriter) {
	writeJSONError(w, http.StatusNotFound, APIError{
		Code:    "not_found",
		Message: "endpoint not found",
	})
}

// writeErrorFrom maps adapter errors into structured HTTP responses.
func writeErrorFrom(w http.ResponseWriter, err error) {
	if err == nil {
		writeJSONError(w, http.StatusInternalServerError, APIError{
			Code:    "internal_error",
			Message: "unknown error",
		})
		return
	}
	class := common.ClassifyError(err)
	writeJSONError(w, class.Status, APIError{
		Code:    class.Code,
		Message: err.Error(),
		Hint:    class.Hint,
		Context: class.Context,
	})
}

// writeMethodNotAllowed writes a structured 405 response with `Allow` headers.
func writeMethodNotAllowed(w http.ResponseWriter, methods ...string) {
	if len(methods) > 0 {
		w.Header().Set("Allow", strings.Join(methods, ", "))
	}
	writeJSONError(w, http.StatusMethodNotAllowed, APIError{
		Code:    "method_not_allowed",
		Message: "method not allowed",
	})
}

// writeJSONError writes one structured error envelope.
func writeJSONError(w http.ResponseWriter, statusCode int, apiErr APIError) {
	writeJSON(w, statusCode, ErrorEnvelope{Error: apiErr})
}

// writeJSON writes one JSON response envelope.
func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":{"code":"encode_error","message":"%s"}}`, err.Error()), http.StatusInternalServerError)
	}
}

// decodeJSONBody decodes one required JSON request body with strict shape checks.
func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) error {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode request body: %w", errors.Join(common.ErrInvalidRequest, err))
	}
	// Reject trailing payloads so malformed JSON bodies fail closed.
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: trailing content: %w", common.ErrInvalidRequest)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("request canceled: %w", ctx.Err())
	default:
		return nil
	}
}
