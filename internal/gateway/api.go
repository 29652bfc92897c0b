// ABOUTME: HTTP API handlers for connections, sessions, catalog views, runs, and run event SSE.
// ABOUTME: Maps domain sentinel errors onto HTTP status codes.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/atlasai/atlas-gateway/internal/catalog"
	"github.com/atlasai/atlas-gateway/internal/connection"
	"github.com/atlasai/atlas-gateway/internal/event"
	"github.com/atlasai/atlas-gateway/internal/run"
	"github.com/atlasai/atlas-gateway/internal/session"
)

// CreateSessionRequest is the JSON request body for POST /api/v1/sessions.
type CreateSessionRequest struct {
	ConnectionID string `json:"connection_id"`
	ProjectScope string `json:"project_scope,omitempty"`
}

// SubmitRunRequest is the JSON request body for POST /api/v1/runs.
type SubmitRunRequest struct {
	SessionID string         `json:"session_id"`
	Ref       string         `json:"ref"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CatalogEntryResponse is one catalog entry as seen by a session snapshot.
type CatalogEntryResponse struct {
	Ref         string          `json:"ref"`
	Kind        catalog.Kind    `json:"kind"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// handleOpenConnection handles POST /api/v1/connections.
// The credential comes from the Authorization header.
func (g *Gateway) handleOpenConnection(w http.ResponseWriter, r *http.Request) {
	credential, ok := bearerToken(r)
	if !ok {
		g.sendJSONError(w, http.StatusUnauthorized, "missing bearer credential")
		return
	}

	c, err := g.connections.Open(r.Context(), credential)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, c.View())
}

// handleListConnections handles GET /api/v1/connections.
func (g *Gateway) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns := g.connections.List()
	views := make([]connection.View, 0, len(conns))
	for _, c := range conns {
		views = append(views, c.View())
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"connections": views})
}

// handleGetConnection handles GET /api/v1/connections/{connectionID}.
func (g *Gateway) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	c, err := g.connections.Get(chi.URLParam(r, "connectionID"))
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, c.View())
}

// handleRevokeConnection handles DELETE /api/v1/connections/{connectionID}.
func (g *Gateway) handleRevokeConnection(w http.ResponseWriter, r *http.Request) {
	if err := g.connections.Revoke(r.Context(), chi.URLParam(r, "connectionID")); err != nil {
		g.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreateSession handles POST /api/v1/sessions.
func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ConnectionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "connection_id is required")
		return
	}

	s, err := g.sessions.Create(r.Context(), req.ConnectionID, req.ProjectScope)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, s.View())
}

// handleListSessions handles GET /api/v1/sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := g.sessions.List()
	views := make([]session.View, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, s.View())
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// handleGetSession handles GET /api/v1/sessions/{sessionID}.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, err := g.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, s.View())
}

// handleCloseSession handles DELETE /api/v1/sessions/{sessionID}.
func (g *Gateway) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := g.sessions.Close(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		g.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTouchSession handles POST /api/v1/sessions/{sessionID}/touch.
func (g *Gateway) handleTouchSession(w http.ResponseWriter, r *http.Request) {
	if err := g.sessions.Touch(chi.URLParam(r, "sessionID")); err != nil {
		g.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListCatalog handles GET /api/v1/sessions/{sessionID}/{tools|resources|prompts}.
// It serves the session's pinned snapshot, not the live registry.
func (g *Gateway) handleListCatalog(w http.ResponseWriter, r *http.Request) {
	s, err := g.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		g.writeDomainError(w, err)
		return
	}

	kind := kindFromPath(r.URL.Path)
	entries := s.Snapshot().List(kind)
	out := make([]CatalogEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, CatalogEntryResponse{
			Ref:         e.Ref().String(),
			Kind:        e.Kind,
			Name:        e.Name,
			Description: e.Description,
			InputSchema: e.InputSchema,
		})
	}
	g.sendJSON(w, http.StatusOK, map[string]any{
		"catalog_version": s.Snapshot().Version(),
		"entries":         out,
	})
}

// kindFromPath maps the trailing path segment to a catalog kind.
func kindFromPath(path string) catalog.Kind {
	switch {
	case strings.HasSuffix(path, "/resources"):
		return catalog.KindResource
	case strings.HasSuffix(path, "/prompts"):
		return catalog.KindPrompt
	default:
		return catalog.KindTool
	}
}

// handleSubmitRun handles POST /api/v1/runs.
func (g *Gateway) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" || req.Ref == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session_id and ref are required")
		return
	}

	ref, err := catalog.ParseRef(req.Ref)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}

	rn, err := g.orchestrator.Submit(r.Context(), req.SessionID, ref, req.Arguments)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.sendJSON(w, http.StatusAccepted, rn.View())
}

// handleGetRun handles GET /api/v1/runs/{runID}.
func (g *Gateway) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rn, err := g.orchestrator.Get(chi.URLParam(r, "runID"))
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, rn.View())
}

// handleCancelRun handles POST /api/v1/runs/{runID}/cancel.
func (g *Gateway) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := g.orchestrator.Cancel(runID); err != nil {
		g.writeDomainError(w, err)
		return
	}
	rn, err := g.orchestrator.Get(runID)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}
	g.sendJSON(w, http.StatusAccepted, rn.View())
}

// handleRunEvents handles GET /api/v1/runs/{runID}/events.
// Streams the run's events over SSE from the requested offset. The offset
// comes from ?from=N or, on reconnect, the Last-Event-ID header (the last
// sequence the client saw; streaming resumes at the next one).
func (g *Gateway) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := g.orchestrator.Get(runID); err != nil {
		g.writeDomainError(w, err)
		return
	}

	fromSeq, err := resumeOffset(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, err := g.broadcaster.Subscribe(r.Context(), runID, fromSeq)
	if err != nil {
		g.writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, e)
			flusher.Flush()
		}
	}
}

// resumeOffset picks the starting sequence from Last-Event-ID or ?from=.
func resumeOffset(r *http.Request) (uint64, error) {
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		seq, err := strconv.ParseUint(lastID, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid Last-Event-ID %q", lastID)
		}
		return seq + 1, nil
	}
	if from := r.URL.Query().Get("from"); from != "" {
		seq, err := strconv.ParseUint(from, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid from offset %q", from)
		}
		return seq, nil
	}
	return 0, nil
}

// writeSSEEvent writes a single SSE event: id is the sequence number,
// event is the kind, data is the payload.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, e event.Event) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	fmt.Fprintf(w, "id: %d\n", e.Seq)
	fmt.Fprintf(w, "event: %s\n", e.Kind)
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

// writeDomainError maps sentinel errors onto HTTP statuses.
func (g *Gateway) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, connection.ErrAuth),
		errors.Is(err, session.ErrConnectionInactive):
		g.sendJSONError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, connection.ErrNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, run.ErrRunNotFound),
		errors.Is(err, catalog.ErrEntryNotFound),
		errors.Is(err, event.ErrRunUnknown):
		g.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, run.ErrInvalidArgs),
		errors.Is(err, catalog.ErrSchemaViolation),
		errors.Is(err, catalog.ErrInvalidRef):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, run.ErrQueueFull):
		g.sendJSONError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, run.ErrAlreadyTerminal),
		errors.Is(err, session.ErrClosed):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, event.ErrGapDetected):
		g.sendJSONError(w, http.StatusGone, err.Error())
	default:
		g.logger.Error("internal error", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// sendJSON writes a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
