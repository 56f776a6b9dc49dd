// Package api exposes HTTP handlers for the calendar sync service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/calendarsync/internal/auth"
	"example.com/calendarsync/internal/credentials"
	"example.com/calendarsync/internal/engine"
	"example.com/calendarsync/internal/scheduler"
)

// SyncService is the scheduler surface used by the handlers.
type SyncService interface {
	ConnectAndSync(ctx context.Context, userID, code string) (scheduler.Outcome, error)
	ManualSync(ctx context.Context, userID string) (scheduler.Outcome, error)
	Disconnect(ctx context.Context, userID string) error
	Status(ctx context.Context, userID string) (scheduler.Status, error)
}

// ConsentLinker builds the provider consent page URL.
type ConsentLinker interface {
	ConsentURL(state string) (string, error)
}

// Handler coordinates HTTP requests with the sync scheduler.
type Handler struct {
	sync    SyncService
	consent ConsentLinker
}

// NewHandler builds a Handler.
func NewHandler(sync SyncService, consent ConsentLinker) *Handler {
	return &Handler{sync: sync, consent: consent}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/calendar-sync/authorize-url", h.authorizeURL)
	mux.HandleFunc("/v1/calendar-sync/connect", h.connect)
	mux.HandleFunc("/v1/calendar-sync/sync", h.manualSync)
	mux.HandleFunc("/v1/calendar-sync/disconnect", h.disconnect)
	mux.HandleFunc("/v1/calendar-sync/status", h.status)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) authorizeURL(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, http.MethodGet); !ok {
		return
	}

	state := uuid.NewString()
	link, err := h.consent.ConsentURL(state)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AuthorizeURLResponse{URL: link, State: state})
}

func (h *Handler) connect(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r, http.MethodPost)
	if !ok {
		return
	}

	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	outcome, err := h.sync.ConnectAndSync(r.Context(), userID, req.Code)
	writeOutcome(w, outcome, err)
}

func (h *Handler) manualSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r, http.MethodPost)
	if !ok {
		return
	}
	outcome, err := h.sync.ManualSync(r.Context(), userID)
	writeOutcome(w, outcome, err)
}

func (h *Handler) disconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r, http.MethodPost)
	if !ok {
		return
	}
	if err := h.sync.Disconnect(r.Context(), userID); err != nil {
		writeSyncError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r, http.MethodGet)
	if !ok {
		return
	}
	status, err := h.sync.Status(r.Context(), userID)
	if err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusView(status))
}

// authorize checks method and scope and returns the caller's user id.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, method string) (string, bool) {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return "", false
	}
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return "", false
	}
	if !claims.HasScope(auth.ScopeCalendarSync) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+auth.ScopeCalendarSync+" required")
		return "", false
	}
	return claims.Subject, true
}

// ConnectRequest is the payload for POST /v1/calendar-sync/connect.
type ConnectRequest struct {
	Code string `json:"code"`
}

// Validate ensures request correctness.
func (r ConnectRequest) Validate() error {
	if strings.TrimSpace(r.Code) == "" {
		return errors.New("code is required")
	}
	return nil
}

// AuthorizeURLResponse carries the consent page link.
type AuthorizeURLResponse struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// SyncResponse describes the result of a triggered cycle.
type SyncResponse struct {
	Skipped      bool     `json:"skipped"`
	CycleID      string   `json:"cycle_id,omitempty"`
	SyncedCount  int      `json:"synced_count"`
	Created      int      `json:"created"`
	Updated      int      `json:"updated"`
	Failed       int      `json:"failed"`
	UpdatedKinds []string `json:"updated_kinds"`
	Error        string   `json:"error,omitempty"`
}

// StatusView exposes the user's sync status.
type StatusView struct {
	SyncEnabled   bool       `json:"sync_enabled"`
	IsSyncing     bool       `json:"is_syncing"`
	StatusMessage string     `json:"status_message,omitempty"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

func toSyncResponse(outcome scheduler.Outcome) SyncResponse {
	result := outcome.Result
	resp := SyncResponse{
		Skipped:      outcome.Skipped,
		CycleID:      result.CycleID,
		SyncedCount:  result.SyncedCount,
		Created:      result.Created,
		Updated:      result.Updated,
		Failed:       result.Failed,
		UpdatedKinds: make([]string, 0, len(result.UpdatedKinds)),
	}
	for _, kind := range result.UpdatedKinds {
		resp.UpdatedKinds = append(resp.UpdatedKinds, string(kind))
	}
	return resp
}

func toStatusView(status scheduler.Status) StatusView {
	view := StatusView{
		SyncEnabled:   status.SyncEnabled,
		IsSyncing:     status.IsSyncing,
		StatusMessage: status.StatusMessage,
		LastError:     status.LastError,
	}
	if !status.LastSyncedAt.IsZero() {
		synced := status.LastSyncedAt
		view.LastSyncedAt = &synced
	}
	return view
}

// writeOutcome renders a cycle. Partial failures still report the items that
// made it through.
func writeOutcome(w http.ResponseWriter, outcome scheduler.Outcome, err error) {
	var partial *engine.PartialSyncError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toSyncResponse(outcome))
	case errors.As(err, &partial):
		resp := toSyncResponse(outcome)
		resp.Error = err.Error()
		status := http.StatusMultiStatus
		if partial.Succeeded == 0 {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, resp)
	default:
		writeSyncError(w, err)
	}
}

func writeSyncError(w http.ResponseWriter, err error) {
	var tokenErr *credentials.TokenError
	switch {
	case errors.Is(err, engine.ErrMissingUser):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, credentials.ErrMissingCredentialConfig):
		writeError(w, http.StatusServiceUnavailable, "not_configured", err.Error())
	case errors.Is(err, credentials.ErrConsentRequired), errors.Is(err, engine.ErrMissingToken):
		writeError(w, http.StatusConflict, "consent_required", err.Error())
	case errors.As(err, &tokenErr):
		writeError(w, http.StatusBadGateway, "token_request_failed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
