package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/carevue/sessionhub/internal/lifecycle"
	"github.com/carevue/sessionhub/internal/server/middleware"
	"github.com/carevue/sessionhub/pkg/session"
)

type bookRequest struct {
	SessionID       string    `json:"sessionId,omitempty"`
	ProviderID      string    `json:"providerId"`
	PatientID       string    `json:"patientId"`
	ScheduledAt     time.Time `json:"scheduledAt"`
	DurationMinutes int       `json:"estimatedDurationMinutes"`
}

type transitionRequest struct {
	Status session.Status `json:"status"`
	Reason string         `json:"reason,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *App) handleBook(w http.ResponseWriter, r *http.Request) {
	identity, ok := a.writerIdentity(w, r)
	if !ok {
		return
	}

	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}
	if req.ProviderID == "" || req.PatientID == "" || req.ScheduledAt.IsZero() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "providerId, patientId and scheduledAt are required"})
		return
	}

	sess, err := a.machine.Book(r.Context(), lifecycle.BookingRequest{
		SessionID:       req.SessionID,
		ProviderID:      req.ProviderID,
		PatientID:       req.PatientID,
		ScheduledAt:     req.ScheduledAt,
		DurationMinutes: req.DurationMinutes,
		Actor:           identity.ID,
	})
	if err != nil {
		a.writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (a *App) handleTransition(w http.ResponseWriter, r *http.Request) {
	identity, ok := a.writerIdentity(w, r)
	if !ok {
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	sess, err := a.machine.Transition(r.Context(), r.PathValue("id"), req.Status, identity.ID, req.Reason)
	if err != nil {
		a.writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *App) handleMilestone(w http.ResponseWriter, r *http.Request) {
	identity, ok := a.writerIdentity(w, r)
	if !ok {
		return
	}

	var payload session.MilestonePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}
	payload.ReportedBy = identity.ID

	if err := a.machine.Milestone(r.Context(), r.PathValue("id"), payload); err != nil {
		a.writeBookingError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *App) handleLiveSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.hub.LiveSessions())
}

func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := a.store.StatusHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeBookingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (a *App) handleAvailability(w http.ResponseWriter, r *http.Request) {
	start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "start must be RFC3339"})
		return
	}
	duration, err := strconv.Atoi(r.URL.Query().Get("durationMinutes"))
	if err != nil || duration <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "durationMinutes must be a positive integer"})
		return
	}

	err = a.machine.CheckAvailable(r.Context(), r.PathValue("id"), start, duration)
	if errors.Is(err, session.ErrSlotConflict) {
		writeJSON(w, http.StatusOK, map[string]bool{"available": false})
		return
	}
	if err != nil {
		a.logger.Error("availability check failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "availability check failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"available": true})
}

func (a *App) handlePresence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.stateManager.Snapshot())
}

// writerIdentity gates the mutating endpoints: observers watch, they don't
// drive the lifecycle.
func (a *App) writerIdentity(w http.ResponseWriter, r *http.Request) (session.Identity, bool) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "missing request metadata"})
		return session.Identity{}, false
	}
	if reqMeta.Identity.Role == session.RoleObserver {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "observers cannot modify sessions"})
		return session.Identity{}, false
	}
	return reqMeta.Identity, true
}

func (a *App) writeBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
	case errors.Is(err, session.ErrSlotConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, session.ErrIllegalTransition):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		a.logger.Error("request failed", slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
