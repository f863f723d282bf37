package rewards

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/skillforge/backend/internal/models"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func getUserID(r *http.Request) (int64, bool) {
	uid, ok := r.Context().Value("user_id").(int64)
	return uid, ok
}

// ── Ingestion ───────────────────────────────────────────

func (h *Handler) IngestQuiz(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	var sub models.QuizSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}

	resp, err := h.service.IngestQuizSession(r.Context(), userID, sub)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) IngestCourse(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	var sub models.CourseSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}

	resp, err := h.service.IngestCourseSession(r.Context(), userID, sub)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// NewEventToken issues a server-side event id the client can attach to a
// submission and safely reuse on retries.
func (h *Handler) NewEventToken(w http.ResponseWriter, r *http.Request) {
	if _, ok := getUserID(r); !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"event_id": NewEventID()})
}

// ── Reads ───────────────────────────────────────────────

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	resp, err := h.service.GetUserStats(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ── Streak ──────────────────────────────────────────────

func (h *Handler) ReconcileStreak(w http.ResponseWriter, r *http.Request) {
	userID, ok := getUserID(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "Authentication required"})
		return
	}

	resp, err := h.service.ReconcileStreak(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ── Admin ───────────────────────────────────────────────

func (h *Handler) AuditUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid user id"})
		return
	}

	if err := h.service.AuditUser(r.Context(), userID); err != nil {
		var violation *InvariantViolation
		if errors.As(err, &violation) {
			writeJSON(w, http.StatusConflict, models.ErrorResponse{Error: violation.Error()})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "consistent"})
}

func (h *Handler) ResetUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid user id"})
		return
	}

	if err := h.service.ResetUser(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid user id"})
		return
	}

	if err := h.service.ReleaseHold(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (h *Handler) InvalidateSettings(w http.ResponseWriter, r *http.Request) {
	h.service.InvalidateSettings()
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// ── Helpers ─────────────────────────────────────────────

func pathUserID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["userId"], 10, 64)
	return id, err == nil && id > 0
}

// writeError maps engine errors onto HTTP statuses: validation → 400,
// frozen user → 409, rolled-back transaction → 503 (retryable), anything
// else → 500.
func writeError(w http.ResponseWriter, err error) {
	var validation *ValidationError
	if errors.As(err, &validation) {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: validation.Error()})
		return
	}
	if errors.Is(err, ErrUserOnHold) {
		writeJSON(w, http.StatusConflict, models.ErrorResponse{Error: "Account is under review, writes are paused"})
		return
	}
	var txErr *StorageTransactionError
	if errors.As(err, &txErr) {
		writeJSON(w, http.StatusServiceUnavailable, models.ErrorResponse{Error: "Temporarily unable to record the session, please retry"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{Error: "Internal server error"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
