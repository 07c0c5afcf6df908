package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/cryptiq/backend/internal/middleware"
	"github.com/cryptiq/backend/internal/services"
)

// FlagVerifier checks lab flags. Implemented by services.FlagChecker.
type FlagVerifier interface {
	Check(ctx context.Context, userID uuid.UUID, taskID int64, flag string) (bool, error)
}

// LabHandler serves /v1/labs endpoints.
type LabHandler struct {
	Flags  FlagVerifier
	Logger *slog.Logger
}

type labFlagRequest struct {
	Flag string `json:"flag"`
}

// CheckFlag handles POST /v1/labs/tasks/{id}/flag. A correct flag records
// the lab-task completion the reward claim is evaluated against.
func (h *LabHandler) CheckFlag(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	taskID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || taskID <= 0 {
		http.Error(w, `{"error":"invalid lab task id"}`, http.StatusBadRequest)
		return
	}

	var req labFlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	correct, err := h.Flags.Check(r.Context(), userID, taskID, req.Flag)
	switch {
	case errors.Is(err, services.ErrUnknownLabTask):
		http.Error(w, `{"error":"lab task not found"}`, http.StatusNotFound)
		return
	case isRetryable(err):
		h.Logger.Warn("check flag unavailable", "user_id", userID, "lab_task_id", taskID, "error", err)
		writeUnavailable(w)
		return
	case err != nil:
		h.Logger.Error("check flag", "user_id", userID, "lab_task_id", taskID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"correct": correct})
}
