package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-recon/internal/agent"
	"github.com/ashureev/shsh-recon/internal/domain"
	"github.com/ashureev/shsh-recon/internal/store"
)

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id,omitempty"`
	Message        string `json:"message"`
}

// Chat starts a reasoning run and returns immediately. Progress is read
// from GET /api/agent/runs/{id} or the run's WebSocket stream.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	if h.agent == nil {
		Error(w, http.StatusServiceUnavailable, "agent disabled: no language model configured")
		return
	}

	var req chatRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ConversationID != "" && !validID(req.ConversationID) {
		Error(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	if req.SessionID != "" && !validID(req.SessionID) {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}

	err := h.agent.Start(h.background, agent.RunRequest{
		ConversationID: req.ConversationID,
		SessionID:      req.SessionID,
		Message:        req.Message,
	}, func(run *domain.AgentRun) {
		slog.Info("Agent run finished", "conversation_id", run.ID, "status", run.Status)
	})
	switch {
	case errors.Is(err, agent.ErrRunInProgress):
		Error(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, agent.ErrInvalidRequest):
		Error(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		slog.Error("Failed to start agent run", "conversation_id", req.ConversationID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to start run")
		return
	}

	JSON(w, http.StatusAccepted, map[string]string{
		"run_id": req.ConversationID,
		"status": string(domain.RunThinking),
	})
}

// GetRun returns the status record of a run.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := h.runs.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		slog.Error("Failed to load run", "run_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	JSON(w, http.StatusOK, run)
}

type cancelRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

// CancelRun sets the cancel flag for a run and, when given, the sandbox
// session it uses. The run stops at its next check.
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req cancelRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	ids := []string{id}
	if req.SessionID != "" && req.SessionID != id {
		ids = append(ids, req.SessionID)
	}
	for _, target := range ids {
		if err := h.cancel.SetCancelled(r.Context(), target, true); err != nil {
			slog.Error("Failed to set cancel flag", "id", target, "error", err)
			Error(w, http.StatusInternalServerError, "failed to cancel")
			return
		}
	}

	slog.Info("Run cancellation requested", "run_id", id, "session_id", req.SessionID)
	JSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}
