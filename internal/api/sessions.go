package api

import (
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-recon/internal/sandbox"
)

// endLocks prevents concurrent end requests for the same session.
var endLocks sync.Map

// ListSessions returns every tracked sandbox session.
func (h *Handler) ListSessions(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"sessions": h.sessions.Sessions()})
}

// StartSession provisions a sandbox for the session id, or reuses a ready one.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !validID(id) {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}

	if err := h.sessions.StartSession(r.Context(), id); err != nil {
		slog.Error("Failed to start session", "session_id", id, "error", err)
		var perr *sandbox.ProvisionError
		if errors.As(err, &perr) {
			Error(w, http.StatusBadGateway, err.Error())
			return
		}
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	JSON(w, http.StatusOK, h.sessions.Session(id))
}

// EndSession tears down the session's sandbox and clears its cancel flag.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !validID(id) {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}

	lock, _ := endLocks.LoadOrStore(id, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		slog.Warn("End already in progress", "session_id", id)
		JSON(w, http.StatusAccepted, map[string]string{"status": "terminating"})
		return
	}
	defer func() {
		mutex.Unlock()
		endLocks.Delete(id)
	}()

	if err := h.sessions.EndSession(r.Context(), id); err != nil {
		slog.Error("Failed to end session", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.cancel.SetCancelled(r.Context(), id, false); err != nil {
		slog.Warn("Failed to clear cancel flag", "session_id", id, "error", err)
	}

	slog.Info("Session ended via API", "session_id", id)
	JSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// validID accepts identifiers safe to use in container and file names.
func validID(id string) bool {
	return idPattern.MatchString(id)
}
