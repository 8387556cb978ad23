package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-recon/internal/pipeline"
	"github.com/ashureev/shsh-recon/internal/store"
	"github.com/ashureev/shsh-recon/internal/validate"
)

type targetRequest struct {
	Target string `json:"target"`
}

// Validate reports whether a target would be accepted for scanning.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	JSON(w, http.StatusOK, validate.Domain(req.Target))
}

// StartScan starts the four-stage pipeline for a target.
func (h *Handler) StartScan(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := h.scans.StartScan(r.Context(), req.Target)
	var verr *pipeline.ValidationError
	if errors.As(err, &verr) {
		Error(w, http.StatusBadRequest, verr.Error())
		return
	}
	if err != nil {
		slog.Error("Failed to start scan", "target", req.Target, "error", err)
		Error(w, http.StatusInternalServerError, "failed to start scan")
		return
	}
	JSON(w, http.StatusAccepted, run)
}

// GetScan returns the state of a scan and, once finished, its report.
func (h *Handler) GetScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := h.scans.GetScan(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "scan not found")
		return
	}
	if err != nil {
		slog.Error("Failed to load scan", "scan_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load scan")
		return
	}
	JSON(w, http.StatusOK, run)
}

// CancelScan flags the scan's sandbox session so its running tool stops and
// the current stage fails.
func (h *Handler) CancelScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.scans.GetScan(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "scan not found")
		return
	}
	if err := h.cancel.SetCancelled(r.Context(), pipeline.SessionID(id), true); err != nil {
		slog.Error("Failed to set scan cancel flag", "scan_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to cancel")
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}
