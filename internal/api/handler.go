// Package api provides HTTP handlers for the recon API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-recon/internal/agent"
	"github.com/ashureev/shsh-recon/internal/domain"
	"github.com/ashureev/shsh-recon/internal/sandbox"
)

const maxBodyBytes = 1 << 20

// Sessions manages sandbox sessions.
type Sessions interface {
	StartSession(ctx context.Context, id string) error
	EndSession(ctx context.Context, id string) error
	Session(id string) sandbox.Session
	Sessions() []sandbox.Session
}

// Agent starts reasoning runs in the background.
type Agent interface {
	Start(ctx context.Context, req agent.RunRequest, done func(*domain.AgentRun)) error
}

// Runs reads agent run records.
type Runs interface {
	GetRun(ctx context.Context, id string) (*domain.AgentRun, error)
}

// Canceller sets operator cancellation flags.
type Canceller interface {
	SetCancelled(ctx context.Context, id string, cancelled bool) error
}

// Scans starts and reads pipeline scans.
type Scans interface {
	StartScan(ctx context.Context, target string) (*domain.PipelineRun, error)
	GetScan(ctx context.Context, scanID string) (*domain.PipelineRun, error)
}

// Handler provides the API endpoints. Agent may be nil when no model is
// configured.
type Handler struct {
	sessions Sessions
	agent    Agent
	runs     Runs
	cancel   Canceller
	scans    Scans
	// background outlives requests; runs started over HTTP use it.
	background context.Context
}

// NewHandler creates a new Handler. background bounds runs started by chat
// requests and is normally cancelled on shutdown.
func NewHandler(background context.Context, sessions Sessions, ag Agent, runs Runs, cancel Canceller, scans Scans) *Handler {
	return &Handler{
		sessions:   sessions,
		agent:      ag,
		runs:       runs,
		cancel:     cancel,
		scans:      scans,
		background: background,
	}
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/validate", h.Validate)

		r.Get("/sessions", h.ListSessions)
		r.Post("/sessions/{id}", h.StartSession)
		r.Delete("/sessions/{id}", h.EndSession)

		r.Post("/agent/chat", h.Chat)
		r.Get("/agent/runs/{id}", h.GetRun)
		r.Post("/agent/runs/{id}/cancel", h.CancelRun)

		r.Post("/scans", h.StartScan)
		r.Get("/scans/{id}", h.GetScan)
		r.Post("/scans/{id}/cancel", h.CancelScan)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
