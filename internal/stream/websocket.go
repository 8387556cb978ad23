package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-recon/internal/domain"
)

// RunGetter loads the current state of a run.
type RunGetter interface {
	GetRun(ctx context.Context, id string) (*domain.AgentRun, error)
}

// Handler serves run status over WebSocket. The first message is a snapshot
// of the stored run, followed by each transition until the run finishes.
type Handler struct {
	hub           *Hub
	runs          RunGetter
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a WebSocket handler for /ws/runs/{id}.
func NewHandler(hub *Hub, runs RunGetter, allowedOrigin string, isDev bool) *Handler {
	return &Handler{hub: hub, runs: runs, allowedOrigin: allowedOrigin, isDev: isDev}
}

type wsMessage struct {
	Type   string               `json:"type"`
	Run    *domain.AgentRun     `json:"run,omitempty"`
	Update *domain.StatusUpdate `json:"update,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if runID == "" {
		http.Error(w, "run id required", http.StatusBadRequest)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	// Subscribe before the snapshot so no transition falls between them.
	updates, unsubscribe := h.hub.Subscribe(runID)
	defer unsubscribe()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "run_id", runID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "run_id", runID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	run, err := h.runs.GetRun(ctx, runID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		slog.Warn("Failed to load run for stream", "run_id", runID, "error", err)
	default:
		if err := h.writeJSON(ctx, ws, wsMessage{Type: "snapshot", Run: run}); err != nil {
			return
		}
		if run.Status.Terminal() {
			return
		}
	}

	go h.readLoop(ctx, cancel, ws, runID)

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := h.writeJSON(ctx, ws, wsMessage{Type: "status", Update: &u}); err != nil {
				slog.Debug("WebSocket write error", "error", err, "run_id", runID)
				return
			}
			if u.Status.Terminal() {
				return
			}
		}
	}
}

// readLoop answers pings and ends the stream when the client goes away.
func (h *Handler) readLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, runID string) {
	defer cancel()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				slog.Debug("WebSocket read error", "error", err, "run_id", runID)
			}
			return
		}
		var msg wsMessage
		if json.Unmarshal(data, &msg) == nil && msg.Type == "ping" {
			if err := h.writeJSON(ctx, ws, wsMessage{Type: "pong"}); err != nil {
				return
			}
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
