//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-recon/internal/agent"
	"github.com/ashureev/shsh-recon/internal/domain"
	"github.com/ashureev/shsh-recon/internal/pipeline"
	"github.com/ashureev/shsh-recon/internal/sandbox"
	"github.com/ashureev/shsh-recon/internal/store"
)

type fakeSessions struct {
	mu       sync.Mutex
	started  []string
	ended    []string
	startErr error
}

func (f *fakeSessions) StartSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeSessions) EndSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id)
	return nil
}

func (f *fakeSessions) Session(id string) sandbox.Session {
	return sandbox.Session{ID: id, State: sandbox.StateReady}
}

func (f *fakeSessions) Sessions() []sandbox.Session {
	return []sandbox.Session{{ID: "a", State: sandbox.StateReady}}
}

type fakeAgent struct {
	mu   sync.Mutex
	reqs []agent.RunRequest
	err  error
}

func (f *fakeAgent) Start(_ context.Context, req agent.RunRequest, _ func(*domain.AgentRun)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.reqs = append(f.reqs, req)
	return nil
}

type fakeRuns map[string]*domain.AgentRun

func (f fakeRuns) GetRun(_ context.Context, id string) (*domain.AgentRun, error) {
	if run, ok := f[id]; ok {
		return run, nil
	}
	return nil, store.ErrNotFound
}

type fakeCancel struct {
	mu    sync.Mutex
	flags map[string]bool
}

func (f *fakeCancel) SetCancelled(_ context.Context, id string, cancelled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flags == nil {
		f.flags = make(map[string]bool)
	}
	f.flags[id] = cancelled
	return nil
}

type fakeScans struct {
	runs map[string]*domain.PipelineRun
}

func (f *fakeScans) StartScan(_ context.Context, target string) (*domain.PipelineRun, error) {
	if target == "localhost" {
		return nil, &pipeline.ValidationError{Target: target, Reason: "reserved host"}
	}
	run := &domain.PipelineRun{ScanID: "scan-1", Target: target, Status: domain.ScanRunning}
	f.runs[run.ScanID] = run
	return run, nil
}

func (f *fakeScans) GetScan(_ context.Context, id string) (*domain.PipelineRun, error) {
	if run, ok := f.runs[id]; ok {
		return run, nil
	}
	return nil, store.ErrNotFound
}

type testAPI struct {
	router   chi.Router
	sessions *fakeSessions
	agent    *fakeAgent
	cancel   *fakeCancel
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ta := &testAPI{
		router:   chi.NewRouter(),
		sessions: &fakeSessions{},
		agent:    &fakeAgent{},
		cancel:   &fakeCancel{},
	}
	runs := fakeRuns{"conv-1": {ID: "conv-1", Status: domain.RunCompleted, FinalResponse: "done"}}
	h := NewHandler(context.Background(), ta.sessions, ta.agent, runs, ta.cancel, &fakeScans{runs: map[string]*domain.PipelineRun{}})
	h.RegisterRoutes(ta.router)
	return ta
}

func (ta *testAPI) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var got map[string]any
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return got
}

func TestValidateEndpoint(t *testing.T) {
	ta := newTestAPI(t)

	w := ta.do(http.MethodPost, "/api/validate", `{"target":"Example.COM"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got := decodeBody(t, w)
	if got["valid"] != true || got["sanitized"] != "example.com" {
		t.Errorf("body = %v", got)
	}

	w = ta.do(http.MethodPost, "/api/validate", `{"target":"a;b"}`)
	if got := decodeBody(t, w); got["valid"] != false || got["error"] == "" {
		t.Errorf("body = %v", got)
	}

	if w := ta.do(http.MethodPost, "/api/validate", `{"target":1}`); w.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d", w.Code)
	}
}

func TestChatAccepted(t *testing.T) {
	ta := newTestAPI(t)

	w := ta.do(http.MethodPost, "/api/agent/chat", `{"conversation_id":"conv-2","message":"scan example.com"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w); got["run_id"] != "conv-2" {
		t.Errorf("body = %v", got)
	}
	if len(ta.agent.reqs) != 1 || ta.agent.reqs[0].Message != "scan example.com" {
		t.Errorf("requests = %+v", ta.agent.reqs)
	}
}

func TestChatErrors(t *testing.T) {
	tests := []struct {
		name     string
		agentErr error
		body     string
		want     int
	}{
		{"in progress", agent.ErrRunInProgress, `{"conversation_id":"c","message":"m"}`, http.StatusConflict},
		{"invalid request", agent.ErrInvalidRequest, `{"conversation_id":"c"}`, http.StatusBadRequest},
		{"unexpected", errors.New("boom"), `{"conversation_id":"c","message":"m"}`, http.StatusInternalServerError},
		{"bad id", nil, `{"conversation_id":"../etc","message":"m"}`, http.StatusBadRequest},
		{"unknown field", nil, `{"conversation":"c"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ta := newTestAPI(t)
			ta.agent.err = tt.agentErr
			if w := ta.do(http.MethodPost, "/api/agent/chat", tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestChatWithoutAgent(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(context.Background(), &fakeSessions{}, nil, fakeRuns{}, &fakeCancel{}, &fakeScans{}).RegisterRoutes(r)

	req := httptest.NewRequest(http.MethodPost, "/api/agent/chat", strings.NewReader(`{"conversation_id":"c","message":"m"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestGetRun(t *testing.T) {
	ta := newTestAPI(t)

	w := ta.do(http.MethodGet, "/api/agent/runs/conv-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decodeBody(t, w); got["final_response"] != "done" {
		t.Errorf("body = %v", got)
	}
	if w := ta.do(http.MethodGet, "/api/agent/runs/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d", w.Code)
	}
}

func TestCancelRunFlagsRunAndSession(t *testing.T) {
	ta := newTestAPI(t)

	w := ta.do(http.MethodPost, "/api/agent/runs/conv-1/cancel", `{"session_id":"box-1"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	if !ta.cancel.flags["conv-1"] || !ta.cancel.flags["box-1"] {
		t.Errorf("flags = %v", ta.cancel.flags)
	}

	if w := ta.do(http.MethodPost, "/api/agent/runs/conv-2/cancel", ""); w.Code != http.StatusAccepted {
		t.Errorf("cancel without body status = %d", w.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	ta := newTestAPI(t)

	if w := ta.do(http.MethodPost, "/api/sessions/box-1", ""); w.Code != http.StatusOK {
		t.Fatalf("start status = %d", w.Code)
	}
	if len(ta.sessions.started) != 1 || ta.sessions.started[0] != "box-1" {
		t.Errorf("started = %v", ta.sessions.started)
	}

	w := ta.do(http.MethodGet, "/api/sessions", "")
	if got := decodeBody(t, w); len(got["sessions"].([]any)) != 1 {
		t.Errorf("list = %v", got)
	}

	ta.cancel.flags = map[string]bool{"box-1": true}
	if w := ta.do(http.MethodDelete, "/api/sessions/box-1", ""); w.Code != http.StatusOK {
		t.Fatalf("end status = %d", w.Code)
	}
	if len(ta.sessions.ended) != 1 || ta.cancel.flags["box-1"] {
		t.Errorf("ended = %v, flags = %v", ta.sessions.ended, ta.cancel.flags)
	}

	if w := ta.do(http.MethodPost, "/api/sessions/bad;id", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", w.Code)
	}
}

func TestStartSessionProvisionFailure(t *testing.T) {
	ta := newTestAPI(t)
	ta.sessions.startErr = &sandbox.ProvisionError{SessionID: "box", Err: errors.New("image missing")}

	if w := ta.do(http.MethodPost, "/api/sessions/box", ""); w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestScanEndpoints(t *testing.T) {
	ta := newTestAPI(t)

	w := ta.do(http.MethodPost, "/api/scans", `{"target":"example.com"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("start status = %d", w.Code)
	}
	if got := decodeBody(t, w); got["scan_id"] != "scan-1" {
		t.Errorf("body = %v", got)
	}

	if w := ta.do(http.MethodPost, "/api/scans", `{"target":"localhost"}`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid target status = %d", w.Code)
	}
	if w := ta.do(http.MethodGet, "/api/scans/scan-1", ""); w.Code != http.StatusOK {
		t.Errorf("get status = %d", w.Code)
	}
	if w := ta.do(http.MethodGet, "/api/scans/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing scan status = %d", w.Code)
	}

	if w := ta.do(http.MethodPost, "/api/scans/scan-1/cancel", ""); w.Code != http.StatusAccepted {
		t.Errorf("cancel status = %d", w.Code)
	}
	if !ta.cancel.flags[pipeline.SessionID("scan-1")] {
		t.Errorf("flags = %v", ta.cancel.flags)
	}
}

func TestHealth(t *testing.T) {
	h := NewHealthHandler(map[string]Pinger{
		"database": PingFunc(func(context.Context) error { return nil }),
		"queue":    PingFunc(func(context.Context) error { return errors.New("down") }),
	}, 0)
	r := chi.NewRouter()
	h.RegisterHealth(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	got := decodeBody(t, w)
	checks := got["checks"].(map[string]any)
	if got["status"] != "degraded" || checks["database"] != "ok" || checks["queue"] != "unreachable" {
		t.Errorf("body = %v", got)
	}
}
