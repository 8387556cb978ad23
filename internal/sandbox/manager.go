// Package sandbox owns sandbox lifecycle and mediates every tool command:
// per-session serialization, per-tool timeouts and cooperative cancellation.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ashureev/shsh-recon/internal/config"
	"github.com/ashureev/shsh-recon/internal/container"
	"github.com/ashureev/shsh-recon/internal/domain"
)

var (
	// ErrCancelled is the cancellation cause when the external flag is set.
	ErrCancelled = errors.New("cancelled by operator")
	// ErrSessionNotReady is reported when a command targets a session that
	// is not in the ready state.
	ErrSessionNotReady = errors.New("session not ready")
)

// ProvisionError reports that a sandbox could not be created.
type ProvisionError struct {
	SessionID string
	Err       error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision sandbox for session %s: %v", e.SessionID, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// CancelChecker reads the external cancellation flag for a session.
type CancelChecker interface {
	IsCancelled(ctx context.Context, id string) (bool, error)
}

// Options configures a Manager.
type Options struct {
	Timeouts      config.ToolTimeouts
	Cancel        CancelChecker
	PollInterval  time.Duration
	MaxConcurrent int
	OutputLimit   int
	PingTimeout   time.Duration
	Now           func() time.Time
}

// Manager creates, reuses and tears down sandboxes and runs commands in them.
type Manager struct {
	runtime  container.Runtime
	registry *Registry
	opts     Options
	sem      *semaphore.Weighted
	now      func() time.Time
	// orphans tracks best-effort teardown of sandboxes dropped while the
	// runtime was unresponsive.
	orphans sync.WaitGroup
}

// NewManager creates a Manager that tracks sessions in registry.
func NewManager(rt container.Runtime, registry *Registry, opts Options) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 5 * time.Second
	}
	if opts.Timeouts.Default <= 0 {
		opts.Timeouts = config.DefaultToolTimeouts()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		runtime:  rt,
		registry: registry,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		now:      now,
	}
}

// Registry exposes the session registry for read-only listing.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Sessions lists tracked sessions ordered by id.
func (m *Manager) Sessions() []Session {
	return m.registry.List()
}

// Timeout returns the execution budget for tool.
func (m *Manager) Timeout(tool string) time.Duration {
	return m.opts.Timeouts.For(tool)
}

// Session returns a snapshot of the session, or an absent placeholder.
func (m *Manager) Session(id string) Session {
	s, _ := m.registry.snapshot(id)
	return s
}

// StartSession provisions a sandbox for id unless one is already ready.
// Concurrent callers for the same id share a single provisioning attempt.
func (m *Manager) StartSession(ctx context.Context, id string) error {
	e, created := m.registry.claim(id, m.now())
	if !created {
		select {
		case <-e.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		if e.err != nil {
			return e.err
		}
		m.registry.touch(id, m.now())
		return nil
	}

	slog.Info("Provisioning sandbox", "session_id", id)
	handle, err := m.runtime.Provision(ctx, id)
	if err != nil {
		perr := &ProvisionError{SessionID: id, Err: err}
		e.err = perr
		m.registry.remove(id, e)
		close(e.ready)
		slog.Error("Failed to provision sandbox", "session_id", id, "error", err)
		return perr
	}

	m.registry.markReady(e, handle, m.now())
	slog.Info("Sandbox ready", "session_id", id, "handle", handle)
	return nil
}

// RunCommand executes argv in the session's sandbox within timeout. Failures
// of the command itself, including timeout and cancellation, are reported in
// the result rather than as an error.
func (m *Manager) RunCommand(ctx context.Context, id string, argv []string, timeout time.Duration) domain.ToolResult {
	tool := ""
	if len(argv) > 0 {
		tool = argv[0]
	}

	e := m.registry.get(id)
	if e == nil {
		return domain.Failed(tool, domain.OutcomeRejected, fmt.Sprintf("%v: %s is %s", ErrSessionNotReady, id, StateAbsent))
	}
	if s, _ := m.registry.snapshot(id); s.State != StateReady {
		return domain.Failed(tool, domain.OutcomeRejected, fmt.Sprintf("%v: %s is %s", ErrSessionNotReady, id, s.State))
	}
	if len(argv) == 0 {
		return domain.Failed(tool, domain.OutcomeRejected, "empty command")
	}
	if m.cancelled(ctx, id) {
		return domain.Failed(tool, domain.OutcomeCancelled, ErrCancelled.Error())
	}

	m.registry.addRunning(e, 1)
	defer m.registry.addRunning(e, -1)

	e.execMu.Lock()
	defer e.execMu.Unlock()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return domain.Failed(tool, domain.OutcomeCancelled, fmt.Sprintf("waiting for a command slot: %v", err))
	}
	defer m.sem.Release(1)

	// The session may have been ended while this call waited for the lock.
	s, _ := m.registry.snapshot(id)
	if s.State != StateReady {
		return domain.Failed(tool, domain.OutcomeRejected, fmt.Sprintf("%v: %s is %s", ErrSessionNotReady, id, s.State))
	}

	if timeout <= 0 {
		timeout = m.opts.Timeouts.Default
	}

	m.registry.touch(id, m.now())
	defer m.registry.touch(id, m.now())

	cmdCtx, cancelCause := context.WithCancelCause(ctx)
	defer cancelCause(nil)
	execCtx, cancelTimeout := context.WithTimeout(cmdCtx, timeout)
	defer cancelTimeout()

	go m.watchCancel(execCtx, id, cancelCause)

	out := newTailBuffer(m.opts.OutputLimit)
	started := m.now()
	slog.Debug("Running command", "session_id", id, "command", strings.Join(argv, " "), "timeout", timeout)
	exitCode, err := m.runtime.Exec(execCtx, s.Handle, argv, out)
	res := domain.ToolResult{
		Tool:      tool,
		RawOutput: out.String(),
		ExitCode:  exitCode,
		Duration:  m.now().Sub(started),
	}

	switch {
	case errors.Is(context.Cause(cmdCtx), ErrCancelled):
		res.Outcome = domain.OutcomeCancelled
		res.Error = ErrCancelled.Error()
		slog.Info("Command cancelled", "session_id", id, "tool", tool)
	case errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.Outcome = domain.OutcomeTimeout
		res.Error = fmt.Sprintf("%s timed out after %s", tool, timeout)
		slog.Warn("Command timed out", "session_id", id, "tool", tool, "timeout", timeout)
		m.checkRuntime(ctx, id, e)
	case ctx.Err() != nil:
		res.Outcome = domain.OutcomeCancelled
		res.Error = ctx.Err().Error()
	case err != nil:
		res.Outcome = domain.OutcomeFailed
		res.Error = err.Error()
	case exitCode != 0:
		res.Outcome = domain.OutcomeFailed
		res.Error = fmt.Sprintf("%s exited with code %d", tool, exitCode)
	default:
		res.Success = true
		res.Outcome = domain.OutcomeOK
	}
	if out.Truncated() {
		slog.Debug("Command output truncated", "session_id", id, "tool", tool, "limit", m.opts.OutputLimit)
	}
	return res
}

// watchCancel polls the cancellation flag until ctx ends.
func (m *Manager) watchCancel(ctx context.Context, id string, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.cancelled(ctx, id) {
				cancel(ErrCancelled)
				return
			}
		}
	}
}

func (m *Manager) cancelled(ctx context.Context, id string) bool {
	if m.opts.Cancel == nil {
		return false
	}
	ok, err := m.opts.Cancel.IsCancelled(ctx, id)
	if err != nil {
		slog.Warn("Failed to read cancellation flag", "session_id", id, "error", err)
		return false
	}
	return ok
}

// checkRuntime tears the session down when the runtime stops answering
// after a timeout. A responsive runtime keeps the session alive.
func (m *Manager) checkRuntime(ctx context.Context, id string, e *entry) {
	pingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.PingTimeout)
	defer cancel()
	if err := m.runtime.Ping(pingCtx); err != nil {
		handle := e.Handle
		slog.Error("Runtime unresponsive after timeout, dropping session", "session_id", id, "handle", handle, "error", err)
		m.registry.remove(id, e)

		m.orphans.Add(1)
		go func() {
			defer m.orphans.Done()
			termCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reapTerminateTimeout)
			defer cancel()
			if err := m.runtime.Terminate(termCtx, handle); err != nil {
				slog.Warn("Failed to terminate dropped sandbox", "session_id", id, "handle", handle, "error", err)
			}
		}()
	}
}

// EndSession terminates the session's sandbox. Ending an absent session is
// a no-op. The session is removed from tracking even if termination fails.
func (m *Manager) EndSession(ctx context.Context, id string) error {
	e := m.registry.get(id)
	if e == nil {
		return nil
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if e.err != nil {
		return nil
	}

	m.registry.setState(e, StateTerminating)
	handle := e.Handle
	err := m.runtime.Terminate(ctx, handle)
	m.registry.remove(id, e)
	if err != nil {
		return fmt.Errorf("terminate sandbox for session %s: %w", id, err)
	}
	slog.Info("Session ended", "session_id", id)
	return nil
}

// Shutdown ends every tracked session.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, s := range m.registry.List() {
		if err := m.EndSession(ctx, s.ID); err != nil {
			slog.Warn("Failed to end session during shutdown", "session_id", s.ID, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.orphans.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Shutdown gave up on dropped sandbox teardown", "error", ctx.Err())
	}
}
