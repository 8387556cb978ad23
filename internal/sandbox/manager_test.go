package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/shsh-recon/internal/container"
	"github.com/ashureev/shsh-recon/internal/domain"
)

type fakeRuntime struct {
	mu            sync.Mutex
	provisioned   []string
	terminated    []string
	execCalls     int
	provisionErr  error
	terminateErr  error
	pingErr       error
	provisionGate chan struct{}

	// exec controls what Exec does; defaults to echoing argv.
	exec func(ctx context.Context, argv []string, w io.Writer) (int, error)

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeRuntime) Provision(ctx context.Context, name string) (string, error) {
	if f.provisionGate != nil {
		select {
		case <-f.provisionGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provisionErr != nil {
		return "", f.provisionErr
	}
	f.provisioned = append(f.provisioned, name)
	return "ctr-" + name, nil
}

func (f *fakeRuntime) Exec(ctx context.Context, _ string, argv []string, w io.Writer) (int, error) {
	f.mu.Lock()
	f.execCalls++
	f.mu.Unlock()

	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	if f.exec != nil {
		return f.exec(ctx, argv, w)
	}
	fmt.Fprintln(w, strings.Join(argv, " "))
	return 0, nil
}

func (f *fakeRuntime) Terminate(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, handle)
	return f.terminateErr
}

func (f *fakeRuntime) Ping(_ context.Context) error { return f.pingErr }

func (f *fakeRuntime) execCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execCalls
}

type fakeCancel struct {
	mu    sync.Mutex
	flags map[string]bool
}

func (f *fakeCancel) set(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flags == nil {
		f.flags = make(map[string]bool)
	}
	f.flags[id] = true
}

func (f *fakeCancel) IsCancelled(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags[id], nil
}

func newTestManager(rt *fakeRuntime, opts Options) *Manager {
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	return NewManager(rt, NewRegistry(), opts)
}

func TestStartSessionIsIdempotent(t *testing.T) {
	rt := &fakeRuntime{}
	m := newTestManager(rt, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := m.StartSession(ctx, "conv-1"); err != nil {
			t.Fatalf("StartSession #%d: %v", i, err)
		}
	}
	if len(rt.provisioned) != 1 {
		t.Fatalf("provisioned %d sandboxes, want 1", len(rt.provisioned))
	}
	if s := m.Session("conv-1"); s.State != StateReady || s.Handle != "ctr-conv-1" {
		t.Errorf("session = %+v", s)
	}
}

func TestStartSessionConcurrentCallersShareProvisioning(t *testing.T) {
	rt := &fakeRuntime{provisionGate: make(chan struct{})}
	m := newTestManager(rt, Options{})

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.StartSession(context.Background(), "scan-1")
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(rt.provisionGate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("StartSession: %v", err)
		}
	}
	if len(rt.provisioned) != 1 {
		t.Fatalf("provisioned %d sandboxes, want 1", len(rt.provisioned))
	}
}

func TestStartSessionProvisionError(t *testing.T) {
	rt := &fakeRuntime{provisionErr: fmt.Errorf("%w: recon-sandbox:1.0", container.ErrImageMissing)}
	m := newTestManager(rt, Options{})

	err := m.StartSession(context.Background(), "conv-1")
	var perr *ProvisionError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProvisionError, got %v", err)
	}
	if !errors.Is(err, container.ErrImageMissing) {
		t.Errorf("expected ErrImageMissing in chain, got %v", err)
	}
	if m.Registry().Len() != 0 {
		t.Errorf("failed session still tracked")
	}

	rt.mu.Lock()
	rt.provisionErr = nil
	rt.mu.Unlock()
	if err := m.StartSession(context.Background(), "conv-1"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestRunCommandRequiresReadySession(t *testing.T) {
	rt := &fakeRuntime{}
	m := newTestManager(rt, Options{})

	res := m.RunCommand(context.Background(), "missing", []string{"dig", "example.com"}, time.Second)
	if res.Success || res.Outcome != domain.OutcomeRejected {
		t.Fatalf("result = %+v, want rejected", res)
	}
	if !strings.Contains(res.Error, "not ready") {
		t.Errorf("error = %q", res.Error)
	}
	if rt.execCount() != 0 {
		t.Errorf("runtime invoked %d times for a non-ready session", rt.execCount())
	}
}

func TestRunCommandSuccess(t *testing.T) {
	rt := &fakeRuntime{}
	m := newTestManager(rt, Options{})
	ctx := context.Background()
	if err := m.StartSession(ctx, "s"); err != nil {
		t.Fatal(err)
	}

	res := m.RunCommand(ctx, "s", []string{"dig", "example.com"}, time.Second)
	if !res.Success || res.Outcome != domain.OutcomeOK {
		t.Fatalf("result = %+v", res)
	}
	if res.RawOutput != "dig example.com\n" {
		t.Errorf("raw output = %q", res.RawOutput)
	}
	if res.Tool != "dig" {
		t.Errorf("tool = %q", res.Tool)
	}
}

func TestRunCommandNonZeroExit(t *testing.T) {
	rt := &fakeRuntime{exec: func(_ context.Context, _ []string, w io.Writer) (int, error) {
		io.WriteString(w, "whois: connect: Network is unreachable\n")
		return 2, nil
	}}
	m := newTestManager(rt, Options{})
	ctx := context.Background()
	_ = m.StartSession(ctx, "s")

	res := m.RunCommand(ctx, "s", []string{"whois", "example.com"}, time.Second)
	if res.Success || res.Outcome != domain.OutcomeFailed || res.ExitCode != 2 {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.RawOutput, "unreachable") {
		t.Errorf("raw output lost: %q", res.RawOutput)
	}
}

func blockUntilDone(ctx context.Context, _ []string, w io.Writer) (int, error) {
	io.WriteString(w, "partial output\n")
	<-ctx.Done()
	return -1, ctx.Err()
}

func TestRunCommandTimeoutKeepsSession(t *testing.T) {
	rt := &fakeRuntime{exec: blockUntilDone}
	m := newTestManager(rt, Options{})
	ctx := context.Background()
	_ = m.StartSession(ctx, "s")

	res := m.RunCommand(ctx, "s", []string{"nmap", "example.com"}, 20*time.Millisecond)
	if res.Outcome != domain.OutcomeTimeout {
		t.Fatalf("outcome = %s, want timeout (%+v)", res.Outcome, res)
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("error = %q", res.Error)
	}
	if res.RawOutput != "partial output\n" {
		t.Errorf("raw output = %q", res.RawOutput)
	}
	if s := m.Session("s"); s.State != StateReady {
		t.Errorf("session state after timeout = %s, want ready", s.State)
	}
}

func TestRunCommandTimeoutDropsSessionWhenRuntimeDead(t *testing.T) {
	rt := &fakeRuntime{exec: blockUntilDone, pingErr: container.ErrRuntimeUnavailable}
	m := newTestManager(rt, Options{})
	ctx := context.Background()
	_ = m.StartSession(ctx, "s")

	res := m.RunCommand(ctx, "s", []string{"nmap", "example.com"}, 20*time.Millisecond)
	if res.Outcome != domain.OutcomeTimeout {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if s := m.Session("s"); s.State != StateAbsent {
		t.Errorf("session state = %s, want absent", s.State)
	}

	m.orphans.Wait()
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.terminated) != 1 || rt.terminated[0] != "ctr-s" {
		t.Errorf("dropped sandbox not torn down: %v", rt.terminated)
	}
}

func TestRunCommandCancelledBeforeStart(t *testing.T) {
	rt := &fakeRuntime{}
	cancel := &fakeCancel{}
	m := newTestManager(rt, Options{Cancel: cancel})
	ctx := context.Background()
	_ = m.StartSession(ctx, "s")
	cancel.set("s")

	res := m.RunCommand(ctx, "s", []string{"nmap", "example.com"}, time.Second)
	if res.Outcome != domain.OutcomeCancelled {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if rt.execCount() != 0 {
		t.Errorf("runtime invoked after cancellation")
	}
}

func TestRunCommandCancelledWhileRunning(t *testing.T) {
	cancel := &fakeCancel{}
	rt := &fakeRuntime{exec: func(ctx context.Context, argv []string, w io.Writer) (int, error) {
		cancel.set("s")
		return blockUntilDone(ctx, argv, w)
	}}
	m := newTestManager(rt, Options{Cancel: cancel})
	ctx := context.Background()
	_ = m.StartSession(ctx, "s")

	start := time.Now()
	res := m.RunCommand(ctx, "s", []string{"nuclei", "-u", "https://example.com"}, 10*time.Second)
	if res.Outcome != domain.OutcomeCancelled {
		t.Fatalf("outcome = %s (%+v)", res.Outcome, res)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("cancellation took %v", time.Since(start))
	}
	if s := m.Session("s"); s.State != StateReady {
		t.Errorf("session state = %s, want ready", s.State)
	}
}

func TestRunCommandSerializesPerSession(t *testing.T) {
	rt := &fakeRuntime{exec: func(_ context.Context, _ []string, _ io.Writer) (int, error) {
		time.Sleep(10 * time.Millisecond)
		return 0, nil
	}}
	m := newTestManager(rt, Options{})
	ctx := context.Background()
	_ = m.StartSession(ctx, "s")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RunCommand(ctx, "s", []string{"dig", "example.com"}, time.Second)
		}()
	}
	wg.Wait()
	if got := rt.maxInFlight.Load(); got != 1 {
		t.Fatalf("max concurrent commands in one session = %d, want 1", got)
	}
}

func TestRunCommandGlobalLimit(t *testing.T) {
	rt := &fakeRuntime{exec: func(_ context.Context, _ []string, _ io.Writer) (int, error) {
		time.Sleep(10 * time.Millisecond)
		return 0, nil
	}}
	m := newTestManager(rt, Options{MaxConcurrent: 2})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("s-%d", i)
		if err := m.StartSession(ctx, id); err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RunCommand(ctx, id, []string{"dig", "example.com"}, time.Second)
		}()
	}
	wg.Wait()
	if got := rt.maxInFlight.Load(); got > 2 {
		t.Fatalf("max concurrent commands = %d, want <= 2", got)
	}
}

func TestRunCommandBoundsOutput(t *testing.T) {
	rt := &fakeRuntime{exec: func(_ context.Context, _ []string, w io.Writer) (int, error) {
		io.WriteString(w, strings.Repeat("x", 100)+"END")
		return 0, nil
	}}
	m := newTestManager(rt, Options{OutputLimit: 10})
	ctx := context.Background()
	_ = m.StartSession(ctx, "s")

	res := m.RunCommand(ctx, "s", []string{"cat"}, time.Second)
	if res.RawOutput != "xxxxxxxEND" {
		t.Fatalf("raw output = %q", res.RawOutput)
	}
}

func TestEndSession(t *testing.T) {
	rt := &fakeRuntime{}
	m := newTestManager(rt, Options{})
	ctx := context.Background()

	if err := m.EndSession(ctx, "absent"); err != nil {
		t.Fatalf("EndSession on absent session: %v", err)
	}
	if len(rt.terminated) != 0 {
		t.Fatalf("runtime terminate called for absent session")
	}

	_ = m.StartSession(ctx, "s")
	if err := m.EndSession(ctx, "s"); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if err := m.EndSession(ctx, "s"); err != nil {
		t.Fatalf("second EndSession: %v", err)
	}
	if len(rt.terminated) != 1 || rt.terminated[0] != "ctr-s" {
		t.Errorf("terminated = %v", rt.terminated)
	}
	res := m.RunCommand(ctx, "s", []string{"dig"}, time.Second)
	if res.Outcome != domain.OutcomeRejected {
		t.Errorf("command after end: %+v", res)
	}
}

func TestEndSessionRemovesOnTerminateFailure(t *testing.T) {
	rt := &fakeRuntime{terminateErr: errors.New("daemon hiccup")}
	m := newTestManager(rt, Options{})
	ctx := context.Background()
	_ = m.StartSession(ctx, "s")

	if err := m.EndSession(ctx, "s"); err == nil {
		t.Fatal("expected terminate error")
	}
	if m.Registry().Len() != 0 {
		t.Errorf("session still tracked after failed terminate")
	}
}

func TestTimeoutLookup(t *testing.T) {
	m := newTestManager(&fakeRuntime{}, Options{})
	if got := m.Timeout("nmap_scan"); got != 10*time.Minute {
		t.Errorf("nmap budget = %v", got)
	}
	if got := m.Timeout("does_not_exist"); got != 30*time.Second {
		t.Errorf("fallback budget = %v", got)
	}
}
