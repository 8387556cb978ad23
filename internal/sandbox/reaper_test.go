package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestReapIdle(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	rt := &fakeRuntime{}
	m := newTestManager(rt, Options{Now: clock.Now})
	ctx := context.Background()
	ttl := 10 * time.Minute

	_ = m.StartSession(ctx, "stale")
	_ = m.StartSession(ctx, "fresh")

	clock.Advance(8 * time.Minute)
	m.RunCommand(ctx, "fresh", []string{"dig", "example.com"}, time.Second)
	clock.Advance(3 * time.Minute)

	var cleaned []string
	n := m.ReapIdle(ctx, ttl, func(id string) { cleaned = append(cleaned, id) })
	if n != 1 {
		t.Fatalf("reaped %d sessions, want 1", n)
	}
	if len(cleaned) != 1 || cleaned[0] != "stale" {
		t.Errorf("cleanup callback got %v", cleaned)
	}
	if s := m.Session("stale"); s.State != StateAbsent {
		t.Errorf("stale session state = %s", s.State)
	}
	if s := m.Session("fresh"); s.State != StateReady {
		t.Errorf("fresh session state = %s", s.State)
	}
	if len(rt.terminated) != 1 || rt.terminated[0] != "ctr-stale" {
		t.Errorf("terminated = %v", rt.terminated)
	}
}

func TestReapIdleRemovesEvenWhenTerminateFails(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	rt := &fakeRuntime{terminateErr: errors.New("container stuck")}
	m := newTestManager(rt, Options{Now: clock.Now})
	ctx := context.Background()

	_ = m.StartSession(ctx, "broken")
	clock.Advance(11 * time.Minute)

	if n := m.ReapIdle(ctx, 10*time.Minute, nil); n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}
	if m.Registry().Len() != 0 {
		t.Fatal("broken session still tracked")
	}
	if n := m.ReapIdle(ctx, 10*time.Minute, nil); n != 0 {
		t.Errorf("second sweep reaped %d, want 0", n)
	}
}

func TestStartReaperInitialSweep(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	rt := &fakeRuntime{}
	m := newTestManager(rt, Options{Now: clock.Now})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = m.StartSession(ctx, "idle")
	clock.Advance(time.Hour)

	done := make(chan string, 1)
	StartReaper(ctx, m, ReaperConfig{
		Interval:     time.Hour,
		TTL:          10 * time.Minute,
		InitialDelay: 10 * time.Millisecond,
		OnCleanup:    func(id string) { done <- id },
	})

	select {
	case id := <-done:
		if id != "idle" {
			t.Errorf("reaped %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("initial sweep did not run")
	}
}
