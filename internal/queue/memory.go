package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned when publishing to a closed queue.
var ErrClosed = errors.New("queue closed")

// Memory is an in-process Queue. Failed deliveries are retried up to
// MaxDeliver times. Nothing survives a restart.
type Memory struct {
	mu         sync.RWMutex
	subs       map[string][]*memorySub
	closed     bool
	wg         sync.WaitGroup
	maxDeliver int
	retryDelay time.Duration
}

type memorySub struct {
	ctx     context.Context
	handler Handler
	mu      sync.Mutex
	stopped bool
}

func (s *memorySub) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}

// NewMemory creates an in-process queue.
func NewMemory(maxDeliver int, retryDelay time.Duration) *Memory {
	if maxDeliver <= 0 {
		maxDeliver = 5
	}
	return &Memory{
		subs:       make(map[string][]*memorySub),
		maxDeliver: maxDeliver,
		retryDelay: retryDelay,
	}
}

// Publish delivers data asynchronously to every subscriber of subject.
func (q *Memory) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	msg := append([]byte(nil), data...)
	for _, sub := range q.subs[subject] {
		q.wg.Add(1)
		go q.deliver(sub, subject, msg)
	}
	return nil
}

func (q *Memory) deliver(sub *memorySub, subject string, data []byte) {
	defer q.wg.Done()
	for attempt := 1; attempt <= q.maxDeliver; attempt++ {
		if !sub.active() || sub.ctx.Err() != nil {
			return
		}
		err := sub.handler(sub.ctx, subject, data)
		if err == nil {
			return
		}
		slog.Error("Message handler failed", "subject", subject, "attempt", attempt, "error", err)
		if q.retryDelay > 0 {
			select {
			case <-time.After(q.retryDelay):
			case <-sub.ctx.Done():
				return
			}
		}
	}
	slog.Error("Message dropped after max deliveries", "subject", subject, "max_deliver", q.maxDeliver)
}

// Subscribe registers handler for subject.
func (q *Memory) Subscribe(ctx context.Context, subject string, handler Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{ctx: ctx, handler: handler}
	q.subs[subject] = append(q.subs[subject], sub)

	return func() {
		sub.mu.Lock()
		sub.stopped = true
		sub.mu.Unlock()

		q.mu.Lock()
		defer q.mu.Unlock()
		list := q.subs[subject]
		for i, s := range list {
			if s == sub {
				q.subs[subject] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}, nil
}

// Wait blocks until every published message has been handled, including
// messages published by handlers.
func (q *Memory) Wait() {
	q.wg.Wait()
}

// Drain waits for in-flight deliveries, then closes the queue.
func (q *Memory) Drain() error {
	q.wg.Wait()
	return q.Close()
}

// Close stops accepting messages.
func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// IsConnected reports whether the queue accepts messages.
func (q *Memory) IsConnected() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return !q.closed
}
