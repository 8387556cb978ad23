// Package stream pushes agent run status transitions to live subscribers.
package stream

import (
	"log/slog"
	"sync"

	"github.com/ashureev/shsh-recon/internal/domain"
)

const subscriberBuffer = 32

// Hub fans status updates out to the subscribers of each run.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	ch   chan domain.StatusUpdate
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{})}
}

// Subscribe returns a channel of updates for runID and a function that
// removes the subscription. The channel is closed when the subscription
// ends, including when the subscriber falls too far behind.
func (h *Hub) Subscribe(runID string) (<-chan domain.StatusUpdate, func()) {
	sub := &subscriber{ch: make(chan domain.StatusUpdate, subscriberBuffer)}

	h.mu.Lock()
	if _, ok := h.subs[runID]; !ok {
		h.subs[runID] = make(map[*subscriber]struct{})
	}
	h.subs[runID][sub] = struct{}{}
	h.mu.Unlock()

	return sub.ch, func() { h.remove(runID, sub) }
}

func (h *Hub) remove(runID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subs[runID]; ok {
		if _, exists := subs[sub]; exists {
			delete(subs, sub)
			sub.close()
		}
		if len(subs) == 0 {
			delete(h.subs, runID)
		}
	}
}

// Publish delivers u to every subscriber of its run without blocking.
func (h *Hub) Publish(u domain.StatusUpdate) {
	h.mu.RLock()
	var slow []*subscriber
	for sub := range h.subs[u.RunID] {
		select {
		case sub.ch <- u:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		slog.Warn("Dropping slow status subscriber", "run_id", u.RunID)
		h.remove(u.RunID, sub)
	}
}

// Subscribers returns the number of live subscribers for runID.
func (h *Hub) Subscribers(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[runID])
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for runID, subs := range h.subs {
		for sub := range subs {
			sub.close()
		}
		delete(h.subs, runID)
	}
}
