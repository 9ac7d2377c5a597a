// Package events fans registry snapshots out to live subscribers.
package events

import (
	"sync"

	"github.com/pavel-fokin/files-relay/internal/files"
)

// Subscription receives snapshots published after it was created. A slow
// subscriber only ever sees the most recent snapshot.
type Subscription struct {
	C <-chan []files.Record

	ch  chan []files.Record
	hub *Hub
}

// Close detaches the subscription from its hub.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	delete(s.hub.subs, s)
}

// Hub implements files.Notifier.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewHub creates a hub with no subscribers.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscription.
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan []files.Record, 1)
	s := &Subscription{C: ch, ch: ch, hub: h}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Publish delivers records to every subscriber without blocking, replacing
// any snapshot a subscriber has not consumed yet.
func (h *Hub) Publish(records []files.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs {
		select {
		case s.ch <- records:
			continue
		default:
		}
		select {
		case <-s.ch:
		default:
		}
		s.ch <- records
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
