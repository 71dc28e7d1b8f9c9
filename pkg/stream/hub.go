// Package stream fans session events out to live websocket watchers.
package stream

import (
	"context"
	"sync"

	"reims/pkg/events"
)

type subscription struct {
	sessionID string
	dropped   int
}

// Hub is an in-process events.Publisher. Slow subscribers lose events
// rather than stalling the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan events.Event]*subscription
}

func NewHub() *Hub {
	return &Hub{subs: map[chan events.Event]*subscription{}}
}

// Subscribe registers a watcher. An empty sessionID receives every event.
func (h *Hub) Subscribe(buffer int, sessionID string) chan events.Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan events.Event, buffer)
	h.mu.Lock()
	h.subs[ch] = &subscription{sessionID: sessionID}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan events.Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Publish never blocks and never fails.
func (h *Hub) Publish(_ context.Context, evt events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch, sub := range h.subs {
		if sub.sessionID != "" && sub.sessionID != evt.SessionID {
			continue
		}
		select {
		case ch <- evt:
		default:
			sub.dropped++
		}
	}
	return nil
}

// Subscribers returns the number of live watchers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many events ch has missed because its buffer was full.
func (h *Hub) Dropped(ch chan events.Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if sub, ok := h.subs[ch]; ok {
		return sub.dropped
	}
	return 0
}
