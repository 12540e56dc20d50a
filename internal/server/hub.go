package server

import (
	"sync"

	"github.com/kit-playground/playground/internal/process"
)

// Hub receives core events as a process.Sink and fans them out to any
// number of connected event-stream clients. Slow clients drop events
// rather than stalling the emitters.
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan process.Event]struct{}
	closed      bool
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[chan process.Event]struct{}),
	}
}

// Emit implements process.Sink.
func (h *Hub) Emit(e process.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	for ch := range h.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns an event channel and an unsubscribe function.
func (h *Hub) Subscribe() (<-chan process.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		ch := make(chan process.Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan process.Event, 128)
	h.subscribers[ch] = struct{}{}

	unsub := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
	}

	return ch, unsub
}

// Close closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for ch := range h.subscribers {
		close(ch)
	}
	h.subscribers = nil
}
