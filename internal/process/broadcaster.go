package process

import "sync"

// Broadcaster fans output lines out to any number of subscribers. Slow
// subscribers drop lines rather than stalling the pipe readers.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[chan string]struct{}
	closed      bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel of output lines and an unsubscribe function.
// Subscribing to a closed broadcaster returns an already-closed channel.
func (b *Broadcaster) Subscribe() (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan string)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan string, 64)
	b.subscribers[ch] = struct{}{}

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
	}

	return ch, unsub
}

// Publish delivers line to all subscribers, dropping it for any whose
// buffer is full.
func (b *Broadcaster) Publish(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for ch := range b.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
}

// Close closes all subscriber channels. Further publishes are discarded.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
