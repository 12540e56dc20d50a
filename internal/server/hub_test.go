package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kit-playground/playground/internal/process"
)

func TestHubFansOutEvents(t *testing.T) {
	h := NewHub()

	ch1, unsub1 := h.Subscribe()
	ch2, unsub2 := h.Subscribe()
	defer unsub1()
	defer unsub2()

	h.Emit(process.Event{Kind: process.EventStarted, Name: "myapp"})

	for _, ch := range []<-chan process.Event{ch1, ch2} {
		select {
		case e := <-ch:
			assert.Equal(t, process.EventStarted, e.Kind)
			assert.Equal(t, "myapp", e.Name)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := NewHub()

	_, unsub := h.Subscribe()
	defer unsub()

	// Emitting far beyond the buffer must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Emit(process.Event{Kind: process.EventOutput, Name: "spammy"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow subscriber")
	}
}

func TestHubClose(t *testing.T) {
	h := NewHub()

	ch, _ := h.Subscribe()
	h.Close()

	_, open := <-ch
	assert.False(t, open)

	// Post-close operations are no-ops.
	h.Emit(process.Event{Kind: process.EventError, Name: "late"})
	late, _ := h.Subscribe()
	_, open = <-late
	assert.False(t, open)
}
