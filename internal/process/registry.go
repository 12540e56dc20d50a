package process

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	// ErrCapacity is returned when registering would exceed the concurrency cap.
	ErrCapacity = errors.New("too many running processes, stop one first")
	// ErrNotFound is returned for operations on a name with no live entry.
	ErrNotFound = errors.New("process not found")
	// ErrNameInUse is returned when a non-terminal process already holds the name.
	ErrNameInUse = errors.New("a process with this name is already running")
)

// Registry is the single source of truth for what is currently running. All
// mutations go through one mutex so the capacity check and insert are a
// single critical section.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*Handle
	capacity int
	grace    time.Duration
	log      *slog.Logger
}

// NewRegistry creates a registry with the given concurrency cap and
// terminate-to-kill grace period.
func NewRegistry(capacity int, grace time.Duration) *Registry {
	return &Registry{
		entries:  make(map[string]*Handle),
		capacity: capacity,
		grace:    grace,
		log:      slog.With("component", "registry"),
	}
}

// Register inserts h under its name. It fails with ErrCapacity when the cap
// is reached and ErrNameInUse when a non-terminal entry already holds the
// name; a leftover terminal entry under the same name is overwritten.
func (r *Registry) Register(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[h.Name]; ok && !existing.State().Terminal() {
		return fmt.Errorf("%w: %s", ErrNameInUse, h.Name)
	}

	active := 0
	for _, e := range r.entries {
		if !e.State().Terminal() {
			active++
		}
	}
	if active >= r.capacity {
		return fmt.Errorf("%w (cap %d)", ErrCapacity, r.capacity)
	}

	r.entries[h.Name] = h
	return nil
}

// Lookup returns the handle registered under name.
func (r *Registry) Lookup(name string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.entries[name]
	return h, ok
}

// Unregister removes the entry for name, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// removeIfCurrent drops the entry for name only while h still holds it, so
// a stale watcher cannot evict a newer process registered under the same
// name.
func (r *Registry) removeIfCurrent(name string, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[name] == h {
		delete(r.entries, name)
	}
}

// Terminate stops the named process (terminate, grace wait, kill) and
// removes it from the registry. Returns ErrNotFound for an unknown name.
func (r *Registry) Terminate(name string) error {
	r.mu.Lock()
	h, ok := r.entries[name]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	r.log.Info("terminating process", "name", name, "pid", h.PID())
	h.Stop(r.grace)
	r.removeIfCurrent(name, h)
	return nil
}

// ListActive returns the sorted names of all non-terminal entries.
func (r *Registry) ListActive() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.entries))
	for name, h := range r.entries {
		if !h.State().Terminal() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Shutdown stops every live process. Called when the server exits so no
// children are orphaned.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.entries))
	for _, h := range r.entries {
		handles = append(handles, h)
	}
	r.entries = make(map[string]*Handle)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		if h.State().Terminal() {
			continue
		}
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			r.log.Info("reaping process on shutdown", "name", h.Name, "pid", h.PID())
			h.Stop(r.grace)
		}(h)
	}
	wg.Wait()
}
