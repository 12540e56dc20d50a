package process

import (
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// State is the lifecycle state of a managed process.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateExited   State = "exited"
	StateKilled   State = "killed"
	StateFailed   State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateExited || s == StateKilled || s == StateFailed
}

// tailLimit bounds the number of output lines retained per process for
// crash diagnostics.
const tailLimit = 200

// Handle is a managed child process: the exec.Cmd, its launch parameters,
// lifecycle state, and a bounded tail of its combined output.
type Handle struct {
	Name      string
	Argv      []string
	Dir       string
	StartedAt time.Time

	cmd    *exec.Cmd
	pid    int
	output *Broadcaster
	done   chan struct{}

	mu       sync.Mutex
	state    State
	exitCode int
	err      error
	stopping bool
	tail     []string
}

func newHandle(name string, argv []string, dir string) *Handle {
	return &Handle{
		Name:   name,
		Argv:   append([]string(nil), argv...),
		Dir:    dir,
		output: NewBroadcaster(),
		done:   make(chan struct{}),
		state:  StateStarting,
	}
}

// PID returns the OS process id, or 0 if the process never started.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ExitCode returns the exit code once the process is terminal; 0 otherwise.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Err returns the terminal error, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done returns a channel closed when the process reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Output returns the broadcaster carrying the process's combined
// stdout/stderr lines.
func (h *Handle) Output() *Broadcaster {
	return h.output
}

// OutputTail returns the retained tail of combined output as one string.
func (h *Handle) OutputTail() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return strings.Join(h.tail, "\n")
}

func (h *Handle) setRunning(pid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pid = pid
	h.state = StateRunning
	h.StartedAt = time.Now()
}

func (h *Handle) appendTail(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tail = append(h.tail, line)
	if len(h.tail) > tailLimit {
		h.tail = h.tail[len(h.tail)-tailLimit:]
	}
}

// markExited records the terminal state. A process that was asked to stop
// lands in killed; one that never ran lands in failed; everything else in
// exited with its code.
func (h *Handle) markExited(code int, err error) {
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return
	}
	switch {
	case h.stopping:
		h.state = StateKilled
	case h.state == StateStarting:
		h.state = StateFailed
	default:
		h.state = StateExited
	}
	h.exitCode = code
	h.err = err
	h.mu.Unlock()

	h.output.Close()
	close(h.done)
}

// Stop performs the two-phase stop: SIGTERM to the process group, wait up
// to grace, then SIGKILL if the process is still alive. Stopping a terminal
// process is a no-op.
func (h *Handle) Stop(grace time.Duration) {
	h.mu.Lock()
	if h.state.Terminal() || h.pid == 0 {
		h.mu.Unlock()
		return
	}
	h.stopping = true
	pid := h.pid
	h.mu.Unlock()

	// Signal the whole process group so wrapper-script children go too.
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-h.done:
		return
	case <-time.After(grace):
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	<-h.done
}
