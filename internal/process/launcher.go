package process

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/kit-playground/playground/internal/validate"
)

// LaunchError wraps an OS-level spawn failure (binary missing, permission
// denied). It is never retried automatically.
type LaunchError struct {
	Name string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %s: %v", e.Name, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Launcher is the only component that spawns registry-tracked build/run
// processes. Commands are always argument vectors; nothing here ever goes
// through a shell.
type Launcher struct {
	registry *Registry
	sink     Sink
	log      *slog.Logger
}

// NewLauncher creates a launcher that registers processes in registry and
// emits lifecycle/output events to sink.
func NewLauncher(registry *Registry, sink Sink) *Launcher {
	if sink == nil {
		sink = NopSink{}
	}
	return &Launcher{
		registry: registry,
		sink:     sink,
		log:      slog.With("component", "launcher"),
	}
}

// Launch spawns argv in dir with env merged over the inherited environment,
// registers the process under name, and starts streaming its output.
// Registration happens before the spawn so the capacity check and the
// insert are one critical section; a spawn failure rolls the registration
// back. The call returns as soon as the child is started, never when it
// finishes.
func (l *Launcher) Launch(name string, argv []string, dir string, env map[string]string) (*Handle, error) {
	// Defensive re-validation: the boundary validated already, but the
	// launcher is the last gate before the OS.
	if !validate.Identifier(name) {
		return nil, validate.ErrInvalidIdentifier
	}
	if len(argv) == 0 {
		return nil, &LaunchError{Name: name, Err: fmt.Errorf("empty argument vector")}
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, &LaunchError{Name: name, Err: fmt.Errorf("working directory %q does not exist", dir)}
	}

	h := newHandle(name, argv, dir)
	if err := l.registry.Register(h); err != nil {
		return nil, err
	}

	if err := start(h, env, l.sink); err != nil {
		l.registry.Unregister(name)
		return nil, &LaunchError{Name: name, Err: err}
	}

	l.log.Info("process started", "name", name, "pid", h.PID(), "dir", dir)

	// Drop the entry once the watcher marks the process terminal.
	go func() {
		<-h.Done()
		l.registry.removeIfCurrent(name, h)
	}()

	return h, nil
}

// Wait blocks until the process is terminal or timeout elapses. It returns
// done=false when the process is still running at the deadline, so callers
// report "still running" instead of hanging forever.
func (l *Launcher) Wait(h *Handle, timeout time.Duration) (done bool, exitCode int, err error) {
	select {
	case <-h.Done():
		return true, h.ExitCode(), h.Err()
	case <-time.After(timeout):
		return false, 0, nil
	}
}

// Start spawns argv without registry tracking. Display sessions use this
// for their display-server and application children, which live in the
// session table instead of the general registry.
func Start(name string, argv []string, dir string, env map[string]string, sink Sink) (*Handle, error) {
	if sink == nil {
		sink = NopSink{}
	}
	h := newHandle(name, argv, dir)
	if err := start(h, env, sink); err != nil {
		return nil, &LaunchError{Name: name, Err: err}
	}
	return h, nil
}

// start wires up the exec.Cmd, spawns it, and launches the output
// forwarders and exit watcher.
func start(h *Handle, env map[string]string, sink Sink) error {
	cmd := exec.Command(h.Argv[0], h.Argv[1:]...)
	cmd.Dir = h.Dir

	// Own process group, so Stop can signal the child and its descendants.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// The child inherits the parent environment with overrides merged on top.
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.markExited(-1, err)
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		h.markExited(-1, err)
		return err
	}

	if err := cmd.Start(); err != nil {
		h.markExited(-1, err)
		return err
	}

	h.cmd = cmd
	h.setRunning(cmd.Process.Pid)
	sink.Emit(Event{Kind: EventStarted, Name: h.Name})

	var readers sync.WaitGroup
	readers.Add(2)
	go forwardOutput(h, stdout, sink, &readers)
	go forwardOutput(h, stderr, sink, &readers)

	go watch(h, sink, &readers)

	return nil
}

// forwardOutput line-buffers one pipe into the handle's tail, its
// broadcaster, and the event sink.
func forwardOutput(h *Handle, pipe io.ReadCloser, sink Sink, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 512*1024)
	for scanner.Scan() {
		line := scanner.Text()
		h.appendTail(line)
		h.output.Publish(line)
		sink.Emit(Event{Kind: EventOutput, Name: h.Name, Payload: line})
	}
}

// watch waits for process exit, records the terminal state, and emits the
// exited event. Wait must not be called until both pipe readers drained.
func watch(h *Handle, sink Sink, readers *sync.WaitGroup) {
	readers.Wait()
	err := h.cmd.Wait()

	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	h.markExited(code, err)
	sink.Emit(Event{Kind: EventExited, Name: h.Name, Payload: fmt.Sprintf("%d", code)})
}
