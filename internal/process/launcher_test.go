package process

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordSink captures emitted events for assertions.
type recordSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordSink) kinds() []EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]EventKind, len(s.events))
	for i, e := range s.events {
		kinds[i] = e.Kind
	}
	return kinds
}

func (s *recordSink) outputLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lines []string
	for _, e := range s.events {
		if e.Kind == EventOutput {
			lines = append(lines, e.Payload)
		}
	}
	return lines
}

func waitTerminal(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not reach a terminal state")
	}
}

func TestLaunchStreamsOutputAndExits(t *testing.T) {
	sink := &recordSink{}
	r := NewRegistry(10, time.Second)
	l := NewLauncher(r, sink)

	h, err := l.Launch("hello", []string{"echo", "hello world"}, t.TempDir(), nil)
	require.NoError(t, err)

	waitTerminal(t, h)
	assert.Equal(t, StateExited, h.State())
	assert.Equal(t, 0, h.ExitCode())
	assert.Contains(t, sink.outputLines(), "hello world")
	assert.Contains(t, h.OutputTail(), "hello world")

	kinds := sink.kinds()
	assert.Equal(t, EventStarted, kinds[0])
	assert.Equal(t, EventExited, kinds[len(kinds)-1])
}

func TestLaunchUnregistersOnExit(t *testing.T) {
	r := NewRegistry(10, time.Second)
	l := NewLauncher(r, nil)

	h, err := l.Launch("quick", []string{"true"}, t.TempDir(), nil)
	require.NoError(t, err)

	waitTerminal(t, h)
	assert.Eventually(t, func() bool {
		_, ok := r.Lookup("quick")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLaunchNonZeroExit(t *testing.T) {
	r := NewRegistry(10, time.Second)
	l := NewLauncher(r, nil)

	h, err := l.Launch("failing", []string{"false"}, t.TempDir(), nil)
	require.NoError(t, err)

	waitTerminal(t, h)
	assert.Equal(t, StateExited, h.State())
	assert.Equal(t, 1, h.ExitCode())
}

func TestLaunchMissingBinary(t *testing.T) {
	r := NewRegistry(10, time.Second)
	l := NewLauncher(r, nil)

	_, err := l.Launch("missing", []string{"definitely-not-a-real-binary"}, t.TempDir(), nil)

	var le *LaunchError
	require.ErrorAs(t, err, &le)

	// A failed spawn must not leave a registry entry behind.
	_, ok := r.Lookup("missing")
	assert.False(t, ok)
}

func TestLaunchRejectsInvalidName(t *testing.T) {
	r := NewRegistry(10, time.Second)
	l := NewLauncher(r, nil)

	_, err := l.Launch("app; rm -rf /", []string{"true"}, t.TempDir(), nil)
	require.Error(t, err)

	// Nothing was spawned or registered.
	assert.Empty(t, r.ListActive())
}

func TestLaunchRejectsMissingWorkingDir(t *testing.T) {
	r := NewRegistry(10, time.Second)
	l := NewLauncher(r, nil)

	_, err := l.Launch("nodir", []string{"true"}, "/nonexistent/working/dir", nil)

	var le *LaunchError
	require.ErrorAs(t, err, &le)
	assert.Empty(t, r.ListActive())
}

func TestLaunchEnvOverride(t *testing.T) {
	sink := &recordSink{}
	r := NewRegistry(10, time.Second)
	l := NewLauncher(r, sink)

	h, err := l.Launch("env-check", []string{"printenv", "PLAYGROUND_TEST_VAR"}, t.TempDir(),
		map[string]string{"PLAYGROUND_TEST_VAR": "injected"})
	require.NoError(t, err)

	waitTerminal(t, h)
	assert.Equal(t, 0, h.ExitCode())
	assert.Contains(t, sink.outputLines(), "injected")
}

func TestWaitTimeoutReportsStillRunning(t *testing.T) {
	r := NewRegistry(10, time.Second)
	l := NewLauncher(r, nil)

	h, err := l.Launch("sleeper", []string{"sleep", "60"}, t.TempDir(), nil)
	require.NoError(t, err)
	defer h.Stop(time.Second)

	done, _, err := l.Wait(h, 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, StateRunning, h.State())
}

func TestWaitReturnsExitCode(t *testing.T) {
	r := NewRegistry(10, time.Second)
	l := NewLauncher(r, nil)

	h, err := l.Launch("waiter", []string{"false"}, t.TempDir(), nil)
	require.NoError(t, err)

	done, code, _ := l.Wait(h, 10*time.Second)
	assert.True(t, done)
	assert.Equal(t, 1, code)
}

func TestTerminateStopsRunningProcess(t *testing.T) {
	r := NewRegistry(10, 2*time.Second)
	l := NewLauncher(r, nil)

	h, err := l.Launch("victim", []string{"sleep", "60"}, t.TempDir(), nil)
	require.NoError(t, err)
	require.Equal(t, StateRunning, h.State())

	require.NoError(t, r.Terminate("victim"))

	waitTerminal(t, h)
	assert.Equal(t, StateKilled, h.State())

	_, ok := r.Lookup("victim")
	assert.False(t, ok)
}

func TestShutdownReapsAllChildren(t *testing.T) {
	r := NewRegistry(10, 2*time.Second)
	l := NewLauncher(r, nil)

	var handles []*Handle
	for _, name := range []string{"sleep-a", "sleep-b", "sleep-c"} {
		h, err := l.Launch(name, []string{"sleep", "60"}, t.TempDir(), nil)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	r.Shutdown()

	for _, h := range handles {
		waitTerminal(t, h)
		assert.True(t, h.State().Terminal())
	}
	assert.Empty(t, r.ListActive())
}

func TestCapacityUnderConcurrentLaunches(t *testing.T) {
	const capacity = 3
	r := NewRegistry(capacity, 2*time.Second)
	l := NewLauncher(r, nil)
	dir := t.TempDir()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		rejected int
		handles  []*Handle
	)

	for i := 0; i < capacity+1; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := l.Launch("slot-"+string(rune('a'+i)), []string{"sleep", "60"}, dir, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rejected++
				return
			}
			handles = append(handles, h)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, rejected)
	assert.Len(t, r.ListActive(), capacity)

	r.Shutdown()
	for _, h := range handles {
		waitTerminal(t, h)
	}
}

func TestStartUntracked(t *testing.T) {
	h, err := Start("loose", []string{"echo", "untracked"}, t.TempDir(), nil, nil)
	require.NoError(t, err)

	waitTerminal(t, h)
	assert.Equal(t, StateExited, h.State())
	assert.Contains(t, h.OutputTail(), "untracked")
}

func TestStopIsIdempotentOnTerminalProcess(t *testing.T) {
	h, err := Start("short", []string{"true"}, t.TempDir(), nil, nil)
	require.NoError(t, err)

	waitTerminal(t, h)
	state := h.State()

	// Stopping an already-terminal process changes nothing.
	h.Stop(time.Second)
	assert.Equal(t, state, h.State())
}
