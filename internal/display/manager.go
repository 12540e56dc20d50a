package display

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kit-playground/playground/internal/process"
)

var (
	// ErrPoolExhausted is returned when no free display number remains.
	ErrPoolExhausted = errors.New("display pool exhausted, stop a session first")
	// ErrNoSession is returned for operations on an unknown session id.
	ErrNoSession = errors.New("session not found")
	// ErrSessionExists is returned when the caller-chosen id is already live.
	ErrSessionExists = errors.New("session id already in use")
	// ErrSessionNotStarted is returned when an operation requires a running
	// display server.
	ErrSessionNotStarted = errors.New("session display server is not running")
	// ErrAppRunning is returned when a launch is attempted while the
	// session already has an attached application.
	ErrAppRunning = errors.New("session already has a running application")
)

// CrashError reports an application that died within the launch grace
// period, carrying its captured output so the operator can diagnose the
// failure (typically a missing GPU or display driver).
type CrashError struct {
	ExitCode int
	Output   string
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("application exited with code %d immediately after launch", e.ExitCode)
}

// Options configures the session manager.
type Options struct {
	// FirstDisplay and PoolSize bound the display-number pool
	// [FirstDisplay, FirstDisplay+PoolSize).
	FirstDisplay int
	PoolSize     int
	// PortBase derives each session's TCP port: PortBase + (display - FirstDisplay).
	PortBase int
	// BindHost is the address the display server binds to.
	BindHost string
	// XpraBinary is the display-server executable.
	XpraBinary string
	// AppGrace is how long a launched application must survive before the
	// launch is reported successful.
	AppGrace time.Duration
	// StopGrace is the terminate-to-kill grace period for both children.
	StopGrace time.Duration
	// ServerArgv overrides the display-server argument vector; nil uses the
	// xpra invocation. Tests substitute a long-running placeholder here.
	ServerArgv func(binary string, displayNum, port int, bindHost string) []string
}

// xpraArgv builds the display-server invocation: a non-daemonizing xpra
// bound to the derived TCP port with the HTML5 client enabled, so the
// session is reachable from a browser at http://host:port.
func xpraArgv(binary string, displayNum, port int, bindHost string) []string {
	return []string{
		binary,
		"start",
		fmt.Sprintf(":%d", displayNum),
		"--daemon=no",
		fmt.Sprintf("--bind-tcp=%s:%d", bindHost, port),
		"--html=on",
	}
}

// Manager owns the display/port pool and the session table. It is the sole
// writer of both; every mutation happens under one mutex so allocation and
// release can never race.
type Manager struct {
	mu       sync.Mutex
	opts     Options
	sessions map[string]*Session
	used     map[int]bool

	sink  process.Sink
	store *Store
	log   *slog.Logger
}

// NewManager creates a session manager. sink receives process events for
// the display-server and application children; store, if non-nil, persists
// session records for diagnostics.
func NewManager(opts Options, sink process.Sink, store *Store) *Manager {
	if sink == nil {
		sink = process.NopSink{}
	}
	if opts.ServerArgv == nil {
		opts.ServerArgv = xpraArgv
	}
	return &Manager{
		opts:     opts,
		sessions: make(map[string]*Session),
		used:     make(map[int]bool),
		sink:     sink,
		store:    store,
		log:      slog.With("component", "display"),
	}
}

// CreateSession allocates a (display, port) pair, spawns the display
// server, and returns the started session. A caller-chosen id must be
// unique among live sessions; an empty id gets a generated one. If the
// display server fails to spawn, the allocation is rolled back atomically
// so no reservation leaks.
func (m *Manager) CreateSession(id string) (SessionInfo, error) {
	m.mu.Lock()
	if id == "" {
		id = uuid.NewString()
	}
	if existing, ok := m.sessions[id]; ok && !existing.state.Terminal() {
		m.mu.Unlock()
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	displayNum, ok := m.allocateLocked()
	if !ok {
		m.mu.Unlock()
		return SessionInfo{}, ErrPoolExhausted
	}

	sess := &Session{
		ID:        id,
		Display:   displayNum,
		Port:      m.opts.PortBase + (displayNum - m.opts.FirstDisplay),
		BindHost:  m.opts.BindHost,
		CreatedAt: time.Now(),
		state:     SessionAllocated,
	}
	m.sessions[id] = sess
	m.mu.Unlock()

	argv := m.opts.ServerArgv(m.opts.XpraBinary, sess.Display, sess.Port, sess.BindHost)
	h, err := process.Start("display-"+id, argv, "", nil, m.sink)
	if err != nil {
		// Roll the partial allocation back before reporting the failure.
		m.mu.Lock()
		m.releaseLocked(sess)
		delete(m.sessions, id)
		m.mu.Unlock()
		return SessionInfo{}, fmt.Errorf("failed to start display server: %w", err)
	}

	m.mu.Lock()
	if sess.state.Terminal() {
		// Stopped while the display server was spawning.
		m.mu.Unlock()
		h.Stop(m.opts.StopGrace)
		return SessionInfo{}, fmt.Errorf("session %s was stopped during startup", id)
	}
	sess.server = h
	sess.state = SessionStarted
	info := sess.info()
	m.mu.Unlock()

	m.log.Info("display session started", "session", id, "display", sess.Display, "port", sess.Port)
	m.persist(info)

	go m.watchServer(sess, h)

	return info, nil
}

// LaunchApp spawns argv in workingDir attached to the session's display via
// the DISPLAY environment variable. The session must be in started state.
// If the application dies within the grace period, its captured output is
// returned in a *CrashError and the session stays started so the caller can
// retry with a fixed command.
func (m *Manager) LaunchApp(id string, argv []string, workingDir string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	switch sess.state {
	case SessionStarted:
	case SessionAppRunning:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAppRunning, id)
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrSessionNotStarted, id, sess.state)
	}
	displayNum := sess.Display
	m.mu.Unlock()

	env := map[string]string{"DISPLAY": fmt.Sprintf(":%d", displayNum)}
	h, err := process.Start("app-"+id, argv, workingDir, env, m.sink)
	if err != nil {
		return err
	}

	// An app that cannot reach the display typically dies within a couple
	// of seconds; surface its output instead of reporting a silent success.
	select {
	case <-h.Done():
		return &CrashError{ExitCode: h.ExitCode(), Output: h.OutputTail()}
	case <-time.After(m.opts.AppGrace):
	}

	m.mu.Lock()
	switch sess.state {
	case SessionStarted:
	case SessionAppRunning:
		// A concurrent launch won the race during the grace window.
		m.mu.Unlock()
		h.Stop(m.opts.StopGrace)
		return fmt.Errorf("%w: %s", ErrAppRunning, id)
	default:
		// Session was stopped while the app was in its grace period.
		m.mu.Unlock()
		h.Stop(m.opts.StopGrace)
		return fmt.Errorf("%w: %s", ErrSessionNotStarted, id)
	}
	sess.app = h
	sess.state = SessionAppRunning
	info := sess.info()
	m.mu.Unlock()

	m.log.Info("application attached to session", "session", id, "pid", h.PID())
	m.persist(info)

	go m.watchApp(sess, h)

	return nil
}

// SessionURL returns the browser-reachable URL for the session. hostOverride
// is typically the hostname the browser used to reach this server; when
// empty the bind host (or localhost) is used.
func (m *Manager) SessionURL(id, hostOverride string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	if sess.state != SessionStarted && sess.state != SessionAppRunning {
		return "", fmt.Errorf("%w: %s is %s", ErrSessionNotStarted, id, sess.state)
	}

	host := hostOverride
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, sess.Port), nil
}

// StopSession terminates the application (first) and the display server
// (second), each with the two-phase stop, then returns the (display, port)
// pair to the pool. Stopping an already-stopped session is a no-op.
func (m *Manager) StopSession(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	if sess.state.Terminal() {
		m.mu.Unlock()
		return nil
	}
	app := sess.app
	server := sess.server
	sess.app = nil
	sess.state = SessionStopped
	m.mu.Unlock()

	// Application first, so the display server can detach it cleanly.
	if app != nil {
		app.Stop(m.opts.StopGrace)
	}
	if server != nil {
		server.Stop(m.opts.StopGrace)
	}

	m.mu.Lock()
	m.releaseLocked(sess)
	m.mu.Unlock()

	m.log.Info("display session stopped", "session", id)
	if m.store != nil {
		if err := m.store.Delete(id); err != nil {
			m.log.Warn("failed to delete session record", "session", id, "error", err)
		}
	}
	return nil
}

// List returns snapshots of all sessions, sorted by id.
func (m *Manager) List() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, sess := range m.sessions {
		infos = append(infos, sess.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Lookup returns a snapshot of one session.
func (m *Manager) Lookup(id string) (SessionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return sess.info(), true
}

// Shutdown stops every live session so no display-server or application
// child outlives the managing process.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id, sess := range m.sessions {
		if !sess.state.Terminal() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.StopSession(id); err != nil {
				m.log.Warn("failed to stop session on shutdown", "session", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

// allocateLocked hands out the lowest free display number. Caller holds mu.
func (m *Manager) allocateLocked() (int, bool) {
	for d := m.opts.FirstDisplay; d < m.opts.FirstDisplay+m.opts.PoolSize; d++ {
		if !m.used[d] {
			m.used[d] = true
			return d, true
		}
	}
	return 0, false
}

// releaseLocked returns the session's display number to the pool exactly
// once. Caller holds mu.
func (m *Manager) releaseLocked(sess *Session) {
	if sess.released {
		return
	}
	sess.released = true
	delete(m.used, sess.Display)
}

// watchServer marks the session failed if its display server dies while the
// session is still live, releasing the pool pair so it can be reused.
func (m *Manager) watchServer(sess *Session, h *process.Handle) {
	<-h.Done()

	m.mu.Lock()
	if sess.state.Terminal() {
		m.mu.Unlock()
		return
	}
	sess.state = SessionFailed
	m.releaseLocked(sess)
	info := sess.info()
	m.mu.Unlock()

	m.log.Warn("display server exited unexpectedly",
		"session", sess.ID, "exit_code", h.ExitCode(), "output", h.OutputTail())
	m.sink.Emit(process.Event{
		Kind:    process.EventError,
		Name:    "display-" + sess.ID,
		Payload: h.OutputTail(),
	})
	m.persist(info)
}

// watchApp returns the session to started when its application exits, so a
// new application can be attached to the same display.
func (m *Manager) watchApp(sess *Session, h *process.Handle) {
	<-h.Done()

	m.mu.Lock()
	if sess.app != h || sess.state != SessionAppRunning {
		m.mu.Unlock()
		return
	}
	sess.app = nil
	sess.state = SessionStarted
	info := sess.info()
	m.mu.Unlock()

	m.log.Info("session application exited", "session", sess.ID, "exit_code", h.ExitCode())
	m.persist(info)
}

func (m *Manager) persist(info SessionInfo) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(info); err != nil {
		m.log.Warn("failed to persist session record", "session", info.ID, "error", err)
	}
}
