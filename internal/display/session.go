package display

import (
	"time"

	"github.com/kit-playground/playground/internal/process"
)

// SessionState is the lifecycle state of a display session.
type SessionState string

const (
	SessionAllocated  SessionState = "allocated"
	SessionStarted    SessionState = "started"
	SessionAppRunning SessionState = "app-running"
	SessionStopped    SessionState = "stopped"
	SessionFailed     SessionState = "failed"
)

// Terminal reports whether the session can make no further transitions.
func (s SessionState) Terminal() bool {
	return s == SessionStopped || s == SessionFailed
}

// Session pairs a virtual display number with its derived TCP port and owns
// at most one display-server process and one attached application process.
// All fields are guarded by the Manager's mutex; callers see snapshots via
// SessionInfo.
type Session struct {
	ID        string
	Display   int
	Port      int
	BindHost  string
	CreatedAt time.Time

	state    SessionState
	server   *process.Handle
	app      *process.Handle
	released bool
}

// SessionInfo is an immutable snapshot of a session for callers outside the
// manager's lock.
type SessionInfo struct {
	ID        string       `json:"id"`
	Display   int          `json:"display"`
	Port      int          `json:"port"`
	BindHost  string       `json:"bind_host"`
	State     SessionState `json:"state"`
	ServerPID int          `json:"server_pid,omitempty"`
	AppPID    int          `json:"app_pid,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

func (s *Session) info() SessionInfo {
	info := SessionInfo{
		ID:        s.ID,
		Display:   s.Display,
		Port:      s.Port,
		BindHost:  s.BindHost,
		State:     s.state,
		CreatedAt: s.CreatedAt,
	}
	if s.server != nil {
		info.ServerPID = s.server.PID()
	}
	if s.app != nil {
		info.AppPID = s.app.PID()
	}
	return info
}
