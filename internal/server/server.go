// Package server is the HTTP boundary: it decodes requests, validates user
// input, calls into the process and display managers, and relays core
// events outward over a server-sent event stream. It holds no state of its
// own beyond the event hub.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/kit-playground/playground/internal/config"
	"github.com/kit-playground/playground/internal/display"
	"github.com/kit-playground/playground/internal/kit"
	"github.com/kit-playground/playground/internal/process"
	"github.com/kit-playground/playground/internal/validate"
)

// Server wraps the Gin HTTP server around the core managers
type Server struct {
	cfg         *config.Config
	registry    *process.Registry
	launcher    *process.Launcher
	sessions    *display.Manager
	hub         *Hub
	projectRoot string

	router *gin.Engine
	server *http.Server
	log    *slog.Logger
}

// New creates the HTTP server. projectRoot is the validated root under
// which all user-supplied project paths must resolve; when the configured
// root is empty the current working directory is used.
func New(cfg *config.Config, registry *process.Registry, launcher *process.Launcher,
	sessions *display.Manager, hub *Hub) (*Server, error) {

	root := cfg.Server.ProjectRoot
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to determine project root: %w", err)
		}
		root = cwd
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:         cfg,
		registry:    registry,
		launcher:    launcher,
		sessions:    sessions,
		hub:         hub,
		projectRoot: root,
		router:      router,
		server: &http.Server{
			Addr:    cfg.Server.Listen,
			Handler: router,
		},
		log: slog.With("component", "server"),
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up all HTTP routes
func (s *Server) registerRoutes() {
	api := s.router.Group("/api")

	api.POST("/projects/:name/build", s.handleBuild)
	api.POST("/projects/:name/run", s.handleRun)
	api.POST("/projects/:name/stop", s.handleStop)
	api.GET("/processes", s.handleProcesses)

	api.POST("/sessions", s.handleCreateSession)
	api.GET("/sessions", s.handleListSessions)
	api.POST("/sessions/:id/launch", s.handleLaunchInSession)
	api.GET("/sessions/:id/url", s.handleSessionURL)
	api.DELETE("/sessions/:id", s.handleStopSession)

	api.GET("/events", s.handleEvents)
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.log.Info("listening", "addr", s.cfg.Server.Listen, "project_root", s.projectRoot)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes the event hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

type buildRequest struct {
	Path    string `json:"path" binding:"required"`
	KitFile string `json:"kitFile"`
}

// handleBuild launches a kit build and waits (bounded) for it to finish.
// If the build outlives the configured timeout, it keeps running and the
// response says so instead of hanging the request.
func (s *Server) handleBuild(c *gin.Context) {
	name := c.Param("name")
	if !validate.Identifier(name) {
		s.respondError(c, validate.ErrInvalidIdentifier)
		return
	}

	var req buildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.KitFile != "" && !validate.Identifier(req.KitFile) {
		s.respondError(c, validate.ErrInvalidIdentifier)
		return
	}

	dir, err := validate.Path(s.projectRoot, req.Path)
	if err != nil {
		s.respondError(c, err)
		return
	}

	argv := kit.BuildArgs(s.cfg.Kit.Wrapper)
	if req.KitFile != "" {
		argv = kit.BuildConfigArgs(s.cfg.Kit.Wrapper, req.KitFile)
	}

	procName := name + ".build"
	h, err := s.launcher.Launch(procName, argv, dir, nil)
	if err != nil {
		s.respondError(c, err)
		return
	}

	done, code, _ := s.launcher.Wait(h, s.cfg.Limits.BuildTimeoutDuration())
	switch {
	case !done:
		c.JSON(http.StatusAccepted, gin.H{"name": procName, "status": "running"})
	case code == 0:
		c.JSON(http.StatusOK, gin.H{"name": procName, "status": "succeeded", "output": h.OutputTail()})
	default:
		c.JSON(http.StatusOK, gin.H{
			"name":     procName,
			"status":   "failed",
			"exitCode": code,
			"output":   h.OutputTail(),
		})
	}
}

type runRequest struct {
	Path              string `json:"path" binding:"required"`
	KitFile           string `json:"kitFile"`
	UseDisplaySession bool   `json:"useDisplaySession"`
}

// handleRun starts the project app, either as a plain registry-tracked
// process or attached to a fresh display session for browser preview. The
// response returns as soon as the process is registered, never when it
// finishes.
func (s *Server) handleRun(c *gin.Context) {
	name := c.Param("name")
	if !validate.Identifier(name) {
		s.respondError(c, validate.ErrInvalidIdentifier)
		return
	}

	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.KitFile != "" && !validate.Identifier(req.KitFile) {
		s.respondError(c, validate.ErrInvalidIdentifier)
		return
	}

	dir, err := validate.Path(s.projectRoot, req.Path)
	if err != nil {
		s.respondError(c, err)
		return
	}

	argv := kit.LaunchArgs(s.cfg.Kit.Wrapper, req.KitFile)

	if req.UseDisplaySession {
		info, err := s.sessions.CreateSession("")
		if err != nil {
			s.respondError(c, err)
			return
		}
		if err := s.sessions.LaunchApp(info.ID, argv, dir); err != nil {
			// The caller never learned the session id, so the cleanup is
			// ours: stop the auto-created session or its pool slot and
			// xpra process would leak.
			if stopErr := s.sessions.StopSession(info.ID); stopErr != nil {
				s.log.Warn("failed to stop session after launch failure",
					"session", info.ID, "error", stopErr)
			}
			s.respondError(c, err)
			return
		}
		url, _ := s.sessions.SessionURL(info.ID, requestHost(c))
		c.JSON(http.StatusAccepted, gin.H{"name": name, "sessionId": info.ID, "url": url})
		return
	}

	h, err := s.launcher.Launch(name, argv, dir, nil)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"name": name, "pid": h.PID()})
}

// handleStop terminates the named run process, falling back to the build
// process under the same project name. Unknown names are a warning, not a
// failure.
func (s *Server) handleStop(c *gin.Context) {
	name := c.Param("name")
	if !validate.Identifier(name) {
		s.respondError(c, validate.ErrInvalidIdentifier)
		return
	}

	err := s.registry.Terminate(name)
	if errors.Is(err, process.ErrNotFound) {
		err = s.registry.Terminate(name + ".build")
	}
	if err != nil {
		s.log.Warn("stop requested for unknown process", "name", name)
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "status": "stopped"})
}

func (s *Server) handleProcesses(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"processes": s.registry.ListActive()})
}

type createSessionRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	// Empty body means a generated session id.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.SessionID != "" && !validate.Identifier(req.SessionID) {
		s.respondError(c, validate.ErrInvalidIdentifier)
		return
	}

	info, err := s.sessions.CreateSession(req.SessionID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.List()})
}

type launchInSessionRequest struct {
	Command    []string `json:"command" binding:"required"`
	WorkingDir string   `json:"workingDir" binding:"required"`
}

func (s *Server) handleLaunchInSession(c *gin.Context) {
	id := c.Param("id")

	var req launchInSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	dir, err := validate.Path(s.projectRoot, req.WorkingDir)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if err := s.sessions.LaunchApp(id, req.Command, dir); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": id, "status": "app-running"})
}

func (s *Server) handleSessionURL(c *gin.Context) {
	id := c.Param("id")

	url, err := s.sessions.SessionURL(id, requestHost(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": id, "url": url})
}

func (s *Server) handleStopSession(c *gin.Context) {
	id := c.Param("id")

	if err := s.sessions.StopSession(id); err != nil {
		s.log.Warn("stop requested for unknown session", "session", id)
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": id, "status": "stopped"})
}

// handleEvents streams core events to the client as server-sent events
// until the client disconnects or the hub closes.
func (s *Server) handleEvents(c *gin.Context) {
	ch, unsub := s.hub.Subscribe()
	defer unsub()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case e, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(string(e.Kind), e)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// requestHost returns the hostname the browser used to reach this server,
// so preview URLs work for remote access instead of pointing at localhost.
func requestHost(c *gin.Context) string {
	host := c.Request.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// respondError maps core errors onto HTTP statuses with specific,
// actionable messages.
func (s *Server) respondError(c *gin.Context, err error) {
	var (
		pathErr   *validate.PathError
		launchErr *process.LaunchError
		crashErr  *display.CrashError
	)

	switch {
	case errors.Is(err, validate.ErrInvalidIdentifier), errors.As(err, &pathErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, process.ErrCapacity), errors.Is(err, display.ErrPoolExhausted):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, process.ErrNotFound), errors.Is(err, display.ErrNoSession):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, process.ErrNameInUse),
		errors.Is(err, display.ErrSessionExists),
		errors.Is(err, display.ErrAppRunning),
		errors.Is(err, display.ErrSessionNotStarted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &crashErr):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":    crashErr.Error(),
			"exitCode": crashErr.ExitCode,
			"output":   crashErr.Output,
		})
	case errors.As(err, &launchErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": launchErr.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
