// Package server exposes the pipeline control plane over HTTP and
// streams run logs over WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"toeic-pipeline/internal/browse"
	"toeic-pipeline/internal/domain"
	"toeic-pipeline/internal/logs"
	"toeic-pipeline/internal/pipeline"
	"toeic-pipeline/internal/rotation"
	"toeic-pipeline/internal/runs"
)

const (
	modelsTimeout    = 30 * time.Second
	logWriteDeadline = 10 * time.Second
)

// Server wires the control-plane endpoints to the run controller,
// rotator, broadcaster, and browser.
type Server struct {
	echo        *echo.Echo
	controller  *runs.Controller
	rotator     *rotation.Rotator
	broadcaster *logs.Broadcaster
	browser     *browse.Browser
	clients     map[string]pipeline.ProviderClient
	log         zerolog.Logger
	upgrader    websocket.Upgrader
}

// New builds the server and registers all pipeline routes.
func New(
	controller *runs.Controller,
	rotator *rotation.Rotator,
	broadcaster *logs.Broadcaster,
	browser *browse.Browser,
	clients map[string]pipeline.ProviderClient,
	logger zerolog.Logger,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:        e,
		controller:  controller,
		rotator:     rotator,
		broadcaster: broadcaster,
		browser:     browser,
		clients:     clients,
		log:         logger,
		upgrader: websocket.Upgrader{
			// The UI is served from a different origin in development.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	g := e.Group("/pipeline")
	g.GET("/status", s.handleStatus)
	g.POST("/clear-completed", s.handleClearCompleted)
	g.GET("/config", s.handleGetConfig)
	g.POST("/config", s.handleSetConfig)
	g.GET("/models", s.handleModels)
	g.POST("/run", s.handleRun)
	g.POST("/stop", s.handleStop)
	g.GET("/browse", s.handleBrowse)
	g.GET("/logs", s.handleLogs)

	return s
}

// Start serves HTTP on the given address until the listener fails.
func (s *Server) Start(addr string) error {
	s.log.Info().Str("addr", addr).Msg("control plane listening")
	return s.echo.Start(addr)
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree, used by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

type statusResponse struct {
	Running       bool                     `json:"running"`
	RunID         string                   `json:"run_id,omitempty"`
	TestID        string                   `json:"test_id,omitempty"`
	Part          int                      `json:"part,omitempty"`
	StartedAt     *time.Time               `json:"started_at"`
	LastCompleted domain.CompletedSnapshot `json:"last_completed"`
}

// handleStatus reports the current run state and last-completed summary.
func (s *Server) handleStatus(c echo.Context) error {
	snap := s.controller.Status()
	return c.JSON(http.StatusOK, statusResponse{
		Running:       snap.Current.Status == domain.RunStatusRunning,
		RunID:         snap.Current.ID,
		TestID:        snap.Current.TestID,
		Part:          snap.Current.Part,
		StartedAt:     snap.Current.StartedAt,
		LastCompleted: snap.LastCompleted,
	})
}

// handleClearCompleted resets the last-completed snapshot to nulls.
func (s *Server) handleClearCompleted(c echo.Context) error {
	if err := s.controller.ClearCompleted(); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"message": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

// handleGetConfig returns the provider pool and the active resource.
func (s *Server) handleGetConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"settings":        s.rotator.GetConfig(),
		"active_resource": s.rotator.ActiveResource(),
	})
}

// handleSetConfig validates and replaces the provider pool.
func (s *Server) handleSetConfig(c echo.Context) error {
	var settings domain.Settings
	if err := c.Bind(&settings); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "malformed settings payload"})
	}

	if err := s.rotator.SetConfig(settings); err != nil {
		if errors.Is(err, rotation.ErrInvalidConfig) {
			return c.JSON(http.StatusBadRequest, echo.Map{"message": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"message": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "success"})
}

type modelsResponse struct {
	Provider string   `json:"provider"`
	Models   []string `json:"models"`
	Error    string   `json:"error,omitempty"`
}

// handleModels lists the active provider's model catalog. Errors are
// returned in-band so the settings UI can render them.
func (s *Server) handleModels(c echo.Context) error {
	active := s.rotator.ActiveProvider()
	resp := modelsResponse{Provider: active, Models: []string{}}

	client, ok := s.clients[active]
	if !ok {
		resp.Error = fmt.Sprintf("no client for provider %q", active)
		return c.JSON(http.StatusOK, resp)
	}

	key, _, err := s.rotator.Acquire(active)
	if err != nil {
		resp.Error = err.Error()
		return c.JSON(http.StatusOK, resp)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), modelsTimeout)
	defer cancel()
	models, err := client.ListModels(ctx, key.Key)
	if err != nil {
		resp.Error = err.Error()
		return c.JSON(http.StatusOK, resp)
	}

	resp.Models = models
	return c.JSON(http.StatusOK, resp)
}

type runRequest struct {
	Part   int              `json:"part"`
	TestID string           `json:"test_id"`
	Config domain.RunConfig `json:"config"`
}

// handleRun starts a new pipeline run. A start during an active run is
// rejected, not queued.
func (s *Server) handleRun(c echo.Context) error {
	var req runRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"message": "malformed run request"})
	}
	if req.TestID == "" {
		req.TestID = "ETS_Test_01"
	}

	run, err := s.controller.Start(req.Part, req.TestID, req.Config)
	switch {
	case errors.Is(err, runs.ErrRunConflict):
		return c.JSON(http.StatusConflict, echo.Map{"message": "Pipeline already running"})
	case errors.Is(err, runs.ErrInvalidPart):
		return c.JSON(http.StatusBadRequest, echo.Map{"message": err.Error()})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, echo.Map{"message": err.Error()})
	}

	return c.JSON(http.StatusAccepted, echo.Map{
		"status":  "started",
		"run_id":  run.ID,
		"part":    run.Part,
		"test_id": run.TestID,
	})
}

// handleStop requests cooperative cancellation of the active run.
func (s *Server) handleStop(c echo.Context) error {
	if err := s.controller.Stop(); err != nil {
		if errors.Is(err, runs.ErrNoActiveRun) {
			return c.JSON(http.StatusNotFound, echo.Map{"message": "No active pipeline running"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"message": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "Pipeline stopped"})
}

// handleBrowse lists one directory under the project root. Errors are
// returned in-band with an empty item list.
func (s *Server) handleBrowse(c echo.Context) error {
	listing, err := s.browser.List(c.QueryParam("path"))
	if err != nil {
		return c.JSON(http.StatusOK, echo.Map{"error": err.Error(), "items": []browse.Item{}})
	}
	return c.JSON(http.StatusOK, listing)
}

// handleLogs upgrades to WebSocket and streams log lines, one text frame
// per line: greeting, state hint, buffered backlog, then live output.
func (s *Server) handleLogs(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := s.broadcaster.Attach()
	defer s.broadcaster.Detach(sub)

	greeting := fmt.Sprintf("[*] Connected. Active: %s", s.rotator.ActiveResource())
	if err := s.writeLine(conn, greeting); err != nil {
		return nil
	}
	if snap := s.controller.Status(); snap.Current.Status == domain.RunStatusRunning {
		state := fmt.Sprintf("[STATE] Running: %s (Part %d)", snap.Current.TestID, snap.Current.Part)
		if err := s.writeLine(conn, state); err != nil {
			return nil
		}
	}

	// Reader detects client disconnect; detaching closes the line
	// channel and ends the write loop.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.broadcaster.Detach(sub)
				return
			}
		}
	}()

	for line := range sub.Lines() {
		if err := s.writeLine(conn, line); err != nil {
			return nil
		}
	}
	return nil
}

// writeLine sends one text frame with a bounded deadline.
func (s *Server) writeLine(conn *websocket.Conn, line string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(logWriteDeadline))
	return conn.WriteMessage(websocket.TextMessage, []byte(line))
}
