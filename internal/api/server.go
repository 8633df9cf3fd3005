// Package api is the controller's HTTP control surface: target registry
// management, fleet operations, metrics and the operator panel websocket.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HsiangNianian/snyper/internal/controller"
	"github.com/HsiangNianian/snyper/internal/store"
	"github.com/HsiangNianian/snyper/internal/ws"
)

// Fleet is the orchestrator surface the API drives.
type Fleet interface {
	ws.Fleet
	Register(ctx context.Context, name, address string) error
	Remove(ctx context.Context, name string) error
	Targets(ctx context.Context) ([]store.Target, error)
}

type Server struct {
	router *gin.Engine
	fleet  Fleet
	logger *slog.Logger
}

var _ Fleet = (*controller.Orchestrator)(nil)

// NewServer builds the router. A nil hub leaves /ws/panel unmounted and a
// nil gatherer leaves /metrics unmounted.
func NewServer(fleet Fleet, hub *ws.Hub, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{router: router, fleet: fleet, logger: logger}
	s.setupRoutes(hub, gatherer)
	return s
}

func (s *Server) setupRoutes(hub *ws.Hub, gatherer prometheus.Gatherer) {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	api := s.router.Group("/api/v1")
	{
		api.GET("/targets", s.listTargets)
		api.POST("/targets", s.registerTarget)
		api.DELETE("/targets/:name", s.removeTarget)

		api.POST("/ping", s.fleetOp(controller.OpPing, s.fleet.PingAll))
		api.POST("/raise", s.fleetOp(controller.OpRaise, s.fleet.RaiseAll))
		api.POST("/lower", s.fleetOp(controller.OpLower, s.fleet.LowerAll))
		api.POST("/cleanup", s.fleetOp(controller.OpCleanup, s.fleet.Cleanup))
		api.POST("/activate", s.activate)
	}

	if gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	if hub != nil {
		s.router.GET("/ws/panel", gin.WrapF(hub.HandlePanel))
	}
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) listTargets(c *gin.Context) {
	targets, err := s.fleet.Targets(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list targets", "details": err.Error()})
		return
	}
	if targets == nil {
		targets = []store.Target{}
	}
	c.JSON(http.StatusOK, gin.H{"targets": targets})
}

func (s *Server) registerTarget(c *gin.Context) {
	var request struct {
		Name    string `json:"name" binding:"required"`
		Address string `json:"address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}
	if err := s.fleet.Register(c.Request.Context(), request.Name, request.Address); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to register target", "details": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, store.Target{Name: request.Name, Address: request.Address})
}

func (s *Server) removeTarget(c *gin.Context) {
	name := c.Param("name")
	err := s.fleet.Remove(c.Request.Context(), name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Target not found", "name": name})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove target", "details": err.Error()})
	default:
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) fleetOp(op string, run func(context.Context) (controller.Results, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		results, err := run(c.Request.Context())
		s.writeResults(c, op, results, err)
	}
}

func (s *Server) activate(c *gin.Context) {
	var request struct {
		Duration int `json:"duration" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}
	results, err := s.fleet.ActivateAll(c.Request.Context(), request.Duration)
	s.writeResults(c, controller.OpActivate, results, err)
}

func (s *Server) writeResults(c *gin.Context, op string, results controller.Results, err error) {
	switch {
	case errors.Is(err, controller.ErrInvalidDuration):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid duration", "details": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Fleet operation failed", "op": op, "details": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"op": op, "results": results})
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
		)
	}
}
