// Package server exposes the orchestrator over WebSocket and HTTP: the
// persistent client channel, the machine-facing status endpoints, and the
// Prometheus scrape target.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor/internal/channel"
	"conductor/internal/config"
	"conductor/internal/graph"
	"conductor/internal/logging"
	"conductor/internal/observability"
	"conductor/internal/task"
)

// Version is stamped by the build; the default marks dev builds.
var Version = "dev"

// Server ties the gin router to the orchestrator components.
type Server struct {
	engine   *gin.Engine
	cfg      config.RuntimeConfig
	store    *task.Store
	channels *channel.Registry
	runner   *graph.Runner
	metrics  *observability.Metrics
	logger   logging.Logger
	httpSrv  *http.Server
}

// New builds the router. Verbose keeps gin's request log; otherwise the
// engine runs in release mode and only the component logger speaks.
func New(cfg config.RuntimeConfig, store *task.Store, channels *channel.Registry, runner *graph.Runner, metrics *observability.Metrics, logger logging.Logger) *Server {
	if !cfg.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	if cfg.Verbose {
		engine.Use(gin.Logger())
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		engine:   engine,
		cfg:      cfg,
		store:    store,
		channels: channels,
		runner:   runner,
		metrics:  metrics,
		logger:   logging.OrNop(logger),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/ws/:client_id", s.handleWebSocket)

	s.engine.GET("/", s.handleRoot)
	s.engine.GET("/status", s.handleStatus)
	s.engine.GET("/tasks", s.handleTasks)
	s.engine.GET("/tasks/:task_id", s.handleTask)
	s.engine.GET("/clients", s.handleClients)
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening on %s", s.cfg.ListenAddr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "conductor",
		"version": Version,
		"endpoints": gin.H{
			"websocket": "/ws/:client_id",
			"status":    "/status",
			"tasks":     "/tasks",
			"clients":   "/clients",
			"health":    "/healthz",
			"metrics":   "/metrics",
		},
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": len(s.channels.ConnectedClients()),
		"tasks_total":       s.store.Len(),
		"tasks_active":      s.store.ActiveCount(),
		"planner_model":     s.cfg.PlannerModel,
		"executor_model":    s.cfg.ExecutorModel,
	})
}

func (s *Server) handleTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": s.store.List()})
}

func (s *Server) handleTask(c *gin.Context) {
	t, err := s.store.Get(c.Param("task_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, t.Snapshot())
}

func (s *Server) handleClients(c *gin.Context) {
	clients := make([]gin.H, 0)
	for _, clientID := range s.channels.ConnectedClients() {
		active := 0
		for _, t := range s.store.ListByClient(clientID) {
			if t.Status().Active() {
				active++
			}
		}
		clients = append(clients, gin.H{
			"client_id":    clientID,
			"active_tasks": active,
			"total_tasks":  len(s.store.ListByClient(clientID)),
		})
	}
	c.JSON(http.StatusOK, gin.H{"clients": clients})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
