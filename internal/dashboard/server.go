package dashboard

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"balanceflow/config"
	"balanceflow/internal/engine"
	"balanceflow/logger"
)

// cycleSource exposes the last completed reconciliation cycle. The
// engine controller satisfies it.
type cycleSource interface {
	LastCycle() (engine.CycleSnapshot, bool)
}

// Server hosts a small JSON monitoring API: the last reconciliation
// cycle, recent log entries and host resource usage.
type Server struct {
	cfg        config.DashboardConfig
	log        *logger.Log
	controller cycleSource
	logStore   *logStore
	sampler    *resourceSampler
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer constructs a dashboard server when the dashboard feature is
// enabled. When disabled the returned server is nil.
func NewServer(cfg config.DashboardConfig, controller cycleSource, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}

	logStore := newLogStore(200)
	log.AddHook(logStore)

	return &Server{
		cfg:        cfg,
		log:        log,
		controller: controller,
		logStore:   logStore,
		sampler:    newResourceSampler(200, 5*time.Second, log),
		startedAt:  time.Now().UTC(),
	}
}

// Run starts the dashboard HTTP server and blocks until the context is
// cancelled or the server fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}
	defer s.logStore.close()

	s.sampler.start(ctx)
	defer s.sampler.stop()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.registerRoutes(router, appName)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Listen,
		Handler: router,
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{
		"listen": s.cfg.Listen,
	}).Info("dashboard server started")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes(router *gin.Engine, appName string) {
	router.GET("/api/status", func(c *gin.Context) {
		status := gin.H{
			"app":        appName,
			"started_at": s.startedAt,
			"uptime":     time.Since(s.startedAt).String(),
		}
		if snapshot, ok := s.controller.LastCycle(); ok {
			status["last_cycle"] = snapshot
		}
		c.JSON(http.StatusOK, status)
	})

	router.GET("/api/cycle", func(c *gin.Context) {
		snapshot, ok := s.controller.LastCycle()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no cycle completed yet"})
			return
		}
		c.JSON(http.StatusOK, snapshot)
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
	})

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
