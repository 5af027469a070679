// Package api exposes the operational HTTP surface of the pipeline.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ppiankov/secdash/internal/health"
	"github.com/ppiankov/secdash/internal/jobs"
	"github.com/ppiankov/secdash/internal/manager"
	"github.com/ppiankov/secdash/internal/models"
	"github.com/ppiankov/secdash/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const defaultHistoryWindow = 24 * time.Hour

// ConnectorManager is the part of the manager the API drives
type ConnectorManager interface {
	Health(ctx context.Context, id string) (models.Health, error)
	Reload(ctx context.Context) error
}

// Enqueuer submits jobs
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any) (string, error)
}

// Options configure a Server
type Options struct {
	Store      storage.Gateway
	Manager    ConnectorManager
	Queue      Enqueuer
	Logger     *logrus.Logger
	Gatherer   prometheus.Gatherer // nil uses the default gatherer
	BodyLimit  int64
	RateLimit  int
	RateWindow time.Duration
}

// Server serves the operational API
type Server struct {
	router  *gin.Engine
	store   storage.Gateway
	manager ConnectorManager
	queue   Enqueuer
	logger  *logrus.Logger
	now     func() time.Time
}

// NewServer builds the router
func NewServer(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(opts.Logger), SecurityHeaders(), BodySizeLimit(opts.BodyLimit))

	s := &Server{
		router:  router,
		store:   opts.Store,
		manager: opts.Manager,
		queue:   opts.Queue,
		logger:  opts.Logger,
		now:     time.Now,
	}

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.setupRoutes(gatherer, RateLimitPerIP(opts.RateLimit, opts.RateWindow))
	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer, limiter gin.HandlerFunc) {
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := s.router.Group("/api")
	{
		api.GET("/connectors", s.handleListConnectors)
		api.GET("/connectors/:id/health", s.handleConnectorHealth)
		api.POST("/connectors/reload", limiter, s.handleReload)

		api.POST("/sync/incidents", limiter, s.handleSync(jobs.SyncIncidents))
		api.POST("/sync/assets", limiter, s.handleSync(jobs.SyncAssets))
		api.GET("/sync/logs", s.handleSyncLogs)

		api.GET("/metrics/latest", s.handleLatestMetrics)
		api.GET("/metrics/history", s.handleMetricsHistory)
		api.GET("/metrics/trend", s.handleTrend)
	}
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListConnectors(c *gin.Context) {
	configs, err := s.store.ListConnectorConfigs(c.Request.Context(), false)
	if err != nil {
		s.internalError(c, "failed to list connectors", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connectors": configs})
}

func (s *Server) handleConnectorHealth(c *gin.Context) {
	id := c.Param("id")
	if err := ValidateConnectorID(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h, err := s.manager.Health(c.Request.Context(), id)
	if errors.Is(err, manager.ErrUnknownConnector) {
		c.JSON(http.StatusNotFound, gin.H{"error": "connector not found"})
		return
	}
	if err != nil {
		s.internalError(c, "failed to check connector health", err)
		return
	}
	c.JSON(http.StatusOK, h)
}

func (s *Server) handleReload(c *gin.Context) {
	if err := s.manager.Reload(c.Request.Context()); err != nil {
		s.internalError(c, "failed to reload connectors", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}

func (s *Server) handleSync(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SyncRequest
		if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
			return
		}

		var payload any
		if name == jobs.SyncIncidents {
			since, err := ParseSince(req.Since, s.now())
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			payload = jobs.SyncPayload{Since: since}
		}

		id, err := s.queue.Enqueue(c.Request.Context(), name, payload)
		if errors.Is(err, jobs.ErrQueueFull) || errors.Is(err, jobs.ErrClosed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			s.internalError(c, "failed to enqueue job", err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_id": id, "job": name})
	}
}

func (s *Server) handleSyncLogs(c *gin.Context) {
	limit, err := ParseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	connectorID := c.Query("connector_id")
	if connectorID != "" {
		if err := ValidateConnectorID(connectorID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	logs, err := s.store.ListSyncLogs(c.Request.Context(), connectorID, limit)
	if err != nil {
		s.internalError(c, "failed to list sync logs", err)
		return
	}
	if logs == nil {
		logs = []models.SyncLog{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (s *Server) handleLatestMetrics(c *gin.Context) {
	snap, err := s.store.LatestMetrics(c.Request.Context())
	if err != nil {
		s.internalError(c, "failed to read metrics", err)
		return
	}
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no metrics recorded yet"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleMetricsHistory(c *gin.Context) {
	limit, err := ParseLimit(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	now := s.now()
	since, err := ParseSince(c.Query("since"), now)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if since == nil {
		t := now.Add(-defaultHistoryWindow)
		since = &t
	}

	history, err := s.store.MetricsHistory(c.Request.Context(), *since, limit)
	if err != nil {
		s.internalError(c, "failed to read metrics history", err)
		return
	}
	if history == nil {
		history = []models.MetricsSnapshot{}
	}
	c.JSON(http.StatusOK, gin.H{
		"history":   history,
		"sparkline": health.Sparkline(history),
	})
}

func (s *Server) handleTrend(c *gin.Context) {
	history, err := s.store.MetricsHistory(c.Request.Context(), time.Time{}, 2)
	if err != nil {
		s.internalError(c, "failed to read metrics history", err)
		return
	}
	if len(history) < 2 {
		c.JSON(http.StatusNotFound, gin.H{"error": "need at least two snapshots"})
		return
	}
	c.JSON(http.StatusOK, health.CalculateTrend(&history[1], &history[0]))
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.logger.WithError(err).WithField("path", c.FullPath()).Error(msg)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
