package edge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/irisdrone/checkpoint/internal/delivery"
	"github.com/irisdrone/checkpoint/internal/metrics"
	"github.com/irisdrone/checkpoint/internal/outbox"
	"github.com/irisdrone/checkpoint/internal/protocol"
	"go.uber.org/zap"
)

// Box is the outbox surface the status API needs
type Box interface {
	Appender
	Stats(ctx context.Context) (outbox.Stats, error)
	DeadLetters(ctx context.Context, limit int) ([]outbox.Entry, error)
	Requeue(ctx context.Context, localID string) error
	RequeueAll(ctx context.Context) (int64, error)
}

// AgentStats reports the delivery agent's state
type AgentStats interface {
	Stats() delivery.Stats
}

// Identity describes the node in status responses
type Identity struct {
	NodeName  string `json:"nodeName"`
	NodeModel string `json:"nodeModel"`
	CameraID  string `json:"cameraId"`
	Version   string `json:"version"`
}

// StatusServer is the edge node's local HTTP API
type StatusServer struct {
	id      Identity
	box     Box
	agent   AgentStats
	log     *zap.Logger
	port    int
	router  *gin.Engine
	server  *http.Server
	started time.Time
}

// NewStatusServer creates the local API
func NewStatusServer(id Identity, box Box, agent AgentStats, port int, log *zap.Logger) *StatusServer {
	if log == nil {
		log = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &StatusServer{
		id:      id,
		box:     box,
		agent:   agent,
		log:     log.Named("status-api"),
		port:    port,
		router:  gin.New(),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

// Handler returns the router
func (s *StatusServer) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called
func (s *StatusServer) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}
	s.log.Info("status API starting", zap.Int("port", s.port))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down
func (s *StatusServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *StatusServer) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(gin.Logger())

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/metrics", metrics.Handler())

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)

		// Outbox
		api.GET("/outbox/dead-letter", s.handleDeadLetters)
		api.POST("/outbox/retry/:id", s.handleRetry)
		api.POST("/outbox/retry-all", s.handleRetryAll)

		// Producer hooks for the capture pipeline
		api.POST("/events/detection", s.handleDetection)
		api.POST("/events/health", s.handleHealth)
	}
}

func (s *StatusServer) handleStatus(c *gin.Context) {
	stats, err := s.box.Stats(c.Request.Context())
	if err != nil {
		s.log.Error("outbox stats failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read outbox"})
		return
	}

	out := gin.H{
		"node":          s.id,
		"outbox":        stats,
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
	}
	if s.agent != nil {
		out["delivery"] = s.agent.Stats()
	}
	c.JSON(http.StatusOK, out)
}

func (s *StatusServer) handleDeadLetters(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 1 || limit > 1000 {
		limit = 100
	}
	entries, err := s.box.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *StatusServer) handleRetry(c *gin.Context) {
	id := c.Param("id")
	err := s.box.Requeue(c.Request.Context(), id)
	switch {
	case errors.Is(err, outbox.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "No dead-lettered entry with that id"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.log.Info("entry requeued", zap.String("local_id", id))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *StatusServer) handleRetryAll(c *gin.Context) {
	count, err := s.box.RequeueAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.log.Info("dead letters requeued", zap.Int64("count", count))
	c.JSON(http.StatusOK, gin.H{"success": true, "count": count})
}

// placeholderEventID lets a payload pass validation before Append assigns the real id
const placeholderEventID = "unassigned"

func (s *StatusServer) handleDetection(c *gin.Context) {
	var ev protocol.DetectionEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	if ev.CameraID == "" {
		ev.CameraID = s.id.CameraID
	}
	if ev.CameraID != s.id.CameraID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "camera_id does not belong to this node"})
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.ClientEventID = placeholderEventID
	if err := ev.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.queue(c, protocol.TableDetection, &ev)
}

func (s *StatusServer) handleHealth(c *gin.Context) {
	var ev protocol.HealthEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	if ev.Checkpoint() == "" {
		ev.CameraID = s.id.CameraID
	}
	if ev.Checkpoint() != s.id.CameraID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "camera_id does not belong to this node"})
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.ClientEventID = placeholderEventID
	if err := ev.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.queue(c, protocol.TableHealth, &ev)
}

func (s *StatusServer) queue(c *gin.Context, kind string, ev outbox.Event) {
	id, err := s.box.Append(c.Request.Context(), kind, ev)
	if err != nil {
		s.log.Error("failed to queue event", zap.String("kind", kind), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store event"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "localId": id})
}
