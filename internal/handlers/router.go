// Package handlers serves the server's HTTP API
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/irisdrone/checkpoint/internal/health"
	"github.com/irisdrone/checkpoint/internal/metrics"
	"github.com/irisdrone/checkpoint/internal/natsserver"
	"github.com/irisdrone/checkpoint/internal/notify"
	"github.com/irisdrone/checkpoint/internal/query"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NATSStats reports broker statistics
type NATSStats interface {
	GetStats() natsserver.Stats
}

// Deps are the services the API reads from
type Deps struct {
	DB      *gorm.DB
	Query   *query.Facade
	Health  *health.Aggregator
	Checker *health.Checker
	Hub     *notify.Hub
	NATS    NATSStats
	Log     *zap.Logger
}

// API holds the handlers
type API struct {
	Deps
}

// New creates the API
func New(deps Deps) *API {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	deps.Log = deps.Log.Named("http")
	return &API{Deps: deps}
}

// RouterConfig controls middleware
type RouterConfig struct {
	Production  bool
	CORSOrigins []string
}

// NewRouter builds the gin engine with every route registered
func NewRouter(api *API, cfg RouterConfig) *gin.Engine {
	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// CORS middleware
	config := cors.DefaultConfig()
	if len(cfg.CORSOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = cfg.CORSOrigins
	}
	config.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	router.Use(cors.New(config))

	// Liveness
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})
	router.GET("/metrics", metrics.Handler())

	// WebSocket route for notifications (outside /api group)
	router.GET("/ws/notifications", api.HandleNotificationsWebSocket)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/statistics", api.GetStatistics)
		v1.GET("/records", api.GetRecords)
		v1.GET("/cameras", api.GetCameras)
		v1.GET("/system", api.GetSystemStats)

		healthGroup := v1.Group("/health")
		{
			healthGroup.GET("/status", api.GetHealthStatus)
			healthGroup.GET("/history", api.GetHealthHistory)
			healthGroup.GET("/samples", api.GetHealthSamples)
			healthGroup.POST("/check", api.PostHealthCheck)
			healthGroup.POST("/database/cleanup", api.PostDatabaseCleanup)
			healthGroup.POST("/database/optimize", api.PostDatabaseOptimize)
		}
	}

	return router
}
