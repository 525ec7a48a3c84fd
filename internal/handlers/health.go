package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/irisdrone/checkpoint/internal/database"
	"github.com/irisdrone/checkpoint/internal/health"
	"github.com/irisdrone/checkpoint/internal/models"
	"github.com/irisdrone/checkpoint/internal/query"
	"go.uber.org/zap"
)

// intQuery reads an integer query parameter clamped to [lo, hi]
func intQuery(c *gin.Context, key string, def, lo, hi int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func healthFilter(c *gin.Context) health.Filter {
	return health.Filter{CameraID: c.Query("camera_id"), Component: c.Query("component")}
}

// GetHealthStatus handles GET /api/v1/health/status?minutes=N
func (a *API) GetHealthStatus(c *gin.Context) {
	minutes := intQuery(c, "minutes", 60, 1, 7*24*60)
	sum, err := a.Health.Summarize(c.Request.Context(), time.Duration(minutes)*time.Minute, healthFilter(c))
	if err != nil {
		// dashboards show UNKNOWN rather than an error page
		a.Log.Error("health summary failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"overall_status": models.HealthUnknown,
			"window_minutes": minutes,
			"components":     gin.H{},
			"error":          "health data unavailable",
		})
		return
	}
	c.JSON(http.StatusOK, sum)
}

// GetHealthHistory handles GET /api/v1/health/history?hours=N
func (a *API) GetHealthHistory(c *gin.Context) {
	hours := intQuery(c, "hours", 24, 1, 7*24)
	buckets, err := a.Health.History(c.Request.Context(), hours, healthFilter(c))
	if err != nil {
		a.Log.Error("health history failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"hours": hours, "history": []health.HourBucket{}, "error": "health data unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"hours": hours, "history": buckets})
}

// GetHealthSamples handles GET /api/v1/health/samples
func (a *API) GetHealthSamples(c *gin.Context) {
	filter := query.HealthFilter{
		CameraID:  c.Query("camera_id"),
		Component: c.Query("component"),
	}
	if raw := c.Query("min_status"); raw != "" {
		st := models.HealthStatus(raw)
		if st.Severity() == 0 && st != models.HealthUnknown {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid min_status, expected PASS, WARNING, FAIL or UNKNOWN"})
			return
		}
		filter.MinStatus = st
	}
	var ok bool
	if filter.From, ok = timeFromQuery(c, "from"); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid from"})
		return
	}
	if filter.To, ok = timeFromQuery(c, "to"); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid to"})
		return
	}

	res, err := a.Query.HealthSamples(c.Request.Context(), filter, pageFromQuery(c))
	if err != nil {
		a.Log.Error("health samples query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch health samples"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// PostHealthCheck handles POST /api/v1/health/check
func (a *API) PostHealthCheck(c *gin.Context) {
	samples, err := a.Checker.Check(c.Request.Context())
	if err != nil {
		a.Log.Error("self-check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"overall_status": models.HealthFail, "samples": samples, "error": err.Error()})
		return
	}

	overall := models.HealthUnknown
	for _, s := range samples {
		if s.Status.Severity() > overall.Severity() {
			overall = s.Status
		}
	}
	c.JSON(http.StatusOK, gin.H{"overall_status": overall, "samples": samples})
}

// PostDatabaseCleanup handles POST /api/v1/health/database/cleanup
func (a *API) PostDatabaseCleanup(c *gin.Context) {
	var req struct {
		Days int `json:"days" binding:"required,min=1,max=3650"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days is required and must be between 1 and 3650"})
		return
	}

	deleted, err := a.Health.Cleanup(c.Request.Context(), req.Days)
	if err != nil {
		a.Log.Error("health cleanup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clean up health samples"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deleted": deleted, "retention_days": req.Days})
}

// PostDatabaseOptimize handles POST /api/v1/health/database/optimize
func (a *API) PostDatabaseOptimize(c *gin.Context) {
	res, err := database.Optimize(c.Request.Context(), a.DB)
	if err != nil {
		a.Log.Error("database optimize failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to optimize database"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"dialect":     res.Dialect,
		"statements":  res.Statements,
		"duration_ms": res.Duration.Milliseconds(),
	})
}
