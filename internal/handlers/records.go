package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/irisdrone/checkpoint/internal/query"
	"go.uber.org/zap"
)

// pageFromQuery reads page and per_page; bounds are applied by the facade
func pageFromQuery(c *gin.Context) query.Page {
	var p query.Page
	if v, err := strconv.Atoi(c.Query("page")); err == nil {
		p.Page = v
	}
	if v, err := strconv.Atoi(c.Query("per_page")); err == nil {
		p.PerPage = v
	}
	return p
}

// timeFromQuery accepts RFC3339 or a plain date
func timeFromQuery(c *gin.Context, key string) (*time.Time, bool) {
	raw := c.Query(key)
	if raw == "" {
		return nil, true
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return &parsed, true
		}
	}
	return nil, false
}

// GetStatistics handles GET /api/v1/statistics
func (a *API) GetStatistics(c *gin.Context) {
	stats, err := a.Query.Statistics(c.Request.Context())
	if err != nil {
		a.Log.Error("statistics failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to compute statistics"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetRecords handles GET /api/v1/records
func (a *API) GetRecords(c *gin.Context) {
	filter := query.RecordFilter{
		CameraID: c.Query("camera_id"),
		Plate:    c.Query("plate"),
	}

	var ok bool
	if filter.From, ok = timeFromQuery(c, "from"); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid from, expected RFC3339 or YYYY-MM-DD"})
		return
	}
	if filter.To, ok = timeFromQuery(c, "to"); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid to, expected RFC3339 or YYYY-MM-DD"})
		return
	}
	if raw := c.Query("blacklisted"); raw != "" {
		flag, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid blacklisted, expected true or false"})
			return
		}
		filter.Blacklisted = &flag
	}

	res, err := a.Query.Records(c.Request.Context(), filter, pageFromQuery(c))
	if err != nil {
		a.Log.Error("records query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch records"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetCameras handles GET /api/v1/cameras
func (a *API) GetCameras(c *gin.Context) {
	res, err := a.Query.Cameras(c.Request.Context(), query.CameraFilter{Status: c.Query("status")}, pageFromQuery(c))
	if err != nil {
		a.Log.Error("cameras query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch cameras"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetSystemStats handles GET /api/v1/system
func (a *API) GetSystemStats(c *gin.Context) {
	out := gin.H{"timestamp": time.Now().UTC().Format(time.RFC3339)}
	if a.NATS != nil {
		out["nats"] = a.NATS.GetStats()
	}
	if a.Hub != nil {
		out["notifications"] = a.Hub.Stats()
	}
	c.JSON(http.StatusOK, out)
}
