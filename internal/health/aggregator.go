// Package health rolls up checkpoint health samples and runs the server self-check.
package health

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/irisdrone/checkpoint/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Filter narrows the samples a rollup reads
type Filter struct {
	CameraID  string
	Component string
}

// ComponentSummary is the rollup of one component
type ComponentSummary struct {
	Status        models.HealthStatus `json:"status"`
	LastStatus    models.HealthStatus `json:"last_status"`
	Total         int64               `json:"total"`
	PassCount     int64               `json:"pass_count"`
	WarningCount  int64               `json:"warning_count"`
	FailCount     int64               `json:"fail_count"`
	UnknownCount  int64               `json:"unknown_count"`
	UptimePercent float64             `json:"uptime_percent"`
	LastCheck     *time.Time          `json:"last_check"`
}

// Summary is the rollup of a window; it is derived and never stored
type Summary struct {
	OverallStatus models.HealthStatus          `json:"overall_status"`
	WindowMinutes int                          `json:"window_minutes"`
	TotalChecks   int64                        `json:"total_checks"`
	PassCount     int64                        `json:"pass_count"`
	WarningCount  int64                        `json:"warning_count"`
	FailCount     int64                        `json:"fail_count"`
	UnknownCount  int64                        `json:"unknown_count"`
	UptimePercent float64                      `json:"uptime_percent"`
	LastCheck     *time.Time                   `json:"last_check"`
	Components    map[string]*ComponentSummary `json:"components"`
}

// HourBucket is one hour of history
type HourBucket struct {
	Hour          time.Time           `json:"hour"`
	Status        models.HealthStatus `json:"status"`
	Total         int64               `json:"total"`
	PassCount     int64               `json:"pass_count"`
	WarningCount  int64               `json:"warning_count"`
	FailCount     int64               `json:"fail_count"`
	UptimePercent float64             `json:"uptime_percent"`
}

// counts is shared by every rollup shape
type counts struct {
	pass, warning, fail, unknown int64
}

func (c *counts) add(s models.HealthStatus) {
	switch s {
	case models.HealthPass:
		c.pass++
	case models.HealthWarning:
		c.warning++
	case models.HealthFail:
		c.fail++
	default:
		c.unknown++
	}
}

func (c counts) total() int64 {
	return c.pass + c.warning + c.fail + c.unknown
}

// status is FAIL over WARNING over PASS; no samples, or only UNKNOWN ones, is UNKNOWN
func (c counts) status() models.HealthStatus {
	switch {
	case c.fail > 0:
		return models.HealthFail
	case c.warning > 0:
		return models.HealthWarning
	case c.pass > 0:
		return models.HealthPass
	}
	return models.HealthUnknown
}

func (c counts) uptime() float64 {
	total := c.total()
	if total == 0 {
		return 0
	}
	return roundTo(float64(c.pass)/float64(total)*100, 2)
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// Aggregator reads health samples
type Aggregator struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

// NewAggregator creates an aggregator over db
func NewAggregator(db *gorm.DB, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{
		db:  db,
		log: log.Named("health"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

type sampleRow struct {
	Timestamp time.Time
	Component string
	Status    models.HealthStatus
}

// window reads every sample since cutoff in one query so a rollup never
// mixes in rows inserted while it is being computed
func (a *Aggregator) window(ctx context.Context, since time.Time, f Filter) ([]sampleRow, error) {
	q := a.db.WithContext(ctx).Model(&models.HealthSample{}).
		Select("timestamp, component, status").
		Where("timestamp >= ?", since)
	if f.CameraID != "" {
		q = q.Where("camera_id = ?", f.CameraID)
	}
	if f.Component != "" {
		q = q.Where("component = ?", f.Component)
	}
	var rows []sampleRow
	if err := q.Order("timestamp ASC").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read health samples: %w", err)
	}
	return rows, nil
}

// Summarize rolls up the samples of the last window
func (a *Aggregator) Summarize(ctx context.Context, window time.Duration, f Filter) (*Summary, error) {
	rows, err := a.window(ctx, a.now().Add(-window), f)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		WindowMinutes: int(window / time.Minute),
		Components:    make(map[string]*ComponentSummary),
	}
	var all counts
	perComponent := make(map[string]*counts)

	for i := range rows {
		r := rows[i]
		all.add(r.Status)
		if sum.LastCheck == nil || r.Timestamp.After(*sum.LastCheck) {
			ts := r.Timestamp
			sum.LastCheck = &ts
		}

		c, ok := perComponent[r.Component]
		if !ok {
			c = &counts{}
			perComponent[r.Component] = c
			sum.Components[r.Component] = &ComponentSummary{}
		}
		c.add(r.Status)
		cs := sum.Components[r.Component]
		if cs.LastCheck == nil || !r.Timestamp.Before(*cs.LastCheck) {
			ts := r.Timestamp
			cs.LastCheck = &ts
			cs.LastStatus = r.Status
		}
	}

	for name, c := range perComponent {
		cs := sum.Components[name]
		cs.Status = c.status()
		cs.Total = c.total()
		cs.PassCount = c.pass
		cs.WarningCount = c.warning
		cs.FailCount = c.fail
		cs.UnknownCount = c.unknown
		cs.UptimePercent = c.uptime()
	}

	sum.OverallStatus = all.status()
	sum.TotalChecks = all.total()
	sum.PassCount = all.pass
	sum.WarningCount = all.warning
	sum.FailCount = all.fail
	sum.UnknownCount = all.unknown
	sum.UptimePercent = all.uptime()
	return sum, nil
}

// History returns one bucket per hour for the last hours, oldest first.
// Hours without samples are UNKNOWN.
func (a *Aggregator) History(ctx context.Context, hours int, f Filter) ([]HourBucket, error) {
	if hours < 1 {
		hours = 1
	}
	end := a.now().Truncate(time.Hour)
	start := end.Add(-time.Duration(hours-1) * time.Hour)

	rows, err := a.window(ctx, start, f)
	if err != nil {
		return nil, err
	}

	buckets := make([]counts, hours)
	for _, r := range rows {
		idx := int(r.Timestamp.UTC().Truncate(time.Hour).Sub(start) / time.Hour)
		if idx < 0 || idx >= hours {
			continue
		}
		buckets[idx].add(r.Status)
	}

	out := make([]HourBucket, hours)
	for i, c := range buckets {
		out[i] = HourBucket{
			Hour:          start.Add(time.Duration(i) * time.Hour),
			Status:        c.status(),
			Total:         c.total(),
			PassCount:     c.pass,
			WarningCount:  c.warning,
			FailCount:     c.fail,
			UptimePercent: c.uptime(),
		}
	}
	return out, nil
}

// Cleanup deletes samples older than retentionDays. Rows at or after the
// cutoff are never touched, whatever is inserted meanwhile.
func (a *Aggregator) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 1 {
		return 0, fmt.Errorf("retention must be at least one day, got %d", retentionDays)
	}
	cutoff := a.now().AddDate(0, 0, -retentionDays)
	res := a.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&models.HealthSample{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clean up health samples: %w", res.Error)
	}
	a.log.Info("health samples cleaned up",
		zap.Int64("deleted", res.RowsAffected),
		zap.Int("retention_days", retentionDays),
		zap.Time("cutoff", cutoff))
	return res.RowsAffected, nil
}
