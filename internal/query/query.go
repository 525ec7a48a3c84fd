// Package query is the read-only view over stored detections, cameras and health samples
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/irisdrone/checkpoint/internal/blacklist"
	"github.com/irisdrone/checkpoint/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Options configures pagination bounds and the live client counter
type Options struct {
	DefaultPerPage int
	MaxPerPage     int
	// ConnectedClients reports live NATS and WebSocket clients
	ConnectedClients func() int
}

// Facade answers read queries
type Facade struct {
	db        *gorm.DB
	blacklist *blacklist.Repository
	opts      Options
	log       *zap.Logger
	now       func() time.Time
}

// NewFacade creates a query facade
func NewFacade(db *gorm.DB, bl *blacklist.Repository, opts Options, log *zap.Logger) *Facade {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.DefaultPerPage <= 0 {
		opts.DefaultPerPage = 20
	}
	if opts.MaxPerPage <= 0 {
		opts.MaxPerPage = 100
	}
	if opts.DefaultPerPage > opts.MaxPerPage {
		opts.DefaultPerPage = opts.MaxPerPage
	}
	return &Facade{
		db:        db,
		blacklist: bl,
		opts:      opts,
		log:       log.Named("query"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Page is a requested page; zero values pick the defaults
type Page struct {
	Page    int
	PerPage int
}

// Pagination describes the returned slice
type Pagination struct {
	TotalCount  int64 `json:"total_count"`
	CurrentPage int   `json:"current_page"`
	PerPage     int   `json:"per_page"`
	TotalPages  int   `json:"total_pages"`
	HasNext     bool  `json:"has_next"`
	HasPrev     bool  `json:"has_prev"`
}

// normalize clamps p: page below 1 becomes 1, per_page is bounded to the maximum
func (f *Facade) normalize(p Page) Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage < 1 {
		p.PerPage = f.opts.DefaultPerPage
	}
	if p.PerPage > f.opts.MaxPerPage {
		p.PerPage = f.opts.MaxPerPage
	}
	return p
}

func newPagination(p Page, total int64) Pagination {
	pages := int((total + int64(p.PerPage) - 1) / int64(p.PerPage))
	return Pagination{
		TotalCount:  total,
		CurrentPage: p.Page,
		PerPage:     p.PerPage,
		TotalPages:  pages,
		HasNext:     p.Page < pages,
		HasPrev:     p.Page > 1,
	}
}

// paginate counts the filtered query then loads the requested slice into dest
func paginate(q *gorm.DB, p Page, order string, dest interface{}) (Pagination, error) {
	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return Pagination{}, err
	}
	err := q.Session(&gorm.Session{}).
		Order(order).
		Limit(p.PerPage).
		Offset((p.Page - 1) * p.PerPage).
		Find(dest).Error
	if err != nil {
		return Pagination{}, err
	}
	return newPagination(p, total), nil
}

// RecordFilter narrows detection records
type RecordFilter struct {
	CameraID    string
	Plate       string // case-insensitive substring
	From        *time.Time
	To          *time.Time
	Blacklisted *bool
}

// RecordPage is one page of detections, newest first
type RecordPage struct {
	Records    []models.DetectionRecord `json:"records"`
	Pagination Pagination               `json:"pagination"`
}

// Records lists detections matching f
func (f *Facade) Records(ctx context.Context, filter RecordFilter, p Page) (*RecordPage, error) {
	p = f.normalize(p)
	q := f.db.WithContext(ctx).Model(&models.DetectionRecord{})
	if filter.CameraID != "" {
		q = q.Where("camera_id = ?", filter.CameraID)
	}
	if plate := strings.TrimSpace(filter.Plate); plate != "" {
		q = q.Where("LOWER(plate_number) LIKE ?", "%"+escapeLike(strings.ToLower(plate))+"%")
	}
	if filter.From != nil {
		q = q.Where("timestamp >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		q = q.Where("timestamp <= ?", filter.To.UTC())
	}
	if filter.Blacklisted != nil {
		q = q.Where("is_blacklisted = ?", *filter.Blacklisted)
	}

	out := &RecordPage{Records: []models.DetectionRecord{}}
	pg, err := paginate(q, p, "timestamp DESC, id DESC", &out.Records)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	out.Pagination = pg
	return out, nil
}

// escapeLike drops LIKE wildcards from user input
func escapeLike(s string) string {
	return strings.NewReplacer("%", "", "_", "").Replace(s)
}

// CameraFilter narrows cameras
type CameraFilter struct {
	Status string
}

// CameraSummary is a camera with its detection totals
type CameraSummary struct {
	models.Camera
	DetectionCount int64      `json:"detectionCount"`
	LastDetection  *time.Time `json:"lastDetection,omitempty"`
}

// CameraPage is one page of cameras
type CameraPage struct {
	Cameras    []CameraSummary `json:"cameras"`
	Pagination Pagination      `json:"pagination"`
}

// Cameras lists cameras with their detection counts
func (f *Facade) Cameras(ctx context.Context, filter CameraFilter, p Page) (*CameraPage, error) {
	p = f.normalize(p)
	q := f.db.WithContext(ctx).Model(&models.Camera{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	var cams []models.Camera
	pg, err := paginate(q, p, "camera_id ASC", &cams)
	if err != nil {
		return nil, fmt.Errorf("failed to query cameras: %w", err)
	}

	out := &CameraPage{Cameras: make([]CameraSummary, 0, len(cams)), Pagination: pg}
	if len(cams) == 0 {
		return out, nil
	}

	ids := make([]string, 0, len(cams))
	for _, c := range cams {
		ids = append(ids, c.CameraID)
	}
	var counts []struct {
		CameraID string
		Total    int64
	}
	err = f.db.WithContext(ctx).Model(&models.DetectionRecord{}).
		Select("camera_id, COUNT(*) AS total").
		Where("camera_id IN ?", ids).
		Group("camera_id").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count detections per camera: %w", err)
	}
	byCamera := make(map[string]int64, len(counts))
	for _, c := range counts {
		byCamera[c.CameraID] = c.Total
	}

	for _, c := range cams {
		summary := CameraSummary{Camera: c, DetectionCount: byCamera[c.CameraID]}
		if summary.DetectionCount > 0 {
			var last models.DetectionRecord
			err := f.db.WithContext(ctx).Select("timestamp").
				Where("camera_id = ?", c.CameraID).
				Order("timestamp DESC").
				Take(&last).Error
			if err != nil {
				f.log.Warn("failed to read last detection", zap.String("camera_id", c.CameraID), zap.Error(err))
			} else {
				ts := last.Timestamp
				summary.LastDetection = &ts
			}
		}
		out.Cameras = append(out.Cameras, summary)
	}
	return out, nil
}

// HealthFilter narrows health samples
type HealthFilter struct {
	CameraID  string
	Component string
	// MinStatus keeps samples at least this severe (PASS < WARNING < FAIL)
	MinStatus models.HealthStatus
	From      *time.Time
	To        *time.Time
}

// HealthPage is one page of health samples, newest first
type HealthPage struct {
	Samples    []models.HealthSample `json:"samples"`
	Pagination Pagination            `json:"pagination"`
}

// HealthSamples lists health samples matching f
func (f *Facade) HealthSamples(ctx context.Context, filter HealthFilter, p Page) (*HealthPage, error) {
	p = f.normalize(p)
	q := f.db.WithContext(ctx).Model(&models.HealthSample{})
	if filter.CameraID != "" {
		q = q.Where("camera_id = ?", filter.CameraID)
	}
	if filter.Component != "" {
		q = q.Where("component = ?", strings.ToLower(filter.Component))
	}
	if filter.MinStatus != "" {
		floor := filter.MinStatus.Severity()
		var levels []models.HealthStatus
		for _, s := range []models.HealthStatus{models.HealthUnknown, models.HealthPass, models.HealthWarning, models.HealthFail} {
			if s.Severity() >= floor {
				levels = append(levels, s)
			}
		}
		q = q.Where("status IN ?", levels)
	}
	if filter.From != nil {
		q = q.Where("timestamp >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		q = q.Where("timestamp <= ?", filter.To.UTC())
	}

	out := &HealthPage{Samples: []models.HealthSample{}}
	pg, err := paginate(q, p, "timestamp DESC, id DESC", &out.Samples)
	if err != nil {
		return nil, fmt.Errorf("failed to query health samples: %w", err)
	}
	out.Pagination = pg
	return out, nil
}

// Statistics is the dashboard overview
type Statistics struct {
	TotalRecords       int64      `json:"total_records"`
	TodayRecords       int64      `json:"today_records"`
	BlacklistedRecords int64      `json:"blacklisted_records"`
	UniqueCameras      int64      `json:"unique_cameras"`
	ActiveCameras      int64      `json:"active_cameras"`
	TotalCameras       int64      `json:"total_cameras"`
	BlacklistEntries   int64      `json:"blacklist_entries"`
	ConnectedClients   int        `json:"connected_clients"`
	LastDetection      *time.Time `json:"last_detection"`
	GeneratedAt        time.Time  `json:"generated_at"`
}

// Statistics returns the overview counters
func (f *Facade) Statistics(ctx context.Context) (*Statistics, error) {
	now := f.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	db := f.db.WithContext(ctx)
	stats := &Statistics{GeneratedAt: now}

	counts := []struct {
		name string
		q    *gorm.DB
		dest *int64
	}{
		{"total records", db.Model(&models.DetectionRecord{}), &stats.TotalRecords},
		{"today records", db.Model(&models.DetectionRecord{}).Where("timestamp >= ?", today), &stats.TodayRecords},
		{"blacklisted records", db.Model(&models.DetectionRecord{}).Where("is_blacklisted = ?", true), &stats.BlacklistedRecords},
		{"unique cameras", db.Model(&models.DetectionRecord{}).Distinct("camera_id"), &stats.UniqueCameras},
		{"active cameras", db.Model(&models.Camera{}).Where("status = ?", models.CameraActive), &stats.ActiveCameras},
		{"total cameras", db.Model(&models.Camera{}), &stats.TotalCameras},
	}
	for _, c := range counts {
		if err := c.q.Count(c.dest).Error; err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", c.name, err)
		}
	}

	if f.blacklist != nil {
		n, err := f.blacklist.CountActive(ctx)
		if err != nil {
			return nil, err
		}
		stats.BlacklistEntries = n
	}
	if f.opts.ConnectedClients != nil {
		stats.ConnectedClients = f.opts.ConnectedClients()
	}

	var last models.DetectionRecord
	err := db.Select("timestamp").Order("timestamp DESC").Take(&last).Error
	switch {
	case err == nil:
		ts := last.Timestamp
		stats.LastDetection = &ts
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("failed to read last detection: %w", err)
	}
	return stats, nil
}
