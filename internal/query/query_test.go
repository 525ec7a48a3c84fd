package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/irisdrone/checkpoint/internal/blacklist"
	"github.com/irisdrone/checkpoint/internal/database/dbtest"
	"github.com/irisdrone/checkpoint/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var base = time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)

func seedRecords(t *testing.T, db *gorm.DB, camera string, n int, plate func(i int) string) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, db.Create(&models.DetectionRecord{
			CameraID:      camera,
			ClientEventID: fmt.Sprintf("%s-%d", camera, i),
			PlateNumber:   plate(i),
			Confidence:    90,
			Timestamp:     base.Add(time.Duration(i) * time.Minute),
		}).Error)
	}
}

func newTestFacade(t *testing.T, opts Options) (*Facade, *gorm.DB) {
	t.Helper()
	db := dbtest.New(t)
	return NewFacade(db, blacklist.NewRepository(db, nil), opts, nil), db
}

func TestRecords_Pagination(t *testing.T) {
	f, db := newTestFacade(t, Options{})
	seedRecords(t, db, "CAM01", 25, func(i int) string { return fmt.Sprintf("PL%02d", i) })
	ctx := context.Background()

	first, err := f.Records(ctx, RecordFilter{}, Page{Page: 1, PerPage: 10})
	require.NoError(t, err)
	assert.Len(t, first.Records, 10)
	assert.Equal(t, Pagination{TotalCount: 25, CurrentPage: 1, PerPage: 10, TotalPages: 3, HasNext: true, HasPrev: false}, first.Pagination)
	// newest first
	assert.Equal(t, "PL24", first.Records[0].PlateNumber)

	last, err := f.Records(ctx, RecordFilter{}, Page{Page: 3, PerPage: 10})
	require.NoError(t, err)
	assert.Len(t, last.Records, 5)
	assert.False(t, last.Pagination.HasNext)
	assert.True(t, last.Pagination.HasPrev)
	assert.Equal(t, "PL00", last.Records[4].PlateNumber)

	beyond, err := f.Records(ctx, RecordFilter{}, Page{Page: 9, PerPage: 10})
	require.NoError(t, err)
	assert.Empty(t, beyond.Records)
	assert.NotNil(t, beyond.Records)
}

func TestRecords_PageBounds(t *testing.T) {
	f, db := newTestFacade(t, Options{DefaultPerPage: 20, MaxPerPage: 100})
	seedRecords(t, db, "CAM01", 3, func(i int) string { return "X" })
	ctx := context.Background()

	res, err := f.Records(ctx, RecordFilter{}, Page{Page: -4})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pagination.CurrentPage)
	assert.Equal(t, 20, res.Pagination.PerPage)

	res, err = f.Records(ctx, RecordFilter{}, Page{PerPage: 1000})
	require.NoError(t, err)
	assert.Equal(t, 100, res.Pagination.PerPage)
}

func TestRecords_Filters(t *testing.T) {
	f, db := newTestFacade(t, Options{})
	seedRecords(t, db, "CAM01", 4, func(i int) string { return []string{"ABC123", "abd999", "1กข2345", "XYZ1"}[i] })
	seedRecords(t, db, "CAM02", 2, func(i int) string { return "ABC777" })
	reason := "stolen"
	require.NoError(t, db.Create(&models.DetectionRecord{
		CameraID: "CAM02", ClientEventID: "bl", PlateNumber: "ZZZ1", Timestamp: base.Add(time.Hour),
		IsBlacklisted: true, BlacklistReason: &reason,
	}).Error)
	ctx := context.Background()

	byPlate, err := f.Records(ctx, RecordFilter{Plate: "abc"}, Page{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), byPlate.Pagination.TotalCount)

	byCamera, err := f.Records(ctx, RecordFilter{CameraID: "CAM01", Plate: "AB"}, Page{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), byCamera.Pagination.TotalCount)

	thai, err := f.Records(ctx, RecordFilter{Plate: "กข"}, Page{})
	require.NoError(t, err)
	require.Len(t, thai.Records, 1)
	assert.Equal(t, "1กข2345", thai.Records[0].PlateNumber)

	from := base.Add(2 * time.Minute)
	to := base.Add(3 * time.Minute)
	window, err := f.Records(ctx, RecordFilter{CameraID: "CAM01", From: &from, To: &to}, Page{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), window.Pagination.TotalCount)

	yes := true
	flagged, err := f.Records(ctx, RecordFilter{Blacklisted: &yes}, Page{})
	require.NoError(t, err)
	require.Len(t, flagged.Records, 1)
	assert.Equal(t, "ZZZ1", flagged.Records[0].PlateNumber)
}

func TestCameras_DetectionCounts(t *testing.T) {
	f, db := newTestFacade(t, Options{})
	require.NoError(t, db.Create(&models.Camera{CameraID: "CAM01", Name: "North", Status: models.CameraActive}).Error)
	require.NoError(t, db.Create(&models.Camera{CameraID: "CAM02", Name: "South", Status: models.CameraInactive}).Error)
	seedRecords(t, db, "CAM01", 3, func(i int) string { return "A" })

	res, err := f.Cameras(context.Background(), CameraFilter{}, Page{})
	require.NoError(t, err)
	require.Len(t, res.Cameras, 2)
	assert.Equal(t, "CAM01", res.Cameras[0].CameraID)
	assert.Equal(t, int64(3), res.Cameras[0].DetectionCount)
	require.NotNil(t, res.Cameras[0].LastDetection)
	assert.True(t, res.Cameras[0].LastDetection.Equal(base.Add(2*time.Minute)))
	assert.Equal(t, int64(0), res.Cameras[1].DetectionCount)
	assert.Nil(t, res.Cameras[1].LastDetection)

	inactive, err := f.Cameras(context.Background(), CameraFilter{Status: "inactive"}, Page{})
	require.NoError(t, err)
	require.Len(t, inactive.Cameras, 1)
	assert.Equal(t, "CAM02", inactive.Cameras[0].CameraID)
}

func TestHealthSamples_MinStatus(t *testing.T) {
	f, db := newTestFacade(t, Options{})
	for i, st := range []models.HealthStatus{models.HealthPass, models.HealthWarning, models.HealthFail, models.HealthUnknown} {
		require.NoError(t, db.Create(&models.HealthSample{
			Timestamp:     base.Add(time.Duration(i) * time.Minute),
			CameraID:      "CAM01",
			ClientEventID: fmt.Sprintf("h%d", i),
			Component:     models.ComponentCamera,
			Status:        st,
		}).Error)
	}

	res, err := f.HealthSamples(context.Background(), HealthFilter{MinStatus: models.HealthWarning}, Page{})
	require.NoError(t, err)
	require.Len(t, res.Samples, 2)
	assert.Equal(t, models.HealthFail, res.Samples[0].Status)
	assert.Equal(t, models.HealthWarning, res.Samples[1].Status)

	all, err := f.HealthSamples(context.Background(), HealthFilter{CameraID: "CAM01", Component: "CAMERA"}, Page{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), all.Pagination.TotalCount)
}

func TestStatistics(t *testing.T) {
	f, db := newTestFacade(t, Options{ConnectedClients: func() int { return 3 }})
	f.now = func() time.Time { return base.Add(12 * time.Hour) }
	ctx := context.Background()

	empty, err := f.Statistics(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.TotalRecords)
	assert.Nil(t, empty.LastDetection)

	require.NoError(t, db.Create(&models.Camera{CameraID: "CAM01", Status: models.CameraActive}).Error)
	require.NoError(t, db.Create(&models.Camera{CameraID: "CAM02", Status: models.CameraInactive}).Error)
	seedRecords(t, db, "CAM01", 4, func(i int) string { return "A" })
	seedRecords(t, db, "CAM02", 1, func(i int) string { return "B" })
	require.NoError(t, db.Create(&models.DetectionRecord{
		CameraID: "CAM01", ClientEventID: "old", PlateNumber: "C", Timestamp: base.AddDate(0, 0, -2),
	}).Error)
	require.NoError(t, f.blacklist.Create(ctx, &models.BlacklistEntry{PlateText: "A"}))

	stats, err := f.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), stats.TotalRecords)
	assert.Equal(t, int64(5), stats.TodayRecords)
	assert.Equal(t, int64(2), stats.UniqueCameras)
	assert.Equal(t, int64(1), stats.ActiveCameras)
	assert.Equal(t, int64(2), stats.TotalCameras)
	assert.Equal(t, int64(1), stats.BlacklistEntries)
	assert.Equal(t, 3, stats.ConnectedClients)
	require.NotNil(t, stats.LastDetection)
	assert.True(t, stats.LastDetection.Equal(base.Add(3*time.Minute)))
}
