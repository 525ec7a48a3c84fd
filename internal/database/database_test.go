package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/irisdrone/checkpoint/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpen_SQLiteMigrateAndOptimize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "lpr.db")
	db, err := Open("sqlite", path, zap.NewNop())
	require.NoError(t, err)
	defer Close(db)

	require.NoError(t, AutoMigrate(db))
	require.NoError(t, Ping(context.Background(), db))

	var mode string
	require.NoError(t, db.Raw("PRAGMA journal_mode").Scan(&mode).Error)
	assert.Equal(t, "wal", mode)

	rec := models.DetectionRecord{
		CameraID:      "CAM01",
		ClientEventID: "evt-1",
		PlateNumber:   "กข1234",
		Confidence:    90,
		Timestamp:     time.Now().UTC(),
	}
	require.NoError(t, db.Create(&rec).Error)

	dup := rec
	dup.ID = 0
	require.Error(t, db.Create(&dup).Error, "unique (camera_id, client_event_id) must reject duplicates")

	res, err := Optimize(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", res.Dialect)
	assert.Equal(t, []string{"VACUUM", "ANALYZE", "PRAGMA optimize"}, res.Statements)
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "root@/lpr", nil)
	require.Error(t, err)

	_, err = Open("sqlite", "", nil)
	require.Error(t, err)
}
