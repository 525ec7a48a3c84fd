package health

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/irisdrone/checkpoint/internal/database"
	"github.com/irisdrone/checkpoint/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ServerCheckpoint is the checkpoint id the server reports its own health under
const ServerCheckpoint = "server"

// Checker runs the server self-check
type Checker struct {
	db         *gorm.DB
	log        *zap.Logger
	accepting  func() bool
	source     SnapshotSource
	thresholds Thresholds
}

// NewChecker creates a self-check. accepting reports whether the message
// server takes connections; source may be nil to skip host components.
func NewChecker(db *gorm.DB, accepting func() bool, source SnapshotSource, t Thresholds, log *zap.Logger) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Checker{
		db:         db,
		log:        log.Named("health-check"),
		accepting:  accepting,
		source:     source,
		thresholds: t,
	}
}

// Check samples every server component and stores the samples
func (c *Checker) Check(ctx context.Context) ([]models.HealthSample, error) {
	now := time.Now().UTC()
	var statuses []ComponentStatus

	pingStart := time.Now()
	if err := database.Ping(ctx, c.db); err != nil {
		statuses = append(statuses, ComponentStatus{
			Component: models.ComponentDatabase,
			Status:    models.HealthFail,
			Details:   map[string]interface{}{"error": err.Error()},
		})
	} else {
		statuses = append(statuses, ComponentStatus{
			Component: models.ComponentDatabase,
			Status:    models.HealthPass,
			Details:   map[string]interface{}{"ping_ms": time.Since(pingStart).Milliseconds()},
		})
	}

	network := ComponentStatus{
		Component: models.ComponentNetwork,
		Status:    models.HealthUnknown,
		Details:   map[string]interface{}{"reason": "no message server"},
	}
	if c.accepting != nil {
		if c.accepting() {
			network.Status = models.HealthPass
			network.Details = map[string]interface{}{"accepting_connections": true}
		} else {
			network.Status = models.HealthFail
			network.Details = map[string]interface{}{"accepting_connections": false}
		}
	}
	statuses = append(statuses, network)

	if c.source != nil {
		snap, err := c.source.Snapshot(ctx)
		if err != nil {
			c.log.Warn("host snapshot failed", zap.Error(err))
			for _, comp := range []string{models.ComponentCPU, models.ComponentMemory, models.ComponentStorage} {
				statuses = append(statuses, ComponentStatus{
					Component: comp,
					Status:    models.HealthUnknown,
					Details:   map[string]interface{}{"error": err.Error()},
				})
			}
		} else {
			statuses = append(statuses, Evaluate(snap, c.thresholds)...)
		}
	}

	samples := make([]models.HealthSample, 0, len(statuses))
	for _, s := range statuses {
		samples = append(samples, models.HealthSample{
			Timestamp:     now,
			CameraID:      ServerCheckpoint,
			ClientEventID: uuid.New().String(),
			Component:     s.Component,
			Status:        s.Status,
			Details:       models.NewJSONB(s.Details),
		})
	}

	if err := c.db.WithContext(ctx).Create(&samples).Error; err != nil {
		return samples, fmt.Errorf("failed to store self-check samples: %w", err)
	}
	c.log.Debug("self-check stored", zap.Int("samples", len(samples)))
	return samples, nil
}
