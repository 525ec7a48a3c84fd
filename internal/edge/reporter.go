// Package edge holds the edge node's background jobs and its local status API.
package edge

import (
	"context"
	"fmt"
	"time"

	"github.com/irisdrone/checkpoint/internal/health"
	"github.com/irisdrone/checkpoint/internal/models"
	"github.com/irisdrone/checkpoint/internal/outbox"
	"github.com/irisdrone/checkpoint/internal/protocol"
	"go.uber.org/zap"
)

// Appender is the part of the outbox producers write to
type Appender interface {
	Append(ctx context.Context, kind string, event outbox.Event) (string, error)
}

// Reporter periodically turns host readings into health events in the outbox
type Reporter struct {
	cameraID   string
	source     health.SnapshotSource
	thresholds health.Thresholds
	box        Appender
	interval   time.Duration
	log        *zap.Logger
	now        func() time.Time
}

// NewReporter creates a health reporter for cameraID
func NewReporter(cameraID string, source health.SnapshotSource, t health.Thresholds, box Appender, interval time.Duration, log *zap.Logger) *Reporter {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reporter{
		cameraID:   cameraID,
		source:     source,
		thresholds: t,
		box:        box,
		interval:   interval,
		log:        log.Named("health-reporter"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ReportOnce samples the host and appends one event per component.
// It returns how many events were queued.
func (r *Reporter) ReportOnce(ctx context.Context) (int, error) {
	var statuses []health.ComponentStatus
	snap, err := r.source.Snapshot(ctx)
	if err != nil {
		r.log.Warn("host snapshot failed", zap.Error(err))
		for _, comp := range []string{models.ComponentCPU, models.ComponentMemory, models.ComponentStorage} {
			statuses = append(statuses, health.ComponentStatus{
				Component: comp,
				Status:    models.HealthUnknown,
				Details:   map[string]interface{}{"error": err.Error()},
			})
		}
	} else {
		statuses = health.Evaluate(snap, r.thresholds)
	}

	at := r.now()
	queued := 0
	for _, s := range statuses {
		ev := &protocol.HealthEvent{
			CameraID:  r.cameraID,
			Component: s.Component,
			Status:    string(s.Status),
			Details:   s.Details,
			Timestamp: at,
		}
		if _, err := r.box.Append(ctx, protocol.TableHealth, ev); err != nil {
			return queued, fmt.Errorf("failed to queue %s health: %w", s.Component, err)
		}
		queued++
	}
	r.log.Debug("health queued", zap.Int("events", queued))
	return queued, nil
}

// Run reports every interval until ctx is done
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("health reporter started", zap.Duration("interval", r.interval))
	for {
		if _, err := r.ReportOnce(ctx); err != nil {
			r.log.Error("health report failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.log.Info("health reporter stopped")
			return
		case <-ticker.C:
		}
	}
}
