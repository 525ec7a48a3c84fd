package edge

import (
	"context"
	"time"

	"github.com/irisdrone/checkpoint/internal/metrics"
	"github.com/irisdrone/checkpoint/internal/outbox"
	"go.uber.org/zap"
)

// Sweeper is the part of the outbox housekeeping drives
type Sweeper interface {
	GC(ctx context.Context, maxAge time.Duration) (int64, error)
	Stats(ctx context.Context) (outbox.Stats, error)
}

// Housekeeper removes delivered entries past retention and keeps the outbox gauges current
type Housekeeper struct {
	box       Sweeper
	retention time.Duration
	interval  time.Duration
	log       *zap.Logger
}

// NewHousekeeper creates a housekeeper
func NewHousekeeper(box Sweeper, retention, interval time.Duration, log *zap.Logger) *Housekeeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Housekeeper{
		box:       box,
		retention: retention,
		interval:  interval,
		log:       log.Named("housekeeping"),
	}
}

// Sweep runs one retention pass and refreshes the gauges
func (h *Housekeeper) Sweep(ctx context.Context) (int64, error) {
	removed, err := h.box.GC(ctx, h.retention)
	if err != nil {
		return 0, err
	}
	h.RefreshGauges(ctx)
	return removed, nil
}

// RefreshGauges publishes the per-state entry counts
func (h *Housekeeper) RefreshGauges(ctx context.Context) {
	stats, err := h.box.Stats(ctx)
	if err != nil {
		h.log.Warn("failed to read outbox stats", zap.Error(err))
		return
	}
	metrics.OutboxEntries.WithLabelValues(string(outbox.StatePending)).Set(float64(stats.Pending))
	metrics.OutboxEntries.WithLabelValues(string(outbox.StateSent)).Set(float64(stats.Sent))
	metrics.OutboxEntries.WithLabelValues(string(outbox.StateDeadLetter)).Set(float64(stats.DeadLetter))
}

// Run sweeps every interval and refreshes the gauges more often in between
func (h *Housekeeper) Run(ctx context.Context) {
	sweep := time.NewTicker(h.interval)
	defer sweep.Stop()
	gauges := time.NewTicker(15 * time.Second)
	defer gauges.Stop()

	h.RefreshGauges(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-gauges.C:
			h.RefreshGauges(ctx)
		case <-sweep.C:
			if _, err := h.Sweep(ctx); err != nil {
				h.log.Error("outbox gc failed", zap.Error(err))
			}
		}
	}
}
