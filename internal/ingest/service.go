// Package ingest turns delivered envelopes into stored records and notifications
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/irisdrone/checkpoint/internal/blacklist"
	"github.com/irisdrone/checkpoint/internal/metrics"
	"github.com/irisdrone/checkpoint/internal/models"
	"github.com/irisdrone/checkpoint/internal/notify"
	"github.com/irisdrone/checkpoint/internal/protocol"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrValidation is returned for payloads that can never be stored
var ErrValidation = protocol.ErrValidation

// consecutiveCameraFailures camera FAIL samples in a row mark a camera inactive
const consecutiveCameraFailures = 3

// Ingester handles one decoded envelope
type Ingester interface {
	Ingest(ctx context.Context, env protocol.Envelope) protocol.Ack
}

// Service stores envelopes idempotently
type Service struct {
	db        *gorm.DB
	blacklist *blacklist.Repository
	notifier  notify.Publisher
	log       *zap.Logger
	now       func() time.Time
}

// NewService creates the ingestion service. notifier may be nil.
func NewService(db *gorm.DB, bl *blacklist.Repository, notifier notify.Publisher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		db:        db,
		blacklist: bl,
		notifier:  notifier,
		log:       log.Named("ingest"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Ingest dispatches on the envelope table and never returns without an ack
func (s *Service) Ingest(ctx context.Context, env protocol.Envelope) protocol.Ack {
	start := time.Now()
	var ack protocol.Ack
	switch env.Table {
	case protocol.TableDetection:
		ack = s.ingestDetection(ctx, env.Data)
	case protocol.TableHealth:
		ack = s.ingestHealth(ctx, env.Data)
	case protocol.TableRegistration:
		ack = s.register(ctx, env.Data)
	default:
		ack = s.reject(env.Table, fmt.Errorf("%w: unknown table %q", ErrValidation, env.Table))
	}

	metrics.IngestDuration.WithLabelValues(tableLabel(env.Table)).Observe(time.Since(start).Seconds())
	metrics.IngestTotal.WithLabelValues(tableLabel(env.Table), resultLabel(ack)).Inc()
	return ack
}

func tableLabel(table string) string {
	switch table {
	case protocol.TableDetection, protocol.TableHealth, protocol.TableRegistration:
		return table
	}
	return "unknown"
}

func resultLabel(ack protocol.Ack) string {
	switch {
	case ack.OK() && ack.Duplicate:
		return metrics.ResultDuplicate
	case ack.OK():
		return metrics.ResultSuccess
	case ack.Permanent():
		return metrics.ResultRejected
	}
	return metrics.ResultTransient
}

func (s *Service) reject(table string, err error) protocol.Ack {
	s.log.Warn("payload rejected", zap.String("table", table), zap.Error(err))
	return protocol.Failure(protocol.CodeValidation, err.Error())
}

func (s *Service) storageFailure(table string, err error) protocol.Ack {
	s.log.Error("storage failure", zap.String("table", table), zap.Error(err))
	return protocol.Failure(protocol.CodeStorage, "storage unavailable, retry later")
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: data is required", ErrValidation)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: invalid data: %v", ErrValidation, err)
	}
	return nil
}

func (s *Service) ingestDetection(ctx context.Context, raw json.RawMessage) protocol.Ack {
	var ev protocol.DetectionEvent
	if err := decode(raw, &ev); err != nil {
		return s.reject(protocol.TableDetection, err)
	}
	if err := ev.Validate(); err != nil {
		return s.reject(protocol.TableDetection, err)
	}
	log := s.log.With(zap.String("camera_id", ev.CameraID), zap.String("client_event_id", ev.ClientEventID))

	// derived fields are computed before the row is written
	hit, err := s.blacklist.Match(ctx, ev.PlateNumber)
	if err != nil {
		return s.storageFailure(protocol.TableDetection, err)
	}

	rec := models.DetectionRecord{
		CameraID:      ev.CameraID,
		ClientEventID: ev.ClientEventID,
		PlateNumber:   ev.PlateNumber,
		Confidence:    ev.Confidence,
		Timestamp:     ev.Timestamp.UTC(),
		ImageRef:      ev.ImageRef,
		LocationLat:   ev.LocationLat,
		LocationLon:   ev.LocationLon,
	}
	if hit != nil {
		reason := hit.Reason
		rec.IsBlacklisted = true
		rec.BlacklistReason = &reason
	}

	var inserted bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.touchCamera(tx, ev.CameraID, models.CameraActive); err != nil {
			return err
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "camera_id"}, {Name: "client_event_id"}},
			DoNothing: true,
		}).Create(&rec)
		if res.Error != nil {
			return fmt.Errorf("failed to insert detection: %w", res.Error)
		}
		inserted = res.RowsAffected > 0
		if !inserted {
			return tx.Where("camera_id = ? AND client_event_id = ?", ev.CameraID, ev.ClientEventID).
				Take(&rec).Error
		}
		return nil
	})
	if err != nil {
		return s.storageFailure(protocol.TableDetection, err)
	}

	id := rec.ID
	if !inserted {
		log.Info("duplicate detection ignored", zap.Int64("record_id", id))
		ack := protocol.Success("duplicate, already stored")
		ack.RecordID = &id
		ack.Duplicate = true
		return ack
	}

	if rec.IsBlacklisted {
		metrics.BlacklistHits.Inc()
		log.Warn("blacklisted plate detected",
			zap.String("plate", rec.PlateNumber),
			zap.String("reason", hit.Reason),
			zap.Int64("blacklist_id", hit.ID))
		s.publish(notify.Notification{
			Type:     notify.TypeBlacklistAlert,
			CameraID: rec.CameraID,
			Data: fields{
				"record_id":        rec.ID,
				"plate_number":     rec.PlateNumber,
				"reason":           hit.Reason,
				"blacklist_id":     hit.ID,
				"confidence":       rec.Confidence,
				"timestamp":        rec.Timestamp,
				"image_reference":  rec.ImageRef,
				"blacklist_expiry": hit.Expiry,
			},
		})
	}
	s.publish(notify.Notification{
		Type:     notify.TypeNewRecord,
		CameraID: rec.CameraID,
		Data:     rec,
	})

	log.Debug("detection stored", zap.Int64("record_id", id), zap.Bool("blacklisted", rec.IsBlacklisted))
	ack := protocol.Success("detection stored")
	ack.RecordID = &id
	return ack
}

func (s *Service) ingestHealth(ctx context.Context, raw json.RawMessage) protocol.Ack {
	var ev protocol.HealthEvent
	if err := decode(raw, &ev); err != nil {
		return s.reject(protocol.TableHealth, err)
	}
	if err := ev.Validate(); err != nil {
		return s.reject(protocol.TableHealth, err)
	}
	checkpoint := ev.Checkpoint()
	status := models.HealthStatus(ev.Status)

	sample := models.HealthSample{
		Timestamp:     ev.Timestamp.UTC(),
		CameraID:      checkpoint,
		ClientEventID: ev.ClientEventID,
		Component:     ev.Component,
		Status:        status,
		Details:       models.NewJSONB(ev.Details),
	}

	var inserted bool
	var cam models.Camera
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// a camera that reports itself healthy is back in service
		next := models.CameraStatus("")
		if ev.Component == models.ComponentCamera && status != models.HealthFail {
			next = models.CameraActive
		}
		if err := s.touchCamera(tx, checkpoint, next); err != nil {
			return err
		}

		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "camera_id"}, {Name: "client_event_id"}},
			DoNothing: true,
		}).Create(&sample)
		if res.Error != nil {
			return fmt.Errorf("failed to insert health sample: %w", res.Error)
		}
		inserted = res.RowsAffected > 0
		if !inserted {
			var prior models.HealthSample
			if err := tx.Select("id").
				Where("camera_id = ? AND client_event_id = ?", checkpoint, ev.ClientEventID).
				Take(&prior).Error; err != nil {
				return fmt.Errorf("failed to read stored health sample: %w", err)
			}
			sample.ID = prior.ID
		}

		if inserted && ev.Component == models.ComponentCamera && status == models.HealthFail {
			if err := s.applyFailureRule(tx, checkpoint); err != nil {
				return err
			}
		}
		return tx.Select("camera_id", "status").Take(&cam, "camera_id = ?", checkpoint).Error
	})
	if err != nil {
		return s.storageFailure(protocol.TableHealth, err)
	}

	id := sample.ID
	if !inserted {
		s.log.Info("duplicate health sample ignored",
			zap.String("camera_id", checkpoint),
			zap.String("client_event_id", ev.ClientEventID),
			zap.Int64("record_id", id))
		ack := protocol.Success("duplicate, already stored")
		ack.RecordID = &id
		ack.Duplicate = true
		return ack
	}

	s.publish(notify.Notification{
		Type:     notify.TypeHealthUpdate,
		CameraID: checkpoint,
		Data: fields{
			"component":     sample.Component,
			"status":        sample.Status,
			"details":       ev.Details,
			"timestamp":     sample.Timestamp,
			"camera_status": cam.Status,
		},
	})
	ack := protocol.Success("health sample stored")
	ack.RecordID = &id
	return ack
}

// applyFailureRule marks the camera inactive when its latest camera
// component samples are all FAIL
func (s *Service) applyFailureRule(tx *gorm.DB, cameraID string) error {
	var recent []models.HealthStatus
	err := tx.Model(&models.HealthSample{}).
		Where("camera_id = ? AND component = ?", cameraID, models.ComponentCamera).
		Order("timestamp DESC").
		Order("id DESC").
		Limit(consecutiveCameraFailures).
		Pluck("status", &recent).Error
	if err != nil {
		return fmt.Errorf("failed to read recent camera health: %w", err)
	}
	if len(recent) < consecutiveCameraFailures {
		return nil
	}
	for _, st := range recent {
		if st != models.HealthFail {
			return nil
		}
	}

	res := tx.Model(&models.Camera{}).
		Where("camera_id = ? AND status = ?", cameraID, models.CameraActive).
		Updates(map[string]interface{}{"status": models.CameraInactive, "updated_at": s.now()})
	if res.Error != nil {
		return fmt.Errorf("failed to mark camera inactive: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.log.Warn("camera marked inactive after consecutive failures",
			zap.String("camera_id", cameraID),
			zap.Int("failures", consecutiveCameraFailures))
	}
	return nil
}

func (s *Service) register(ctx context.Context, raw json.RawMessage) protocol.Ack {
	var reg protocol.Registration
	if err := decode(raw, &reg); err != nil {
		return s.reject(protocol.TableRegistration, err)
	}
	if err := reg.Validate(); err != nil {
		return s.reject(protocol.TableRegistration, err)
	}

	now := s.now()
	cam := models.Camera{
		CameraID:     reg.CameraID,
		Name:         reg.Name,
		Location:     reg.Location,
		Status:       models.CameraActive,
		LastActivity: &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if cam.Name == "" {
		cam.Name = "Camera " + reg.CameraID
	}
	updates := []string{"last_activity", "updated_at"}
	if reg.Name != "" {
		updates = append(updates, "name")
	}
	if reg.Location != "" {
		updates = append(updates, "location")
	}
	if reg.IPAddress != "" {
		ip := reg.IPAddress
		cam.IPAddress = &ip
		updates = append(updates, "ip_address")
	}
	if reg.Port != 0 {
		port := reg.Port
		cam.Port = &port
		updates = append(updates, "port")
	}

	assignments := clause.AssignmentColumns(updates)
	assignments = append(assignments, statusAssignment())
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "camera_id"}},
		DoUpdates: assignments,
	}).Create(&cam).Error
	if err != nil {
		return s.storageFailure(protocol.TableRegistration, err)
	}

	s.log.Info("camera registered",
		zap.String("camera_id", reg.CameraID),
		zap.String("ip_address", reg.IPAddress),
		zap.Int("port", reg.Port))
	return protocol.Success("camera registered")
}

// touchCamera creates the camera on first sight and records activity.
// An empty status leaves the stored status alone; maintenance is never
// overridden by events.
func (s *Service) touchCamera(tx *gorm.DB, cameraID string, status models.CameraStatus) error {
	now := s.now()
	cam := models.Camera{
		CameraID:     cameraID,
		Name:         "Camera " + cameraID,
		Status:       models.CameraActive,
		LastActivity: &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	assignments := clause.AssignmentColumns([]string{"last_activity", "updated_at"})
	if status != "" {
		cam.Status = status
		assignments = append(assignments, statusAssignment())
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "camera_id"}},
		DoUpdates: assignments,
	}).Create(&cam).Error
	if err != nil {
		return fmt.Errorf("failed to upsert camera %s: %w", cameraID, err)
	}
	return nil
}

func statusAssignment() clause.Assignment {
	return clause.Assignment{
		Column: clause.Column{Name: "status"},
		Value: gorm.Expr("CASE WHEN cameras.status = ? THEN cameras.status ELSE excluded.status END",
			models.CameraMaintenance),
	}
}

func (s *Service) publish(n notify.Notification) {
	if s.notifier == nil {
		return
	}
	n.Timestamp = s.now()
	s.notifier.Publish(n)
}

type fields = map[string]interface{}
