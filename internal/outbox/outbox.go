// Package outbox is the edge node's durable store-and-forward queue.
//
// Every event is committed to a local SQLite file before the producer gets an
// id back, and stays pending until the central server acknowledges it.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/irisdrone/checkpoint/internal/database"
	"github.com/irisdrone/checkpoint/internal/protocol"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrStorage wraps any failure of the local database
	ErrStorage = errors.New("outbox storage failure")
	// ErrNotFound is returned when no entry matches the id and state
	ErrNotFound = errors.New("outbox entry not found")
)

// State is an entry's delivery state
type State string

const (
	StatePending    State = "pending"
	StateSent       State = "sent"
	StateDeadLetter State = "dead_letter"
)

// Entry is one queued envelope
type Entry struct {
	Seq        int64      `gorm:"primaryKey;autoIncrement;column:seq" json:"-"`
	LocalID    string     `gorm:"column:local_id;size:36;not null;uniqueIndex:idx_outbox_local_id" json:"localId"`
	Kind       string     `gorm:"column:kind;not null" json:"kind"`
	Payload    []byte     `gorm:"column:payload;not null" json:"-"`
	State      State      `gorm:"column:delivery_state;not null;default:pending;index:idx_outbox_state_created,priority:1" json:"state"`
	Attempts   int        `gorm:"column:attempts;not null;default:0" json:"attempts"`
	Rejections int        `gorm:"column:rejections;not null;default:0" json:"rejections"`
	LastError  string     `gorm:"column:last_error" json:"lastError,omitempty"`
	SentAt     *time.Time `gorm:"column:sent_at;index:idx_outbox_sent_at" json:"sentAt,omitempty"`
	CreatedAt  time.Time  `gorm:"column:created_at;index:idx_outbox_state_created,priority:2" json:"createdAt"`
	UpdatedAt  time.Time  `gorm:"column:updated_at" json:"updatedAt"`
}

func (Entry) TableName() string {
	return "outbox_entries"
}

// Envelope decodes the stored payload
func (e Entry) Envelope() (protocol.Envelope, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(e.Payload, &env); err != nil {
		return env, fmt.Errorf("corrupt outbox payload %s: %w", e.LocalID, err)
	}
	return env, nil
}

// Event is a payload that carries the id the server deduplicates on
type Event interface {
	SetClientEventID(id string)
}

// Stats holds entry counts per state
type Stats struct {
	Pending       int64      `json:"pending"`
	Sent          int64      `json:"sent"`
	DeadLetter    int64      `json:"deadLetter"`
	OldestPending *time.Time `json:"oldestPending,omitempty"`
}

// Outbox is a SQLite backed queue of envelopes
type Outbox struct {
	db       *gorm.DB
	log      *zap.Logger
	notifier func()
}

// Open opens (or creates) the outbox file at path
func Open(path string, log *zap.Logger) (*Outbox, error) {
	db, err := database.OpenSQLite(path, &gorm.Config{
		Logger:  logger.Discard,
		NowFunc: database.NowUTC,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	box, err := New(db, log)
	if err != nil {
		database.Close(db)
		return nil, err
	}
	return box, nil
}

// New wraps an open database, creating the outbox table if needed
func New(db *gorm.DB, log *zap.Logger) (*Outbox, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("%w: migrate: %v", ErrStorage, err)
	}
	return &Outbox{db: db, log: log.Named("outbox")}, nil
}

// Close closes the underlying database
func (o *Outbox) Close() error {
	return database.Close(o.db)
}

// SetNotifier registers a callback fired after every successful Append
func (o *Outbox) SetNotifier(fn func()) {
	o.notifier = fn
}

// Append assigns a local id to event, wraps it in an envelope for kind and
// commits it. The id doubles as the event's client_event_id.
func (o *Outbox) Append(ctx context.Context, kind string, event Event) (string, error) {
	localID := uuid.New().String()
	event.SetClientEventID(localID)

	env, err := protocol.NewEnvelope(kind, event)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	entry := Entry{
		LocalID: localID,
		Kind:    kind,
		Payload: payload,
		State:   StatePending,
	}
	if err := o.db.WithContext(ctx).Create(&entry).Error; err != nil {
		o.log.Error("append failed", zap.String("kind", kind), zap.Error(err))
		return "", fmt.Errorf("%w: append: %v", ErrStorage, err)
	}

	o.log.Debug("event queued", zap.String("local_id", localID), zap.String("kind", kind))
	if o.notifier != nil {
		o.notifier()
	}
	return localID, nil
}

// Get returns one entry by local id
func (o *Outbox) Get(ctx context.Context, localID string) (*Entry, error) {
	var entry Entry
	err := o.db.WithContext(ctx).Where("local_id = ?", localID).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrStorage, err)
	}
	return &entry, nil
}

// Pending returns up to limit pending entries, oldest first
func (o *Outbox) Pending(ctx context.Context, limit int) ([]Entry, error) {
	return o.list(ctx, StatePending, limit)
}

// DeadLetters returns up to limit dead-lettered entries, oldest first
func (o *Outbox) DeadLetters(ctx context.Context, limit int) ([]Entry, error) {
	return o.list(ctx, StateDeadLetter, limit)
}

func (o *Outbox) list(ctx context.Context, state State, limit int) ([]Entry, error) {
	var entries []Entry
	q := o.db.WithContext(ctx).
		Where("delivery_state = ?", state).
		Order("created_at ASC").
		Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrStorage, state, err)
	}
	return entries, nil
}

// MarkSent records the server's acknowledgement. Marking an entry that is
// already sent is a no-op.
func (o *Outbox) MarkSent(ctx context.Context, localID string) error {
	now := time.Now().UTC()
	res := o.db.WithContext(ctx).Model(&Entry{}).
		Where("local_id = ? AND delivery_state = ?", localID, StatePending).
		Updates(map[string]interface{}{
			"delivery_state": StateSent,
			"sent_at":        now,
			"last_error":     "",
			"updated_at":     now,
		})
	if res.Error != nil {
		return fmt.Errorf("%w: mark sent: %v", ErrStorage, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := o.Get(ctx, localID); err != nil {
			return err
		}
	}
	return nil
}

// RecordFailure counts a transient delivery failure; the entry stays pending
func (o *Outbox) RecordFailure(ctx context.Context, localID, reason string) error {
	res := o.db.WithContext(ctx).Model(&Entry{}).
		Where("local_id = ? AND delivery_state = ?", localID, StatePending).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": reason,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("%w: record failure: %v", ErrStorage, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordRejection counts a permanent server rejection and moves the entry to
// dead_letter once it has been rejected maxRejections times.
func (o *Outbox) RecordRejection(ctx context.Context, localID, reason string, maxRejections int) (bool, error) {
	if maxRejections < 1 {
		maxRejections = 1
	}
	deadLettered := false

	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry Entry
		err := tx.Where("local_id = ? AND delivery_state = ?", localID, StatePending).First(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		entry.Rejections++
		entry.Attempts++
		entry.LastError = reason
		if entry.Rejections >= maxRejections {
			entry.State = StateDeadLetter
			deadLettered = true
		}
		return tx.Model(&Entry{}).Where("seq = ?", entry.Seq).Updates(map[string]interface{}{
			"rejections":     entry.Rejections,
			"attempts":       entry.Attempts,
			"last_error":     entry.LastError,
			"delivery_state": entry.State,
			"updated_at":     time.Now().UTC(),
		}).Error
	})
	if errors.Is(err, ErrNotFound) {
		return false, err
	}
	if err != nil {
		return false, fmt.Errorf("%w: record rejection: %v", ErrStorage, err)
	}

	if deadLettered {
		o.log.Warn("entry dead-lettered",
			zap.String("local_id", localID),
			zap.Int("max_rejections", maxRejections),
			zap.String("reason", reason))
	}
	return deadLettered, nil
}

// Requeue moves a dead-lettered entry back to pending with a fresh rejection count
func (o *Outbox) Requeue(ctx context.Context, localID string) error {
	res := o.db.WithContext(ctx).Model(&Entry{}).
		Where("local_id = ? AND delivery_state = ?", localID, StateDeadLetter).
		Updates(requeueColumns())
	if res.Error != nil {
		return fmt.Errorf("%w: requeue: %v", ErrStorage, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	if o.notifier != nil {
		o.notifier()
	}
	return nil
}

// RequeueAll moves every dead-lettered entry back to pending
func (o *Outbox) RequeueAll(ctx context.Context) (int64, error) {
	res := o.db.WithContext(ctx).Model(&Entry{}).
		Where("delivery_state = ?", StateDeadLetter).
		Updates(requeueColumns())
	if res.Error != nil {
		return 0, fmt.Errorf("%w: requeue all: %v", ErrStorage, res.Error)
	}
	if res.RowsAffected > 0 && o.notifier != nil {
		o.notifier()
	}
	return res.RowsAffected, nil
}

func requeueColumns() map[string]interface{} {
	return map[string]interface{}{
		"delivery_state": StatePending,
		"rejections":     0,
		"last_error":     "",
		"updated_at":     time.Now().UTC(),
	}
}

// GC deletes sent entries acknowledged more than maxAge ago. Pending and
// dead-lettered entries are never removed.
func (o *Outbox) GC(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res := o.db.WithContext(ctx).
		Where("delivery_state = ? AND sent_at IS NOT NULL AND sent_at < ?", StateSent, cutoff).
		Delete(&Entry{})
	if res.Error != nil {
		return 0, fmt.Errorf("%w: gc: %v", ErrStorage, res.Error)
	}
	if res.RowsAffected > 0 {
		o.log.Info("removed delivered entries", zap.Int64("count", res.RowsAffected), zap.Time("cutoff", cutoff))
	}
	return res.RowsAffected, nil
}

// Stats returns entry counts per state
func (o *Outbox) Stats(ctx context.Context) (Stats, error) {
	var rows []struct {
		State State
		Count int64
	}
	err := o.db.WithContext(ctx).Model(&Entry{}).
		Select("delivery_state AS state, COUNT(*) AS count").
		Group("delivery_state").
		Scan(&rows).Error
	if err != nil {
		return Stats{}, fmt.Errorf("%w: stats: %v", ErrStorage, err)
	}

	var stats Stats
	for _, r := range rows {
		switch r.State {
		case StatePending:
			stats.Pending = r.Count
		case StateSent:
			stats.Sent = r.Count
		case StateDeadLetter:
			stats.DeadLetter = r.Count
		}
	}

	if stats.Pending > 0 {
		var oldest Entry
		err := o.db.WithContext(ctx).
			Where("delivery_state = ?", StatePending).
			Order("created_at ASC").Order("seq ASC").
			First(&oldest).Error
		if err == nil {
			stats.OldestPending = &oldest.CreatedAt
		}
	}
	return stats, nil
}
