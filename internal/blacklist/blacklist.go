// Package blacklist matches plates against the active blacklist.
package blacklist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/irisdrone/checkpoint/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no entry has the given id
var ErrNotFound = errors.New("blacklist entry not found")

// normalizedPlateExpr mirrors Normalize in SQL for entries written by other tools
const normalizedPlateExpr = "REPLACE(UPPER(plate_text), ' ', '')"

// Normalize removes whitespace and upper-cases the plate. Punctuation is kept.
func Normalize(plate string) string {
	var b strings.Builder
	b.Grow(len(plate))
	for _, r := range plate {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// Repository reads and writes blacklist entries
type Repository struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

// NewRepository creates a blacklist repository
func NewRepository(db *gorm.DB, log *zap.Logger) *Repository {
	if log == nil {
		log = zap.NewNop()
	}
	return &Repository{
		db:  db,
		log: log.Named("blacklist"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Match returns the entry in force for plate, or nil when there is none.
// When several entries match, the most recently created one wins.
func (r *Repository) Match(ctx context.Context, plate string) (*models.BlacklistEntry, error) {
	norm := Normalize(plate)
	if norm == "" {
		return nil, nil
	}

	var entries []models.BlacklistEntry
	err := r.active(ctx).
		Where(normalizedPlateExpr+" = ?", norm).
		Order("created_at DESC").
		Order("id DESC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to match blacklist: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	if len(entries) > 1 {
		ids := make([]int64, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.ID)
		}
		r.log.Warn("plate matches several blacklist entries, using newest",
			zap.String("plate", norm),
			zap.Int64s("entry_ids", ids),
			zap.Int64("chosen_id", entries[0].ID))
	}
	return &entries[0], nil
}

// Create stores a new active entry with a normalized plate
func (r *Repository) Create(ctx context.Context, entry *models.BlacklistEntry) error {
	entry.PlateText = Normalize(entry.PlateText)
	if entry.PlateText == "" {
		return fmt.Errorf("plate text is required")
	}
	if entry.Expiry != nil {
		utc := entry.Expiry.UTC()
		entry.Expiry = &utc
	}
	entry.IsActive = true
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to create blacklist entry: %w", err)
	}
	return nil
}

// Deactivate switches an entry off without deleting it
func (r *Repository) Deactivate(ctx context.Context, id int64) error {
	res := r.db.WithContext(ctx).Model(&models.BlacklistEntry{}).
		Where("id = ?", id).
		Update("is_active", false)
	if res.Error != nil {
		return fmt.Errorf("failed to deactivate blacklist entry: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActive counts entries that are active and not expired
func (r *Repository) CountActive(ctx context.Context) (int64, error) {
	var n int64
	if err := r.active(ctx).Model(&models.BlacklistEntry{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count blacklist: %w", err)
	}
	return n, nil
}

func (r *Repository) active(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("expiry IS NULL OR expiry > ?", r.now())
}
