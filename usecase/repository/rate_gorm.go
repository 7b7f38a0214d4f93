package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// --- Persistence Model ---

// rateLimitModel is an observability mirror of the in-memory admission
// buckets; it is written best-effort and never read on the hot path.
type rateLimitModel struct {
	Identifier      string    `gorm:"primaryKey"`
	WindowSize      int       `gorm:"not null"` // seconds
	MaxRequests     int       `gorm:"not null"`
	CurrentRequests int       `gorm:"not null"`
	WindowStart     time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (rateLimitModel) TableName() string { return "rate_limits" }

// --- Repository Implementation ---

type RateGormRepository struct {
	db *gorm.DB
}

func NewRateGormRepository(db *gorm.DB) *RateGormRepository {
	return &RateGormRepository{db: db}
}

func (r *RateGormRepository) InitSchema(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&rateLimitModel{})
}

// BucketSnapshot is one admission bucket's state at snapshot time.
type BucketSnapshot struct {
	Identifier      string
	WindowSeconds   int
	MaxRequests     int
	CurrentRequests int
	WindowStart     time.Time
}

// SaveSnapshots upserts the current bucket states.
func (r *RateGormRepository) SaveSnapshots(ctx context.Context, buckets []BucketSnapshot) error {
	if len(buckets) == 0 {
		return nil
	}
	rows := make([]rateLimitModel, 0, len(buckets))
	for _, b := range buckets {
		rows = append(rows, rateLimitModel{
			Identifier:      b.Identifier,
			WindowSize:      b.WindowSeconds,
			MaxRequests:     b.MaxRequests,
			CurrentRequests: b.CurrentRequests,
			WindowStart:     b.WindowStart.UTC(),
		})
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "identifier"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"window_size", "max_requests", "current_requests", "window_start", "updated_at",
		}),
	}).Create(&rows).Error
}

// PurgeStale drops buckets that have not rolled in a while.
func (r *RateGormRepository) PurgeStale(ctx context.Context, olderThan time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("updated_at < ?", olderThan.UTC()).
		Delete(&rateLimitModel{})
	return res.RowsAffected, res.Error
}
