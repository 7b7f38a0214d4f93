package repository

import (
	"context"
	"errors"
	"time"

	"github.com/royalbot/royal-dispatch/domains/botstate"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// --- Persistence Model ---

type botStateModel struct {
	UserID      string     `gorm:"primaryKey"`
	Paused      bool       `gorm:"index;not null"`
	Reason      string
	SetBy       string
	ForceActive bool       `gorm:"default:false"`
	PausedAt    time.Time
	ExpiresAt   *time.Time `gorm:"index"`
	UpdatedAt   time.Time  `gorm:"not null"`
}

func (botStateModel) TableName() string {
	return "bot_states"
}

// --- Repository Implementation ---

// BotStateGormRepository mirrors the cache-resident gate records so pauses
// survive a process restart.
type BotStateGormRepository struct {
	db *gorm.DB
}

func NewBotStateGormRepository(db *gorm.DB) *BotStateGormRepository {
	return &BotStateGormRepository{db: db}
}

func (r *BotStateGormRepository) InitSchema(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&botStateModel{})
}

func (r *BotStateGormRepository) Get(ctx context.Context, userID string) (*botstate.BotState, error) {
	var m botStateModel
	err := r.db.WithContext(ctx).First(&m, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &botstate.BotState{
		UserID:      m.UserID,
		Paused:      m.Paused,
		Reason:      m.Reason,
		SetBy:       m.SetBy,
		ForceActive: m.ForceActive,
		PausedAt:    m.PausedAt,
		ExpiresAt:   m.ExpiresAt,
	}, nil
}

func (r *BotStateGormRepository) Save(ctx context.Context, s *botstate.BotState) error {
	m := botStateModel{
		UserID:      s.UserID,
		Paused:      s.Paused,
		Reason:      s.Reason,
		SetBy:       s.SetBy,
		ForceActive: s.ForceActive,
		PausedAt:    s.PausedAt,
		ExpiresAt:   s.ExpiresAt,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"paused", "reason", "set_by", "force_active", "paused_at", "expires_at", "updated_at",
		}),
	}).Create(&m).Error
}

func (r *BotStateGormRepository) Delete(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).Delete(&botStateModel{}, "user_id = ?", userID).Error
}

// ResumeAll clears every paused record, returning the affected user IDs so
// the caller can drop their cache entries too.
func (r *BotStateGormRepository) ResumeAll(ctx context.Context) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Model(&botStateModel{}).
		Where("paused = ?", true).
		Pluck("user_id", &ids).Error; err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := r.db.WithContext(ctx).Where("user_id IN ?", ids).Delete(&botStateModel{}).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// PurgeExpired drops records whose TTL elapsed (daily cleanup).
func (r *BotStateGormRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ? AND force_active = ?", now.UTC(), false).
		Delete(&botStateModel{})
	return res.RowsAffected, res.Error
}
