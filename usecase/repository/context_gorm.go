package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/royalbot/royal-dispatch/domains/convo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// --- Persistence Model ---

type conversationContextModel struct {
	UserID          string    `gorm:"primaryKey"`
	ContextData     string    `gorm:"type:text;not null"`     // full serialized context
	Profile         string    `gorm:"type:text;default:'{}'"` // JSON copy for ad-hoc queries
	State           string    `gorm:"index"`
	LastInteraction time.Time `gorm:"index"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (conversationContextModel) TableName() string {
	return "conversation_contexts"
}

// --- Repository Implementation ---

// ContextGormRepository is the L3 durable tier of the context store.
type ContextGormRepository struct {
	db *gorm.DB
}

func NewContextGormRepository(db *gorm.DB) *ContextGormRepository {
	return &ContextGormRepository{db: db}
}

func (r *ContextGormRepository) InitSchema(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&conversationContextModel{})
}

// Get returns the stored context, or (nil, nil) for an unknown user.
func (r *ContextGormRepository) Get(ctx context.Context, userID string) (*convo.ConversationContext, error) {
	var m conversationContextModel
	err := r.db.WithContext(ctx).First(&m, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load context %s: %w", userID, err)
	}

	var c convo.ConversationContext
	if err := json.Unmarshal([]byte(m.ContextData), &c); err != nil {
		return nil, fmt.Errorf("decode context %s: %w", userID, err)
	}
	return &c, nil
}

// Save upserts the context row, keeping the queryable columns in sync with
// the serialized payload.
func (r *ContextGormRepository) Save(ctx context.Context, c *convo.ConversationContext) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode context %s: %w", c.UserID, err)
	}
	profile, _ := json.Marshal(c.Profile)

	m := conversationContextModel{
		UserID:          c.UserID,
		ContextData:     string(data),
		Profile:         string(profile),
		State:           string(c.State),
		LastInteraction: c.LastInteraction.UTC(),
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"context_data", "profile", "state", "last_interaction", "updated_at",
		}),
	}).Create(&m).Error
}

// Touch refreshes last_interaction without rewriting the payload.
func (r *ContextGormRepository) Touch(ctx context.Context, userID string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&conversationContextModel{}).
		Where("user_id = ?", userID).
		Update("last_interaction", at.UTC()).Error
}
