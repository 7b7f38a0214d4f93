package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/royalbot/royal-dispatch/domains/message"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// --- Persistence Model ---

type messageQueueModel struct {
	ID             uint       `gorm:"primaryKey;autoIncrement"`
	QueueID        string     `gorm:"uniqueIndex;not null"`
	UserID         string     `gorm:"index;not null"`
	MessageContent string     `gorm:"type:text;not null"` // serialized InboundMessage
	MessageHash    string     `gorm:"index"`
	Source         string     `gorm:"index"`
	Priority       string     `gorm:"index"`
	Status         string     `gorm:"index;not null"`
	Attempts       int        `gorm:"default:0"`
	WorkerID       string
	ScheduledAt    time.Time  `gorm:"index"`
	StartedAt      *time.Time
	CompletedAt    *time.Time
	LastError      string     `gorm:"type:text"`
	CreatedAt      time.Time  `gorm:"not null"`
	UpdatedAt      time.Time  `gorm:"not null"`
}

func (messageQueueModel) TableName() string {
	return "message_queue"
}

// --- Repository Implementation ---

// QueueGormRepository is the durable backing of the in-memory priority
// queue: every submitted item is written through, status changes follow,
// and a restart reloads whatever survived.
type QueueGormRepository struct {
	db *gorm.DB
}

func NewQueueGormRepository(db *gorm.DB) *QueueGormRepository {
	return &QueueGormRepository{db: db}
}

func (r *QueueGormRepository) InitSchema(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&messageQueueModel{})
}

func (r *QueueGormRepository) Insert(ctx context.Context, item *message.QueuedItem) error {
	m, err := toQueueModel(item)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(m).Error
}

// MarkProcessing stamps the lease on the durable row.
func (r *QueueGormRepository) MarkProcessing(ctx context.Context, queueID, workerID string, startedAt time.Time) error {
	return r.db.WithContext(ctx).Model(&messageQueueModel{}).
		Where("queue_id = ?", queueID).
		Updates(map[string]any{
			"status":     string(message.StatusProcessing),
			"worker_id":  workerID,
			"started_at": startedAt.UTC(),
		}).Error
}

// MarkTerminal records completed or dead_letter.
func (r *QueueGormRepository) MarkTerminal(ctx context.Context, queueID string, status message.Status, lastError string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&messageQueueModel{}).
		Where("queue_id = ?", queueID).
		Updates(map[string]any{
			"status":       string(status),
			"completed_at": &now,
			"last_error":   lastError,
		}).Error
}

// MarkRetry re-arms the row as pending with its next attempt timestamp.
func (r *QueueGormRepository) MarkRetry(ctx context.Context, queueID string, attempts int, scheduledAt time.Time, lastError string) error {
	return r.db.WithContext(ctx).Model(&messageQueueModel{}).
		Where("queue_id = ?", queueID).
		Updates(map[string]any{
			"status":       string(message.StatusPending),
			"attempts":     attempts,
			"scheduled_at": scheduledAt.UTC(),
			"worker_id":    "",
			"last_error":   lastError,
		}).Error
}

// RecoverStale reverts processing rows older than the liveness threshold to
// pending, then returns every pending item for in-memory reload.
func (r *QueueGormRepository) RecoverStale(ctx context.Context, liveness time.Duration) ([]*message.QueuedItem, error) {
	cutoff := time.Now().UTC().Add(-liveness)
	res := r.db.WithContext(ctx).Model(&messageQueueModel{}).
		Where("status = ? AND started_at < ?", string(message.StatusProcessing), cutoff).
		Updates(map[string]any{"status": string(message.StatusPending), "worker_id": ""})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected > 0 {
		logrus.Infof("[QUEUE] recovered %d stale processing items", res.RowsAffected)
	}

	var rows []messageQueueModel
	if err := r.db.WithContext(ctx).
		Where("status = ?", string(message.StatusPending)).
		Order("created_at asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	items := make([]*message.QueuedItem, 0, len(rows))
	for i := range rows {
		item, err := fromQueueModel(&rows[i])
		if err != nil {
			logrus.WithError(err).Warnf("[QUEUE] skipping unreadable row %s", rows[i].QueueID)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// PurgeOld removes terminal rows older than the cutoff (daily cleanup).
func (r *QueueGormRepository) PurgeOld(ctx context.Context, olderThan time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]string{string(message.StatusCompleted), string(message.StatusFailed)}, olderThan.UTC()).
		Delete(&messageQueueModel{})
	return res.RowsAffected, res.Error
}

// --- mapping helpers ---

func toQueueModel(item *message.QueuedItem) (*messageQueueModel, error) {
	content, err := json.Marshal(item.Message)
	if err != nil {
		return nil, fmt.Errorf("encode queue item %s: %w", item.QueueID, err)
	}
	return &messageQueueModel{
		QueueID:        item.QueueID,
		UserID:         item.UserID,
		MessageContent: string(content),
		MessageHash:    item.Message.Hash(),
		Source:         string(item.Message.Source),
		Priority:       item.Priority.String(),
		Status:         string(item.Status),
		Attempts:       item.Attempts,
		WorkerID:       item.WorkerID,
		ScheduledAt:    item.ScheduledAt.UTC(),
		StartedAt:      item.StartedAt,
		CompletedAt:    item.CompletedAt,
		LastError:      item.LastError,
		CreatedAt:      item.CreatedAt.UTC(),
	}, nil
}

func fromQueueModel(m *messageQueueModel) (*message.QueuedItem, error) {
	var msg message.InboundMessage
	if err := json.Unmarshal([]byte(m.MessageContent), &msg); err != nil {
		return nil, fmt.Errorf("decode queue item %s: %w", m.QueueID, err)
	}
	return &message.QueuedItem{
		QueueID:     m.QueueID,
		UserID:      m.UserID,
		Message:     msg,
		Priority:    message.ParsePriority(m.Priority),
		Status:      message.Status(m.Status),
		Attempts:    m.Attempts,
		WorkerID:    m.WorkerID,
		CreatedAt:   m.CreatedAt,
		ScheduledAt: m.ScheduledAt,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
		LastError:   m.LastError,
	}, nil
}
