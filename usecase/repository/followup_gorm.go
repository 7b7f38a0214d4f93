package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/royalbot/royal-dispatch/domains/followup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// --- Persistence Models ---

type followUpJobModel struct {
	ID              uint       `gorm:"primaryKey;autoIncrement"`
	JobID           string     `gorm:"uniqueIndex;not null"`
	UserID          string     `gorm:"index:idx_fuj_user_stage,priority:1;not null"`
	Stage           int        `gorm:"index:idx_fuj_user_stage,priority:2;not null"`
	ScheduledFor    time.Time  `gorm:"index"`
	Status          string     `gorm:"index;not null"`
	Attempts        int        `gorm:"default:0"`
	ContextSnapshot string     `gorm:"type:text;default:'{}'"`
	CreatedAt       time.Time  `gorm:"not null"`
	ProcessedAt     *time.Time
	UpdatedAt       time.Time  `gorm:"not null"`
}

func (followUpJobModel) TableName() string { return "follow_up_jobs" }

type followUpHistoryModel struct {
	ID          uint       `gorm:"primaryKey;autoIncrement"`
	UserID      string     `gorm:"index;not null"`
	Stage       int        `gorm:"not null"`
	MessageSent string     `gorm:"type:text"`
	SentAt      time.Time  `gorm:"index;not null"`
	Responded   bool       `gorm:"default:false"`
	RespondedAt *time.Time
}

func (followUpHistoryModel) TableName() string { return "follow_up_history" }

type followUpRateLimitModel struct {
	UserID     string     `gorm:"primaryKey"`
	LastSentAt *time.Time
	DailyCount int        `gorm:"default:0"`
	ResetDate  string     `gorm:"size:10"` // YYYY-MM-DD civil date
	UpdatedAt  time.Time  `gorm:"not null"`
}

func (followUpRateLimitModel) TableName() string { return "follow_up_rate_limits" }

type followUpBlacklistModel struct {
	UserID  string    `gorm:"primaryKey"`
	Reason  string
	AddedAt time.Time `gorm:"not null"`
}

func (followUpBlacklistModel) TableName() string { return "follow_up_blacklist" }

// --- Repository Implementation ---

// FollowUpGormRepository implements followup.Repository over the four
// scheduler tables.
type FollowUpGormRepository struct {
	db *gorm.DB
}

func NewFollowUpGormRepository(db *gorm.DB) *FollowUpGormRepository {
	return &FollowUpGormRepository{db: db}
}

func (r *FollowUpGormRepository) InitSchema(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(
		&followUpJobModel{},
		&followUpHistoryModel{},
		&followUpRateLimitModel{},
		&followUpBlacklistModel{},
	)
}

// InsertJob creates a pending job, enforcing the one-pending-per-stage
// constraint by cancelling any previous pending job at the same stage.
func (r *FollowUpGormRepository) InsertJob(ctx context.Context, job *followup.Job) error {
	snapshot, err := json.Marshal(job.Snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&followUpJobModel{}).
			Where("user_id = ? AND stage = ? AND status = ?", job.UserID, job.Stage, string(followup.JobPending)).
			Update("status", string(followup.JobCancelled)).Error; err != nil {
			return err
		}
		return tx.Create(&followUpJobModel{
			JobID:           job.JobID,
			UserID:          job.UserID,
			Stage:           job.Stage,
			ScheduledFor:    job.ScheduledFor.UTC(),
			Status:          string(followup.JobPending),
			Attempts:        job.Attempts,
			ContextSnapshot: string(snapshot),
			CreatedAt:       job.CreatedAt.UTC(),
		}).Error
	})
}

func (r *FollowUpGormRepository) DueJobs(ctx context.Context, now time.Time, limit int) ([]*followup.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []followUpJobModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_for <= ?", string(followup.JobPending), now.UTC()).
		Order("scheduled_for asc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	jobs := make([]*followup.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, fromJobModel(&rows[i]))
	}
	return jobs, nil
}

func (r *FollowUpGormRepository) CancelPending(ctx context.Context, userID string) (int, error) {
	res := r.db.WithContext(ctx).Model(&followUpJobModel{}).
		Where("user_id = ? AND status = ?", userID, string(followup.JobPending)).
		Update("status", string(followup.JobCancelled))
	return int(res.RowsAffected), res.Error
}

func (r *FollowUpGormRepository) MarkSent(ctx context.Context, jobID string, at time.Time) error {
	t := at.UTC()
	return r.db.WithContext(ctx).Model(&followUpJobModel{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{"status": string(followup.JobSent), "processed_at": &t}).Error
}

func (r *FollowUpGormRepository) MarkFailed(ctx context.Context, jobID string, attempts int, rescheduleFor *time.Time) error {
	updates := map[string]any{"attempts": attempts}
	if rescheduleFor != nil {
		updates["status"] = string(followup.JobPending)
		updates["scheduled_for"] = rescheduleFor.UTC()
	} else {
		updates["status"] = string(followup.JobFailed)
		now := time.Now().UTC()
		updates["processed_at"] = &now
	}
	return r.db.WithContext(ctx).Model(&followUpJobModel{}).
		Where("job_id = ?", jobID).Updates(updates).Error
}

func (r *FollowUpGormRepository) Reschedule(ctx context.Context, jobID string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&followUpJobModel{}).
		Where("job_id = ?", jobID).
		Update("scheduled_for", at.UTC()).Error
}

func (r *FollowUpGormRepository) PendingForUser(ctx context.Context, userID string) ([]*followup.Job, error) {
	var rows []followUpJobModel
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, string(followup.JobPending)).
		Order("stage asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	jobs := make([]*followup.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, fromJobModel(&rows[i]))
	}
	return jobs, nil
}

// --- Blacklist ---

func (r *FollowUpGormRepository) IsBlacklisted(ctx context.Context, userID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&followUpBlacklistModel{}).
		Where("user_id = ?", userID).Count(&count).Error
	return count > 0, err
}

func (r *FollowUpGormRepository) AddToBlacklist(ctx context.Context, userID, reason string) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"reason"}),
	}).Create(&followUpBlacklistModel{UserID: userID, Reason: reason, AddedAt: time.Now().UTC()}).Error
}

func (r *FollowUpGormRepository) RemoveFromBlacklist(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).Delete(&followUpBlacklistModel{}, "user_id = ?", userID).Error
}

// --- Rate limit ---

func (r *FollowUpGormRepository) GetRateLimit(ctx context.Context, userID string) (*followup.RateLimit, error) {
	var m followUpRateLimitModel
	err := r.db.WithContext(ctx).First(&m, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &followup.RateLimit{
		UserID:     m.UserID,
		LastSentAt: m.LastSentAt,
		DailyCount: m.DailyCount,
		ResetDate:  m.ResetDate,
	}, nil
}

// RecordSend increments the daily counter, rolling it over when the civil
// date changed since the last send.
func (r *FollowUpGormRepository) RecordSend(ctx context.Context, userID string, at time.Time, civilDate string) error {
	t := at.UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m followUpRateLimitModel
		err := tx.First(&m, "user_id = ?", userID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&followUpRateLimitModel{
				UserID: userID, LastSentAt: &t, DailyCount: 1, ResetDate: civilDate,
			}).Error
		case err != nil:
			return err
		}
		if m.ResetDate != civilDate {
			m.DailyCount = 0
			m.ResetDate = civilDate
		}
		m.DailyCount++
		m.LastSentAt = &t
		return tx.Save(&m).Error
	})
}

// --- History ---

func (r *FollowUpGormRepository) AppendHistory(ctx context.Context, entry *followup.HistoryEntry) error {
	return r.db.WithContext(ctx).Create(&followUpHistoryModel{
		UserID:      entry.UserID,
		Stage:       entry.Stage,
		MessageSent: entry.MessageSent,
		SentAt:      entry.SentAt.UTC(),
	}).Error
}

// MarkResponded flags the latest unanswered history row for the user.
func (r *FollowUpGormRepository) MarkResponded(ctx context.Context, userID string, at time.Time) error {
	var last followUpHistoryModel
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND responded = ?", userID, false).
		Order("sent_at desc").
		First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	t := at.UTC()
	return r.db.WithContext(ctx).Model(&last).
		Updates(map[string]any{"responded": true, "responded_at": &t}).Error
}

func (r *FollowUpGormRepository) HistoryForUser(ctx context.Context, userID string, limit int) ([]*followup.HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []followUpHistoryModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("sent_at desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	entries := make([]*followup.HistoryEntry, 0, len(rows))
	for i := range rows {
		m := rows[i]
		entries = append(entries, &followup.HistoryEntry{
			ID:          m.ID,
			UserID:      m.UserID,
			Stage:       m.Stage,
			MessageSent: m.MessageSent,
			SentAt:      m.SentAt,
			Responded:   m.Responded,
			RespondedAt: m.RespondedAt,
		})
	}
	return entries, nil
}

// PurgeOld removes sent/cancelled jobs older than the cutoff.
func (r *FollowUpGormRepository) PurgeOld(ctx context.Context, olderThan time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]string{string(followup.JobSent), string(followup.JobCancelled)}, olderThan.UTC()).
		Delete(&followUpJobModel{})
	return res.RowsAffected, res.Error
}

func fromJobModel(m *followUpJobModel) *followup.Job {
	var snap followup.ContextSnapshot
	_ = json.Unmarshal([]byte(m.ContextSnapshot), &snap)
	return &followup.Job{
		JobID:        m.JobID,
		UserID:       m.UserID,
		Stage:        m.Stage,
		ScheduledFor: m.ScheduledFor,
		Status:       followup.JobStatus(m.Status),
		Attempts:     m.Attempts,
		Snapshot:     snap,
		CreatedAt:    m.CreatedAt,
		ProcessedAt:  m.ProcessedAt,
	}
}
