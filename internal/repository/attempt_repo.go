package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"marketpulse/internal/model"
)

// ErrDuplicateAttempt an attempt for the same (match, channel) pair
// already exists; the match was enqueued by an earlier delivery
var ErrDuplicateAttempt = errors.New("notification attempt already exists")

// AttemptRepository notification attempt repository interface
type AttemptRepository interface {
	// Create inserts a pending attempt
	Create(ctx context.Context, attempt *model.NotificationAttempt) error

	// MarkSent records terminal success
	MarkSent(ctx context.Context, id int64) error

	// MarkFailed records a failed try; the attempt stays retryable
	MarkFailed(ctx context.Context, id int64, lastError string) error

	// MarkDeadLettered records terminal failure
	MarkDeadLettered(ctx context.Context, id int64, lastError string) error
}

// attemptRepository notification attempt repository implementation
type attemptRepository struct {
	db *gorm.DB
}

// NewAttemptRepository creates an attempt repository
func NewAttemptRepository(db *gorm.DB) AttemptRepository {
	return &attemptRepository{db: db}
}

// Create inserts a pending attempt. A redelivered match hits the
// unique (match_id, channel) index and reports ErrDuplicateAttempt.
func (r *attemptRepository) Create(ctx context.Context, attempt *model.NotificationAttempt) error {
	err := r.db.WithContext(ctx).Create(attempt).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateAttempt
	}
	return err
}

// MarkSent records terminal success
func (r *attemptRepository) MarkSent(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.NotificationAttempt{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        model.AttemptStatusSent,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"updated_at":    time.Now(),
		}).Error
}

// MarkFailed records a failed try; the attempt stays retryable
func (r *attemptRepository) MarkFailed(ctx context.Context, id int64, lastError string) error {
	return r.db.WithContext(ctx).
		Model(&model.NotificationAttempt{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        model.AttemptStatusFailed,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"last_error":    lastError,
			"updated_at":    time.Now(),
		}).Error
}

// MarkDeadLettered records terminal failure
func (r *attemptRepository) MarkDeadLettered(ctx context.Context, id int64, lastError string) error {
	return r.db.WithContext(ctx).
		Model(&model.NotificationAttempt{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     model.AttemptStatusDeadLettered,
			"last_error": lastError,
			"updated_at": time.Now(),
		}).Error
}
