package repository

import (
	"context"
	"time"

	"github.com/identitykit/identity-service/internal/domain"
	"github.com/identitykit/identity-service/internal/observability"
	"gorm.io/gorm"
)

type AuthEventRepository interface {
	// Create appends an event. Rows are immutable once written.
	Create(e *domain.AuthEvent) error
	RecentSuccessfulLogins(userID uint, since time.Time, limit int) ([]domain.AuthEvent, error)
	CountFailuresSince(email string, since time.Time) (int64, error)
}

type GormAuthEventRepository struct{ db *gorm.DB }

func NewAuthEventRepository(db *gorm.DB) AuthEventRepository {
	return &GormAuthEventRepository{db: db}
}

func (r *GormAuthEventRepository) Create(e *domain.AuthEvent) error {
	err := r.db.Create(e).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "auth_event", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "auth_event", "create", "success")
	return nil
}

func (r *GormAuthEventRepository) RecentSuccessfulLogins(userID uint, since time.Time, limit int) ([]domain.AuthEvent, error) {
	var events []domain.AuthEvent
	err := r.db.Where("user_id = ? AND event_type = ? AND success = ? AND created_at >= ?",
		userID, domain.AuthEventLoginSuccess, true, since).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "auth_event", "recent_successful_logins", "error")
		return events, err
	}
	observability.RecordRepositoryOperation(context.Background(), "auth_event", "recent_successful_logins", "success")
	return events, nil
}

func (r *GormAuthEventRepository) CountFailuresSince(email string, since time.Time) (int64, error) {
	var count int64
	err := r.db.Model(&domain.AuthEvent{}).
		Where("email = ? AND event_type = ? AND created_at >= ?", email, domain.AuthEventLoginFailure, since).
		Count(&count).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "auth_event", "count_failures_since", "error")
		return 0, err
	}
	observability.RecordRepositoryOperation(context.Background(), "auth_event", "count_failures_since", "success")
	return count, nil
}
