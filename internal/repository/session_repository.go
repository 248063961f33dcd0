package repository

import (
	"context"
	"errors"
	"time"

	"github.com/identitykit/identity-service/internal/domain"
	"github.com/identitykit/identity-service/internal/observability"

	"gorm.io/gorm"
)

var ErrSessionNotFound = errors.New("session not found")

type SessionRepository interface {
	Create(s *domain.UserSession) error
	FindByToken(token string) (*domain.UserSession, error)
	FindByID(id uint) (*domain.UserSession, error)
	ListActiveByUserID(userID uint, now time.Time) ([]domain.UserSession, error)
	TouchActivity(id uint, at time.Time) error
	Deactivate(id uint) (bool, error)
	DeactivateAllByUser(userID uint, exceptSessionID *uint) (int64, error)
	CleanupExpired(now time.Time) (int64, error)
}

type GormSessionRepository struct{ db *gorm.DB }

func NewSessionRepository(db *gorm.DB) SessionRepository { return &GormSessionRepository{db: db} }

func (r *GormSessionRepository) Create(s *domain.UserSession) error {
	err := r.db.Create(s).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "create", "success")
	return nil
}

func (r *GormSessionRepository) FindByToken(token string) (*domain.UserSession, error) {
	var s domain.UserSession
	err := r.db.Where("token = ?", token).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "session", "find_by_token", "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "session", "find_by_token", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "find_by_token", "success")
	return &s, nil
}

func (r *GormSessionRepository) FindByID(id uint) (*domain.UserSession, error) {
	var s domain.UserSession
	err := r.db.First(&s, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "session", "find_by_id", "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "session", "find_by_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "find_by_id", "success")
	return &s, nil
}

func (r *GormSessionRepository) ListActiveByUserID(userID uint, now time.Time) ([]domain.UserSession, error) {
	var sessions []domain.UserSession
	err := r.db.Where("user_id = ? AND is_active = ? AND expires_at > ?", userID, true, now).
		Order("last_active_at DESC").
		Find(&sessions).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "list_active_by_user_id", "error")
		return sessions, err
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "list_active_by_user_id", "success")
	return sessions, err
}

// TouchActivity bumps last_active_at. The WHERE clause keeps the column
// monotonic for active sessions even under concurrent bumps.
func (r *GormSessionRepository) TouchActivity(id uint, at time.Time) error {
	err := r.db.Model(&domain.UserSession{}).
		Where("id = ? AND is_active = ? AND last_active_at < ?", id, true, at).
		Update("last_active_at", at).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "touch_activity", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "touch_activity", "success")
	return nil
}

func (r *GormSessionRepository) Deactivate(id uint) (bool, error) {
	res := r.db.Model(&domain.UserSession{}).
		Where("id = ? AND is_active = ?", id, true).
		Update("is_active", false)
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "deactivate", "error")
		return false, res.Error
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "deactivate", "success")
	return res.RowsAffected > 0, nil
}

func (r *GormSessionRepository) DeactivateAllByUser(userID uint, exceptSessionID *uint) (int64, error) {
	q := r.db.Model(&domain.UserSession{}).
		Where("user_id = ? AND is_active = ?", userID, true)
	if exceptSessionID != nil {
		q = q.Where("id <> ?", *exceptSessionID)
	}
	res := q.Update("is_active", false)
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "deactivate_all_by_user", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "deactivate_all_by_user", "success")
	return res.RowsAffected, nil
}

func (r *GormSessionRepository) CleanupExpired(now time.Time) (int64, error) {
	res := r.db.Model(&domain.UserSession{}).
		Where("expires_at <= ? AND is_active = ?", now, true).
		Update("is_active", false)
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "session", "cleanup_expired", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(context.Background(), "session", "cleanup_expired", "success")
	return res.RowsAffected, nil
}
