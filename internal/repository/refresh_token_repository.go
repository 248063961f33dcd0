package repository

import (
	"context"
	"errors"
	"time"

	"github.com/identitykit/identity-service/internal/domain"
	"github.com/identitykit/identity-service/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrRefreshTokenNotFound = errors.New("refresh token not found")

type RefreshTokenRepository interface {
	Create(t *domain.RefreshToken) error
	FindByToken(token string) (*domain.RefreshToken, error)
	FindActiveBySession(sessionID uint, now time.Time) (*domain.RefreshToken, error)
	// Rotate revokes the presented token and creates its replacement in
	// one transaction. Returns ErrRefreshTokenNotFound when the token is
	// missing, already revoked, or expired, so a replayed rotation fails
	// closed.
	Rotate(oldToken string, replacement *domain.RefreshToken, now time.Time) (*domain.RefreshToken, error)
	Revoke(token string, now time.Time) error
	RevokeAllByUser(userID uint, exceptTokenID *uint, now time.Time) (int64, error)
	CleanupExpired(now time.Time) (int64, error)
}

type GormRefreshTokenRepository struct{ db *gorm.DB }

func NewRefreshTokenRepository(db *gorm.DB) RefreshTokenRepository {
	return &GormRefreshTokenRepository{db: db}
}

func (r *GormRefreshTokenRepository) Create(t *domain.RefreshToken) error {
	err := r.db.Create(t).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "refresh_token", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "refresh_token", "create", "success")
	return nil
}

func (r *GormRefreshTokenRepository) FindByToken(token string) (*domain.RefreshToken, error) {
	var t domain.RefreshToken
	err := r.db.Where("token = ?", token).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "refresh_token", "find_by_token", "not_found")
			return nil, ErrRefreshTokenNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "refresh_token", "find_by_token", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "refresh_token", "find_by_token", "success")
	return &t, nil
}

func (r *GormRefreshTokenRepository) FindActiveBySession(sessionID uint, now time.Time) (*domain.RefreshToken, error) {
	var t domain.RefreshToken
	err := r.db.Where("session_id = ? AND is_revoked = ? AND expires_at > ?", sessionID, false, now).
		Order("id DESC").
		First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "refresh_token", "find_active_by_session", "not_found")
			return nil, ErrRefreshTokenNotFound
		}
		observability.RecordRepositoryOperation(context.Background(), "refresh_token", "find_active_by_session", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "refresh_token", "find_active_by_session", "success")
	return &t, nil
}

func (r *GormRefreshTokenRepository) Rotate(oldToken string, replacement *domain.RefreshToken, now time.Time) (*domain.RefreshToken, error) {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var old domain.RefreshToken
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token = ? AND is_revoked = ? AND expires_at > ?", oldToken, false, now).
			First(&old).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRefreshTokenNotFound
			}
			return err
		}
		if err := tx.Model(&domain.RefreshToken{}).
			Where("id = ? AND is_revoked = ?", old.ID, false).
			Updates(map[string]any{"is_revoked": true, "revoked_at": now.UTC()}).Error; err != nil {
			return err
		}
		replacement.ReplacedByToken = &old.Token
		return tx.Create(replacement).Error
	})
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			observability.RecordRepositoryOperation(context.Background(), "refresh_token", "rotate", "not_found")
		} else {
			observability.RecordRepositoryOperation(context.Background(), "refresh_token", "rotate", "error")
		}
		return nil, err
	}
	observability.RecordRepositoryOperation(context.Background(), "refresh_token", "rotate", "success")
	return replacement, nil
}

func (r *GormRefreshTokenRepository) Revoke(token string, now time.Time) error {
	err := r.db.Model(&domain.RefreshToken{}).
		Where("token = ? AND is_revoked = ?", token, false).
		Updates(map[string]any{"is_revoked": true, "revoked_at": now.UTC()}).Error
	if err != nil {
		observability.RecordRepositoryOperation(context.Background(), "refresh_token", "revoke", "error")
		return err
	}
	observability.RecordRepositoryOperation(context.Background(), "refresh_token", "revoke", "success")
	return nil
}

func (r *GormRefreshTokenRepository) RevokeAllByUser(userID uint, exceptTokenID *uint, now time.Time) (int64, error) {
	q := r.db.Model(&domain.RefreshToken{}).
		Where("user_id = ? AND is_revoked = ?", userID, false)
	if exceptTokenID != nil {
		q = q.Where("id <> ?", *exceptTokenID)
	}
	res := q.Updates(map[string]any{"is_revoked": true, "revoked_at": now.UTC()})
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "refresh_token", "revoke_all_by_user", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(context.Background(), "refresh_token", "revoke_all_by_user", "success")
	return res.RowsAffected, nil
}

// CleanupExpired marks expired, not-yet-revoked tokens as revoked. The
// update-where guard keeps overlapping sweeps from double counting.
func (r *GormRefreshTokenRepository) CleanupExpired(now time.Time) (int64, error) {
	res := r.db.Model(&domain.RefreshToken{}).
		Where("expires_at <= ? AND is_revoked = ?", now, false).
		Updates(map[string]any{"is_revoked": true, "revoked_at": now.UTC()})
	if res.Error != nil {
		observability.RecordRepositoryOperation(context.Background(), "refresh_token", "cleanup_expired", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(context.Background(), "refresh_token", "cleanup_expired", "success")
	return res.RowsAffected, nil
}
