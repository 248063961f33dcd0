package service

import (
	"context"

	"github.com/identitykit/identity-service/internal/domain"
	"github.com/identitykit/identity-service/internal/security"
)

// PermissionResolver answers authorization checks for the access guard.
type PermissionResolver interface {
	ResolvePermissions(ctx context.Context, claims *security.Claims) ([]string, error)
}

// SessionRegistry is the surface the HTTP layer needs from the session
// service.
type SessionRegistry interface {
	GetActiveSessions(userID uint) ([]domain.UserSession, error)
	FindSessionByID(id uint) (*domain.UserSession, error)
	DeactivateSession(id uint) (bool, error)
	DeactivateAllUserSessions(userID uint, exceptSessionID *uint) (int64, error)
}
