package service

import (
	"time"

	"github.com/identitykit/identity-service/internal/domain"
	"github.com/identitykit/identity-service/internal/repository"
	"github.com/identitykit/identity-service/internal/security"
)

type CreateSessionInput struct {
	UserID     uint
	DeviceID   *string
	DeviceType *string
	DeviceName *string
	IP         string
	UserAgent  string
	Location   *string
}

type SessionService struct {
	sessionRepo repository.SessionRepository
	sessionTTL  time.Duration
	now         func() time.Time
}

func NewSessionService(sessionRepo repository.SessionRepository, sessionTTL time.Duration) *SessionService {
	return &SessionService{
		sessionRepo: sessionRepo,
		sessionTTL:  sessionTTL,
		now:         time.Now,
	}
}

func (s *SessionService) CreateSession(in CreateSessionInput) (*domain.UserSession, error) {
	now := s.now()
	session := &domain.UserSession{
		Token:        security.NewSessionTokenValue(),
		UserID:       in.UserID,
		DeviceID:     in.DeviceID,
		DeviceType:   in.DeviceType,
		DeviceName:   in.DeviceName,
		IP:           in.IP,
		UserAgent:    in.UserAgent,
		Location:     in.Location,
		ExpiresAt:    now.Add(s.sessionTTL),
		LastActiveAt: now,
		IsActive:     true,
	}
	if err := s.sessionRepo.Create(session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *SessionService) FindSessionByToken(token string) (*domain.UserSession, error) {
	return s.sessionRepo.FindByToken(token)
}

func (s *SessionService) FindSessionByID(id uint) (*domain.UserSession, error) {
	return s.sessionRepo.FindByID(id)
}

func (s *SessionService) GetActiveSessions(userID uint) ([]domain.UserSession, error) {
	return s.sessionRepo.ListActiveByUserID(userID, s.now())
}

// UpdateSessionActivity bumps last_active_at. Callers treat failures as
// soft; an activity bump must never fail a request.
func (s *SessionService) UpdateSessionActivity(id uint) error {
	return s.sessionRepo.TouchActivity(id, s.now())
}

func (s *SessionService) DeactivateSession(id uint) (bool, error) {
	return s.sessionRepo.Deactivate(id)
}

func (s *SessionService) DeactivateAllUserSessions(userID uint, exceptSessionID *uint) (int64, error) {
	return s.sessionRepo.DeactivateAllByUser(userID, exceptSessionID)
}

func (s *SessionService) CleanupExpiredSessions() (int64, error) {
	return s.sessionRepo.CleanupExpired(s.now())
}
