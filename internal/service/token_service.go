package service

import (
	"errors"
	"time"

	"github.com/identitykit/identity-service/internal/domain"
	"github.com/identitykit/identity-service/internal/repository"
	"github.com/identitykit/identity-service/internal/security"
)

var ErrInvalidRefreshToken = errors.New("invalid refresh token")

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// TokenOptions carries the device context bound to a refresh token and
// the session the token should stay linked to across rotations.
type TokenOptions struct {
	DeviceID   *string
	DeviceType *string
	SessionID  *uint
}

type TokenService struct {
	jwtMgr     *security.JWTManager
	tokenRepo  repository.RefreshTokenRepository
	userRepo   repository.UserRepository
	accessTTL  time.Duration
	refreshTTL time.Duration
	rotate     bool
	now        func() time.Time
}

func NewTokenService(jwtMgr *security.JWTManager, tokenRepo repository.RefreshTokenRepository, userRepo repository.UserRepository, accessTTL, refreshTTL time.Duration, rotate bool) *TokenService {
	return &TokenService{
		jwtMgr:     jwtMgr,
		tokenRepo:  tokenRepo,
		userRepo:   userRepo,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		rotate:     rotate,
		now:        time.Now,
	}
}

func (s *TokenService) GenerateTokens(user *domain.User, opts TokenOptions) (*TokenPair, error) {
	access, err := s.signAccessToken(user)
	if err != nil {
		return nil, err
	}
	refreshValue, err := security.NewRefreshTokenValue()
	if err != nil {
		return nil, err
	}
	record := &domain.RefreshToken{
		Token:      refreshValue,
		UserID:     user.ID,
		DeviceID:   opts.DeviceID,
		DeviceType: opts.DeviceType,
		SessionID:  opts.SessionID,
		ExpiresAt:  s.now().Add(s.refreshTTL),
	}
	if err := s.tokenRepo.Create(record); err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refreshValue,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

// RefreshAccessToken validates the presented refresh token and mints a
// new access token. With rotation enabled the presented token is revoked
// and replaced atomically; a replay of the old value fails closed.
func (s *TokenService) RefreshAccessToken(refreshToken string) (*TokenPair, *domain.User, error) {
	record, err := s.tokenRepo.FindByToken(refreshToken)
	if err != nil {
		if errors.Is(err, repository.ErrRefreshTokenNotFound) {
			return nil, nil, ErrInvalidRefreshToken
		}
		return nil, nil, err
	}
	if !record.Usable(s.now()) {
		return nil, nil, ErrInvalidRefreshToken
	}

	user, err := s.userRepo.FindByID(record.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, nil, ErrInvalidRefreshToken
		}
		return nil, nil, err
	}
	access, err := s.signAccessToken(user)
	if err != nil {
		return nil, nil, err
	}

	if !s.rotate {
		return &TokenPair{
			AccessToken:  access,
			RefreshToken: record.Token,
			ExpiresIn:    int64(s.accessTTL.Seconds()),
		}, user, nil
	}

	newValue, err := security.NewRefreshTokenValue()
	if err != nil {
		return nil, nil, err
	}
	replacement := &domain.RefreshToken{
		Token:      newValue,
		UserID:     record.UserID,
		DeviceID:   record.DeviceID,
		DeviceType: record.DeviceType,
		SessionID:  record.SessionID,
		ExpiresAt:  s.now().Add(s.refreshTTL),
	}
	if _, err := s.tokenRepo.Rotate(record.Token, replacement, s.now()); err != nil {
		if errors.Is(err, repository.ErrRefreshTokenNotFound) {
			// Lost the race against a concurrent rotation of the same
			// token; the presenter holds a now-dead credential.
			return nil, nil, ErrInvalidRefreshToken
		}
		return nil, nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: newValue,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, user, nil
}

func (s *TokenService) FindRefreshToken(token string) (*domain.RefreshToken, error) {
	return s.tokenRepo.FindByToken(token)
}

// FindRefreshTokenBySession returns the live refresh token bound to a
// session, used to spare the calling session during a logout-all.
func (s *TokenService) FindRefreshTokenBySession(sessionID uint) (*domain.RefreshToken, error) {
	return s.tokenRepo.FindActiveBySession(sessionID, s.now())
}

func (s *TokenService) RevokeRefreshToken(token string) error {
	return s.tokenRepo.Revoke(token, s.now())
}

func (s *TokenService) RevokeAllUserRefreshTokens(userID uint, exceptTokenID *uint) (int64, error) {
	return s.tokenRepo.RevokeAllByUser(userID, exceptTokenID, s.now())
}

func (s *TokenService) CleanupExpiredRefreshTokens() (int64, error) {
	return s.tokenRepo.CleanupExpired(s.now())
}

func (s *TokenService) signAccessToken(user *domain.User) (string, error) {
	username := ""
	if user.Username != nil {
		username = *user.Username
	}
	phone := ""
	if user.Phone != nil {
		phone = *user.Phone
	}
	return s.jwtMgr.SignAccessToken(user.ID, user.Email, username, phone, s.accessTTL)
}
