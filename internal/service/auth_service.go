package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/identitykit/identity-service/internal/domain"
	"github.com/identitykit/identity-service/internal/observability"
	"github.com/identitykit/identity-service/internal/repository"
	"github.com/identitykit/identity-service/internal/security"
)

var (
	// ErrInvalidCredentials covers unknown identifier and wrong password
	// alike so login failures never reveal which part was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account is disabled")
	ErrEmailTaken         = errors.New("email is already registered")
	ErrUsernameTaken      = errors.New("username is already taken")
	ErrPhoneTaken         = errors.New("phone number is already registered")
	// ErrLoginIdentifier rejects a login request before any user lookup,
	// so it never produces an audit event.
	ErrLoginIdentifier = errors.New("exactly one of email or phone must be supplied")
)

const (
	suspiciousLoginLookback   = 30 * 24 * time.Hour
	suspiciousLoginHistoryLen = 10
)

type RegisterInput struct {
	Email    string
	Username *string
	Phone    *string
	Password string
}

type DeviceInfo struct {
	DeviceID   *string
	DeviceType *string
	DeviceName *string
	IP         string
	UserAgent  string
	Location   *string
}

type LoginInput struct {
	Email    string
	Phone    string
	Password string
	Device   DeviceInfo
}

type LoginResult struct {
	User    *domain.User
	Tokens  *TokenPair
	Session *domain.UserSession
}

// AuthService stitches the credential store, token service, session
// registry and verification engine into the flows the HTTP layer
// exposes. Audit writes and notifications are best effort; they never
// fail the request that triggered them.
type AuthService struct {
	userRepo  repository.UserRepository
	eventRepo repository.AuthEventRepository
	tokens    *TokenService
	sessions  *SessionService
	verify    *VerificationService
	rbac      *RBACService
	logger    *slog.Logger
	now       func() time.Time
}

func NewAuthService(
	userRepo repository.UserRepository,
	eventRepo repository.AuthEventRepository,
	tokens *TokenService,
	sessions *SessionService,
	verify *VerificationService,
	rbac *RBACService,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		userRepo:  userRepo,
		eventRepo: eventRepo,
		tokens:    tokens,
		sessions:  sessions,
		verify:    verify,
		rbac:      rbac,
		logger:    logger,
		now:       time.Now,
	}
}

// Register creates a local-credentials account in pending verification
// and kicks off verification of its primary contact channel. The
// default role grant and the verification send are best effort.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*domain.User, error) {
	if err := s.checkIdentifiersFree(in); err != nil {
		observability.RecordAuthRegister("conflict")
		return nil, err
	}

	hash, err := security.HashPassword(in.Password)
	if err != nil {
		observability.RecordAuthRegister("error")
		return nil, err
	}

	user := &domain.User{
		Email:        in.Email,
		Username:     in.Username,
		Phone:        in.Phone,
		PasswordHash: &hash,
		Status:       domain.UserStatusPendingVerification,
		Provider:     domain.AuthProviderLocal,
	}
	if err := s.userRepo.Create(user); err != nil {
		observability.RecordAuthRegister("error")
		return nil, err
	}

	if err := s.rbac.AssignDefaultRole(ctx, user.ID); err != nil {
		if errors.Is(err, repository.ErrNoDefaultRole) {
			s.logger.WarnContext(ctx, "no default role configured, user registered without roles",
				slog.Uint64("user_id", uint64(user.ID)))
		} else {
			observability.RecordAuthRegister("error")
			return nil, err
		}
	}

	s.recordEvent(ctx, &user.ID, user.Email, "", domain.AuthEventRegistration, DeviceInfo{}, true, "")

	// Verification goes to the phone when one was supplied, otherwise to
	// the email address.
	verifyType := OTPTypeEmailVerification
	if user.Phone != nil {
		verifyType = OTPTypePhoneVerification
	}
	if err := s.verify.SendOTP(ctx, user, verifyType); err != nil {
		s.logger.WarnContext(ctx, "initial verification code send failed",
			slog.Uint64("user_id", uint64(user.ID)),
			slog.String("error", err.Error()))
	}

	observability.RecordAuthRegister("success")
	return user, nil
}

func (s *AuthService) checkIdentifiersFree(in RegisterInput) error {
	if _, err := s.userRepo.FindByEmail(in.Email); err == nil {
		return ErrEmailTaken
	} else if !errors.Is(err, repository.ErrUserNotFound) {
		return err
	}
	if in.Username != nil {
		if _, err := s.userRepo.FindByUsername(*in.Username); err == nil {
			return ErrUsernameTaken
		} else if !errors.Is(err, repository.ErrUserNotFound) {
			return err
		}
	}
	if in.Phone != nil {
		if _, err := s.userRepo.FindByPhone(*in.Phone); err == nil {
			return ErrPhoneTaken
		} else if !errors.Is(err, repository.ErrUserNotFound) {
			return err
		}
	}
	return nil
}

// Login authenticates password against an account resolved by exactly
// one of email or phone, opens a session and issues a token pair bound
// to it.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	if (in.Email == "") == (in.Phone == "") {
		observability.RecordAuthLogin("local", "bad_identifier")
		return nil, ErrLoginIdentifier
	}

	user, err := s.resolveLoginUser(in)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.recordEvent(ctx, nil, in.Email, in.Phone, domain.AuthEventLoginFailure, in.Device, false, "unknown identifier")
			observability.RecordAuthLogin("local", "invalid_credentials")
			return nil, ErrInvalidCredentials
		}
		observability.RecordAuthLogin("local", "error")
		return nil, err
	}

	if user.PasswordHash == nil {
		s.recordEvent(ctx, &user.ID, user.Email, "", domain.AuthEventLoginFailure, in.Device, false, "no password credential")
		observability.RecordAuthLogin("local", "invalid_credentials")
		return nil, ErrInvalidCredentials
	}
	if !security.VerifyPassword(*user.PasswordHash, in.Password) {
		s.recordEvent(ctx, &user.ID, user.Email, "", domain.AuthEventLoginFailure, in.Device, false, "wrong password")
		s.flagRepeatedFailures(ctx, user.Email)
		observability.RecordAuthLogin("local", "invalid_credentials")
		return nil, ErrInvalidCredentials
	}
	if !user.CanLogin() {
		s.recordEvent(ctx, &user.ID, user.Email, "", domain.AuthEventLoginFailure, in.Device, false, "account disabled")
		observability.RecordAuthLogin("local", "disabled")
		return nil, ErrAccountDisabled
	}

	result, err := s.openSession(ctx, user, in.Device, "local")
	if err != nil {
		observability.RecordAuthLogin("local", "error")
		return nil, err
	}
	observability.RecordAuthLogin("local", "success")
	return result, nil
}

func (s *AuthService) resolveLoginUser(in LoginInput) (*domain.User, error) {
	if in.Phone != "" {
		return s.userRepo.FindByPhone(in.Phone)
	}
	return s.userRepo.FindByEmail(in.Email)
}

// CompleteOAuthLogin opens a session for a user already authenticated
// by an external identity provider.
func (s *AuthService) CompleteOAuthLogin(ctx context.Context, user *domain.User, device DeviceInfo) (*LoginResult, error) {
	if !user.CanLogin() {
		s.recordEvent(ctx, &user.ID, user.Email, "", domain.AuthEventLoginFailure, device, false, "account disabled")
		observability.RecordAuthLogin("google", "disabled")
		return nil, ErrAccountDisabled
	}
	result, err := s.openSession(ctx, user, device, "google")
	if err != nil {
		observability.RecordAuthLogin("google", "error")
		return nil, err
	}
	observability.RecordAuthLogin("google", "success")
	return result, nil
}

// openSession is the shared tail of every successful authentication:
// session row, token pair bound to it, last-login stamp, audit event and
// the new-device check.
func (s *AuthService) openSession(ctx context.Context, user *domain.User, device DeviceInfo, provider string) (*LoginResult, error) {
	session, err := s.sessions.CreateSession(CreateSessionInput{
		UserID:     user.ID,
		DeviceID:   device.DeviceID,
		DeviceType: device.DeviceType,
		DeviceName: device.DeviceName,
		IP:         device.IP,
		UserAgent:  device.UserAgent,
		Location:   device.Location,
	})
	if err != nil {
		return nil, err
	}

	pair, err := s.tokens.GenerateTokens(user, TokenOptions{
		DeviceID:   device.DeviceID,
		DeviceType: device.DeviceType,
		SessionID:  &session.ID,
	})
	if err != nil {
		return nil, err
	}

	if err := s.userRepo.UpdateLastLogin(user.ID, s.now()); err != nil {
		s.logger.WarnContext(ctx, "last login update failed",
			slog.Uint64("user_id", uint64(user.ID)),
			slog.String("error", err.Error()))
	}

	s.flagUnfamiliarDevice(ctx, user, device)
	s.recordEvent(ctx, &user.ID, user.Email, "", domain.AuthEventLoginSuccess, device, true, provider)

	return &LoginResult{User: user, Tokens: pair, Session: session}, nil
}

// flagUnfamiliarDevice logs when neither the IP nor the device of a
// successful login shows up among the user's last few successful
// logins inside the lookback window. Log only; it never blocks the
// login, and a user with no prior history is never flagged.
func (s *AuthService) flagUnfamiliarDevice(ctx context.Context, user *domain.User, device DeviceInfo) {
	since := s.now().Add(-suspiciousLoginLookback)
	recent, err := s.eventRepo.RecentSuccessfulLogins(user.ID, since, suspiciousLoginHistoryLen)
	if err != nil || len(recent) == 0 {
		return
	}
	for _, ev := range recent {
		if ev.IP == device.IP {
			return
		}
		if device.DeviceID != nil && ev.DeviceID != nil && *ev.DeviceID == *device.DeviceID {
			return
		}
	}
	deviceID := ""
	if device.DeviceID != nil {
		deviceID = *device.DeviceID
	}
	s.logger.WarnContext(ctx, "login from unfamiliar device or address",
		slog.Uint64("user_id", uint64(user.ID)),
		slog.String("ip", device.IP),
		slog.String("device_id", deviceID),
	)
}

// flagRepeatedFailures logs a burst of recent password failures for the
// same email. Log only.
func (s *AuthService) flagRepeatedFailures(ctx context.Context, email string) {
	count, err := s.eventRepo.CountFailuresSince(email, s.now().Add(-15*time.Minute))
	if err != nil || count < 5 {
		return
	}
	s.logger.WarnContext(ctx, "repeated login failures",
		slog.String("email", MaskEmail(email)),
		slog.Int64("failures", count),
	)
}

// Refresh exchanges a refresh token for a new pair and keeps the owning
// session's activity fresh.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, device DeviceInfo) (*LoginResult, error) {
	stored, err := s.tokens.FindRefreshToken(refreshToken)
	if err != nil {
		if errors.Is(err, repository.ErrRefreshTokenNotFound) {
			observability.RecordAuthRefresh("invalid")
			return nil, ErrInvalidRefreshToken
		}
		observability.RecordAuthRefresh("error")
		return nil, err
	}

	pair, user, err := s.tokens.RefreshAccessToken(refreshToken)
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			s.recordEvent(ctx, &stored.UserID, "", "", domain.AuthEventTokenRefresh, device, false, "invalid refresh token")
			observability.RecordAuthRefresh("invalid")
		} else {
			observability.RecordAuthRefresh("error")
		}
		return nil, err
	}

	var session *domain.UserSession
	if stored.SessionID != nil {
		if err := s.sessions.UpdateSessionActivity(*stored.SessionID); err != nil {
			s.logger.WarnContext(ctx, "session activity bump failed",
				slog.Uint64("session_id", uint64(*stored.SessionID)),
				slog.String("error", err.Error()))
		}
		if found, err := s.sessions.FindSessionByID(*stored.SessionID); err == nil {
			session = found
		}
	}

	s.recordEvent(ctx, &user.ID, user.Email, "", domain.AuthEventTokenRefresh, device, true, "")
	observability.RecordAuthRefresh("success")
	return &LoginResult{User: user, Tokens: pair, Session: session}, nil
}

// Logout revokes the presented refresh token and deactivates the
// session it is bound to. Unknown tokens make logout a no-op rather
// than an error.
func (s *AuthService) Logout(ctx context.Context, refreshToken string, device DeviceInfo) error {
	stored, err := s.tokens.FindRefreshToken(refreshToken)
	if err != nil {
		if errors.Is(err, repository.ErrRefreshTokenNotFound) {
			observability.RecordAuthLogout("noop")
			return nil
		}
		observability.RecordAuthLogout("error")
		return err
	}

	if err := s.tokens.RevokeRefreshToken(refreshToken); err != nil && !errors.Is(err, repository.ErrRefreshTokenNotFound) {
		observability.RecordAuthLogout("error")
		return err
	}
	if stored.SessionID != nil {
		if _, err := s.sessions.DeactivateSession(*stored.SessionID); err != nil && !errors.Is(err, repository.ErrSessionNotFound) {
			observability.RecordAuthLogout("error")
			return err
		}
	}

	s.recordEvent(ctx, &stored.UserID, "", "", domain.AuthEventLogout, device, true, "")
	observability.RecordAuthLogout("success")
	return nil
}

// LogoutAll revokes every refresh token and session the user holds,
// optionally sparing the session making the call.
func (s *AuthService) LogoutAll(ctx context.Context, userID uint, exceptSessionID *uint, device DeviceInfo) error {
	var exceptTokenID *uint
	if exceptSessionID != nil {
		if current, err := s.tokens.FindRefreshTokenBySession(*exceptSessionID); err == nil {
			exceptTokenID = &current.ID
		}
	}

	if _, err := s.tokens.RevokeAllUserRefreshTokens(userID, exceptTokenID); err != nil {
		observability.RecordAuthLogout("error")
		return err
	}
	if _, err := s.sessions.DeactivateAllUserSessions(userID, exceptSessionID); err != nil {
		observability.RecordAuthLogout("error")
		return err
	}

	s.recordEvent(ctx, &userID, "", "", domain.AuthEventLogout, device, true, "all sessions")
	observability.RecordAuthLogout("success")
	return nil
}

// RequestPasswordReset sends a reset code when the email is known. An
// unknown email returns success to the caller so the endpoint cannot be
// used to probe for accounts.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string) error {
	user, err := s.userRepo.FindByEmail(email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.logger.InfoContext(ctx, "password reset requested for unknown email")
			return nil
		}
		return err
	}
	err = s.verify.SendOTP(ctx, user, OTPTypePasswordReset)
	if errors.Is(err, ErrResendCooldown) {
		return err
	}
	if err != nil {
		s.logger.WarnContext(ctx, "password reset code send failed",
			slog.Uint64("user_id", uint64(user.ID)),
			slog.String("error", err.Error()))
		return nil
	}
	return nil
}

// ConfirmPasswordReset verifies the reset code, installs the new
// password and cuts every outstanding token and session.
func (s *AuthService) ConfirmPasswordReset(ctx context.Context, email, code, newPassword string) error {
	user, err := s.userRepo.FindByEmail(email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return ErrOTPInvalid
		}
		return err
	}
	if err := s.verify.VerifyOTP(ctx, user.ID, OTPTypePasswordReset, code); err != nil {
		return err
	}

	hash, err := security.HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.userRepo.SetPasswordHash(user.ID, hash); err != nil {
		return err
	}

	if _, err := s.tokens.RevokeAllUserRefreshTokens(user.ID, nil); err != nil {
		s.logger.WarnContext(ctx, "token revocation after password reset failed",
			slog.Uint64("user_id", uint64(user.ID)),
			slog.String("error", err.Error()))
	}
	if _, err := s.sessions.DeactivateAllUserSessions(user.ID, nil); err != nil {
		s.logger.WarnContext(ctx, "session teardown after password reset failed",
			slog.Uint64("user_id", uint64(user.ID)),
			slog.String("error", err.Error()))
	}
	return nil
}

// VerifyEmail consumes an email verification code and marks the address
// verified, activating accounts still pending their first verification.
func (s *AuthService) VerifyEmail(ctx context.Context, userID uint, code string) error {
	user, err := s.userRepo.FindByID(userID)
	if err != nil {
		return err
	}
	if err := s.verify.VerifyOTP(ctx, userID, OTPTypeEmailVerification, code); err != nil {
		return err
	}
	return s.verify.ConfirmEmailVerified(user)
}

// VerifyPhone consumes a phone verification code, marks the number
// verified and returns the refreshed profile.
func (s *AuthService) VerifyPhone(ctx context.Context, userID uint, code string) (*domain.User, error) {
	user, err := s.userRepo.FindByID(userID)
	if err != nil {
		return nil, err
	}
	if user.Phone == nil {
		return nil, ErrOTPInvalid
	}
	if err := s.verify.VerifyOTP(ctx, userID, OTPTypePhoneVerification, code); err != nil {
		return nil, err
	}
	if err := s.verify.ConfirmPhoneVerified(user); err != nil {
		return nil, err
	}
	return s.userRepo.FindByID(userID)
}

// ResendVerification reissues a code for the given channel, subject to
// the send cooldown. It returns the masked destination the code was
// delivered to.
func (s *AuthService) ResendVerification(ctx context.Context, userID uint, otpType OTPType) (string, error) {
	user, err := s.userRepo.FindByID(userID)
	if err != nil {
		return "", err
	}
	if otpType == OTPTypePhoneVerification && user.Phone == nil {
		return "", ErrUnknownOTPType
	}
	if err := s.verify.SendOTP(ctx, user, otpType); err != nil {
		return "", err
	}
	if otpType == OTPTypePhoneVerification {
		return MaskPhone(*user.Phone), nil
	}
	return MaskEmail(user.Email), nil
}

// FindRefreshToken looks up a stored refresh token by its opaque value.
func (s *AuthService) FindRefreshToken(token string) (*domain.RefreshToken, error) {
	return s.tokens.FindRefreshToken(token)
}

func (s *AuthService) ParseUserID(subject string) (uint, error) {
	id, err := strconv.ParseUint(subject, 10, 64)
	if err != nil {
		return 0, errors.New("invalid subject")
	}
	return uint(id), nil
}

// recordEvent appends to the audit trail. Failures are logged and
// dropped so auditing can never break an auth flow.
func (s *AuthService) recordEvent(ctx context.Context, userID *uint, email, phone string, eventType domain.AuthEventType, device DeviceInfo, success bool, detail string) {
	event := &domain.AuthEvent{
		UserID:     userID,
		EventType:  eventType,
		DeviceID:   device.DeviceID,
		DeviceType: device.DeviceType,
		IP:         device.IP,
		UserAgent:  device.UserAgent,
		Location:   device.Location,
		Success:    success,
	}
	if email != "" {
		event.Email = &email
	}
	if phone != "" {
		event.Phone = &phone
	}
	if detail != "" {
		if success {
			event.Metadata = &detail
		} else {
			event.FailureReason = &detail
		}
	}
	if err := s.eventRepo.Create(event); err != nil {
		s.logger.WarnContext(ctx, "audit event write failed",
			slog.String("event_type", string(eventType)),
			slog.String("error", err.Error()))
	}
}
