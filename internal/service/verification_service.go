package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/identitykit/identity-service/internal/domain"
	"github.com/identitykit/identity-service/internal/notifier"
	"github.com/identitykit/identity-service/internal/observability"
	"github.com/identitykit/identity-service/internal/repository"
	"github.com/identitykit/identity-service/internal/security"
)

type OTPType string

const (
	OTPTypeEmailVerification OTPType = "email_verification"
	OTPTypePhoneVerification OTPType = "phone_verification"
	OTPTypePasswordReset     OTPType = "password_reset"
)

var (
	ErrOTPExpired         = errors.New("verification code expired or not found")
	ErrOTPInvalid         = errors.New("invalid verification code")
	ErrOTPTooManyAttempts = errors.New("too many verification attempts")
	ErrResendCooldown     = errors.New("verification code was sent recently")
	ErrUnknownOTPType     = errors.New("unknown verification type")
)

type VerificationConfig struct {
	Digits         int
	MaxAttempts    int
	ResendCooldown time.Duration
	EmailExpiry    time.Duration
	PhoneExpiry    time.Duration
	ResetExpiry    time.Duration
}

// VerificationService owns one-time codes for email and phone
// verification and for password resets. Codes live in the OTP store
// with a TTL; the database is only touched when a code verifies.
type VerificationService struct {
	store    OTPStore
	userRepo repository.UserRepository
	sender   notifier.Notifier
	cfg      VerificationConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewVerificationService(store OTPStore, userRepo repository.UserRepository, sender notifier.Notifier, cfg VerificationConfig, logger *slog.Logger) *VerificationService {
	if cfg.Digits <= 0 {
		cfg.Digits = 6
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &VerificationService{
		store:    store,
		userRepo: userRepo,
		sender:   sender,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *VerificationService) expiry(otpType OTPType) (time.Duration, error) {
	switch otpType {
	case OTPTypeEmailVerification:
		return s.cfg.EmailExpiry, nil
	case OTPTypePhoneVerification:
		return s.cfg.PhoneExpiry, nil
	case OTPTypePasswordReset:
		return s.cfg.ResetExpiry, nil
	default:
		return 0, ErrUnknownOTPType
	}
}

// SendOTP issues a fresh code for the user and type. Issuing replaces
// any outstanding code of the same type and resets its attempt counter.
// A second send inside the cooldown window is rejected.
func (s *VerificationService) SendOTP(ctx context.Context, user *domain.User, otpType OTPType) error {
	ttl, err := s.expiry(otpType)
	if err != nil {
		observability.RecordOTPDispatch(string(otpType), "error")
		return err
	}

	if s.cfg.ResendCooldown > 0 {
		last, ok, err := s.store.LastSent(ctx, user.ID, string(otpType))
		if err != nil {
			observability.RecordOTPDispatch(string(otpType), "error")
			return err
		}
		if ok && s.now().Sub(last) < s.cfg.ResendCooldown {
			observability.RecordOTPDispatch(string(otpType), "cooldown")
			return ErrResendCooldown
		}
	}

	code, err := security.NewOTPCode(s.cfg.Digits)
	if err != nil {
		observability.RecordOTPDispatch(string(otpType), "error")
		return err
	}
	if err := s.store.Put(ctx, user.ID, string(otpType), code, ttl); err != nil {
		observability.RecordOTPDispatch(string(otpType), "error")
		return err
	}
	if err := s.store.MarkSent(ctx, user.ID, string(otpType), s.now(), s.cfg.ResendCooldown); err != nil {
		observability.RecordOTPDispatch(string(otpType), "error")
		return err
	}

	s.deliver(ctx, user, otpType, code, ttl)
	observability.RecordOTPDispatch(string(otpType), "success")
	return nil
}

// deliver hands the code to the notifier. Delivery failures are logged
// and swallowed: the code is already stored and a retry of the send
// endpoint reissues it after the cooldown.
func (s *VerificationService) deliver(ctx context.Context, user *domain.User, otpType OTPType, code string, ttl time.Duration) {
	if s.sender == nil {
		return
	}
	msg := buildOTPMessage(user, otpType, code, ttl)
	if err := s.sender.Send(ctx, msg); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "verification code delivery failed",
			slog.String("type", string(otpType)),
			slog.Uint64("user_id", uint64(user.ID)),
			slog.String("error", err.Error()),
		)
	}
}

func buildOTPMessage(user *domain.User, otpType OTPType, code string, ttl time.Duration) notifier.Message {
	minutes := int(ttl / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	body := fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, minutes)
	switch otpType {
	case OTPTypePhoneVerification:
		to := ""
		if user.Phone != nil {
			to = *user.Phone
		}
		return notifier.Message{Channel: notifier.ChannelSMS, Destination: to, Body: body}
	case OTPTypePasswordReset:
		body = fmt.Sprintf("Your password reset code is %s. It expires in %d minutes.", code, minutes)
		return notifier.Message{Channel: notifier.ChannelEmail, Destination: user.Email, Subject: "Password reset code", Body: body}
	default:
		return notifier.Message{Channel: notifier.ChannelEmail, Destination: user.Email, Subject: "Verification code", Body: body}
	}
}

// VerifyOTP checks a submitted code. The attempt counter is bumped
// before the comparison so a wrong guess always costs an attempt. A
// wrong guess within the budget reports an invalid code; once the
// budget is spent the next submission reports exhaustion and clears
// the record. Success clears the record too.
func (s *VerificationService) VerifyOTP(ctx context.Context, userID uint, otpType OTPType, code string) error {
	if _, err := s.expiry(otpType); err != nil {
		observability.RecordOTPVerify(string(otpType), "error")
		return err
	}

	entry, err := s.store.Get(ctx, userID, string(otpType))
	if err != nil {
		observability.RecordOTPVerify(string(otpType), "error")
		return err
	}
	if entry == nil {
		observability.RecordOTPVerify(string(otpType), "expired")
		return ErrOTPExpired
	}
	if entry.Attempts >= s.cfg.MaxAttempts {
		_ = s.store.Delete(ctx, userID, string(otpType))
		observability.RecordOTPVerify(string(otpType), "exhausted")
		return ErrOTPTooManyAttempts
	}

	attempts, err := s.store.IncrementAttempts(ctx, userID, string(otpType))
	if err != nil {
		observability.RecordOTPVerify(string(otpType), "error")
		return err
	}
	if attempts == 0 {
		// The record vanished between Get and the increment.
		observability.RecordOTPVerify(string(otpType), "expired")
		return ErrOTPExpired
	}

	if subtle.ConstantTimeCompare([]byte(entry.Code), []byte(code)) != 1 {
		observability.RecordOTPVerify(string(otpType), "invalid")
		return ErrOTPInvalid
	}

	if err := s.store.Delete(ctx, userID, string(otpType)); err != nil {
		observability.RecordOTPVerify(string(otpType), "error")
		return err
	}
	observability.RecordOTPVerify(string(otpType), "success")
	return nil
}

// ConfirmEmailVerified flips the user's email flag, promoting accounts
// waiting on their first verification to active.
func (s *VerificationService) ConfirmEmailVerified(user *domain.User) error {
	return s.confirmVerified(user, true, user.PhoneVerified)
}

func (s *VerificationService) ConfirmPhoneVerified(user *domain.User) error {
	return s.confirmVerified(user, user.EmailVerified, true)
}

func (s *VerificationService) confirmVerified(user *domain.User, email, phone bool) error {
	var status *domain.UserStatus
	if user.Status == domain.UserStatusPendingVerification {
		active := domain.UserStatusActive
		status = &active
	}
	return s.userRepo.SetVerified(user.ID, &email, &phone, status)
}

// MaskEmail hides the middle of the local part, keeping enough to let
// the owner recognize their own address.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	local, domainPart := email[:at], email[at+1:]
	if len(local) <= 4 {
		return local[:1] + "***@" + domainPart
	}
	return local[:2] + "***" + local[len(local)-2:] + "@" + domainPart
}

// MaskPhone keeps the country prefix and the last two digits.
func MaskPhone(phone string) string {
	if len(phone) <= 6 {
		return "***"
	}
	return phone[:4] + strings.Repeat("*", len(phone)-6) + phone[len(phone)-2:]
}
