package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/mail"
	"strings"

	"github.com/identitykit/identity-service/internal/http/middleware"
	"github.com/identitykit/identity-service/internal/http/response"
	"github.com/identitykit/identity-service/internal/repository"
	"github.com/identitykit/identity-service/internal/service"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 128
)

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "malformed request body", nil)
		return false
	}
	return true
}

// decodeJSONLenient decodes an optional body, tolerating an empty or
// absent payload.
func decodeJSONLenient(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == io.EOF {
		return nil
	}
	return err
}

func validEmail(email string) bool {
	if email == "" || len(email) > 255 {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

func validPassword(password string) bool {
	return len(password) >= minPasswordLength && len(password) <= maxPasswordLength
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// subjectUserID pulls the authenticated user id out of the claims the
// auth middleware stored.
func subjectUserID(r *http.Request, auth *service.AuthService) (uint, bool) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		return 0, false
	}
	id, err := auth.ParseUserID(claims.Subject)
	if err != nil {
		return 0, false
	}
	return id, true
}

// writeServiceError maps the service layer's sentinel errors onto HTTP
// statuses. Anything unmapped is a 500 without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrLoginIdentifier):
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "exactly one of email or phone must be supplied", nil)
	case errors.Is(err, service.ErrInvalidCredentials):
		response.Error(w, r, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials", nil)
	case errors.Is(err, service.ErrAccountDisabled):
		response.Error(w, r, http.StatusForbidden, "ACCOUNT_DISABLED", "account is disabled", nil)
	case errors.Is(err, service.ErrInvalidRefreshToken):
		response.Error(w, r, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "invalid refresh token", nil)
	case errors.Is(err, service.ErrEmailTaken),
		errors.Is(err, service.ErrUsernameTaken),
		errors.Is(err, service.ErrPhoneTaken):
		response.Error(w, r, http.StatusConflict, "CONFLICT", err.Error(), nil)
	case errors.Is(err, service.ErrOTPExpired):
		response.Error(w, r, http.StatusBadRequest, "CODE_EXPIRED", "verification code expired or not found", nil)
	case errors.Is(err, service.ErrOTPInvalid):
		response.Error(w, r, http.StatusBadRequest, "CODE_INVALID", "invalid verification code", nil)
	case errors.Is(err, service.ErrOTPTooManyAttempts):
		response.Error(w, r, http.StatusTooManyRequests, "CODE_ATTEMPTS_EXHAUSTED", "too many verification attempts", nil)
	case errors.Is(err, service.ErrResendCooldown):
		response.Error(w, r, http.StatusTooManyRequests, "RESEND_COOLDOWN", "verification code was sent recently", nil)
	case errors.Is(err, service.ErrUnknownOTPType):
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "unknown verification type", nil)
	case errors.Is(err, service.ErrRoleInUse):
		response.Error(w, r, http.StatusConflict, "ROLE_IN_USE", "role is assigned to users", nil)
	case errors.Is(err, service.ErrRoleAlreadyExists),
		errors.Is(err, service.ErrPermissionConflict):
		response.Error(w, r, http.StatusConflict, "CONFLICT", err.Error(), nil)
	case errors.Is(err, service.ErrSelfStatusChange):
		response.Error(w, r, http.StatusConflict, "SELF_STATUS_CHANGE", "cannot change own account status", nil)
	case errors.Is(err, repository.ErrUserNotFound),
		errors.Is(err, repository.ErrRoleNotFound),
		errors.Is(err, repository.ErrPermissionNotFound),
		errors.Is(err, repository.ErrSessionNotFound):
		response.Error(w, r, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	default:
		response.Error(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}
