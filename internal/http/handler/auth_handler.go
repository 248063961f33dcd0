package handler

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/identitykit/identity-service/internal/http/response"
	"github.com/identitykit/identity-service/internal/service"
)

type AuthHandler struct {
	auth  *service.AuthService
	oauth *service.OAuthService
}

func NewAuthHandler(auth *service.AuthService, oauth *service.OAuthService) *AuthHandler {
	return &AuthHandler{auth: auth, oauth: oauth}
}

type registerRequest struct {
	Email    string  `json:"email"`
	Username *string `json:"username,omitempty"`
	Phone    *string `json:"phone,omitempty"`
	Password string  `json:"password"`
}

type loginRequest struct {
	Email      string  `json:"email"`
	Phone      string  `json:"phone"`
	Password   string  `json:"password"`
	DeviceID   *string `json:"device_id,omitempty"`
	DeviceType *string `json:"device_type,omitempty"`
	DeviceName *string `json:"device_name,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type verifyRequest struct {
	Code string `json:"code"`
}

type resendRequest struct {
	Type string `json:"type"`
}

type passwordForgotRequest struct {
	Email string `json:"email"`
}

type passwordResetRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"new_password"`
}

func deviceFromRequest(r *http.Request, deviceID, deviceType, deviceName *string) service.DeviceInfo {
	return service.DeviceInfo{
		DeviceID:   deviceID,
		DeviceType: deviceType,
		DeviceName: deviceName,
		IP:         clientIP(r),
		UserAgent:  r.UserAgent(),
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Email = normalizeEmail(req.Email)
	if !validEmail(req.Email) {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid email address", nil)
		return
	}
	if !validPassword(req.Password) {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "password must be 8 to 128 characters", nil)
		return
	}

	user, err := h.auth.Register(r.Context(), service.RegisterInput{
		Email:    req.Email,
		Username: req.Username,
		Phone:    req.Phone,
		Password: req.Password,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	verificationVia := service.MaskEmail(user.Email)
	if user.Phone != nil {
		verificationVia = service.MaskPhone(*user.Phone)
	}
	response.JSON(w, r, http.StatusCreated, map[string]any{
		"user":             user,
		"verification_via": verificationVia,
	})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Email = normalizeEmail(req.Email)

	result, err := h.auth.Login(r.Context(), service.LoginInput{
		Email:    req.Email,
		Phone:    req.Phone,
		Password: req.Password,
		Device:   deviceFromRequest(r, req.DeviceID, req.DeviceType, req.DeviceName),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{
		"user":    result.User,
		"tokens":  result.Tokens,
		"session": result.Session,
	})
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "refresh_token is required", nil)
		return
	}
	result, err := h.auth.Refresh(r.Context(), req.RefreshToken, deviceFromRequest(r, nil, nil, nil))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"tokens": result.Tokens})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.auth.Logout(r.Context(), req.RefreshToken, deviceFromRequest(r, nil, nil, nil)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := subjectUserID(r, h.auth)
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth context", nil)
		return
	}

	// An optional refresh token identifies the calling session so it
	// can be spared.
	var req refreshRequest
	_ = decodeJSONLenient(r, &req)
	var exceptSessionID *uint
	if req.RefreshToken != "" {
		if stored, err := h.auth.FindRefreshToken(req.RefreshToken); err == nil && stored.UserID == userID {
			exceptSessionID = stored.SessionID
		}
	}

	if err := h.auth.LogoutAll(r.Context(), userID, exceptSessionID, deviceFromRequest(r, nil, nil, nil)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "logged_out_all"})
}

func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	userID, ok := subjectUserID(r, h.auth)
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth context", nil)
		return
	}
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.auth.VerifyEmail(r.Context(), userID, req.Code); err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "email_verified"})
}

func (h *AuthHandler) VerifyPhone(w http.ResponseWriter, r *http.Request) {
	userID, ok := subjectUserID(r, h.auth)
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth context", nil)
		return
	}
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := h.auth.VerifyPhone(r.Context(), userID, req.Code)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{
		"status": "phone_verified",
		"user":   user,
	})
}

func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	userID, ok := subjectUserID(r, h.auth)
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth context", nil)
		return
	}
	var req resendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	otpType := service.OTPType(req.Type)
	if otpType != service.OTPTypeEmailVerification && otpType != service.OTPTypePhoneVerification {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "unknown verification type", nil)
		return
	}
	destination, err := h.auth.ResendVerification(r.Context(), userID, otpType)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "sent", "destination": destination})
}

func (h *AuthHandler) PasswordForgot(w http.ResponseWriter, r *http.Request) {
	var req passwordForgotRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Email = normalizeEmail(req.Email)
	if !validEmail(req.Email) {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid email address", nil)
		return
	}
	if err := h.auth.RequestPasswordReset(r.Context(), req.Email); err != nil {
		writeServiceError(w, r, err)
		return
	}
	// Same response whether or not the account exists.
	response.JSON(w, r, http.StatusOK, map[string]string{
		"status":      "sent",
		"destination": service.MaskEmail(req.Email),
	})
}

func (h *AuthHandler) PasswordReset(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Email = normalizeEmail(req.Email)
	if !validPassword(req.NewPassword) {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "password must be 8 to 128 characters", nil)
		return
	}
	if err := h.auth.ConfirmPasswordReset(r.Context(), req.Email, req.Code, req.NewPassword); err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "password_reset"})
}

func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	if h.oauth == nil {
		response.Error(w, r, http.StatusNotImplemented, "NOT_CONFIGURED", "google login is not configured", nil)
		return
	}
	state := newOAuthState()
	http.SetCookie(w, &http.Cookie{
		Name:     "oauth_state",
		Value:    state,
		Path:     "/",
		MaxAge:   int((5 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.oauth.GoogleLoginURL(state), http.StatusFound)
}

func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	if h.oauth == nil {
		response.Error(w, r, http.StatusNotImplemented, "NOT_CONFIGURED", "google login is not configured", nil)
		return
	}
	state := r.URL.Query().Get("state")
	cookie, err := r.Cookie("oauth_state")
	if err != nil || state == "" || cookie.Value != state {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "oauth state mismatch", nil)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "missing authorization code", nil)
		return
	}

	user, err := h.oauth.HandleGoogleCallback(r.Context(), code)
	if err != nil {
		response.Error(w, r, http.StatusUnauthorized, "OAUTH_FAILED", "google login failed", nil)
		return
	}
	result, err := h.auth.CompleteOAuthLogin(r.Context(), user, deviceFromRequest(r, nil, nil, nil))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{
		"user":    result.User,
		"tokens":  result.Tokens,
		"session": result.Session,
	})
}

func newOAuthState() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "state-fallback"
	}
	return hex.EncodeToString(buf[:])
}
