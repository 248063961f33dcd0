package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/identitykit/identity-service/internal/domain"
	"github.com/identitykit/identity-service/internal/http/handler"
	"github.com/identitykit/identity-service/internal/http/router"
	"github.com/identitykit/identity-service/internal/notifier"
	"github.com/identitykit/identity-service/internal/repository"
	"github.com/identitykit/identity-service/internal/security"
	"github.com/identitykit/identity-service/internal/service"
)

var otpCodePattern = regexp.MustCompile(`\b(\d{6})\b`)

type captureNotifier struct {
	mu       sync.Mutex
	messages []notifier.Message
}

func (c *captureNotifier) Send(ctx context.Context, msg notifier.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

func (c *captureNotifier) lastCode(t *testing.T) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		t.Fatalf("no messages delivered")
	}
	body := c.messages[len(c.messages)-1].Body
	match := otpCodePattern.FindStringSubmatch(body)
	if match == nil {
		t.Fatalf("no code in message body %q", body)
	}
	return match[1]
}

type testEnv struct {
	router   http.Handler
	notifier *captureNotifier
	rbac     *service.RBACService
	auth     *service.AuthService
	db       *gorm.DB
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&domain.User{}, &domain.Role{}, &domain.Permission{}, &domain.UserRole{},
		&domain.UserSession{}, &domain.RefreshToken{}, &domain.AuthEvent{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sender := &captureNotifier{}

	userRepo := repository.NewUserRepository(db)
	eventRepo := repository.NewAuthEventRepository(db)
	tokenRepo := repository.NewRefreshTokenRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	roleRepo := repository.NewRoleRepository(db)
	permRepo := repository.NewPermissionRepository(db)

	jwtMgr := security.NewJWTManager("identity-service", "identity-api", "test-secret-test-secret-test-sec")
	cacheStore := service.NewInMemoryRBACPermissionCacheStore()
	rbac := service.NewRBACService(roleRepo, permRepo, cacheStore)
	resolver := service.NewCachedPermissionResolver(cacheStore, rbac, 5*time.Minute)
	tokens := service.NewTokenService(jwtMgr, tokenRepo, userRepo, 15*time.Minute, 7*24*time.Hour, true)
	sessions := service.NewSessionService(sessionRepo, 30*24*time.Hour)
	verify := service.NewVerificationService(service.NewInMemoryOTPStore(), userRepo, sender, service.VerificationConfig{
		Digits:         6,
		MaxAttempts:    3,
		ResendCooldown: time.Minute,
		EmailExpiry:    10 * time.Minute,
		PhoneExpiry:    10 * time.Minute,
		ResetExpiry:    10 * time.Minute,
	}, log)
	auth := service.NewAuthService(userRepo, eventRepo, tokens, sessions, verify, rbac, log)
	users := service.NewUserService(userRepo, rbac)

	if _, err := rbac.CreateRole(context.Background(), "user", "default role", true, nil); err != nil {
		t.Fatalf("seed default role: %v", err)
	}

	mux := router.NewRouter(router.Dependencies{
		AuthHandler:                handler.NewAuthHandler(auth, nil),
		UserHandler:                handler.NewUserHandler(users, sessions, auth),
		AdminHandler:               handler.NewAdminHandler(users, rbac, auth),
		JWTManager:                 jwtMgr,
		PermissionResolver:         resolver,
		RoleLister:                 rbac,
		Logger:                     log,
		CORSOrigins:                []string{"http://localhost:3000"},
		APIRateLimitRPM:            10000,
		AuthRateLimitRPM:           10000,
		PasswordForgotRateLimitRPM: 10000,
	})

	return &testEnv{router: mux, notifier: sender, rbac: rbac, auth: auth, db: db}
}

func (e *testEnv) do(t *testing.T, method, target, token, body string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.RemoteAddr = "203.0.113.9:51000"
	req.Header.Set("User-Agent", "handler-test/1.0")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)

	var envelope struct {
		Success bool                       `json:"success"`
		Data    map[string]json.RawMessage `json:"data"`
	}
	if rr.Body.Len() > 0 {
		_ = json.Unmarshal(rr.Body.Bytes(), &envelope)
	}
	return rr, envelope.Data
}

func register(t *testing.T, e *testEnv, email, password string) {
	t.Helper()
	rr, _ := e.do(t, http.MethodPost, "/api/v1/auth/register", "", fmt.Sprintf(
		`{"email":%q,"password":%q}`, email, password))
	if rr.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
}

func login(t *testing.T, e *testEnv, email, password string) (accessToken, refreshToken string) {
	t.Helper()
	rr, data := e.do(t, http.MethodPost, "/api/v1/auth/login", "", fmt.Sprintf(
		`{"email":%q,"password":%q}`, email, password))
	if rr.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(data["tokens"], &tokens); err != nil {
		t.Fatalf("decode tokens: %v", err)
	}
	return tokens.AccessToken, tokens.RefreshToken
}

func TestRegisterLoginMeFlow(t *testing.T) {
	e := newTestEnv(t)
	register(t, e, "alice@example.com", "correct horse battery")
	access, _ := login(t, e, "alice@example.com", "correct horse battery")

	rr, data := e.do(t, http.MethodGet, "/api/v1/me", access, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("me: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var user domain.User
	if err := json.Unmarshal(data["user"], &user); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if user.Email != "alice@example.com" {
		t.Fatalf("unexpected email %q", user.Email)
	}
	if user.Status != domain.UserStatusPendingVerification {
		t.Fatalf("expected pending_verification before email confirm, got %q", user.Status)
	}
}

func TestRegisterRejectsWeakPasswordAndBadEmail(t *testing.T) {
	e := newTestEnv(t)

	rr, _ := e.do(t, http.MethodPost, "/api/v1/auth/register", "", `{"email":"not-an-email","password":"longenough123"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad email, got %d", rr.Code)
	}

	rr, _ = e.do(t, http.MethodPost, "/api/v1/auth/register", "", `{"email":"a@example.com","password":"short"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short password, got %d", rr.Code)
	}
}

func TestLoginFailureIsGeneric(t *testing.T) {
	e := newTestEnv(t)
	register(t, e, "alice@example.com", "correct horse battery")

	unknown, _ := e.do(t, http.MethodPost, "/api/v1/auth/login", "", `{"email":"nobody@example.com","password":"whatever123"}`)
	wrong, _ := e.do(t, http.MethodPost, "/api/v1/auth/login", "", `{"email":"alice@example.com","password":"wrong password"}`)

	if unknown.Code != http.StatusUnauthorized || wrong.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for both, got %d and %d", unknown.Code, wrong.Code)
	}
	if unknown.Body.String() != wrong.Body.String() {
		// Bodies differ only in request metadata; error payloads must match.
		var a, b struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(unknown.Body.Bytes(), &a)
		_ = json.Unmarshal(wrong.Body.Bytes(), &b)
		if a.Error != b.Error {
			t.Fatalf("expected identical error payloads, got %+v vs %+v", a.Error, b.Error)
		}
	}
}

func TestEmailVerificationActivatesAccount(t *testing.T) {
	e := newTestEnv(t)
	register(t, e, "alice@example.com", "correct horse battery")
	access, _ := login(t, e, "alice@example.com", "correct horse battery")

	code := e.notifier.lastCode(t)
	rr, _ := e.do(t, http.MethodPost, "/api/v1/auth/verify/email", access, fmt.Sprintf(`{"code":%q}`, code))
	if rr.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	_, data := e.do(t, http.MethodGet, "/api/v1/me", access, "")
	var user domain.User
	if err := json.Unmarshal(data["user"], &user); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if user.Status != domain.UserStatusActive || !user.EmailVerified {
		t.Fatalf("expected active verified user, got status=%q verified=%v", user.Status, user.EmailVerified)
	}
}

func TestWrongVerificationCodeEventuallyLocksOut(t *testing.T) {
	e := newTestEnv(t)
	register(t, e, "alice@example.com", "correct horse battery")
	access, _ := login(t, e, "alice@example.com", "correct horse battery")

	var last *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		last, _ = e.do(t, http.MethodPost, "/api/v1/auth/verify/email", access, `{"code":"000000"}`)
		if i < 3 && last.Code != http.StatusBadRequest {
			t.Fatalf("attempt %d: expected 400 for a wrong code, got %d: %s", i+1, last.Code, last.Body.String())
		}
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after exhausting attempts, got %d: %s", last.Code, last.Body.String())
	}
	if !strings.Contains(last.Body.String(), "CODE_ATTEMPTS_EXHAUSTED") {
		t.Fatalf("expected CODE_ATTEMPTS_EXHAUSTED, got %s", last.Body.String())
	}
}

func TestPhoneRegistrationLoginAndVerification(t *testing.T) {
	e := newTestEnv(t)

	rr, data := e.do(t, http.MethodPost, "/api/v1/auth/register", "",
		`{"email":"frank@example.com","phone":"+14155551234","password":"correct horse battery"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var via string
	if err := json.Unmarshal(data["verification_via"], &via); err != nil {
		t.Fatalf("decode verification_via: %v", err)
	}
	if via != "+141******34" {
		t.Fatalf("expected masked phone destination, got %q", via)
	}

	rr, data = e.do(t, http.MethodPost, "/api/v1/auth/login", "",
		`{"phone":"+14155551234","password":"correct horse battery"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("login by phone: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var tokens struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(data["tokens"], &tokens); err != nil {
		t.Fatalf("decode tokens: %v", err)
	}

	rr, data = e.do(t, http.MethodPost, "/api/v1/auth/verify/phone", tokens.AccessToken,
		fmt.Sprintf(`{"code":%q}`, e.notifier.lastCode(t)))
	if rr.Code != http.StatusOK {
		t.Fatalf("verify phone: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var user domain.User
	if err := json.Unmarshal(data["user"], &user); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if !user.PhoneVerified || user.Status != domain.UserStatusActive {
		t.Fatalf("expected verified active profile in response, got verified=%v status=%q", user.PhoneVerified, user.Status)
	}
}

func TestLoginRejectsAmbiguousIdentifier(t *testing.T) {
	e := newTestEnv(t)
	register(t, e, "alice@example.com", "correct horse battery")

	rr, _ := e.do(t, http.MethodPost, "/api/v1/auth/login", "",
		`{"email":"alice@example.com","phone":"+14155551234","password":"correct horse battery"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("both identifiers: expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
	rr, _ = e.do(t, http.MethodPost, "/api/v1/auth/login", "", `{"password":"correct horse battery"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("no identifier: expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestRefreshRotatesAndReplayFails(t *testing.T) {
	e := newTestEnv(t)
	register(t, e, "alice@example.com", "correct horse battery")
	_, refresh := login(t, e, "alice@example.com", "correct horse battery")

	rr, data := e.do(t, http.MethodPost, "/api/v1/auth/refresh", "", fmt.Sprintf(`{"refresh_token":%q}`, refresh))
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var tokens struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(data["tokens"], &tokens); err != nil {
		t.Fatalf("decode tokens: %v", err)
	}
	if tokens.RefreshToken == refresh {
		t.Fatalf("expected rotated refresh token")
	}

	replay, _ := e.do(t, http.MethodPost, "/api/v1/auth/refresh", "", fmt.Sprintf(`{"refresh_token":%q}`, refresh))
	if replay.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on replay, got %d", replay.Code)
	}
}

func TestLogoutKillsSession(t *testing.T) {
	e := newTestEnv(t)
	register(t, e, "alice@example.com", "correct horse battery")
	access, refresh := login(t, e, "alice@example.com", "correct horse battery")

	rr, _ := e.do(t, http.MethodPost, "/api/v1/auth/logout", "", fmt.Sprintf(`{"refresh_token":%q}`, refresh))
	if rr.Code != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d", rr.Code)
	}

	replay, _ := e.do(t, http.MethodPost, "/api/v1/auth/refresh", "", fmt.Sprintf(`{"refresh_token":%q}`, refresh))
	if replay.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", replay.Code)
	}

	_, data := e.do(t, http.MethodGet, "/api/v1/me/sessions", access, "")
	var sessionList []domain.UserSession
	if err := json.Unmarshal(data["sessions"], &sessionList); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(sessionList) != 0 {
		t.Fatalf("expected no active sessions after logout, got %d", len(sessionList))
	}
}

func TestPasswordResetFlow(t *testing.T) {
	e := newTestEnv(t)
	register(t, e, "alice@example.com", "correct horse battery")

	rr, _ := e.do(t, http.MethodPost, "/api/v1/auth/password/forgot", "", `{"email":"alice@example.com"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("forgot: expected 200, got %d", rr.Code)
	}
	code := e.notifier.lastCode(t)

	rr, _ = e.do(t, http.MethodPost, "/api/v1/auth/password/reset", "", fmt.Sprintf(
		`{"email":"alice@example.com","code":%q,"new_password":"brand new password"}`, code))
	if rr.Code != http.StatusOK {
		t.Fatalf("reset: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	old, _ := e.do(t, http.MethodPost, "/api/v1/auth/login", "", `{"email":"alice@example.com","password":"correct horse battery"}`)
	if old.Code != http.StatusUnauthorized {
		t.Fatalf("expected old password rejected, got %d", old.Code)
	}
	login(t, e, "alice@example.com", "brand new password")
}

func TestPasswordForgotSilentForUnknownEmail(t *testing.T) {
	e := newTestEnv(t)

	rr, _ := e.do(t, http.MethodPost, "/api/v1/auth/password/forgot", "", `{"email":"ghost@example.com"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown email, got %d", rr.Code)
	}
	if len(e.notifier.messages) != 0 {
		t.Fatalf("expected no delivery for unknown email, got %d messages", len(e.notifier.messages))
	}
}

func TestAdminEndpointsRequirePermission(t *testing.T) {
	e := newTestEnv(t)
	register(t, e, "alice@example.com", "correct horse battery")
	access, _ := login(t, e, "alice@example.com", "correct horse battery")

	rr, _ := e.do(t, http.MethodGet, "/api/v1/admin/users", access, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without users:read, got %d", rr.Code)
	}

	perm, err := e.rbac.CreatePermission("users", "read", "list user accounts")
	if err != nil {
		t.Fatalf("create permission: %v", err)
	}
	adminRole, err := e.rbac.CreateRole(context.Background(), "admin", "administration", false, []uint{perm.ID})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	var alice domain.User
	if err := e.db.Where("email = ?", "alice@example.com").First(&alice).Error; err != nil {
		t.Fatalf("load user: %v", err)
	}
	if _, err := e.rbac.AssignRole(context.Background(), alice.ID, adminRole.ID); err != nil {
		t.Fatalf("assign role: %v", err)
	}

	rr, data := e.do(t, http.MethodGet, "/api/v1/admin/users", access, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 after grant, got %d: %s", rr.Code, rr.Body.String())
	}
	var items []domain.User
	if err := json.Unmarshal(data["items"], &items); err != nil {
		t.Fatalf("decode items: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one user, got %d", len(items))
	}
}
