package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/identitykit/identity-service/internal/domain"
	"github.com/identitykit/identity-service/internal/http/handler"
	"github.com/identitykit/identity-service/internal/http/router"
	"github.com/identitykit/identity-service/internal/repository"
	"github.com/identitykit/identity-service/internal/security"
	"github.com/identitykit/identity-service/internal/service"
)

type stubProvider struct {
	userInfo *service.OAuthUserInfo
}

func (s *stubProvider) AuthCodeURL(state string) string {
	return "https://accounts.example.com/authorize?state=" + url.QueryEscape(state)
}

func (s *stubProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if code != "good-code" {
		return nil, fmt.Errorf("oauth2: %q", "invalid_grant")
	}
	return &oauth2.Token{AccessToken: "provider-access"}, nil
}

func (s *stubProvider) FetchUserInfo(ctx context.Context, token *oauth2.Token) (*service.OAuthUserInfo, error) {
	return s.userInfo, nil
}

func newOAuthTestServer(t *testing.T) (*httptest.Server, *http.Client) {
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
	userRepo := repository.NewUserRepository(db)
	roleRepo := repository.NewRoleRepository(db)
	permRepo := repository.NewPermissionRepository(db)
	cacheStore := service.NewInMemoryRBACPermissionCacheStore()
	rbac := service.NewRBACService(roleRepo, permRepo, cacheStore)
	resolver := service.NewCachedPermissionResolver(cacheStore, rbac, 5*time.Minute)

	jwtMgr := security.NewJWTManager("identity-service", "identity-api", "test-secret-test-secret-test-sec")
	tokens := service.NewTokenService(jwtMgr, repository.NewRefreshTokenRepository(db), userRepo, 15*time.Minute, 7*24*time.Hour, true)
	sessions := service.NewSessionService(repository.NewSessionRepository(db), 30*24*time.Hour)
	verify := service.NewVerificationService(service.NewInMemoryOTPStore(), userRepo, nil, service.VerificationConfig{
		Digits:         6,
		MaxAttempts:    3,
		ResendCooldown: time.Minute,
		EmailExpiry:    5 * time.Minute,
		PhoneExpiry:    5 * time.Minute,
		ResetExpiry:    5 * time.Minute,
	}, log)
	auth := service.NewAuthService(userRepo, repository.NewAuthEventRepository(db), tokens, sessions, verify, rbac, log)
	users := service.NewUserService(userRepo, rbac)

	provider := &stubProvider{userInfo: &service.OAuthUserInfo{
		ProviderUserID: "google-789",
		Email:          "dana@example.com",
		EmailVerified:  true,
		Name:           "Dana",
	}}
	oauth := service.NewOAuthService(provider, userRepo, rbac, log)

	mux := router.NewRouter(router.Dependencies{
		AuthHandler:                handler.NewAuthHandler(auth, oauth),
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

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return server, client
}

func TestGoogleLoginFlowEndToEnd(t *testing.T) {
	server, client := newOAuthTestServer(t)

	resp, err := client.Get(server.URL + "/api/v1/auth/google/login")
	if err != nil {
		t.Fatalf("google login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302 redirect, got %d", resp.StatusCode)
	}
	redirect, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	state := redirect.Query().Get("state")
	if state == "" {
		t.Fatal("expected state in authorize URL")
	}

	resp, err = client.Get(server.URL + "/api/v1/auth/google/callback?state=" + url.QueryEscape(state) + "&code=good-code")
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var envelope struct {
		Data struct {
			User   domain.User       `json:"user"`
			Tokens service.TokenPair `json:"tokens"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Data.User.Email != "dana@example.com" {
		t.Fatalf("unexpected email %q", envelope.Data.User.Email)
	}
	if envelope.Data.User.Provider != domain.AuthProviderGoogle {
		t.Fatalf("expected google provider, got %q", envelope.Data.User.Provider)
	}
	if envelope.Data.Tokens.AccessToken == "" || envelope.Data.Tokens.RefreshToken == "" {
		t.Fatal("expected token pair issued")
	}
}

func TestGoogleCallbackRejectsStateMismatch(t *testing.T) {
	server, client := newOAuthTestServer(t)

	// No prior login request, so no state cookie exists.
	resp, err := client.Get(server.URL + "/api/v1/auth/google/callback?state=forged&code=good-code")
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for state mismatch, got %d", resp.StatusCode)
	}
}

func TestGoogleCallbackRejectsBadCode(t *testing.T) {
	server, client := newOAuthTestServer(t)

	resp, err := client.Get(server.URL + "/api/v1/auth/google/login")
	if err != nil {
		t.Fatalf("google login: %v", err)
	}
	resp.Body.Close()
	redirect, _ := url.Parse(resp.Header.Get("Location"))
	state := redirect.Query().Get("state")

	resp, err = client.Get(server.URL + "/api/v1/auth/google/callback?state=" + url.QueryEscape(state) + "&code=bad-code")
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad code, got %d", resp.StatusCode)
	}
}
