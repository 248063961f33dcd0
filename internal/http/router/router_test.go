package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/identitykit/identity-service/internal/domain"
	"github.com/identitykit/identity-service/internal/health"
	"github.com/identitykit/identity-service/internal/security"
)

type staticResolver struct {
	permissions []string
	err         error
}

func (s staticResolver) ResolvePermissions(ctx context.Context, claims *security.Claims) ([]string, error) {
	return s.permissions, s.err
}

type staticRoleLister struct {
	roles []domain.Role
}

func (s staticRoleLister) UserRoles(userID uint) ([]domain.Role, error) {
	return s.roles, nil
}

func newRouterTestDeps() Dependencies {
	return Dependencies{
		JWTManager:                 security.NewJWTManager("identity-service", "identity-api", "test-secret-test-secret-test-sec"),
		PermissionResolver:         staticResolver{},
		RoleLister:                 staticRoleLister{},
		Logger:                     slog.New(slog.NewTextHandler(io.Discard, nil)),
		CORSOrigins:                []string{"http://localhost:3000"},
		APIRateLimitRPM:            1000,
		AuthRateLimitRPM:           1000,
		PasswordForgotRateLimitRPM: 1000,
	}
}

func perform(r http.Handler, method, target string, headers map[string]string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.RemoteAddr = "10.10.10.10:1234"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func bearerToken(t *testing.T, jwtMgr *security.JWTManager) string {
	t.Helper()
	token, err := jwtMgr.SignAccessToken(42, "user@example.com", "", "", time.Hour)
	if err != nil {
		t.Fatalf("sign access token: %v", err)
	}
	return token
}

func TestRouterHealthEndpoints(t *testing.T) {
	t.Run("live always ok", func(t *testing.T) {
		r := NewRouter(newRouterTestDeps())
		rr := perform(r, http.MethodGet, "/health/live", nil, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
	})

	t.Run("nil readiness reports ready", func(t *testing.T) {
		r := NewRouter(newRouterTestDeps())
		rr := perform(r, http.MethodGet, "/health/ready", nil, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `"status":"ready"`) {
			t.Fatalf("expected ready payload, got %s", rr.Body.String())
		}
	})

	t.Run("failing probe reports unavailable", func(t *testing.T) {
		dep := newRouterTestDeps()
		dep.Readiness = health.NewProbeRunner(time.Second, health.Check{
			Name:  "database",
			Probe: func(ctx context.Context) error { return errors.New("connection refused") },
		})
		r := NewRouter(dep)
		rr := perform(r, http.MethodGet, "/health/ready", nil, "")
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "DEPENDENCY_UNREADY") {
			t.Fatalf("expected DEPENDENCY_UNREADY, got %s", rr.Body.String())
		}
	})
}

func TestRouterSecurityHeadersApplied(t *testing.T) {
	r := NewRouter(newRouterTestDeps())
	rr := perform(r, http.MethodGet, "/health/live", nil, "")
	if got := rr.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected nosniff header, got %q", got)
	}
	if got := rr.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected DENY header, got %q", got)
	}
}

func TestRouterCORSPreflight(t *testing.T) {
	r := NewRouter(newRouterTestDeps())
	rr := perform(r, http.MethodOptions, "/api/v1/auth/login", map[string]string{
		"Origin":                        "http://localhost:3000",
		"Access-Control-Request-Method": "POST",
	}, "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("expected allowed origin echoed, got %q", got)
	}
}

func TestRouterProtectedRoutesRequireAuth(t *testing.T) {
	r := NewRouter(newRouterTestDeps())
	for _, target := range []string{"/api/v1/me", "/api/v1/me/sessions", "/api/v1/admin/users"} {
		rr := perform(r, http.MethodGet, target, nil, "")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", target, rr.Code)
		}
	}
}

func TestRouterAdminRoutesEnforcePermissions(t *testing.T) {
	dep := newRouterTestDeps()
	dep.PermissionResolver = staticResolver{permissions: []string{"articles:read"}}
	r := NewRouter(dep)

	token := bearerToken(t, dep.JWTManager)
	rr := perform(r, http.MethodGet, "/api/v1/admin/users", map[string]string{
		"Authorization": "Bearer " + token,
	}, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without users:read, got %d", rr.Code)
	}
}

func TestRouterAdminRoutesFailClosedOnResolverOutage(t *testing.T) {
	dep := newRouterTestDeps()
	dep.PermissionResolver = staticResolver{err: errors.New("redis down")}
	r := NewRouter(dep)

	token := bearerToken(t, dep.JWTManager)
	rr := perform(r, http.MethodGet, "/api/v1/admin/roles", map[string]string{
		"Authorization": "Bearer " + token,
	}, "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on resolver outage, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "RBAC_UNAVAILABLE") {
		t.Fatalf("expected RBAC_UNAVAILABLE, got %s", rr.Body.String())
	}
}

func TestRouterRateLimitsAuthRoutes(t *testing.T) {
	dep := newRouterTestDeps()
	dep.AuthRateLimitRPM = 2
	r := NewRouter(dep)

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = perform(r, http.MethodPost, "/api/v1/auth/login", nil, `{"email":"a@b.c","password":"password123"}`)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after limit, got %d", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}
