package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/identitykit/identity-service/internal/health"
	"github.com/identitykit/identity-service/internal/http/handler"
	"github.com/identitykit/identity-service/internal/http/middleware"
	"github.com/identitykit/identity-service/internal/http/response"
	"github.com/identitykit/identity-service/internal/security"
	"github.com/identitykit/identity-service/internal/service"
)

type Dependencies struct {
	AuthHandler        *handler.AuthHandler
	UserHandler        *handler.UserHandler
	AdminHandler       *handler.AdminHandler
	JWTManager         *security.JWTManager
	PermissionResolver service.PermissionResolver
	RoleLister         middleware.RoleLister
	Logger             *slog.Logger

	CORSOrigins                []string
	APIRateLimitRPM            int
	AuthRateLimitRPM           int
	PasswordForgotRateLimitRPM int

	Readiness      *health.ProbeRunner
	EnableOTelHTTP bool
}

func NewRouter(dep Dependencies) http.Handler {
	logger := dep.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.StructuredRequestLogger(logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(dep.CORSOrigins))
	r.Use(middleware.BodyLimit(1 << 20))
	r.Use(middleware.NewRateLimiter(dep.APIRateLimitRPM, time.Minute).Middleware())

	authLimiter := middleware.NewRateLimiter(dep.AuthRateLimitRPM, time.Minute).Middleware()
	forgotLimiter := middleware.NewRateLimiter(dep.PasswordForgotRateLimitRPM, time.Minute).Middleware()

	authn := middleware.Authenticate(dep.JWTManager)
	guard := func(req middleware.Requirement) func(http.Handler) http.Handler {
		return middleware.Guard(dep.PermissionResolver, dep.RoleLister, req)
	}

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if dep.Readiness == nil {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": []any{}})
			return
		}
		ready, results := dep.Readiness.Ready(r.Context())
		if ready {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": results})
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": results})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(authLimiter).Post("/register", dep.AuthHandler.Register)
			r.With(authLimiter).Post("/login", dep.AuthHandler.Login)
			r.With(authLimiter).Post("/refresh", dep.AuthHandler.Refresh)
			r.With(authLimiter).Post("/logout", dep.AuthHandler.Logout)
			r.With(authLimiter).Get("/google/login", dep.AuthHandler.GoogleLogin)
			r.With(authLimiter).Get("/google/callback", dep.AuthHandler.GoogleCallback)
			r.With(forgotLimiter).Post("/password/forgot", dep.AuthHandler.PasswordForgot)
			r.With(authLimiter).Post("/password/reset", dep.AuthHandler.PasswordReset)

			r.Group(func(r chi.Router) {
				r.Use(authn)
				r.Post("/logout-all", dep.AuthHandler.LogoutAll)
				r.With(authLimiter).Post("/verify/email", dep.AuthHandler.VerifyEmail)
				r.With(authLimiter).Post("/verify/phone", dep.AuthHandler.VerifyPhone)
				r.With(authLimiter).Post("/verify/resend", dep.AuthHandler.ResendVerification)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(authn)
			r.Get("/me", dep.UserHandler.Me)
			r.Patch("/me", dep.UserHandler.UpdateMe)
			r.Get("/me/sessions", dep.UserHandler.Sessions)
			r.Delete("/me/sessions/{sessionID}", dep.UserHandler.RevokeSession)
			r.Post("/me/sessions/revoke-others", dep.UserHandler.RevokeOtherSessions)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(authn)
			r.With(guard(middleware.Requirement{Permissions: []string{"users:read"}})).Get("/users", dep.AdminHandler.ListUsers)
			r.With(guard(middleware.Requirement{Permissions: []string{"users:read"}})).Get("/users/{userID}", dep.AdminHandler.GetUser)
			r.With(guard(middleware.Requirement{Permissions: []string{"users:write"}})).Patch("/users/{userID}/status", dep.AdminHandler.SetUserStatus)
			r.With(guard(middleware.Requirement{Permissions: []string{"users:write", "roles:read"}})).Put("/users/{userID}/roles", dep.AdminHandler.SetUserRoles)
			r.With(guard(middleware.Requirement{Permissions: []string{"roles:read"}})).Get("/roles", dep.AdminHandler.ListRoles)
			r.With(guard(middleware.Requirement{Permissions: []string{"roles:read"}})).Get("/roles/{roleID}", dep.AdminHandler.GetRole)
			r.With(guard(middleware.Requirement{Permissions: []string{"roles:write"}})).Post("/roles", dep.AdminHandler.CreateRole)
			r.With(guard(middleware.Requirement{Permissions: []string{"roles:write"}})).Put("/roles/{roleID}/permissions", dep.AdminHandler.UpdateRolePermissions)
			r.With(guard(middleware.Requirement{Permissions: []string{"roles:write"}})).Delete("/roles/{roleID}", dep.AdminHandler.DeleteRole)
			r.With(guard(middleware.Requirement{Permissions: []string{"permissions:read"}})).Get("/permissions", dep.AdminHandler.ListPermissions)
			r.With(guard(middleware.Requirement{Permissions: []string{"permissions:write"}})).Post("/permissions", dep.AdminHandler.CreatePermission)
			r.With(guard(middleware.Requirement{Permissions: []string{"permissions:write"}})).Delete("/permissions/{permissionID}", dep.AdminHandler.DeletePermission)
		})
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
