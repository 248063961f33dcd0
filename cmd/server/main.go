package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/identitykit/identity-service/internal/app"
	"github.com/identitykit/identity-service/internal/config"
	"github.com/identitykit/identity-service/internal/domain"
	"github.com/identitykit/identity-service/internal/health"
	"github.com/identitykit/identity-service/internal/http/handler"
	"github.com/identitykit/identity-service/internal/http/router"
	"github.com/identitykit/identity-service/internal/notifier"
	"github.com/identitykit/identity-service/internal/observability"
	"github.com/identitykit/identity-service/internal/repository"
	"github.com/identitykit/identity-service/internal/security"
	"github.com/identitykit/identity-service/internal/service"
)

func main() {
	root := &cobra.Command{
		Use:          "identity-service",
		Short:        "Multi-tenant identity and access backend",
		SilenceUsage: true,
	}
	root.AddCommand(serveCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}

	logger, loggerProvider, err := observability.InitLogging(ctx, cfg)
	if err != nil {
		return err
	}
	runtime, err := observability.InitRuntime(ctx, cfg, logger, loggerProvider)
	if err != nil {
		return err
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(
		&domain.User{}, &domain.Role{}, &domain.Permission{},
		&domain.UserSession{}, &domain.RefreshToken{}, &domain.AuthEvent{},
	); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	userRepo := repository.NewUserRepository(db)
	eventRepo := repository.NewAuthEventRepository(db)
	tokenRepo := repository.NewRefreshTokenRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	roleRepo := repository.NewRoleRepository(db)
	permRepo := repository.NewPermissionRepository(db)

	jwtMgr := security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTSecret)

	cacheStore := service.NewRedisRBACPermissionCacheStore(redisClient, "rbac")
	rbac := service.NewRBACService(roleRepo, permRepo, cacheStore)
	resolver := service.NewCachedPermissionResolver(cacheStore, rbac, config.ParseLifetime(cfg.RBACCacheTTL, 5*time.Minute))

	tokens := service.NewTokenService(jwtMgr, tokenRepo, userRepo, cfg.AccessTokenTTL(), cfg.RefreshTokenTTL(), cfg.RotateRefreshTokens)
	sessions := service.NewSessionService(sessionRepo, cfg.SessionTTL())

	verify := service.NewVerificationService(
		service.NewRedisOTPStore(redisClient, "otp"),
		userRepo,
		notifier.NewRetryingNotifier(notifier.NewSlogNotifier(logger), 3, time.Second, logger),
		service.VerificationConfig{
			Digits:         cfg.OTPDigits,
			MaxAttempts:    cfg.OTPMaxAttempts,
			ResendCooldown: config.ParseLifetime(cfg.OTPResendCooldown, time.Minute),
			EmailExpiry:    config.ParseLifetime(cfg.OTPExpiryEmail, 5*time.Minute),
			PhoneExpiry:    config.ParseLifetime(cfg.OTPExpiryPhone, 5*time.Minute),
			ResetExpiry:    config.ParseLifetime(cfg.OTPExpiryPasswordReset, 5*time.Minute),
		},
		logger,
	)

	auth := service.NewAuthService(userRepo, eventRepo, tokens, sessions, verify, rbac, logger)
	users := service.NewUserService(userRepo, rbac)

	var oauth *service.OAuthService
	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" {
		provider := service.NewGoogleOAuthProvider(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
		oauth = service.NewOAuthService(provider, userRepo, rbac, logger)
	}

	readiness := health.NewProbeRunner(2*time.Second,
		health.DatabaseCheck(db),
		health.RedisCheck(redisClient),
	)

	mux := router.NewRouter(router.Dependencies{
		AuthHandler:                handler.NewAuthHandler(auth, oauth),
		UserHandler:                handler.NewUserHandler(users, sessions, auth),
		AdminHandler:               handler.NewAdminHandler(users, rbac, auth),
		JWTManager:                 jwtMgr,
		PermissionResolver:         resolver,
		RoleLister:                 rbac,
		Logger:                     logger,
		CORSOrigins:                cfg.CORSAllowedOrigins,
		APIRateLimitRPM:            cfg.APIRateLimitRPM,
		AuthRateLimitRPM:           cfg.AuthRateLimitRPM,
		PasswordForgotRateLimitRPM: cfg.PasswordForgotRateLimitRPM,
		Readiness:                  readiness,
		EnableOTelHTTP:             cfg.OTELTracesEnabled,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	sweeper := app.NewSweeper(tokens, sessions, cfg.SweeperInterval, logger)

	return app.New(cfg, logger, server, runtime, sweeper).Run(ctx)
}
