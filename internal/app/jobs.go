package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/identitykit/identity-service/internal/observability"
	"github.com/identitykit/identity-service/internal/service"
)

// Sweeper periodically purges expired refresh tokens and sessions.
type Sweeper struct {
	tokens   *service.TokenService
	sessions *service.SessionService
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(tokens *service.TokenService, sessions *service.SessionService, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{tokens: tokens, sessions: sessions, interval: interval, logger: logger}
}

// Run sweeps on the configured interval until the context is
// cancelled. The first sweep runs immediately.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if tokens, err := s.tokens.CleanupExpiredRefreshTokens(); err != nil {
		s.logger.WarnContext(ctx, "refresh token sweep failed", slog.String("error", err.Error()))
	} else {
		observability.RecordSweeperCleanup("refresh_tokens", tokens)
		if tokens > 0 {
			s.logger.InfoContext(ctx, "swept expired refresh tokens", slog.Int64("count", tokens))
		}
	}

	if sessions, err := s.sessions.CleanupExpiredSessions(); err != nil {
		s.logger.WarnContext(ctx, "session sweep failed", slog.String("error", err.Error()))
	} else {
		observability.RecordSweeperCleanup("sessions", sessions)
		if sessions > 0 {
			s.logger.InfoContext(ctx, "swept expired sessions", slog.Int64("count", sessions))
		}
	}
}
