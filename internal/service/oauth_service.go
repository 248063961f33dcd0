package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/identitykit/identity-service/internal/domain"
	"github.com/identitykit/identity-service/internal/observability"
	"github.com/identitykit/identity-service/internal/repository"
)

const googleUserinfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

var errEmailNotVerified = errors.New("google email not verified")

type OAuthUserInfo struct {
	ProviderUserID string `json:"sub"`
	Email          string `json:"email"`
	EmailVerified  bool   `json:"email_verified"`
	Name           string `json:"name"`
}

type OAuthProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	FetchUserInfo(ctx context.Context, token *oauth2.Token) (*OAuthUserInfo, error)
}

// GoogleOAuthProvider is the production OAuthProvider backed by
// Google's OpenID Connect userinfo endpoint.
type GoogleOAuthProvider struct {
	cfg *oauth2.Config
}

func NewGoogleOAuthProvider(clientID, clientSecret, redirectURL string) *GoogleOAuthProvider {
	return &GoogleOAuthProvider{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		},
	}
}

func (p *GoogleOAuthProvider) AuthCodeURL(state string) string {
	return p.cfg.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

func (p *GoogleOAuthProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return p.cfg.Exchange(ctx, code)
}

func (p *GoogleOAuthProvider) FetchUserInfo(ctx context.Context, token *oauth2.Token) (*OAuthUserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, googleUserinfoURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.cfg.Client(ctx, token).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("userinfo status: %d", resp.StatusCode)
	}
	var info OAuthUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	if info.ProviderUserID == "" || info.Email == "" {
		return nil, errors.New("missing required userinfo fields")
	}
	return &info, nil
}

// OAuthService resolves a Google authorization code to a local account,
// creating one on first sight. Accounts created this way start active
// with a verified email and no password credential.
type OAuthService struct {
	provider OAuthProvider
	userRepo repository.UserRepository
	rbac     *RBACService
	logger   *slog.Logger
}

func NewOAuthService(provider OAuthProvider, userRepo repository.UserRepository, rbac *RBACService, logger *slog.Logger) *OAuthService {
	return &OAuthService{
		provider: provider,
		userRepo: userRepo,
		rbac:     rbac,
		logger:   logger,
	}
}

func (s *OAuthService) GoogleLoginURL(state string) string {
	return s.provider.AuthCodeURL(state)
}

func (s *OAuthService) HandleGoogleCallback(ctx context.Context, code string) (*domain.User, error) {
	token, err := s.provider.Exchange(ctx, code)
	if err != nil {
		observability.RecordAuthLogin("google", classifyOAuthError(err))
		return nil, err
	}
	info, err := s.provider.FetchUserInfo(ctx, token)
	if err != nil {
		observability.RecordAuthLogin("google", classifyOAuthError(err))
		return nil, err
	}
	if !info.EmailVerified {
		observability.RecordAuthLogin("google", "email_not_verified")
		return nil, errEmailNotVerified
	}
	return s.findOrCreateUser(ctx, info)
}

func (s *OAuthService) findOrCreateUser(ctx context.Context, info *OAuthUserInfo) (*domain.User, error) {
	user, err := s.userRepo.FindByEmail(info.Email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, err
	}

	user = &domain.User{
		Email:         info.Email,
		Status:        domain.UserStatusActive,
		Provider:      domain.AuthProviderGoogle,
		EmailVerified: true,
	}
	if err := s.userRepo.Create(user); err != nil {
		return nil, err
	}
	if err := s.rbac.AssignDefaultRole(ctx, user.ID); err != nil && !errors.Is(err, repository.ErrNoDefaultRole) {
		return nil, err
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "provisioned account from google login",
			slog.Uint64("user_id", uint64(user.ID)))
	}
	return user, nil
}

func classifyOAuthError(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "context_canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case err == nil:
		return "none"
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "userinfo status:"):
		return "userinfo_status"
	case strings.Contains(msg, "missing required userinfo fields"):
		return "invalid_userinfo"
	case strings.Contains(msg, "oauth2:"):
		return "oauth2_exchange"
	default:
		return "error"
	}
}
