// Package credential manages OAuth credentials: storage, refresh, and
// revocation. All other components obtain provider tokens through it
// and never see refresh tokens.
package credential

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/sync/singleflight"

	"papergraph/core/domain"
	"papergraph/core/port/in"
	"papergraph/core/port/out"
	"papergraph/pkg/fault"
	"papergraph/pkg/logger"
)

// refreshMargin is how long before expiry a token stops being handed
// out and a refresh is forced.
const refreshMargin = 60 * time.Second

type Service struct {
	repo    out.CredentialRepository
	configs map[domain.Provider]*oauth2.Config
	group   singleflight.Group
	now     func() time.Time
}

type OAuthConfig struct {
	GoogleClientID        string
	GoogleClientSecret    string
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftTenantID     string
	RedirectURL           string
}

func NewService(repo out.CredentialRepository, cfg OAuthConfig) *Service {
	tenant := cfg.MicrosoftTenantID
	if tenant == "" {
		tenant = "common"
	}
	return &Service{
		repo: repo,
		configs: map[domain.Provider]*oauth2.Config{
			domain.ProviderGmail: {
				ClientID:     cfg.GoogleClientID,
				ClientSecret: cfg.GoogleClientSecret,
				RedirectURL:  cfg.RedirectURL,
				Endpoint:     google.Endpoint,
				Scopes:       []string{"https://www.googleapis.com/auth/gmail.readonly"},
			},
			domain.ProviderOutlook: {
				ClientID:     cfg.MicrosoftClientID,
				ClientSecret: cfg.MicrosoftClientSecret,
				RedirectURL:  cfg.RedirectURL,
				Endpoint:     microsoft.AzureADEndpoint(tenant),
				Scopes:       []string{"offline_access", "https://graph.microsoft.com/Mail.Read"},
			},
		},
		now: time.Now,
	}
}

var _ in.CredentialService = (*Service)(nil)

func (s *Service) StoreInitialCredential(ctx context.Context, userID uuid.UUID, provider domain.Provider, accessToken, refreshToken string, expiry int64) error {
	cred := &out.Credential{
		UserID:       userID,
		Provider:     provider,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Expiry:       time.Unix(expiry, 0).UTC(),
	}
	if err := s.repo.Upsert(ctx, cred); err != nil {
		return fault.Wrap(fault.KindInternal, "store credential", err)
	}
	logger.WithFields(map[string]any{
		"user_id":  userID.String(),
		"provider": string(provider),
	}).Info("credential stored")
	return nil
}

func (s *Service) GetAccessToken(ctx context.Context, userID uuid.UUID, provider domain.Provider) (string, error) {
	cred, err := s.repo.Get(ctx, userID, provider)
	if err != nil {
		if err == out.ErrNotFound {
			return "", fault.New(fault.KindCredentialRevoked, "no credential on file")
		}
		return "", fault.Wrap(fault.KindInternal, "load credential", err)
	}
	if cred.Revoked {
		return "", fault.New(fault.KindCredentialRevoked, "credential revoked, re-consent required")
	}

	// IMAP accounts authenticate with a stored app password that never
	// expires.
	if provider == domain.ProviderIMAP {
		return cred.AccessToken, nil
	}

	if cred.Expiry.After(s.now().Add(refreshMargin)) {
		return cred.AccessToken, nil
	}

	// Collapse concurrent refreshes for the same credential into one
	// provider round trip.
	key := fmt.Sprintf("%s:%s", userID, provider)
	tok, err, _ := s.group.Do(key, func() (any, error) {
		return s.refresh(ctx, userID, provider, cred.RefreshToken)
	})
	if err != nil {
		return "", err
	}
	return tok.(string), nil
}

func (s *Service) Invalidate(ctx context.Context, userID uuid.UUID, provider domain.Provider) error {
	if err := s.repo.MarkRevoked(ctx, userID, provider); err != nil {
		return fault.Wrap(fault.KindInternal, "mark credential revoked", err)
	}
	logger.WithFields(map[string]any{
		"user_id":  userID.String(),
		"provider": string(provider),
	}).Warn("credential invalidated")
	return nil
}

func (s *Service) refresh(ctx context.Context, userID uuid.UUID, provider domain.Provider, refreshToken string) (string, error) {
	cfg, ok := s.configs[provider]
	if !ok {
		return "", fault.Newf(fault.KindInternal, "no oauth config for provider %s", provider)
	}
	if refreshToken == "" {
		if err := s.repo.MarkRevoked(ctx, userID, provider); err != nil {
			logger.WithError(err).Error("mark revoked after missing refresh token")
		}
		return "", fault.New(fault.KindCredentialRevoked, "no refresh token on file")
	}

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		if isInvalidGrant(err) {
			if mrkErr := s.repo.MarkRevoked(ctx, userID, provider); mrkErr != nil {
				logger.WithError(mrkErr).Error("mark revoked after invalid_grant")
			}
			return "", fault.Wrap(fault.KindCredentialRevoked, "refresh token rejected by provider", err)
		}
		return "", fault.Wrap(fault.KindProviderTransient, "token refresh failed", err)
	}

	if err := s.repo.UpdateAccess(ctx, userID, provider, tok.AccessToken, tok.Expiry.UTC()); err != nil {
		return "", fault.Wrap(fault.KindInternal, "persist refreshed token", err)
	}
	return tok.AccessToken, nil
}

// isInvalidGrant detects the OAuth error that means the user revoked
// consent or the refresh token expired.
func isInvalidGrant(err error) bool {
	if err == nil {
		return false
	}
	if rErr, ok := err.(*oauth2.RetrieveError); ok {
		if rErr.ErrorCode == "invalid_grant" {
			return true
		}
		if rErr.Response != nil && rErr.Response.StatusCode == 401 {
			return true
		}
	}
	return strings.Contains(err.Error(), "invalid_grant")
}
