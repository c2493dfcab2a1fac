package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"actsync/internal/engine/syncerr"
	"actsync/internal/pkg/metrics"
	"actsync/internal/platform/auth"
	"actsync/internal/platform/models"
	"actsync/internal/platform/repositories"
)

var ErrProviderNotConfigured = errors.New("provider has no oauth client configured")

const defaultRefreshMargin = 2 * time.Minute

type Options struct {
	OAuth         map[models.Provider]*oauth2.Config
	APIKeys       map[models.Provider]string
	Cipher        *auth.TokenCipher
	RefreshMargin time.Duration
	HTTPClient    *http.Client
}

// Store owns the token fields of integrations. Nothing else writes them.
type Store struct {
	repo       *repositories.IntegrationRepository
	oauth      map[models.Provider]*oauth2.Config
	apiKeys    map[models.Provider]string
	cipher     *auth.TokenCipher
	margin     time.Duration
	httpClient *http.Client
	now        func() time.Time
	group      singleflight.Group
}

func NewStore(repo *repositories.IntegrationRepository, opts Options) *Store {
	margin := opts.RefreshMargin
	if margin <= 0 {
		margin = defaultRefreshMargin
	}
	return &Store{
		repo:       repo,
		oauth:      opts.OAuth,
		apiKeys:    opts.APIKeys,
		cipher:     opts.Cipher,
		margin:     margin,
		httpClient: opts.HTTPClient,
		now:        time.Now,
	}
}

// Get loads an integration with its tokens decrypted.
func (s *Store) Get(ctx context.Context, id string) (*models.Integration, error) {
	in, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.AccessToken, err = s.cipher.Open(in.AccessToken); err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}
	if in.RefreshToken, err = s.cipher.Open(in.RefreshToken); err != nil {
		return nil, fmt.Errorf("open refresh token: %w", err)
	}
	return in, nil
}

// EnsureFreshToken returns a usable access token, refreshing it when it has
// expired or expires within the safety margin. Concurrent callers for the same
// integration share one refresh.
func (s *Store) EnsureFreshToken(ctx context.Context, in *models.Integration) (string, error) {
	if in.AccessToken == "" {
		if key := s.apiKeys[in.Provider]; key != "" {
			return key, nil
		}
		return "", syncerr.CredentialsInvalid(string(in.Provider), "token", errors.New("integration has no access token"))
	}
	if !s.expiring(in) {
		return in.AccessToken, nil
	}

	v, err, _ := s.group.Do(in.ID, func() (interface{}, error) {
		return s.refresh(ctx, in.ID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Store) expiring(in *models.Integration) bool {
	if in.TokenExpiresAt == 0 {
		return false
	}
	return !s.now().Add(s.margin).Before(time.Unix(in.TokenExpiresAt, 0))
}

func (s *Store) refresh(ctx context.Context, id string) (string, error) {
	// Re-read so a caller holding a stale copy does not refresh a token another caller already rotated.
	current, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !s.expiring(current) {
		return current.AccessToken, nil
	}

	provider := string(current.Provider)
	if current.RefreshToken == "" {
		metrics.TokenRefreshesTotal.WithLabelValues(provider, "no_refresh_token").Inc()
		return "", syncerr.CredentialsInvalid(provider, "refresh", errors.New("token expired and no refresh token is stored"))
	}
	cfg, ok := s.oauth[current.Provider]
	if !ok {
		return "", syncerr.CredentialsInvalid(provider, "refresh", ErrProviderNotConfigured)
	}

	tok, err := cfg.TokenSource(s.clientContext(ctx), &oauth2.Token{RefreshToken: current.RefreshToken}).Token()
	if err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues(provider, "error").Inc()
		return "", classifyTokenError(provider, "refresh", err)
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = current.RefreshToken
	}
	if err := s.storeTokens(ctx, current.ID, tok.AccessToken, refreshToken, expiryUnix(tok)); err != nil {
		return "", err
	}

	metrics.TokenRefreshesTotal.WithLabelValues(provider, "ok").Inc()
	log.Info().Str("integration_id", current.ID).Str("provider", provider).Msg("refreshed access token")
	return tok.AccessToken, nil
}

func (s *Store) storeTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt int64) error {
	access, err := s.cipher.Seal(accessToken)
	if err != nil {
		return err
	}
	refresh, err := s.cipher.Seal(refreshToken)
	if err != nil {
		return err
	}
	return s.repo.UpdateTokens(ctx, id, access, refresh, expiresAt, s.now().Unix())
}

// Save upserts the integration for the account the token belongs to and returns its id.
func (s *Store) Save(ctx context.Context, userID string, provider models.Provider, tok *oauth2.Token, account *models.AccountInfo) (string, error) {
	access, err := s.cipher.Seal(tok.AccessToken)
	if err != nil {
		return "", err
	}
	refresh, err := s.cipher.Seal(tok.RefreshToken)
	if err != nil {
		return "", err
	}

	in := &models.Integration{
		UserID:         userID,
		Provider:       provider,
		AccessToken:    access,
		RefreshToken:   refresh,
		TokenExpiresAt: expiryUnix(tok),
		Scopes:         grantedScopes(tok),
	}
	if account != nil {
		in.TeamID = account.TeamID
		in.TeamName = account.TeamName
		in.UserEmail = account.UserEmail
	}

	id, err := s.repo.Upsert(ctx, in, s.now().Unix())
	if err != nil {
		return "", err
	}
	log.Info().Str("integration_id", id).Str("provider", string(provider)).Str("user_id", userID).Msg("integration saved")
	return id, nil
}

func (s *Store) Deactivate(ctx context.Context, id string) error {
	return s.repo.Deactivate(ctx, id, s.now().Unix())
}

// MarkNeedsReauth flags the integration so it is shown as needing a reconnect and is no longer scheduled.
func (s *Store) MarkNeedsReauth(ctx context.Context, id, reason string) error {
	return s.repo.MarkNeedsReauth(ctx, id, reason, s.now().Unix())
}

func (s *Store) Configured(provider models.Provider) bool {
	_, ok := s.oauth[provider]
	return ok
}

func (s *Store) AuthCodeURL(provider models.Provider, state string) (string, error) {
	cfg, ok := s.oauth[provider]
	if !ok {
		return "", ErrProviderNotConfigured
	}
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if provider == models.ProviderGoogleDocs {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "consent"))
	}
	return cfg.AuthCodeURL(state, opts...), nil
}

// Exchange trades an authorization code for a token pair.
func (s *Store) Exchange(ctx context.Context, provider models.Provider, code string) (*oauth2.Token, error) {
	cfg, ok := s.oauth[provider]
	if !ok {
		return nil, ErrProviderNotConfigured
	}
	tok, err := cfg.Exchange(s.clientContext(ctx), code)
	if err != nil {
		return nil, classifyTokenError(string(provider), "exchange", err)
	}
	return tok, nil
}

func (s *Store) clientContext(ctx context.Context) context.Context {
	if s.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
}

// classifyTokenError maps token endpoint failures. An OAuth error response means
// the grant is unusable; an unreachable or overloaded endpoint is transient.
func classifyTokenError(provider, op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil && (re.Response.StatusCode >= 500 || re.Response.StatusCode == http.StatusTooManyRequests) {
			return syncerr.New(syncerr.KindTransientNetwork, provider, op, err)
		}
		return syncerr.CredentialsInvalid(provider, op, err)
	}
	return syncerr.FromTransport(provider, op, err)
}

func expiryUnix(tok *oauth2.Token) int64 {
	if tok.Expiry.IsZero() {
		return 0
	}
	return tok.Expiry.Unix()
}

func grantedScopes(tok *oauth2.Token) []string {
	raw, _ := tok.Extra("scope").(string)
	if raw == "" {
		return []string{}
	}
	return strings.FieldsFunc(raw, func(r rune) bool { return r == ' ' || r == ',' })
}
