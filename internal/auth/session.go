// Package auth manages the OAuth2 PKCE token lifecycle: login, callback
// exchange, silent refresh and the persisted session entries.
package auth

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"hitspin/internal/core"
)

const (
	keyAccessToken  = "auth.access_token"
	keyRefreshToken = "auth.refresh_token"
	keyExpiresAt    = "auth.expires_at"
	keyVerifier     = "auth.pkce_verifier"

	// tokenBuffer is the safety margin before the actual expiry instant. A
	// token is usable iff now < expiresAt - tokenBuffer, buffer inclusive.
	tokenBuffer = 10 * time.Second
)

type Manager struct {
	config *core.SpotifyConfig
	kv     core.KV
	clock  clockwork.Clock
	logger *zap.Logger
	oauth  *oauth2.Config
}

func NewManager(config *core.SpotifyConfig, kv core.KV, clock clockwork.Clock, logger *zap.Logger) *Manager {
	return &Manager{
		config: config,
		kv:     kv,
		clock:  clock,
		logger: logger,
		oauth: &oauth2.Config{
			ClientID:    config.ClientID,
			RedirectURL: config.RedirectURL,
			Scopes:      config.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  config.AuthURL,
				TokenURL: config.TokenURL,
				// public PKCE client: client_id travels in the form body
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
}

// BeginLogin generates a fresh PKCE pair, persists the verifier and returns
// the authorization request. Navigation is the caller's job.
func (m *Manager) BeginLogin() (*core.LoginRequest, error) {
	if m.config.ClientID == "" || m.config.RedirectURL == "" {
		return nil, &core.ConfigError{Reason: "spotify client ID and redirect URL are required for login"}
	}

	verifier := oauth2.GenerateVerifier()
	if err := m.kv.Put(keyVerifier, verifier); err != nil {
		return nil, fmt.Errorf("persist PKCE verifier: %w", err)
	}

	return &core.LoginRequest{
		URL: m.oauth.AuthCodeURL("", oauth2.S256ChallengeOption(verifier)),
	}, nil
}

// CompleteCallback handles the redirect leg. A query without a code is not
// a callback at all (Handled=false). The stored verifier is consumed
// exactly once; a missing verifier means storage was cleared between the
// two redirect legs.
func (m *Manager) CompleteCallback(ctx context.Context, query url.Values) (*core.CallbackResult, error) {
	if authErr := query.Get("error"); authErr != "" {
		return nil, &core.AuthError{Reason: "login rejected: " + authErr}
	}

	code := query.Get("code")
	if code == "" {
		return &core.CallbackResult{Handled: false}, nil
	}

	verifier, ok, err := m.kv.Get(keyVerifier)
	if err != nil {
		return nil, fmt.Errorf("read PKCE verifier: %w", err)
	}
	if !ok || verifier == "" {
		return nil, &core.AuthError{Reason: "PKCE verifier missing (storage cleared between redirects?)"}
	}

	token, err := m.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, &core.AuthError{Reason: "token exchange rejected", Err: err}
	}

	if err := m.persistToken(token); err != nil {
		return nil, fmt.Errorf("persist session token: %w", err)
	}
	if err := m.kv.Delete(keyVerifier); err != nil {
		m.logger.Warn("failed to delete consumed PKCE verifier", zap.Error(err))
	}

	m.logger.Info("login completed", zap.Time("expiresAt", token.Expiry))

	return &core.CallbackResult{
		Handled:     true,
		RedirectURL: m.strippedRedirect(),
	}, nil
}

// IsLoggedIn reports whether a usable token is persisted.
func (m *Manager) IsLoggedIn() bool {
	token, expiresAt, err := m.storedToken()
	if err != nil {
		m.logger.Warn("failed to read stored token", zap.Error(err))
		return false
	}
	return token != "" && m.clock.Now().Before(expiresAt.Add(-tokenBuffer))
}

// EnsureValidToken returns a usable access token, refreshing silently when
// the stored one is expired. Refresh failure wipes the session (soft
// logout) and returns an empty token instead of an error, so callers treat
// it uniformly as "must re-authenticate".
func (m *Manager) EnsureValidToken(ctx context.Context) (string, error) {
	token, expiresAt, err := m.storedToken()
	if err != nil {
		return "", fmt.Errorf("read stored token: %w", err)
	}
	if token != "" && m.clock.Now().Before(expiresAt.Add(-tokenBuffer)) {
		return token, nil
	}

	refresh, ok, err := m.kv.Get(keyRefreshToken)
	if err != nil {
		return "", fmt.Errorf("read refresh token: %w", err)
	}
	if !ok || refresh == "" {
		return "", nil
	}

	fresh, err := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}).Token()
	if err != nil {
		m.logger.Warn("token refresh rejected, clearing session", zap.Error(err))
		if cerr := m.ClearAuth(); cerr != nil {
			m.logger.Warn("failed to clear session after refresh failure", zap.Error(cerr))
		}
		return "", nil
	}

	if err := m.persistToken(fresh); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}

	m.logger.Debug("token refreshed", zap.Time("expiresAt", fresh.Expiry))
	return fresh.AccessToken, nil
}

// ClearAuth removes all persisted session entries. Idempotent.
func (m *Manager) ClearAuth() error {
	var firstErr error
	for _, key := range []string{keyAccessToken, keyRefreshToken, keyExpiresAt, keyVerifier} {
		if err := m.kv.Delete(key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) persistToken(token *oauth2.Token) error {
	if err := m.kv.Put(keyAccessToken, token.AccessToken); err != nil {
		return err
	}
	if err := m.kv.Put(keyExpiresAt, strconv.FormatInt(token.Expiry.UnixMilli(), 10)); err != nil {
		return err
	}
	// a rotated refresh token replaces the old one, absence keeps it
	if token.RefreshToken != "" {
		if err := m.kv.Put(keyRefreshToken, token.RefreshToken); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) storedToken() (token string, expiresAt time.Time, err error) {
	token, _, err = m.kv.Get(keyAccessToken)
	if err != nil {
		return "", time.Time{}, err
	}

	raw, ok, err := m.kv.Get(keyExpiresAt)
	if err != nil {
		return "", time.Time{}, err
	}
	if !ok || raw == "" {
		return token, time.Time{}, nil
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return token, time.Time{}, nil
	}
	return token, time.UnixMilli(ms), nil
}

// strippedRedirect is the externally visible location minus the transient
// code and state parameters.
func (m *Manager) strippedRedirect() string {
	u, err := url.Parse(m.config.RedirectURL)
	if err != nil {
		return m.config.RedirectURL
	}
	q := u.Query()
	q.Del("code")
	q.Del("state")
	u.RawQuery = q.Encode()
	return u.String()
}
