package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// OAuthToken is a provider OAuth credential.
type OAuthToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Credentials selects between an API key and an OAuth token. Exactly one
// should be set.
type Credentials struct {
	APIKey string
	OAuth  *OAuthToken
}

// UsingOAuth reports whether the OAuth path is active.
func (c Credentials) UsingOAuth() bool { return c.OAuth != nil }

// DefaultExpiryBuffer is how long before expiry a token is refreshed.
const DefaultExpiryBuffer = 5 * time.Minute

// RefreshFunc exchanges a refresh token for a fresh token.
type RefreshFunc func(ctx context.Context, refreshToken string) (*OAuthToken, error)

// PersistFunc stores a refreshed token. Failures are surfaced to the
// caller; the in-memory token is updated regardless.
type PersistFunc func(token *OAuthToken) error

// OAuth2Refresh builds a RefreshFunc from a standard OAuth2 endpoint.
func OAuth2Refresh(cfg *oauth2.Config) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (*OAuthToken, error) {
		src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		tok, err := src.Token()
		if err != nil {
			return nil, fmt.Errorf("provider: token refresh: %w", err)
		}
		refreshed := &OAuthToken{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    tok.Expiry,
		}
		if refreshed.RefreshToken == "" {
			refreshed.RefreshToken = refreshToken
		}
		return refreshed, nil
	}
}

// TokenSource hands out access tokens, refreshing transparently when the
// remaining lifetime falls below the buffer. Safe for concurrent use; a
// refresh is performed at most once per expiry.
type TokenSource struct {
	refresh RefreshFunc
	persist PersistFunc
	buffer  time.Duration

	mu    sync.Mutex
	token *OAuthToken
}

// NewTokenSource creates a token source. persist may be nil.
func NewTokenSource(token *OAuthToken, refresh RefreshFunc, persist PersistFunc, buffer time.Duration) *TokenSource {
	if buffer <= 0 {
		buffer = DefaultExpiryBuffer
	}
	return &TokenSource{token: token, refresh: refresh, persist: persist, buffer: buffer}
}

// AccessToken returns a valid access token, refreshing first if needed.
func (s *TokenSource) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Until(s.token.ExpiresAt) > s.buffer {
		return s.token.AccessToken, nil
	}

	refreshed, err := s.refresh(ctx, s.token.RefreshToken)
	if err != nil {
		return "", err
	}
	s.token = refreshed
	if s.persist != nil {
		if err := s.persist(refreshed); err != nil {
			return refreshed.AccessToken, fmt.Errorf("provider: token persisted in memory only: %w", err)
		}
	}
	return refreshed.AccessToken, nil
}

// Token returns a copy of the current token.
func (s *TokenSource) Token() OAuthToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.token
}
