package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// tokenSkew is how long before expiry a cached token is considered stale.
	tokenSkew = 60 * time.Second

	// defaultTokenTTL applies when the provider omits expires_in.
	defaultTokenTTL = 14400 * time.Second

	refreshTimeout = 15 * time.Second
)

// AuthStyle selects how client credentials are presented on the token endpoint.
type AuthStyle int

const (
	// AuthBasic sends the client id/secret as HTTP basic auth (Dropbox).
	AuthBasic AuthStyle = iota
	// AuthForm sends them as client_key/client_secret form fields (TikTok).
	AuthForm
)

// AccessToken is a short-lived bearer credential.
type AccessToken struct {
	Value     string
	ExpiresAt int64 // epoch millis
}

// TokenSource exchanges a long-lived refresh token for access tokens and
// caches the result until near expiry. Safe for concurrent use; callers
// racing on a miss are serialized so at most one exchange is in flight.
type TokenSource struct {
	provider     string
	tokenURL     string
	clientID     string
	clientSecret string
	refreshToken string
	style        AuthStyle

	client *http.Client
	now    func() time.Time

	mu     sync.Mutex
	cached AccessToken
}

// NewTokenSource returns a TokenSource for one provider's token endpoint.
func NewTokenSource(provider, tokenURL, clientID, clientSecret, refreshToken string, style AuthStyle) *TokenSource {
	return &TokenSource{
		provider:     provider,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshToken: refreshToken,
		style:        style,
		client:       &http.Client{Timeout: refreshTimeout},
		now:          time.Now,
	}
}

// Provider returns the provider name this source refreshes tokens for.
func (s *TokenSource) Provider() string { return s.provider }

// Token returns a valid access token, performing a refresh exchange only when
// the cache is empty or within the skew window of expiry. The source mutex is
// held across the exchange, so concurrent misses collapse into one network
// call; cache-hit readers arriving mid-refresh wait for it (bounded by the
// 15s refresh timeout).
func (s *TokenSource) Token(ctx context.Context) (AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached.Value != "" && s.now().UnixMilli() < s.cached.ExpiresAt-tokenSkew.Milliseconds() {
		return s.cached, nil
	}

	tok, err := s.refresh(ctx)
	if err != nil {
		return AccessToken{}, err
	}
	s.cached = tok
	return tok, nil
}

func (s *TokenSource) refresh(ctx context.Context) (AccessToken, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", s.refreshToken)
	if s.style == AuthForm {
		form.Set("client_key", s.clientID)
		form.Set("client_secret", s.clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return AccessToken{}, &TokenRefreshError{Provider: s.provider, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.style == AuthBasic {
		req.SetBasicAuth(s.clientID, s.clientSecret)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return AccessToken{}, &TokenRefreshError{Provider: s.provider, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return AccessToken{}, &TokenRefreshError{Provider: s.provider, Status: resp.StatusCode, Body: string(body)}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return AccessToken{}, &TokenRefreshError{Provider: s.provider, Status: resp.StatusCode, Body: string(body), Err: err}
	}
	if payload.AccessToken == "" {
		return AccessToken{}, &TokenRefreshError{Provider: s.provider, Status: resp.StatusCode, Body: string(body)}
	}

	ttl := defaultTokenTTL
	if payload.ExpiresIn > 0 {
		ttl = time.Duration(payload.ExpiresIn) * time.Second
	}
	return AccessToken{
		Value:     payload.AccessToken,
		ExpiresAt: s.now().Add(ttl).UnixMilli(),
	}, nil
}
