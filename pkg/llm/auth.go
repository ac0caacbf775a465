package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/httpclient"
	"github.com/kadirpekel/anchora/pkg/session"
)

// TokenProvider supplies the bearer credential for an upstream call.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider over a fixed API key.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// minExpiryBuffer is the tightest refresh margin we accept. Refreshing any
// later risks racing the expiry mid-call.
const minExpiryBuffer = 2 * time.Minute

// defaultTokenTTL is assumed when neither the JWT exp claim nor expires_in
// reports a lifetime.
const defaultTokenTTL = time.Hour

// BearerSource fetches short-lived bearer tokens from a client-credentials
// endpoint, caches them, and refreshes before expiry. Safe for concurrent
// use; at most one fetch runs at a time.
type BearerSource struct {
	cfg    *config.TokenAuthConfig
	client *httpclient.Client
	buffer time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewBearerSource creates a token source for the given endpoint config.
func NewBearerSource(cfg *config.TokenAuthConfig, client *httpclient.Client) *BearerSource {
	buffer := cfg.ExpiryBuffer.Duration()
	if buffer < minExpiryBuffer {
		buffer = minExpiryBuffer
	}
	return &BearerSource{cfg: cfg, client: client, buffer: buffer}
}

// Token returns the cached token while it has at least the refresh buffer
// remaining, otherwise fetches a fresh one.
func (b *BearerSource) Token(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.token != "" && time.Now().Add(b.buffer).Before(b.expiresAt) {
		return b.token, nil
	}

	token, expiresAt, err := b.fetch(ctx)
	if err != nil {
		return "", err
	}

	b.token = token
	b.expiresAt = expiresAt
	return token, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (b *BearerSource) fetch(ctx context.Context) (string, time.Time, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	if b.cfg.ClientID != "" {
		form.Set("client_id", b.cfg.ClientID)
	}
	if b.cfg.ClientSecret != "" {
		form.Set("client_secret", b.cfg.ClientSecret)
	}
	if b.cfg.Scope != "" {
		form.Set("scope", b.cfg.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, session.WrapError(session.KindConfig, "invalid token endpoint URL", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", time.Time{}, session.WrapError(session.KindAuth, "token fetch failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, session.WrapError(session.KindAuth, "failed to read token response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, session.Errorf(session.KindAuth, "token endpoint returned %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", time.Time{}, session.WrapError(session.KindAuth, "token response is not valid JSON", err)
	}
	if tr.AccessToken == "" {
		return "", time.Time{}, session.NewError(session.KindAuth, "token endpoint returned no access_token")
	}

	return tr.AccessToken, tokenExpiry(tr), nil
}

// tokenExpiry derives the expiry instant. The JWT exp claim wins when the
// token parses as one; expires_in is the fallback.
func tokenExpiry(tr tokenResponse) time.Time {
	if token, err := jwt.ParseInsecure([]byte(tr.AccessToken)); err == nil {
		if exp := token.Expiration(); !exp.IsZero() {
			return exp
		}
	}
	if tr.ExpiresIn > 0 {
		return time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return time.Now().Add(defaultTokenTTL)
}
