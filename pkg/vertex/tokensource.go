package vertex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/bearing-app/consistency-engine/pkg/errors"
)

const (
	googleTokenEndpoint = "https://oauth2.googleapis.com/token"
	cloudPlatformScope  = "https://www.googleapis.com/auth/cloud-platform"

	// tokens are refreshed this long before their reported expiry
	tokenExpirySlack = 60 * time.Second
)

// TokenSource exchanges service-account credentials for a bearer token and
// caches it until shortly before expiry. Safe for concurrent use.
type TokenSource struct {
	email         string
	privateKeyPEM string
	endpoint      string
	httpClient    *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenSource creates a token source for the given service account
func NewTokenSource(cfg *Config) *TokenSource {
	return &TokenSource{
		email:         cfg.ServiceAccountEmail,
		privateKeyPEM: cfg.ServiceAccountKey,
		endpoint:      googleTokenEndpoint,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Token returns a valid bearer token, refreshing if the cached one is
// absent or within the expiry slack.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && time.Now().Add(tokenExpirySlack).Before(ts.expiresAt) {
		return ts.token, nil
	}

	token, expiresIn, err := ts.exchange(ctx)
	if err != nil {
		return "", err
	}
	ts.token = token
	ts.expiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	return ts.token, nil
}

// Reset clears the cached token. Used by tests and by callers rotating
// credentials.
func (ts *TokenSource) Reset() {
	ts.mu.Lock()
	ts.token = ""
	ts.expiresAt = time.Time{}
	ts.mu.Unlock()
}

func (ts *TokenSource) exchange(ctx context.Context) (string, int, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(ts.privateKeyPEM))
	if err != nil {
		return "", 0, errors.Wrap(err, 500, errors.CodeConfigMissing, "service account key is not a valid PEM RSA key", false)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   ts.email,
		"scope": cloudPlatformScope,
		"aud":   ts.endpoint,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return "", 0, errors.Unavailable(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, errors.FromHTTPStatus(resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", 0, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", 0, errors.New(502, errors.CodeEmptyResponse, "token endpoint returned no access token", false)
	}

	return tokenResp.AccessToken, tokenResp.ExpiresIn, nil
}
