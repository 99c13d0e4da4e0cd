package vertex

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/bearing-app/consistency-engine/pkg/errors"
	"github.com/bearing-app/consistency-engine/pkg/observability"
)

// ErrNotFound reports that a cached-content resource no longer exists on
// the provider side. Callers treat this as a cache miss, not a failure.
var ErrNotFound = stderrors.New("vertex: cached content not found")

// Client is an explicitly constructed Vertex AI REST client. It is the raw
// transport: no retries and no cache policy live here.
type Client struct {
	config     *Config
	tokens     *TokenSource
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     observability.Logger
	baseURL    string
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides the API endpoint. Used by tests.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = u }
}

// WithRateLimit bounds outbound request rate
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// NewClient creates a Vertex AI client for the resolved configuration
func NewClient(cfg *Config, tokens *TokenSource, logger observability.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	c := &Client{
		config: cfg,
		tokens: tokens,
		httpClient: &http.Client{
			// Per-attempt deadlines come from the caller's context; this is
			// a hard upper bound against leaked requests.
			Timeout: 60 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		logger:  logger.WithPrefix("vertex"),
		baseURL: fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1", cfg.Region),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) locationPath() string {
	return fmt.Sprintf("projects/%s/locations/%s", c.config.ProjectID, c.config.Region)
}

// CreateCachedContent creates a provider-side cached-content resource
// holding the manuscript text, returning its resource name and billed
// token count.
func (c *Client) CreateCachedContent(ctx context.Context, displayName, systemInstruction, content string, ttl time.Duration) (*CachedContent, error) {
	reqBody := cachedContentRequest{
		Model:       c.config.ModelResource(),
		DisplayName: displayName,
		SystemInstruction: &Content{
			Parts: []Part{{Text: systemInstruction}},
		},
		Contents: []Content{
			{Role: "user", Parts: []Part{{Text: content}}},
		},
		TTL: formatTTL(ttl),
	}

	var cached CachedContent
	url := fmt.Sprintf("%s/%s/cachedContents", c.baseURL, c.locationPath())
	if err := c.do(ctx, http.MethodPost, url, reqBody, &cached); err != nil {
		return nil, err
	}
	if cached.Name == "" {
		return nil, errors.New(502, errors.CodeEmptyResponse, "cachedContents create returned no resource name", false)
	}
	return &cached, nil
}

// GetCachedContent fetches a cached-content resource by name. Returns
// ErrNotFound when the provider has evicted it.
func (c *Client) GetCachedContent(ctx context.Context, name string) (*CachedContent, error) {
	var cached CachedContent
	url := fmt.Sprintf("%s/%s", c.baseURL, name)
	if err := c.do(ctx, http.MethodGet, url, nil, &cached); err != nil {
		return nil, err
	}
	return &cached, nil
}

// UpdateTTL extends the remote expiry of a cached-content resource
func (c *Client) UpdateTTL(ctx context.Context, name string, ttl time.Duration) error {
	reqBody := cachedContentRequest{TTL: formatTTL(ttl)}
	url := fmt.Sprintf("%s/%s?updateMask=ttl", c.baseURL, name)
	return c.do(ctx, http.MethodPatch, url, reqBody, nil)
}

// DeleteCachedContent deletes a cached-content resource. Deleting a
// resource the provider already evicted returns ErrNotFound; callers treat
// that as success.
func (c *Client) DeleteCachedContent(ctx context.Context, name string) error {
	url := fmt.Sprintf("%s/%s", c.baseURL, name)
	return c.do(ctx, http.MethodDelete, url, nil, nil)
}

// CountTokens returns the provider's exact token count for text
func (c *Client) CountTokens(ctx context.Context, text string) (int, error) {
	reqBody := countTokensRequest{
		Contents: []Content{{Role: "user", Parts: []Part{{Text: text}}}},
	}
	var resp countTokensResponse
	url := fmt.Sprintf("%s/%s/publishers/google/models/%s:countTokens", c.baseURL, c.locationPath(), c.config.Model)
	if err := c.do(ctx, http.MethodPost, url, reqBody, &resp); err != nil {
		return 0, err
	}
	return resp.TotalTokens, nil
}

// GenerateContent issues a generation call, optionally referencing a
// cached-content resource.
func (c *Client) GenerateContent(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	var resp GenerateResponse
	url := fmt.Sprintf("%s/%s/publishers/google/models/%s:generateContent", c.baseURL, c.locationPath(), c.config.Model)
	if err := c.do(ctx, http.MethodPost, url, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, url string, reqBody, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return errors.Timeout(method + " " + url)
		}
		return errors.Unavailable(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Unavailable(err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		classified := classifyErrorBody(resp.StatusCode, respBody)
		c.logger.Warn("provider request failed", map[string]interface{}{
			"method": method,
			"status": resp.StatusCode,
			"code":   classified.Code,
		})
		return classified
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return errors.Wrap(err, 502, errors.CodeMalformedResponse, "failed to parse provider response", false)
		}
	}
	return nil
}

// classifyErrorBody prefers the structured error message Google returns,
// falling back to the raw body.
func classifyErrorBody(statusCode int, body []byte) *errors.ClassifiedError {
	var googleErr struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &googleErr); err == nil && googleErr.Error.Message != "" {
		return errors.FromHTTPStatus(statusCode, googleErr.Error.Message)
	}
	return errors.FromHTTPStatus(statusCode, string(body))
}

// formatTTL renders a duration in the provider's "Ns" form
func formatTTL(ttl time.Duration) string {
	return fmt.Sprintf("%ds", int(ttl.Seconds()))
}
