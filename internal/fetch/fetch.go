// Package fetch is the shared network layer for all provider scrapers:
// plain GET/POST with bounded retries, randomized backoff, and a counting
// semaphore capping in-flight requests per provider. Providers only decide
// which pages to load and how to parse them; network policy lives here.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	defaultConcurrency = 10
	defaultMaxAttempts = 10
	defaultTimeout     = 30 * time.Second

	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/112.0.0.0 Safari/537.36"
)

var (
	// ErrAttemptsExhausted means every retry of a call failed. It feeds the
	// whole-stage error path: the caller short-circuits to empty results.
	ErrAttemptsExhausted = errors.New("fetch: attempts exhausted")

	errHTTPStatus  = errors.New("unexpected HTTP status")
	errSoftFailure = errors.New("soft failure page")
)

// Backoff returns how long to sleep before retry attempt n (0-based).
type Backoff func(attempt int) time.Duration

// defaultBackoff mirrors the observed provider behavior: a flat randomized
// 5-60s pause regardless of attempt number.
func defaultBackoff(int) time.Duration {
	return time.Duration(5+rand.Intn(56)) * time.Second
}

// Client issues HTTP requests on behalf of one provider scraper.
// Safe for concurrent use; the semaphore is shared across Sessions.
type Client struct {
	hc          *http.Client
	gate        *semaphore.Weighted
	maxAttempts int
	userAgent   string
	headers     map[string]string
	backoff     Backoff
	softFail    func(body []byte) bool
	log         *slog.Logger
}

// Option applies configuration to a fetch Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client (e.g. httptest.Server.Client()
// in tests). The request timeout of the given client is kept as-is.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithConcurrency sizes the admission gate: at most n requests in flight.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.gate = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithMaxAttempts caps the retry loop. n <= 0 keeps the default.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.hc.Timeout = d
		}
	}
}

// WithUserAgent overrides the spoofed browser user-agent.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithHeader adds a header sent on every request (e.g. an authorization
// key scraped from the site's own JS bundle).
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers[key] = value
	}
}

// WithBackoff replaces the retry pause strategy. Tests use a zero backoff.
func WithBackoff(b Backoff) Option {
	return func(c *Client) {
		if b != nil {
			c.backoff = b
		}
	}
}

// WithSoftFailure installs a detector for pages that report failure with a
// 200 status (e.g. an HTML body titled "404"). Matching bodies are retried.
func WithSoftFailure(f func(body []byte) bool) Option {
	return func(c *Client) {
		c.softFail = f
	}
}

func New(descriptor string, opts ...Option) *Client {
	c := &Client{
		hc:          &http.Client{Timeout: defaultTimeout},
		gate:        semaphore.NewWeighted(defaultConcurrency),
		maxAttempts: defaultMaxAttempts,
		userAgent:   defaultUserAgent,
		headers:     make(map[string]string),
		backoff:     defaultBackoff,
		log:         slog.Default().With("fetcher", descriptor),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns a Client with a fresh cookie jar sharing this Client's
// gate and retry policy. Stateful ticket-selection flows need one session
// per showtime so concurrent selections cannot corrupt each other.
func (c *Client) Session() *Client {
	jar, _ := cookiejar.New(nil)
	hc := *c.hc
	hc.Jar = jar
	clone := *c
	clone.hc = &hc
	clone.headers = make(map[string]string, len(c.headers))
	for k, v := range c.headers {
		clone.headers[k] = v
	}
	return &clone
}

// SetHeader adds a header to every subsequent request of this Client.
func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

// Get fetches rawURL with optional query params, retrying per policy.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, rawURL, params, nil, "")
}

// PostForm posts URL-encoded form data, retrying per policy.
func (c *Client) PostForm(ctx context.Context, rawURL string, params url.Values, form url.Values) ([]byte, error) {
	var body []byte
	if form != nil {
		body = []byte(form.Encode())
	}
	return c.do(ctx, http.MethodPost, rawURL, params, body, "application/x-www-form-urlencoded")
}

// PostJSON posts a JSON-encoded body, retrying per policy.
func (c *Client) PostJSON(ctx context.Context, rawURL string, params url.Values, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, rawURL, params, body, "application/json")
}

func (c *Client) do(ctx context.Context, method, rawURL string, params url.Values, body []byte, contentType string) ([]byte, error) {
	target := rawURL
	if len(params) > 0 {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
		}
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			pause := c.backoff(attempt)
			c.log.Warn("retrying", "url", target, "attempt", attempt, "pause", pause, "error", lastErr)
			select {
			case <-time.After(pause):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		resp, err := c.attempt(ctx, method, target, body, contentType)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %s %s: %v", ErrAttemptsExhausted, method, target, lastErr)
}

func (c *Client) attempt(ctx context.Context, method, target string, body []byte, contentType string) ([]byte, error) {
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.gate.Release(1)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	c.log.Debug("fetch", "method", method, "url", target)
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s", errHTTPStatus, resp.Status)
	}
	if c.softFail != nil && c.softFail(payload) {
		return nil, fmt.Errorf("%w: %s", errSoftFailure, target)
	}
	return payload, nil
}
