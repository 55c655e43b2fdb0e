// Package rest is the shared HTTP layer for the upstream API clients.
//
// It classifies failures into the connector's error taxonomy (transient,
// permanent, gone), retries transient responses with exponential backoff
// honoring Retry-After, and enforces a per-client token-bucket rate ceiling
// so a backfill burst cannot trip upstream rate limits.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// Defaults match the connector's contract for upstream calls.
const (
	defaultTimeout      = 30 * time.Second // per request
	defaultTotalTimeout = 5 * time.Minute  // per logical call, retries included
	defaultMaxRetries   = 5
	backoffBase         = time.Second
	backoffCap          = 60 * time.Second
	maxBodyBytes        = 32 * 1024 * 1024
)

// Client is a retrying JSON HTTP client bound to one upstream base URL.
type Client struct {
	base         string
	hc           *http.Client
	auth         func(*http.Request)
	limiter      *rate.Limiter
	logger       *slog.Logger
	userAgent    string
	maxRetries   int
	totalTimeout time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithBasicAuth authenticates every request with HTTP basic auth.
func WithBasicAuth(user, pass string) Option {
	return func(c *Client) {
		c.auth = func(r *http.Request) { r.SetBasicAuth(user, pass) }
	}
}

// WithBearer authenticates every request with a bearer token.
func WithBearer(token string) Option {
	return func(c *Client) {
		c.auth = func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
	}
}

// WithRateLimit caps outgoing requests at rps with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithTimeout sets the per-request timeout. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = d }
}

// WithTotalTimeout bounds one logical call including retries. Default: 5m.
func WithTotalTimeout(d time.Duration) Option {
	return func(c *Client) { c.totalTimeout = d }
}

// WithMaxRetries sets the retry cap for transient failures. Default: 5.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// New creates a Client for the given base URL. A conservative default rate
// ceiling of 5 req/s applies unless WithRateLimit overrides it.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:         baseURL,
		hc:           &http.Client{Timeout: defaultTimeout},
		limiter:      rate.NewLimiter(5, 5),
		logger:       slog.Default(),
		maxRetries:   defaultMaxRetries,
		totalTimeout: defaultTotalTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// GetJSON issues a GET and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.Do(ctx, http.MethodGet, path, query, nil, "application/json")
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Kind: Permanent, Op: "GET " + path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// PostJSON issues a POST with a JSON body and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return &Error{Kind: Permanent, Op: "POST " + path, Err: fmt.Errorf("encode request: %w", err)}
		}
	}
	resp, err := c.Do(ctx, http.MethodPost, path, nil, body, "application/json")
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return &Error{Kind: Permanent, Op: "POST " + path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// Delete issues a DELETE. 404 surfaces as a Gone error the caller may
// choose to ignore.
func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.Do(ctx, http.MethodDelete, path, nil, nil, "application/json")
	return err
}

// Do issues one logical request, retrying transient failures with
// exponential backoff and jitter. The accept header also selects raw
// (non-JSON) responses, e.g. text/markdown from Craft.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body []byte, accept string) ([]byte, error) {
	op := method + " " + path

	ctx, cancel := context.WithTimeout(ctx, c.totalTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: Transient, Op: op, Err: err}
		}

		resp, retryAfter, err := c.once(ctx, method, path, query, body, accept)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsTransient(err) || ctx.Err() != nil || attempt == c.maxRetries {
			return nil, lastErr
		}

		wait := backoff(attempt, retryAfter)
		c.logger.Warn("rest: transient failure, retrying",
			"op", op, "attempt", attempt+1, "max_retries", c.maxRetries,
			"backoff_ms", wait.Milliseconds(), "error", err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, lastErr
		case <-t.C:
		}
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, method, path string, query url.Values, body []byte, accept string) ([]byte, time.Duration, error) {
	op := method + " " + path

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, 0, &Error{Kind: Permanent, Op: op, Err: err}
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.auth != nil {
		c.auth(req)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		// Network failures and timeouts are transient.
		return nil, 0, &Error{Kind: Transient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, &Error{Kind: Transient, Op: op, Err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, 0, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, parseRetryAfter(resp.Header.Get("Retry-After")),
			&Error{Kind: Transient, Status: resp.StatusCode, Op: op, Err: fmt.Errorf("rate limited")}
	case resp.StatusCode >= 500:
		return nil, parseRetryAfter(resp.Header.Get("Retry-After")),
			&Error{Kind: Transient, Status: resp.StatusCode, Op: op, Err: fmt.Errorf("server error")}
	case resp.StatusCode == http.StatusNotFound:
		return nil, 0, &Error{Kind: Gone, Status: resp.StatusCode, Op: op, Err: fmt.Errorf("not found")}
	default:
		return nil, 0, &Error{Kind: Permanent, Status: resp.StatusCode, Op: op, Err: fmt.Errorf("http %d", resp.StatusCode)}
	}
}

// backoff computes the wait before the next attempt: Retry-After when the
// server provided one, otherwise exponential with jitter (base 1s, cap 60s).
func backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > backoffCap {
			return backoffCap
		}
		return retryAfter
	}
	wait := backoffBase << uint(attempt)
	if wait > backoffCap {
		wait = backoffCap
	}
	// Full jitter: anywhere in (0, wait].
	return time.Duration(rand.Int63n(int64(wait))) + time.Millisecond
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
