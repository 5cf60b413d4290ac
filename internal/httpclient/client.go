// Package httpclient provides the HTTP client used to fetch remote media.
// It retries transient failures with exponential backoff, stops hammering a
// failing share through a circuit breaker, and transparently decompresses
// gzip, deflate and brotli bodies.
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrMaxRetries  = errors.New("max retries exceeded")
)

// StatusError is returned for non-retryable error responses.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Code)
}

const (
	DefaultTimeout          = 10 * time.Minute
	DefaultRetryAttempts    = 3
	DefaultRetryDelay       = time.Second
	DefaultRetryMaxDelay    = 30 * time.Second
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 30 * time.Second
	DefaultUserAgent        = "rtmpush/1.0"

	acceptEncoding = "gzip, deflate, br"
)

// Config holds the client configuration. Zero fields take the defaults.
type Config struct {
	Timeout          time.Duration
	RetryAttempts    int
	RetryDelay       time.Duration
	RetryMaxDelay    time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	UserAgent        string
	Logger           *slog.Logger

	// BaseClient overrides the underlying client, mainly for tests.
	BaseClient *http.Client
}

// Client is a retrying HTTP client.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *Breaker
	logger  *slog.Logger
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = DefaultBreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = DefaultBreakerCooldown
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	hc := cfg.BaseClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:     cfg,
		http:    hc,
		breaker: NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		logger:  cfg.Logger,
	}
}

// Breaker exposes the circuit breaker for status reporting.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

// Get fetches rawURL. The caller closes the body. Responses with status
// 429, 502, 503 or 504 and transport errors are retried; other non-2xx
// responses fail immediately with *StatusError.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	safe := redactURL(rawURL)
	delay := c.cfg.RetryDelay
	var lastErr error

	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying request",
				slog.String("url", safe),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, c.cfg.RetryMaxDelay)
		}

		if !c.breaker.Allow() {
			lastErr = ErrCircuitOpen
			continue
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		req.Header.Set("Accept-Encoding", acceptEncoding)

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			c.breaker.Failure()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			c.logger.Warn("request failed",
				slog.String("url", safe),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			continue
		}

		if retryable(resp.StatusCode) {
			c.breaker.Failure()
			resp.Body.Close()
			lastErr = &StatusError{URL: safe, Code: resp.StatusCode}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			// The share answered; it is reachable even if the file is not.
			c.breaker.Success()
			resp.Body.Close()
			return nil, &StatusError{URL: safe, Code: resp.StatusCode}
		}

		c.breaker.Success()
		c.logger.Debug("request completed",
			slog.String("url", safe),
			slog.Int("status", resp.StatusCode),
			slog.Duration("duration", time.Since(start)),
			slog.Int64("content_length", resp.ContentLength),
		)
		if body, decoded := decompress(resp); decoded {
			resp.Body = body
			// Length and encoding describe the compressed stream.
			resp.ContentLength = -1
			resp.Header.Del("Content-Encoding")
			resp.Header.Del("Content-Length")
		}
		return resp, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrMaxRetries, lastErr)
	}
	return nil, ErrMaxRetries
}

func retryable(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func decompress(resp *http.Response) (io.ReadCloser, bool) {
	var r io.Reader
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return resp.Body, false
		}
		r = gz
	case "deflate":
		r = flate.NewReader(resp.Body)
	case "br":
		r = brotli.NewReader(resp.Body)
	default:
		return resp.Body, false
	}
	return &decodedBody{Reader: r, body: resp.Body}, true
}

type decodedBody struct {
	io.Reader
	body io.Closer
}

func (d *decodedBody) Close() error {
	if c, ok := d.Reader.(io.Closer); ok {
		_ = c.Close()
	}
	return d.body.Close()
}

var sensitiveParams = []string{
	"password", "passwd", "pass", "pwd", "token", "api_key", "apikey",
	"key", "secret", "auth", "signature", "sig",
}

// redactURL hides credentials in userinfo and well-known query parameters.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	q := u.Query()
	changed := false
	for _, p := range sensitiveParams {
		if q.Has(p) {
			q.Set(p, "***")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}
