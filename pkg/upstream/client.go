package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrNoData is returned when the upstream answers 404 for a request
var ErrNoData = errors.New("upstream has no data")

const maxResponseBytes = 32 << 20

// StatusError is a non-2xx upstream response
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("upstream error: status %d from %s: %s", e.StatusCode, e.URL, strings.TrimSpace(body))
}

// IsMaintenance reports whether err carries a 5xx maintenance page
func IsMaintenance(err error) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.StatusCode >= 500 && strings.Contains(strings.ToLower(statusErr.Body), "maintenance")
}

// Options configures a client for one source
type Options struct {
	Name          string
	BaseURL       string
	RateLimit     float64 // requests per second
	Timeout       time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	Cooldown      time.Duration // wait after a 429
	Headers       map[string]string
	Credentials   []string
}

// Observer receives one call per request attempt with a short status label
type Observer func(source, status string)

// Client represents a rate limited HTTP client for one upstream source
type Client struct {
	httpClient  *http.Client
	name        string
	baseURL     string
	headers     map[string]string
	limiter     *rate.Limiter
	attempts    int
	backoff     time.Duration
	cooldown    time.Duration
	observe     Observer
	mu          sync.Mutex
	credentials []string
	credIdx     int
}

// New creates a new upstream client with rate limiting
func New(opts Options, observe Observer) *Client {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 1
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if observe == nil {
		observe = func(string, string) {}
	}

	log.Info().
		Str("source", opts.Name).
		Str("base_url", opts.BaseURL).
		Float64("requests_per_second", opts.RateLimit).
		Dur("timeout", opts.Timeout).
		Int("retry_attempts", opts.RetryAttempts).
		Msg("Initializing upstream client")

	return &Client{
		httpClient:  &http.Client{Timeout: opts.Timeout},
		name:        opts.Name,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		headers:     opts.Headers,
		limiter:     rate.NewLimiter(rate.Limit(opts.RateLimit), 1),
		attempts:    opts.RetryAttempts,
		backoff:     opts.RetryBackoff,
		cooldown:    opts.Cooldown,
		observe:     observe,
		credentials: opts.Credentials,
	}
}

// URL resolves a path against the base URL; absolute URLs pass through
func (c *Client) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// RotateCredential switches to the next configured credential.
// It reports false when there is nothing to rotate to.
func (c *Client) RotateCredential() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.credentials) < 2 {
		return false
	}
	c.credIdx = (c.credIdx + 1) % len(c.credentials)
	log.Warn().Str("source", c.name).Int("credential", c.credIdx).Msg("Rotated upstream credential")
	return true
}

func (c *Client) credential() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.credentials) == 0 {
		return ""
	}
	return c.credentials[c.credIdx]
}

// Get performs a single rate limited GET and returns the body of a 2xx response
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	requestID := uuid.NewString()
	url := c.URL(path)
	startTime := time.Now()

	waitStart := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}
	waitDuration := time.Since(waitStart)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/html;q=0.9")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if token := c.credential(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	execStart := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(c.name, "error")
		log.Error().
			Str("request_id", requestID).
			Err(err).
			Str("url", url).
			Dur("wait_duration", waitDuration).
			Dur("exec_duration", time.Since(execStart)).
			Msg("Error executing request")
		return nil, fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.observe(c.name, "error")
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	c.observe(c.name, statusLabel(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Debug().
			Str("request_id", requestID).
			Str("url", url).
			Int("status_code", resp.StatusCode).
			Int("response_size", len(respBody)).
			Dur("total_duration", time.Since(startTime)).
			Msg("Upstream returned error response")
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: url, Body: string(respBody)}
	}

	log.Debug().
		Str("request_id", requestID).
		Str("url", url).
		Int("status_code", resp.StatusCode).
		Int("response_size", len(respBody)).
		Dur("wait_duration", waitDuration).
		Dur("total_duration", time.Since(startTime)).
		Msg("Upstream request completed successfully")

	return respBody, nil
}

// Fetch applies the retry policy around Get: linear backoff between attempts,
// a fixed cooldown after 429, and no retry on 404 which yields ErrNoData.
func (c *Client) Fetch(ctx context.Context, path string) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= c.attempts; attempt++ {
		body, err := c.Get(ctx, path)
		if err == nil {
			return body, nil
		}
		lastErr = err

		wait := c.backoff * time.Duration(attempt)
		var statusErr *StatusError
		switch {
		case errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound:
			return nil, fmt.Errorf("%w: %w", ErrNoData, err)
		case errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests:
			wait = c.cooldown
		case ctx.Err() != nil:
			return nil, err
		}

		if attempt == c.attempts {
			break
		}

		log.Warn().
			Err(err).
			Str("source", c.name).
			Str("path", path).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("Upstream request failed, retrying")

		if err := Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("giving up after %d attempts: %w", c.attempts, lastErr)
}

func statusLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code == http.StatusNotFound:
		return "404"
	case code == http.StatusTooManyRequests:
		return "429"
	case code >= 500:
		return "5xx"
	default:
		return "4xx"
	}
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
