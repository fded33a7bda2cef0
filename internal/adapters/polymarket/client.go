package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/polyfollow/internal/domain"
)

const (
	defaultCLOBBase = "https://clob.polymarket.com"

	// Rate limits at 60% of the documented ones.
	// CLOB /book: 500/10s → 300/10s → 30/s
	bookRatePerSec = 30
	// CLOB general (orders, status): 9000/10s → 5400/10s → 540/s
	generalRatePerSec = 540

	defaultMaxRetries    = 3
	defaultBaseRetryWait = 500 * time.Millisecond
)

// apiError is a non-retryable 4xx response (or a 429 that survived every
// retry). It unwraps to the matching domain sentinel.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("client error %d: %s", e.Status, e.Body)
}

func (e *apiError) Unwrap() error {
	switch {
	case e.Status == http.StatusNotFound:
		return domain.ErrNotFound
	case e.Status == http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case domain.HasInsufficientMarker(e.Body):
		return domain.ErrInsufficientBalance
	}
	return nil
}

// Client is the public CLOB HTTP client with rate limiting and retries.
type Client struct {
	http        *http.Client
	clobBase    string
	log         *slog.Logger
	clobLimiter *rate.Limiter
	bookLimiter *rate.Limiter
	maxRetries  int
	retryWait   time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default 10s-timeout http.Client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithRetries sets how many times 429/5xx/transport failures are retried
// and the base of the exponential wait between attempts.
func WithRetries(max int, base time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryWait = base
	}
}

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient creates a Client for clobBase, or the production URL if empty.
func NewClient(clobBase string, opts ...ClientOption) *Client {
	if clobBase == "" {
		clobBase = defaultCLOBBase
	}
	c := &Client{
		http:        &http.Client{Timeout: 10 * time.Second},
		clobBase:    clobBase,
		log:         slog.Default(),
		clobLimiter: rate.NewLimiter(generalRatePerSec, 50),
		bookLimiter: rate.NewLimiter(bookRatePerSec, 5),
		maxRetries:  defaultMaxRetries,
		retryWait:   defaultBaseRetryWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// get does a GET with rate limiting and retries.
func (c *Client) get(ctx context.Context, limiter *rate.Limiter, url string, out any) error {
	return c.doWithRetry(ctx, limiter, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, out)
}

// doWithRetry sends the request built by newReq with exponential backoff.
// newReq runs once per attempt so signed headers stay fresh.
func (c *Client) doWithRetry(ctx context.Context, limiter *rate.Limiter, newReq func() (*http.Request, error), out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.sleep(ctx, attempt-1)
		}
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		req, err := newReq()
		if err != nil {
			return fmt.Errorf("new request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			c.log.Warn("rate limited by API", "url", req.URL.Path, "attempt", attempt+1)
			lastErr = &apiError{Status: resp.StatusCode, Body: string(body)}
			continue
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error %d: %s", resp.StatusCode, body)
			continue
		case resp.StatusCode >= 400:
			return &apiError{Status: resp.StatusCode, Body: string(body)}
		}

		if readErr != nil {
			return fmt.Errorf("read response: %w", readErr)
		}
		if out == nil || len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries: %w", c.maxRetries, lastErr)
}

// sleep waits with exponential backoff, honoring the context.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * c.retryWait
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// statusOf returns the HTTP status carried by err, or 0.
func statusOf(err error) int {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}
