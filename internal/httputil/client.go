package httputil

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultMaxInFlight is the global cap on concurrent outbound requests.
// Every collaborator API call funnels through this one queue.
const DefaultMaxInFlight = 5

// RetryConfig controls the retry behavior of a single call.
type RetryConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64 // fraction of delay to randomize (0..1)

	// RequestID, when set, registers the call so it can be aborted later
	// via Client.Cancel. Cancellation removes a queued call before it
	// reaches the network and aborts an in-flight one.
	RequestID string
}

// DefaultRetryConfig returns sensible defaults for API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  4,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.10,
	}
}

// Client issues HTTP requests through a bounded FIFO queue with
// retry/backoff. It holds no domain state; callers own response bodies.
type Client struct {
	httpClient  *http.Client
	maxInFlight int

	mu       sync.Mutex
	inFlight int
	waiters  []chan struct{}
	cancels  map[string]context.CancelFunc
}

// NewClient creates a client allowing at most maxInFlight concurrent
// requests. Excess calls wait in FIFO order.
func NewClient(maxInFlight int) *Client {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	return &Client{
		httpClient:  http.DefaultClient,
		maxInFlight: maxInFlight,
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Cancel aborts the call registered under requestID, whether it is still
// queued or already on the wire. Returns false if no such call is pending.
func (c *Client) Cancel(requestID string) bool {
	c.mu.Lock()
	cancel, ok := c.cancels[requestID]
	delete(c.cancels, requestID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Do executes an HTTP request with queueing and retry/backoff. buildReq is
// called per attempt because request bodies are consumed on read and must
// be recreated.
//
// Retries on: network errors, HTTP 429, HTTP 5xx.
// Fails fast on 4xx (non-429) — the response is returned with body intact.
func (c *Client) Do(ctx context.Context, buildReq func() (*http.Request, error), cfg RetryConfig) (*http.Response, error) {
	if cfg.RequestID != "" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		c.mu.Lock()
		c.cancels[cfg.RequestID] = cancel
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			delete(c.cancels, cfg.RequestID)
			c.mu.Unlock()
			cancel()
		}()
	}

	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req = req.WithContext(ctx)

		resp, err := c.send(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				// Cancellation aborts immediately, no further retries.
				return nil, ctx.Err()
			}
			lastErr = err
			if attempt < cfg.MaxAttempts-1 {
				slog.Warn("httputil: retrying after network error",
					"attempt", attempt+1,
					"max", cfg.MaxAttempts,
					"err", err,
				)
				if sleepErr := sleepWithContext(ctx, backoff(cfg, attempt, nil)); sleepErr != nil {
					return nil, sleepErr
				}
			}
			continue
		}

		// Success — no retry needed.
		if resp.StatusCode < 400 {
			return resp, nil
		}

		// 429 Too Many Requests — retry with Retry-After if present.
		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
			// Must drain body before retrying.
			resp.Body.Close()
			if attempt < cfg.MaxAttempts-1 {
				delay := backoff(cfg, attempt, resp)
				slog.Warn("httputil: retrying after 429",
					"attempt", attempt+1,
					"max", cfg.MaxAttempts,
					"delay", delay,
				)
				if sleepErr := sleepWithContext(ctx, delay); sleepErr != nil {
					return nil, sleepErr
				}
			}
			continue
		}

		// 5xx — retry.
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
			resp.Body.Close()
			if attempt < cfg.MaxAttempts-1 {
				delay := backoff(cfg, attempt, resp)
				slog.Warn("httputil: retrying after server error",
					"attempt", attempt+1,
					"max", cfg.MaxAttempts,
					"status", resp.StatusCode,
					"delay", delay,
				)
				if sleepErr := sleepWithContext(ctx, delay); sleepErr != nil {
					return nil, sleepErr
				}
			}
			continue
		}

		// 4xx (non-429) — fail fast, return response with body intact.
		return resp, nil
	}

	return nil, fmt.Errorf("all %d attempts exhausted: %w", cfg.MaxAttempts, lastErr)
}

// send performs one network attempt inside a queue slot. The slot is held
// only for the duration of the attempt: backoff sleeps happen outside the
// queue so a retrying call does not starve other callers.
func (c *Client) send(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()
	return c.httpClient.Do(req)
}

// acquire claims an in-flight slot, blocking in FIFO order when all slots
// are taken.
func (c *Client) acquire(ctx context.Context) error {
	c.mu.Lock()
	if c.inFlight < c.maxInFlight {
		c.inFlight++
		c.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	c.waiters = append(c.waiters, ready)
	c.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		for i, w := range c.waiters {
			if w == ready {
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				c.mu.Unlock()
				return ctx.Err()
			}
		}
		c.mu.Unlock()
		// The slot was granted concurrently with cancellation; pass it on.
		c.release()
		return ctx.Err()
	}
}

// release hands the slot to the oldest waiter, or frees it.
func (c *Client) release() {
	c.mu.Lock()
	if len(c.waiters) > 0 {
		next := c.waiters[0]
		c.waiters = c.waiters[1:]
		c.mu.Unlock()
		close(next)
		return
	}
	c.inFlight--
	c.mu.Unlock()
}

// backoff computes the sleep duration for the given attempt. If the response
// contains a Retry-After header, that value takes precedence.
func backoff(cfg RetryConfig, attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra > 0 {
			return ra
		}
	}

	delay := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	jitter := delay * cfg.JitterFactor * rand.Float64()
	delay += jitter

	return time.Duration(delay)
}

// parseRetryAfter parses the Retry-After header value. It supports:
//   - seconds (e.g. "120")
//   - HTTP-date (e.g. "Thu, 01 Dec 2024 16:00:00 GMT")
//
// Returns 0 if the header is empty or unparseable.
func parseRetryAfter(val string) time.Duration {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0
	}

	// Try seconds first.
	if secs, err := strconv.Atoi(val); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}

	// Try HTTP-date.
	if t, err := time.Parse(time.RFC1123, val); err == nil {
		d := time.Until(t)
		if d > 0 {
			return d
		}
	}

	return 0
}

// sleepWithContext sleeps for d but returns immediately if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
