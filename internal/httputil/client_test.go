package httputil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		JitterFactor: 0,
	}
}

func getReq(url string) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		return http.NewRequest("GET", url, nil)
	}
}

func TestDoRetriesServerErrorsThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(5)
	resp, err := c.Do(context.Background(), getReq(srv.URL), fastRetryConfig())
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestDoFailsFastOnClientError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(5)
	resp, err := c.Do(context.Background(), getReq(srv.URL), fastRetryConfig())
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected no retries on 404, got %d attempts", got)
	}
}

func TestDoExhaustsRetriesOn429(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(5)
	_, err := c.Do(context.Background(), getReq(srv.URL), fastRetryConfig())
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestDoNeverExceedsMaxInFlight(t *testing.T) {
	t.Parallel()

	const limit = 5
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(limit)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Do(context.Background(), getReq(srv.URL), fastRetryConfig())
			if err != nil {
				t.Errorf("do: %v", err)
				return
			}
			resp.Body.Close()
		}()
	}
	wg.Wait()

	if p := peak.Load(); p > limit {
		t.Fatalf("in-flight peak %d exceeds limit %d", p, limit)
	}
}

func TestCancelAbortsInFlightRequest(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(5)
	cfg := fastRetryConfig()
	cfg.RequestID = "req-1"

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), getReq(srv.URL), cfg)
		errCh <- err
	}()

	<-started
	if !c.Cancel("req-1") {
		t.Fatalf("expected cancel to find registered request")
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled request did not return")
	}
}

func TestCancelRemovesQueuedRequest(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var reached atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached.Add(1)
		<-release
	}))
	defer srv.Close()
	defer close(release)

	// Fill the single slot, then queue a second call and cancel it.
	c := NewClient(1)
	go func() {
		resp, err := c.Do(context.Background(), getReq(srv.URL), fastRetryConfig())
		if err == nil {
			resp.Body.Close()
		}
	}()

	// Wait until the first request occupies the slot.
	deadline := time.Now().Add(2 * time.Second)
	for reached.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first request never reached server")
		}
		time.Sleep(time.Millisecond)
	}

	cfg := fastRetryConfig()
	cfg.RequestID = "queued"
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), getReq(srv.URL), cfg)
		errCh <- err
	}()

	// Give the second call time to join the queue, then cancel it.
	time.Sleep(20 * time.Millisecond)
	c.Cancel("queued")

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("queued request did not return after cancel")
	}

	if got := reached.Load(); got != 1 {
		t.Fatalf("cancelled queued request reached the server (%d calls)", got)
	}
}

func TestCancelUnknownRequestID(t *testing.T) {
	t.Parallel()

	c := NewClient(5)
	if c.Cancel("nope") {
		t.Fatalf("expected Cancel of unknown id to return false")
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	t.Parallel()

	if got := parseRetryAfter("120"); got != 120*time.Second {
		t.Fatalf("expected 120s, got %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Fatalf("expected 0 for empty header, got %v", got)
	}
	if got := parseRetryAfter("garbage"); got != 0 {
		t.Fatalf("expected 0 for garbage header, got %v", got)
	}
}

func TestBackoffDoublesPerAttempt(t *testing.T) {
	t.Parallel()

	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: time.Minute, JitterFactor: 0}
	if got := backoff(cfg, 0, nil); got != time.Second {
		t.Fatalf("attempt 0: expected 1s, got %v", got)
	}
	if got := backoff(cfg, 2, nil); got != 4*time.Second {
		t.Fatalf("attempt 2: expected 4s, got %v", got)
	}
	cfg.MaxDelay = 3 * time.Second
	if got := backoff(cfg, 5, nil); got != 3*time.Second {
		t.Fatalf("expected cap at MaxDelay, got %v", got)
	}
}
