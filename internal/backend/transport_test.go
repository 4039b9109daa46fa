package backend

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var fastRetry = retryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

func TestRetryTransport_NoRetryOnSuccess(t *testing.T) {
	var calls int32
	transport := newRetryTransport(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return &http.Response{StatusCode: 200, Body: http.NoBody}, nil
	}), fastRetry)

	req, _ := http.NewRequest("GET", "https://example.com", nil)
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if c := atomic.LoadInt32(&calls); c != 1 {
		t.Fatalf("expected 1 call, got %d", c)
	}
}

func TestRetryTransport_RetriesOn5xx(t *testing.T) {
	var calls int32
	transport := newRetryTransport(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return &http.Response{StatusCode: 502, Body: http.NoBody}, nil
		}
		return &http.Response{StatusCode: 200, Body: http.NoBody}, nil
	}), fastRetry)

	req, _ := http.NewRequest("GET", "https://example.com", nil)
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if c := atomic.LoadInt32(&calls); c != 3 {
		t.Fatalf("expected 3 calls, got %d", c)
	}
}

func TestRetryTransport_NoRetryOnClientErrors(t *testing.T) {
	for _, code := range []int{400, 403, 404} {
		var calls int32
		transport := newRetryTransport(roundTripFunc(func(req *http.Request) (*http.Response, error) {
			atomic.AddInt32(&calls, 1)
			return &http.Response{StatusCode: code, Body: http.NoBody}, nil
		}), fastRetry)

		req, _ := http.NewRequest("GET", "https://example.com", nil)
		resp, err := transport.RoundTrip(req)
		if err != nil {
			t.Fatalf("%d: unexpected error: %v", code, err)
		}
		if resp.StatusCode != code {
			t.Fatalf("expected %d, got %d", code, resp.StatusCode)
		}
		if c := atomic.LoadInt32(&calls); c != 1 {
			t.Fatalf("%d: expected 1 call, got %d", code, c)
		}
	}
}

func TestRetryTransport_ExhaustedRetries(t *testing.T) {
	var calls int32
	transport := newRetryTransport(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return &http.Response{StatusCode: 503, Body: http.NoBody}, nil
	}), retryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond})

	req, _ := http.NewRequest("GET", "https://example.com", nil)
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 503 {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if c := atomic.LoadInt32(&calls); c != 3 {
		t.Fatalf("expected 3 calls, got %d", c)
	}
}

func TestRetryTransport_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	transport := newRetryTransport(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			cancel()
			return &http.Response{StatusCode: 502, Body: http.NoBody}, nil
		}
		return &http.Response{StatusCode: 200, Body: http.NoBody}, nil
	}), fastRetry)

	req, _ := http.NewRequestWithContext(ctx, "GET", "https://example.com", nil)
	if _, err := transport.RoundTrip(req); err == nil {
		t.Fatal("expected context cancellation error")
	}
	if c := atomic.LoadInt32(&calls); c != 1 {
		t.Fatalf("expected 1 call before cancellation, got %d", c)
	}
}

func TestRetryTransport_RetriesOnTimeout(t *testing.T) {
	var calls int32
	transport := newRetryTransport(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, &net.OpError{Op: "dial", Err: &timeoutError{}}
		}
		return &http.Response{StatusCode: 200, Body: http.NoBody}, nil
	}), fastRetry)

	req, _ := http.NewRequest("GET", "https://example.com", nil)
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if c := atomic.LoadInt32(&calls); c != 2 {
		t.Fatalf("expected 2 calls, got %d", c)
	}
}

func TestRetryTransport_ReplaysBody(t *testing.T) {
	var calls int32
	transport := newRetryTransport(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		n := atomic.AddInt32(&calls, 1)
		body, _ := io.ReadAll(req.Body)
		if string(body) != `{"url":"x"}` {
			t.Errorf("attempt %d: unexpected body %q", n, body)
		}
		if n == 1 {
			return &http.Response{StatusCode: 500, Body: http.NoBody}, nil
		}
		return &http.Response{StatusCode: 200, Body: http.NoBody}, nil
	}), fastRetry)

	// NewRequest sets GetBody for *strings.Reader bodies.
	req, _ := http.NewRequest("POST", "https://example.com", strings.NewReader(`{"url":"x"}`))
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if c := atomic.LoadInt32(&calls); c != 2 {
		t.Fatalf("expected 2 calls, got %d", c)
	}
}

func TestBackoffDelay(t *testing.T) {
	rt := newRetryTransport(nil, retryPolicy{MaxRetries: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond})

	if d := rt.backoffDelay(1); d < 75*time.Millisecond || d > 125*time.Millisecond {
		t.Fatalf("attempt 1 delay out of range: %v", d)
	}
	if d := rt.backoffDelay(2); d < 150*time.Millisecond || d > 250*time.Millisecond {
		t.Fatalf("attempt 2 delay out of range: %v", d)
	}
	// Capped at MaxDelay before jitter.
	if d := rt.backoffDelay(5); d < 225*time.Millisecond || d > 375*time.Millisecond {
		t.Fatalf("attempt 5 delay out of range: %v", d)
	}
}

func TestHeaderTransport_FillsDefaultsOnClone(t *testing.T) {
	var seen http.Header
	rt := &headerTransport{
		base: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			seen = req.Header.Clone()
			return &http.Response{StatusCode: 200, Body: http.NoBody}, nil
		}),
		userAgent: "ytgate-test",
	}

	req, _ := http.NewRequest("GET", "https://example.com", nil)
	req.Header.Set("Accept", "application/json")
	if _, err := rt.RoundTrip(req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := seen.Get("User-Agent"); got != "ytgate-test" {
		t.Fatalf("User-Agent = %q", got)
	}
	if got := seen.Get("Accept"); got != "application/json" {
		t.Fatalf("caller Accept overwritten: %q", got)
	}
	if req.Header.Get("User-Agent") != "" {
		t.Fatal("original request was mutated")
	}
}

func TestIsRetryableStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		if !isRetryableStatus(code) {
			t.Errorf("expected %d to be retryable", code)
		}
	}
	for _, code := range []int{200, 301, 400, 401, 403, 404} {
		if isRetryableStatus(code) {
			t.Errorf("expected %d to not be retryable", code)
		}
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
