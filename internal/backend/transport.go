package backend

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

var sharedTransport = &http.Transport{
	Proxy:               http.ProxyFromEnvironment,
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 20 * time.Second,
	IdleConnTimeout:       90 * time.Second,
}

// CloseIdleConnections drops pooled upstream connections. Called on shutdown.
func CloseIdleConnections() {
	sharedTransport.CloseIdleConnections()
}

// headerTransport fills browser-like defaults on a clone of each request.
type headerTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	if out.Header.Get("User-Agent") == "" {
		out.Header.Set("User-Agent", t.userAgent)
	}
	if out.Header.Get("Accept-Language") == "" {
		out.Header.Set("Accept-Language", "en-US,en;q=0.9")
	}
	if out.Header.Get("Accept") == "" {
		out.Header.Set("Accept", "*/*")
	}
	return t.base.RoundTrip(out)
}

type retryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

var defaultRetryPolicy = retryPolicy{
	MaxRetries:   3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     8 * time.Second,
}

// retryTransport retries transient upstream failures with exponential
// backoff and ±25% jitter. Requests whose body cannot be replayed are sent
// once.
type retryTransport struct {
	base   http.RoundTripper
	policy retryPolicy
}

func newRetryTransport(base http.RoundTripper, policy retryPolicy) *retryTransport {
	return &retryTransport{base: base, policy: policy}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	replayable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	var lastResp *http.Response
	var lastErr error
	for attempt := 0; attempt <= t.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			if !replayable {
				break
			}
			if err := sleepWithContext(req.Context(), t.backoffDelay(attempt)); err != nil {
				if lastResp != nil {
					lastResp.Body.Close()
				}
				return nil, err
			}
		}

		attemptReq := req
		if attempt > 0 {
			var err error
			if attemptReq, err = replay(req); err != nil {
				break
			}
		}

		resp, err := t.base.RoundTrip(attemptReq)
		if err != nil {
			if !isRetryableError(err) {
				if lastResp != nil {
					lastResp.Body.Close()
				}
				return nil, err
			}
			lastErr = err
			continue
		}
		if !isRetryableStatus(resp.StatusCode) {
			if lastResp != nil {
				lastResp.Body.Close()
			}
			return resp, nil
		}
		if lastResp != nil {
			lastResp.Body.Close()
		}
		lastResp, lastErr = resp, nil
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

func (t *retryTransport) backoffDelay(attempt int) time.Duration {
	base := float64(t.policy.InitialDelay) * math.Pow(2, float64(attempt-1))
	if base > float64(t.policy.MaxDelay) {
		base = float64(t.policy.MaxDelay)
	}
	jitter := base * 0.25 * (rand.Float64()*2 - 1) //nolint:gosec
	return time.Duration(base + jitter)
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func replay(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		clone.Body = body
	}
	return clone, nil
}

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

// newHTTPClient returns a client for upstream calls. timeout bounds the whole
// exchange including the body, so media streams use a zero timeout and rely
// on the request context instead.
func newHTTPClient(timeout time.Duration) *http.Client {
	var rt http.RoundTripper = &headerTransport{base: sharedTransport, userAgent: defaultUserAgent}
	rt = newRetryTransport(rt, defaultRetryPolicy)
	return &http.Client{Timeout: timeout, Transport: rt}
}
