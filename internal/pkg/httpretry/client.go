// Package httpretry retries provider API calls with capped exponential
// backoff and full jitter.
package httpretry

import (
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// HTTPDoer executes requests. *http.Client and *RetryClient both satisfy it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient wraps an HTTPDoer and retries throttled or failed calls.
type RetryClient struct {
	client     HTTPDoer
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// Option tunes a RetryClient.
type Option func(*RetryClient)

// WithBackoff overrides the base and maximum retry delay.
func WithBackoff(base, max time.Duration) Option {
	return func(rc *RetryClient) {
		rc.baseDelay = base
		rc.maxDelay = max
	}
}

// NewRetryClient wraps client, or a 30s http.Client when nil. maxRetries
// counts attempts after the first; zero means 3 and negative disables
// retries.
func NewRetryClient(client HTTPDoer, maxRetries int, opts ...Option) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries == 0 {
		maxRetries = 3
	}
	rc := &RetryClient{
		client:     client,
		maxRetries: max(maxRetries, 0),
		baseDelay:  time.Second,
		maxDelay:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Do sends req, retrying on transport errors and on 429/5xx gateway
// statuses. Client errors come back immediately. The last attempt's
// response is returned unread so callers can decode provider errors.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	var (
		lastErr error
		wait    time.Duration
	)
	for attempt := 0; attempt <= rc.maxRetries; attempt++ {
		if attempt > 0 {
			if err := rewind(req); err != nil {
				return nil, err
			}
			logger.Debug("httpretry: retrying", "attempt", attempt, "max", rc.maxRetries,
				"method", req.Method, "host", req.URL.Host, "wait", wait)
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, firstErr(lastErr, ctx.Err())
			}
		}
		if ctx.Err() != nil {
			return nil, firstErr(lastErr, ctx.Err())
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			wait = rc.backoff(attempt + 1)
			continue
		}
		if !isRetryableStatus(resp.StatusCode) || attempt == rc.maxRetries {
			return resp, nil
		}

		wait = rc.backoff(attempt + 1)
		if hint, ok := retryAfter(resp.Header.Get("Retry-After")); ok && hint <= rc.maxDelay {
			wait = max(wait, hint)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: %s %s returned %d", req.Method, req.URL.Host, resp.StatusCode)
	}
	return nil, lastErr
}

func rewind(req *http.Request) error {
	if req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("httpretry: reset request body: %w", err)
	}
	req.Body = body
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// backoff is random(0, min(maxDelay, baseDelay*2^(n-1))) with a floor of
// 100ms, or of baseDelay when that is smaller.
func (rc *RetryClient) backoff(n int) time.Duration {
	ceiling := rc.maxDelay
	if shift := n - 1; shift < 32 {
		if d := rc.baseDelay << shift; d > 0 && d < ceiling {
			ceiling = d
		}
	}
	d := time.Duration(rand.Int63n(int64(ceiling) + 1))
	return max(d, min(100*time.Millisecond, rc.baseDelay))
}

// retryAfter parses the delta-seconds form of Retry-After.
func retryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
