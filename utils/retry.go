package utils

import (
	"context"
	"io"
	"math"
	"net/http"
	"time"

	"rangefetch/internal"
)

// Doer is the transport call the retry wrapper drives
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryResult is the outcome of a retried exchange. A completed exchange
// that never succeeded is still a result, not an error.
type RetryResult struct {
	Response   *http.Response
	StatusCode int
	Attempts   int
}

// Success reports whether the final response carried a 2xx status
func (r *RetryResult) Success() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Close releases the response body, if any
func (r *RetryResult) Close() {
	if r != nil && r.Response != nil && r.Response.Body != nil {
		r.Response.Body.Close()
	}
}

// RetryTransport retries transient HTTP statuses with capped exponential backoff
type RetryTransport struct {
	client     Doer
	MaxRetries int
	RetryCap   time.Duration // zero or negative means uncapped
	BaseDelay  time.Duration
}

// NewRetryTransport wraps client
func NewRetryTransport(client Doer, maxRetries int, retryCap time.Duration) *RetryTransport {
	return &RetryTransport{
		client:     client,
		MaxRetries: maxRetries,
		RetryCap:   retryCap,
		BaseDelay:  time.Second,
	}
}

// Send performs req up to MaxRetries times. Transient statuses are retried
// after a backoff that observes the request context. Non-transient statuses
// return at once, and once attempts are exhausted the last response is
// returned. Only transport faults and cancellation produce an error.
func (t *RetryTransport) Send(req *http.Request) (*RetryResult, error) {
	ctx := req.Context()
	attempts := max(t.MaxRetries, 1)

	for attempt := 0; ; attempt++ {
		resp, err := t.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, internal.NewCancelledError(ctx.Err())
			}
			return nil, internal.NewNetworkError(req.Method+" request", err).WithURL(req.URL.String())
		}

		result := &RetryResult{
			Response:   resp,
			StatusCode: resp.StatusCode,
			Attempts:   attempt + 1,
		}

		if result.Success() || !internal.IsTransientStatus(resp.StatusCode) || attempt+1 >= attempts {
			return result, nil
		}

		drainAndClose(resp.Body)

		delay := t.backoff(attempt)
		internal.LogDebug("Transient status %d for %s, retrying in %v (attempt %d/%d)",
			resp.StatusCode, req.URL.String(), delay, attempt+1, attempts)

		if err := sleepContext(ctx, delay); err != nil {
			return nil, internal.NewCancelledError(err)
		}
	}
}

// backoff returns min(BaseDelay * 2^attempt, RetryCap)
func (t *RetryTransport) backoff(attempt int) time.Duration {
	base := t.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	delay := time.Duration(math.MaxInt64)
	if attempt < 62 {
		if factor := int64(1) << uint(attempt); int64(base) <= math.MaxInt64/factor {
			delay = base * time.Duration(factor)
		}
	}

	if t.RetryCap > 0 && delay > t.RetryCap {
		delay = t.RetryCap
	}
	return delay
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// drainAndClose discards a bounded amount of body so the connection can be reused
func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	body.Close()
}
