package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/edgehop/gateway/internal/config"
)

// DefaultRetryableStatuses are upstream status codes that trigger a retry
var DefaultRetryableStatuses = map[int]bool{502: true, 503: true, 504: true}

// idempotentMethods are HTTP methods safe to retry on upstream 5xx.
// POST and PATCH are not retried by default.
var idempotentMethods = map[string]bool{
	"GET": true, "HEAD": true, "PUT": true, "DELETE": true, "OPTIONS": true,
}

// Policy wraps a single logical upstream call with exponential backoff.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	PerTryTimeout  time.Duration

	Metrics *Metrics
}

// Metrics tracks retry statistics.
type Metrics struct {
	Requests  atomic.Int64
	Retries   atomic.Int64
	Successes atomic.Int64
	Failures  atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of retry metrics
type MetricsSnapshot struct {
	Requests  int64 `json:"requests"`
	Retries   int64 `json:"retries"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// Snapshot returns a point-in-time copy of the metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:  m.Requests.Load(),
		Retries:   m.Retries.Load(),
		Successes: m.Successes.Load(),
		Failures:  m.Failures.Load(),
	}
}

// NewPolicy creates a retry policy from config with defaults applied.
func NewPolicy(cfg config.RetryConfig, perTryTimeout time.Duration) *Policy {
	p := &Policy{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: time.Duration(cfg.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.MaxBackoffMs) * time.Millisecond,
		Multiplier:     cfg.BackoffMultiplier,
		PerTryTimeout:  perTryTimeout,
		Metrics:        &Metrics{},
	}

	if p.InitialBackoff == 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = 10 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}

	return p
}

// newBackOff builds the attempt schedule: the i-th retry sleeps
// min(MaxBackoff, InitialBackoff * Multiplier^(i-1)) scaled by a
// jitter factor in [0.5, 1.5].
func (p *Policy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Execute performs the upstream call with up to MaxRetries retries.
// gate is consulted before every attempt; a gate error aborts the
// remaining attempts immediately (an opened circuit short-circuits).
func (p *Policy) Execute(ctx context.Context, transport http.RoundTripper, req *http.Request, gate func() error) (*http.Response, error) {
	p.Metrics.Requests.Add(1)

	schedule := p.newBackOff()

	var lastResp *http.Response
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			p.Metrics.Retries.Add(1)

			select {
			case <-ctx.Done():
				p.Metrics.Failures.Add(1)
				return nil, ctx.Err()
			case <-time.After(schedule.NextBackOff()):
			}
		}

		if gate != nil {
			if err := gate(); err != nil {
				p.Metrics.Failures.Add(1)
				if lastResp != nil {
					return lastResp, nil
				}
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, err
			}
		}

		resp, err := p.doRoundTrip(ctx, transport, req)
		if err != nil {
			lastErr = err
			lastResp = nil
			if !IsRetryableError(err) {
				p.Metrics.Failures.Add(1)
				return nil, err
			}
			continue
		}

		if !p.isRetryableResponse(req.Method, resp.StatusCode) {
			p.Metrics.Successes.Add(1)
			return resp, nil
		}

		// Release the previous retryable response before keeping this one
		if lastResp != nil {
			lastResp.Body.Close()
		}
		lastResp = resp
		lastErr = nil
	}

	p.Metrics.Failures.Add(1)
	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

func (p *Policy) doRoundTrip(ctx context.Context, transport http.RoundTripper, req *http.Request) (*http.Response, error) {
	if p.PerTryTimeout > 0 {
		tryCtx, cancel := context.WithTimeout(ctx, p.PerTryTimeout)
		resp, err := transport.RoundTrip(req.WithContext(tryCtx))
		if err != nil {
			cancel()
			return nil, err
		}
		resp.Body = &cancelOnCloseBody{body: resp.Body, cancel: cancel}
		return resp, nil
	}
	return transport.RoundTrip(req.WithContext(ctx))
}

// cancelOnCloseBody ties a per-try context to the response body
// lifetime so the timeout keeps covering the body read.
type cancelOnCloseBody struct {
	body   io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Read(p []byte) (int, error) { return b.body.Read(p) }

func (b *cancelOnCloseBody) Close() error {
	err := b.body.Close()
	b.cancel()
	return err
}

// isRetryableResponse reports whether a response status should be
// retried for the given method: 502/503/504, idempotent methods only.
func (p *Policy) isRetryableResponse(method string, statusCode int) bool {
	return idempotentMethods[method] && DefaultRetryableStatuses[statusCode]
}

// IsRetryableError reports whether a transport error is retryable:
// timeouts, connection refused or reset, and DNS failures.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	return false
}

// IsCanceled reports whether an error stems from client-side
// cancellation rather than an upstream fault.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsTimeout reports whether an upstream error was a deadline or
// network timeout, for the breaker's timeout accounting.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
