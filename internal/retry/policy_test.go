package retry

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/edgehop/gateway/internal/config"
	"github.com/edgehop/gateway/internal/errors"
)

// fakeTransport returns queued outcomes in order, repeating the last.
type fakeTransport struct {
	statuses []int
	errs     []error
	calls    int
}

func (f *fakeTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	idx := f.calls
	f.calls++

	if idx < len(f.errs) && f.errs[idx] != nil {
		return nil, f.errs[idx]
	}

	status := http.StatusOK
	if len(f.statuses) > 0 {
		if idx >= len(f.statuses) {
			idx = len(f.statuses) - 1
		}
		status = f.statuses[idx]
	}

	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("")),
		Header:     make(http.Header),
	}, nil
}

func fastPolicy(maxRetries int) *Policy {
	return NewPolicy(config.RetryConfig{
		MaxRetries:        maxRetries,
		InitialBackoffMs:  1,
		MaxBackoffMs:      5,
		BackoffMultiplier: 2,
	}, 0)
}

func request(method string) *http.Request {
	r, _ := http.NewRequest(method, "http://backend:9000/x", nil)
	return r
}

func TestRetrySucceedsFirstTry(t *testing.T) {
	ft := &fakeTransport{statuses: []int{200}}
	p := fastPolicy(3)

	resp, err := p.Execute(context.Background(), ft, request("GET"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if ft.calls != 1 {
		t.Errorf("calls = %d, want 1", ft.calls)
	}
}

func TestRetryOn502ThenSuccess(t *testing.T) {
	ft := &fakeTransport{statuses: []int{502, 502, 200}}
	p := fastPolicy(3)

	resp, err := p.Execute(context.Background(), ft, request("GET"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ft.calls != 3 {
		t.Errorf("calls = %d, want 3", ft.calls)
	}
	if got := p.Metrics.Retries.Load(); got != 2 {
		t.Errorf("retries metric = %d, want 2", got)
	}
}

func TestRetryExhaustedReturnsLastResponse(t *testing.T) {
	ft := &fakeTransport{statuses: []int{503}}
	p := fastPolicy(2)

	resp, err := p.Execute(context.Background(), ft, request("GET"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 503 {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if ft.calls != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", ft.calls)
	}
}

func TestPostNotRetriedOn5xx(t *testing.T) {
	ft := &fakeTransport{statuses: []int{502}}
	p := fastPolicy(3)

	resp, err := p.Execute(context.Background(), ft, request("POST"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if ft.calls != 1 {
		t.Errorf("POST was retried: calls = %d", ft.calls)
	}
}

func TestIdempotentMethodsRetriedOn5xx(t *testing.T) {
	for _, method := range []string{"GET", "HEAD", "PUT", "DELETE", "OPTIONS"} {
		ft := &fakeTransport{statuses: []int{503, 200}}
		p := fastPolicy(1)

		resp, err := p.Execute(context.Background(), ft, request(method), nil)
		if err != nil {
			t.Fatalf("%s: %v", method, err)
		}
		resp.Body.Close()
		if ft.calls != 2 {
			t.Errorf("%s: calls = %d, want 2", method, ft.calls)
		}
	}
}

func TestConnectionErrorRetriedForPost(t *testing.T) {
	// Transport-level failures are retryable regardless of method
	ft := &fakeTransport{errs: []error{syscall.ECONNREFUSED, nil}, statuses: []int{200, 200}}
	p := fastPolicy(2)

	resp, err := p.Execute(context.Background(), ft, request("POST"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if ft.calls != 2 {
		t.Errorf("calls = %d, want 2", ft.calls)
	}
}

func TestGateShortCircuits(t *testing.T) {
	ft := &fakeTransport{statuses: []int{503}}
	p := fastPolicy(5)

	calls := 0
	gate := func() error {
		calls++
		if calls > 2 {
			return errors.ErrCircuitOpen
		}
		return nil
	}

	resp, err := p.Execute(context.Background(), ft, request("GET"), gate)
	if err != nil {
		// The last retryable response is preferred over the gate error
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if ft.calls != 2 {
		t.Errorf("transport calls = %d, want 2 (gate stopped the rest)", ft.calls)
	}
}

func TestGateErrorWithNoPriorAttempt(t *testing.T) {
	ft := &fakeTransport{}
	p := fastPolicy(2)

	gate := func() error { return errors.ErrCircuitOpen }

	_, err := p.Execute(context.Background(), ft, request("GET"), gate)
	if !errors.Is(err, errors.KindCircuitOpen) {
		t.Errorf("expected CircuitOpen, got %v", err)
	}
	if ft.calls != 0 {
		t.Errorf("transport called %d times through a closed gate", ft.calls)
	}
}

func TestContextCancelStopsRetries(t *testing.T) {
	ft := &fakeTransport{statuses: []int{503}}
	p := NewPolicy(config.RetryConfig{
		MaxRetries:        5,
		InitialBackoffMs:  200,
		MaxBackoffMs:      1000,
		BackoffMultiplier: 2,
	}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := p.Execute(ctx, ft, request("GET"), nil)
	if err == nil {
		t.Fatal("expected context error")
	}
	if !IsCanceled(err) {
		t.Errorf("expected canceled, got %v", err)
	}
}

func TestIsRetryableError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{context.DeadlineExceeded, true},
		{syscall.ECONNREFUSED, true},
		{syscall.ECONNRESET, true},
		{&net.DNSError{Err: "no such host", Name: "backend"}, true},
		{io.EOF, false},
	}
	for _, c := range cases {
		if got := IsRetryableError(c.err); got != c.want {
			t.Errorf("IsRetryableError(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestBackoffSchedule(t *testing.T) {
	p := NewPolicy(config.RetryConfig{
		MaxRetries:        3,
		InitialBackoffMs:  100,
		MaxBackoffMs:      250,
		BackoffMultiplier: 2,
	}, 0)

	schedule := p.newBackOff()
	for i := 0; i < 5; i++ {
		d := schedule.NextBackOff()
		// Jitter keeps each delay within [0.5, 1.5] of the nominal
		// value, and the ceiling bounds the nominal value at 250ms.
		if d < 50*time.Millisecond || d > 375*time.Millisecond {
			t.Errorf("backoff %d = %v outside jittered bounds", i, d)
		}
	}
}
