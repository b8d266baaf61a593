package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCollectorExposition(t *testing.T) {
	c := NewCollector()

	c.RecordRequest("/api/users", "GET", 200, 42*time.Millisecond)
	c.RecordRequest("/api/users", "GET", 200, 10*time.Millisecond)
	c.RecordRateLimited("/api/users")
	c.RecordRetry("/api/users")
	c.SetBreakerState("http://backend:9000", 1)
	c.SetBackendHealth("http://backend:9000", false)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`gateway_requests_total{method="GET",route="/api/users",status="200"} 2`,
		`gateway_rate_limited_total{route="/api/users"} 1`,
		`gateway_retries_total{route="/api/users"} 1`,
		`gateway_circuit_breaker_state{backend="http://backend:9000"} 1`,
		`gateway_backend_health{backend="http://backend:9000"} 0`,
		`gateway_request_duration_seconds_count{route="/api/users"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestBackendHealthGaugeFlips(t *testing.T) {
	c := NewCollector()
	c.SetBackendHealth("http://b", true)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `gateway_backend_health{backend="http://b"} 1`) {
		t.Error("healthy gauge not 1")
	}
}
