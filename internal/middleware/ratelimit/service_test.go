package ratelimit

import (
	"context"
	"net/http"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/edgehop/gateway/internal/config"
)

func localService(global ...config.RateLimitRule) *Service {
	return NewService(config.RateLimitingConfig{
		Enabled:   true,
		Algorithm: "token_bucket",
		Global:    global,
	}, nil)
}

func ipRule(requests, window int) config.RateLimitRule {
	return config.RateLimitRule{Dimension: "ip", Requests: requests, WindowSecs: window}
}

func TestServiceDisabled(t *testing.T) {
	s := NewService(config.RateLimitingConfig{Enabled: false}, nil)
	if s.Enabled() {
		t.Error("service should be disabled")
	}
	if d := s.Check(context.Background(), nil, RequestInfo{ClientIP: "1.2.3.4"}); d != nil {
		t.Errorf("disabled service returned a decision: %+v", d)
	}
}

func TestServiceGlobalRule(t *testing.T) {
	s := localService(ipRule(2, 60))
	info := RequestInfo{ClientIP: "1.2.3.4", RoutePattern: "/x"}

	for i := 0; i < 2; i++ {
		d := s.Check(context.Background(), nil, info)
		if d == nil || !d.Allowed {
			t.Fatalf("request %d: expected allowed, got %+v", i+1, d)
		}
	}

	d := s.Check(context.Background(), nil, info)
	if d == nil || d.Allowed {
		t.Fatalf("3rd request: expected denied, got %+v", d)
	}
}

func TestServicePerRouteRules(t *testing.T) {
	s := localService()
	routeRules := []config.RateLimitRule{{Dimension: "route", Requests: 1, WindowSecs: 60}}
	info := RequestInfo{ClientIP: "1.2.3.4", RoutePattern: "/limited"}

	if d := s.Check(context.Background(), routeRules, info); d == nil || !d.Allowed {
		t.Fatalf("first request: expected allowed, got %+v", d)
	}
	if d := s.Check(context.Background(), routeRules, info); d == nil || d.Allowed {
		t.Fatalf("second request: expected denied, got %+v", d)
	}
}

func TestServiceDimensionSkippedWithoutIdentity(t *testing.T) {
	s := localService(config.RateLimitRule{Dimension: "user", Requests: 1, WindowSecs: 60})

	// Anonymous requests never match the user dimension
	for i := 0; i < 5; i++ {
		d := s.Check(context.Background(), nil, RequestInfo{ClientIP: "1.2.3.4"})
		if d != nil {
			t.Fatalf("request %d: user rule must be skipped for anonymous, got %+v", i+1, d)
		}
	}

	// Authenticated requests do match it
	info := RequestInfo{ClientIP: "1.2.3.4", Principal: "user-1"}
	if d := s.Check(context.Background(), nil, info); d == nil || !d.Allowed {
		t.Fatal("first authenticated request should pass")
	}
	if d := s.Check(context.Background(), nil, info); d == nil || d.Allowed {
		t.Fatal("second authenticated request should be limited")
	}
}

func TestServiceAPIKeyDimension(t *testing.T) {
	s := localService(config.RateLimitRule{Dimension: "api_key", Requests: 1, WindowSecs: 60})

	info := RequestInfo{ClientIP: "1.2.3.4", APIKey: "k1"}
	if d := s.Check(context.Background(), nil, info); d == nil || !d.Allowed {
		t.Fatal("first keyed request should pass")
	}

	other := RequestInfo{ClientIP: "1.2.3.4", APIKey: "k2"}
	if d := s.Check(context.Background(), nil, other); d == nil || !d.Allowed {
		t.Error("a different key must have its own quota")
	}
}

func TestServiceAllRulesMustAllow(t *testing.T) {
	s := localService(
		config.RateLimitRule{Dimension: "ip", Requests: 100, WindowSecs: 60},
		config.RateLimitRule{Dimension: "route", Requests: 1, WindowSecs: 60},
	)
	info := RequestInfo{ClientIP: "1.2.3.4", RoutePattern: "/x"}

	if d := s.Check(context.Background(), nil, info); d == nil || !d.Allowed {
		t.Fatal("first request should pass both rules")
	}

	d := s.Check(context.Background(), nil, info)
	if d == nil || d.Allowed {
		t.Fatal("second request must be denied by the route rule")
	}
	// Headers reflect the most restrictive rule
	if d.Limit != 1 {
		t.Errorf("limit = %d, want 1 (most restrictive)", d.Limit)
	}
	if d.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", d.Remaining)
	}
}

func TestServiceHeadersFromMostRestrictive(t *testing.T) {
	s := localService(
		config.RateLimitRule{Dimension: "ip", Requests: 10, WindowSecs: 60},
		config.RateLimitRule{Dimension: "route", Requests: 3, WindowSecs: 60},
	)
	info := RequestInfo{ClientIP: "1.2.3.4", RoutePattern: "/x"}

	d := s.Check(context.Background(), nil, info)
	if d == nil || !d.Allowed {
		t.Fatal("expected allowed")
	}
	if d.Limit != 3 || d.Remaining != 2 {
		t.Errorf("headers = limit %d remaining %d, want 3/2", d.Limit, d.Remaining)
	}
}

func TestSetHeaders(t *testing.T) {
	h := make(http.Header)
	SetHeaders(h, &Decision{Allowed: true, Limit: 5, Remaining: 2, ResetAfter: 30})

	if h.Get("X-RateLimit-Limit") != "5" {
		t.Errorf("limit header = %q", h.Get("X-RateLimit-Limit"))
	}
	if h.Get("X-RateLimit-Remaining") != "2" {
		t.Errorf("remaining header = %q", h.Get("X-RateLimit-Remaining"))
	}
	if h.Get("X-RateLimit-Reset") != "30" {
		t.Errorf("reset header = %q", h.Get("X-RateLimit-Reset"))
	}
	if h.Get("Retry-After") != "" {
		t.Error("Retry-After must not be set on allowed requests")
	}

	h = make(http.Header)
	SetHeaders(h, &Decision{Allowed: false, Limit: 5, Remaining: 0, RetryAfter: 12})
	if h.Get("Retry-After") != "12" {
		t.Errorf("Retry-After = %q, want 12", h.Get("Retry-After"))
	}

	h = make(http.Header)
	SetHeaders(h, nil)
	if len(h) != 0 {
		t.Error("nil decision must not set headers")
	}
}

func TestDistributedFallsBackToLocal(t *testing.T) {
	// Point at a dead Redis: every call fails over to the local bucket,
	// which still enforces the bound.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	s := NewService(config.RateLimitingConfig{
		Enabled:   true,
		Algorithm: "sliding_window",
		Global:    []config.RateLimitRule{ipRule(2, 60)},
	}, client)

	info := RequestInfo{ClientIP: "9.9.9.9"}

	allowed := 0
	for i := 0; i < 5; i++ {
		d := s.Check(context.Background(), nil, info)
		if d == nil {
			t.Fatal("expected a decision from the fallback limiter")
		}
		if d.Allowed {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("fallback allowed %d requests, want 2", allowed)
	}
}

func TestKeyDerivation(t *testing.T) {
	s := localService()
	info := RequestInfo{ClientIP: "1.2.3.4", Principal: "u1", APIKey: "k1", RoutePattern: "/api/users"}

	cases := []struct {
		dimension string
		want      string
	}{
		{"ip", "gateway:ratelimit:ip:1.2.3.4"},
		{"user", "gateway:ratelimit:user:u1"},
		{"api_key", "gateway:ratelimit:api_key:k1"},
		{"route", "gateway:ratelimit:route:/api/users"},
	}
	for _, c := range cases {
		got, ok := s.deriveKey(c.dimension, info)
		if !ok || got != c.want {
			t.Errorf("deriveKey(%s) = %q, %v; want %q", c.dimension, got, ok, c.want)
		}
	}

	if _, ok := s.deriveKey("user", RequestInfo{ClientIP: "1.2.3.4"}); ok {
		t.Error("user dimension must not match without a principal")
	}
	if _, ok := s.deriveKey("unknown", info); ok {
		t.Error("unknown dimension must not match")
	}
}
