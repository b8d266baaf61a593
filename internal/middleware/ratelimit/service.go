package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/edgehop/gateway/internal/config"
)

const keyPrefix = "gateway:ratelimit:"

// Decision is the outcome of evaluating one or more rules.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter int // seconds until window reset / bucket full
	RetryAfter int // seconds, only meaningful when denied
}

// RequestInfo carries the identity material rate limit dimensions are
// derived from.
type RequestInfo struct {
	ClientIP     string
	Principal    string // authenticated principal; "" when anonymous
	APIKey       string // raw API key used for auth; "" otherwise
	RoutePattern string
}

// Service resolves dimensions to keys and dispatches rules to the
// configured algorithm. It holds the local limiter and, when Redis is
// configured, the distributed one (with the local limiter as its
// fallback).
type Service struct {
	enabled   bool
	algorithm string
	global    []config.RateLimitRule

	local *TokenBucketLimiter
	dist  *RedisLimiter
}

// NewService creates the rate limiting service. client may be nil for
// purely local limiting.
func NewService(cfg config.RateLimitingConfig, client redis.UniversalClient) *Service {
	algorithm := cfg.Algorithm
	if algorithm == "" {
		algorithm = "token_bucket"
	}

	s := &Service{
		enabled:   cfg.Enabled,
		algorithm: algorithm,
		global:    cfg.Global,
		local:     NewTokenBucketLimiter(),
	}

	if client != nil {
		s.dist = NewRedisLimiter(client, algorithm, s.local)
	}

	return s
}

// Enabled reports whether rate limiting applies to requests.
func (s *Service) Enabled() bool {
	return s != nil && s.enabled
}

// Check evaluates all applicable rules, global first, then per-route,
// in declaration order. The request is allowed iff every rule allows.
// The returned decision carries the header values of the most
// restrictive rule: smallest remaining, and on denial the largest
// retry-after. A nil decision means no rule applied.
func (s *Service) Check(ctx context.Context, routeRules []config.RateLimitRule, info RequestInfo) *Decision {
	if !s.Enabled() {
		return nil
	}

	var agg *Decision

	evaluate := func(rule config.RateLimitRule) {
		key, ok := s.deriveKey(rule.Dimension, info)
		if !ok {
			return
		}
		d := s.dispatch(ctx, rule, key)
		agg = mostRestrictive(agg, &d)
	}

	for _, rule := range s.global {
		evaluate(rule)
	}
	for _, rule := range routeRules {
		evaluate(rule)
	}

	return agg
}

// dispatch runs one rule through the distributed limiter when
// configured, otherwise through the local token bucket.
func (s *Service) dispatch(ctx context.Context, rule config.RateLimitRule, key string) Decision {
	if s.dist != nil {
		return s.dist.Allow(ctx, key, rule.Requests, rule.WindowSecs, rule.Burst)
	}
	// Local state is per rule: two rules sharing a dimension must not
	// share one bucket.
	localKey := fmt.Sprintf("%s:%dr%d", key, rule.Requests, rule.WindowSecs)
	return s.local.Allow(localKey, rule.Requests, rule.WindowSecs, rule.Burst)
}

// deriveKey maps a dimension to its namespaced key. Dimensions whose
// identity material is absent (user without principal, api_key without
// a key) do not match and are skipped.
func (s *Service) deriveKey(dimension string, info RequestInfo) (string, bool) {
	switch dimension {
	case "ip":
		if info.ClientIP == "" {
			return "", false
		}
		return keyPrefix + "ip:" + info.ClientIP, true
	case "user":
		if info.Principal == "" {
			return "", false
		}
		return keyPrefix + "user:" + info.Principal, true
	case "api_key":
		if info.APIKey == "" {
			return "", false
		}
		return keyPrefix + "api_key:" + info.APIKey, true
	case "route":
		if info.RoutePattern == "" {
			return "", false
		}
		return keyPrefix + "route:" + info.RoutePattern, true
	default:
		return "", false
	}
}

// mostRestrictive folds two decisions: denial dominates, then smallest
// remaining, then largest retry-after.
func mostRestrictive(agg, d *Decision) *Decision {
	if agg == nil {
		out := *d
		return &out
	}

	if !d.Allowed {
		agg.Allowed = false
	}
	if d.Remaining < agg.Remaining {
		agg.Remaining = d.Remaining
		agg.Limit = d.Limit
		agg.ResetAfter = d.ResetAfter
	}
	if d.RetryAfter > agg.RetryAfter {
		agg.RetryAfter = d.RetryAfter
	}
	return agg
}

// SetHeaders annotates a response with the rate limit headers. On
// denial Retry-After is added as well.
func SetHeaders(h http.Header, d *Decision) {
	if d == nil {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(d.ResetAfter))
	if !d.Allowed {
		retry := d.RetryAfter
		if retry < 1 {
			retry = 1
		}
		h.Set("Retry-After", strconv.Itoa(retry))
	}
}
