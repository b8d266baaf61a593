package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/edgehop/gateway/internal/errors"
)

var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

var validAuthMethods = map[string]bool{
	"jwt": true, "api_key": true,
}

var validAlgorithms = map[string]bool{
	"token_bucket": true, "fixed_window": true, "sliding_window": true,
}

var validDimensions = map[string]bool{
	"ip": true, "user": true, "api_key": true, "route": true,
}

var validStrategies = map[string]bool{
	"round_robin": true, "weighted_round_robin": true,
	"least_connections": true, "ip_hash": true, "random": true,
}

var validJWTAlgorithms = map[string]bool{
	"HS256": true, "HS384": true, "HS512": true,
	"RS256": true, "RS384": true, "RS512": true,
}

// Loader loads and validates gateway configuration
type Loader struct{}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads, parses and validates a YAML configuration file.
// Unknown keys are rejected.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInvalidConfig, fmt.Sprintf("failed to read config file %s", path))
	}
	return l.Parse(data)
}

// Parse parses and validates YAML configuration bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.UnmarshalWithOptions(data, cfg, yaml.Strict()); err != nil {
		return nil, errors.Wrap(err, errors.KindInvalidConfig, "failed to parse configuration")
	}

	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks a configuration for consistency.
func (l *Loader) Validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.Newf(errors.KindInvalidConfig, "server.port must be in 1..65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.TimeoutSecs <= 0 {
		return errors.Newf(errors.KindInvalidConfig, "server.timeout_secs must be > 0, got %d", cfg.Server.TimeoutSecs)
	}

	upstreams := make(map[string]bool, len(cfg.Upstreams))
	for i, u := range cfg.Upstreams {
		if u.Name == "" {
			return errors.Newf(errors.KindInvalidConfig, "upstreams[%d]: name is required", i)
		}
		if upstreams[u.Name] {
			return errors.Newf(errors.KindInvalidConfig, "upstreams[%d]: duplicate name %q", i, u.Name)
		}
		upstreams[u.Name] = true

		if u.Strategy != "" && !validStrategies[u.Strategy] {
			return errors.Newf(errors.KindInvalidConfig, "upstream %q: unknown strategy %q", u.Name, u.Strategy)
		}
		if len(u.Backends) == 0 {
			return errors.Newf(errors.KindInvalidConfig, "upstream %q: at least one backend is required", u.Name)
		}
		for _, b := range u.Backends {
			if err := validateBackendURL(b.URL); err != nil {
				return errors.Newf(errors.KindInvalidConfig, "upstream %q: %v", u.Name, err)
			}
			if b.Weight < 0 {
				return errors.Newf(errors.KindInvalidConfig, "upstream %q: backend %s weight must be >= 1", u.Name, b.URL)
			}
		}
		if hc := u.HealthCheck; hc != nil {
			if hc.IntervalSecs < 0 || hc.TimeoutSecs < 0 {
				return errors.Newf(errors.KindInvalidConfig, "upstream %q: health_check intervals must be >= 0", u.Name)
			}
		}
	}

	if len(cfg.Routes) == 0 {
		return errors.New(errors.KindInvalidConfig, "at least one route is required")
	}
	for i, r := range cfg.Routes {
		if r.Path == "" {
			return errors.Newf(errors.KindInvalidConfig, "routes[%d]: path is required", i)
		}
		if !strings.HasPrefix(r.Path, "/") {
			return errors.Newf(errors.KindInvalidConfig, "routes[%d]: path must start with /, got %q", i, r.Path)
		}
		if r.Backend == "" {
			return errors.Newf(errors.KindInvalidConfig, "route %s: backend is required", r.Path)
		}
		// Backend is either a URL or a named upstream
		if strings.Contains(r.Backend, "://") {
			if err := validateBackendURL(r.Backend); err != nil {
				return errors.Newf(errors.KindInvalidConfig, "route %s: %v", r.Path, err)
			}
		} else if !upstreams[r.Backend] {
			return errors.Newf(errors.KindInvalidConfig, "route %s: unknown upstream %q", r.Path, r.Backend)
		}

		for _, m := range r.Methods {
			if !validMethods[strings.ToUpper(m)] {
				return errors.Newf(errors.KindInvalidConfig, "route %s: invalid method %q", r.Path, m)
			}
		}

		if r.Auth != nil {
			for _, m := range r.Auth.Methods {
				if !validAuthMethods[m] {
					return errors.Newf(errors.KindInvalidConfig, "route %s: invalid auth method %q", r.Path, m)
				}
			}
		}

		for _, rule := range r.RateLimit {
			if err := validateRule(rule); err != nil {
				return errors.Newf(errors.KindInvalidConfig, "route %s: %v", r.Path, err)
			}
		}
	}

	if jwtCfg := cfg.Auth.JWT; jwtCfg != nil {
		if (jwtCfg.Secret == "") == (jwtCfg.PublicKey == "") {
			return errors.New(errors.KindInvalidConfig, "auth.jwt: exactly one of secret or public_key must be set")
		}
		if jwtCfg.Algorithm != "" && !validJWTAlgorithms[jwtCfg.Algorithm] {
			return errors.Newf(errors.KindInvalidConfig, "auth.jwt: unsupported algorithm %q", jwtCfg.Algorithm)
		}
	}

	if cfg.RateLimiting.Enabled {
		if cfg.RateLimiting.Algorithm != "" && !validAlgorithms[cfg.RateLimiting.Algorithm] {
			return errors.Newf(errors.KindInvalidConfig, "rate_limiting: unknown algorithm %q", cfg.RateLimiting.Algorithm)
		}
		for _, rule := range cfg.RateLimiting.Global {
			if err := validateRule(rule); err != nil {
				return errors.Newf(errors.KindInvalidConfig, "rate_limiting: %v", err)
			}
		}
	}

	if cfg.Retry.MaxRetries < 0 {
		return errors.New(errors.KindInvalidConfig, "retry.max_retries must be >= 0")
	}
	if cfg.Retry.BackoffMultiplier < 1 {
		return errors.Newf(errors.KindInvalidConfig, "retry.backoff_multiplier must be >= 1, got %v", cfg.Retry.BackoffMultiplier)
	}

	return nil
}

func validateRule(rule RateLimitRule) error {
	if !validDimensions[rule.Dimension] {
		return fmt.Errorf("invalid rate limit dimension %q", rule.Dimension)
	}
	if rule.Requests <= 0 {
		return fmt.Errorf("rate limit requests must be > 0, got %d", rule.Requests)
	}
	if rule.WindowSecs <= 0 {
		return fmt.Errorf("rate limit window_secs must be > 0, got %d", rule.WindowSecs)
	}
	if rule.Burst < 0 {
		return fmt.Errorf("rate limit burst must be >= 0, got %d", rule.Burst)
	}
	return nil
}

func validateBackendURL(raw string) error {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return fmt.Errorf("backend URL must start with http:// or https://, got %q", raw)
	}
	return nil
}
