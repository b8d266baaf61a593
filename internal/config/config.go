package config

// Config represents the complete gateway configuration
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Routes         []RouteConfig        `yaml:"routes"`
	Auth           AuthConfig           `yaml:"auth"`
	RateLimiting   RateLimitingConfig   `yaml:"rate_limiting"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
	Upstreams      []UpstreamConfig     `yaml:"upstreams"`
	Logging        LoggingConfig        `yaml:"logging"`
	Admin          AdminConfig          `yaml:"admin"`
}

// ServerConfig defines HTTP server settings
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// RouteConfig defines a single route
type RouteConfig struct {
	Path        string           `yaml:"path"`
	Backend     string           `yaml:"backend"`
	Methods     []string         `yaml:"methods"`
	StripPrefix bool             `yaml:"strip_prefix"`
	Description string           `yaml:"description"`
	Auth        *RouteAuthConfig `yaml:"auth"`
	RateLimit   []RateLimitRule  `yaml:"rate_limit"`

	// Per-route circuit breaker tuning; zero fields inherit globals.
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RouteAuthConfig defines authentication policy for a route
type RouteAuthConfig struct {
	Required bool     `yaml:"required"`
	Methods  []string `yaml:"methods"` // jwt, api_key; empty = all configured
}

// AuthConfig defines authentication settings
type AuthConfig struct {
	JWT    *JWTConfig    `yaml:"jwt"`
	APIKey *APIKeyConfig `yaml:"api_key"`
}

// JWTConfig defines JWT validation settings.
// Exactly one of Secret (HS*) or PublicKey (RS*, PEM) must be set.
type JWTConfig struct {
	Secret        string   `yaml:"secret"`
	PublicKey     string   `yaml:"public_key"`
	Algorithm     string   `yaml:"algorithm"`
	Issuer        string   `yaml:"issuer"`
	Audience      []string `yaml:"audience"`
	ClockSkewSecs int      `yaml:"clock_skew_secs"`
}

// APIKeyConfig defines API key validation settings
type APIKeyConfig struct {
	Header string            `yaml:"header"`
	Keys   map[string]string `yaml:"keys"` // key -> owner/client id
	Redis  *RedisConfig      `yaml:"redis"`
}

// RedisConfig defines a Redis connection used as distributed KV
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// RateLimitingConfig defines global rate limiting settings
type RateLimitingConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Algorithm string          `yaml:"algorithm"` // token_bucket, fixed_window, sliding_window
	Global    []RateLimitRule `yaml:"global"`
	Redis     *RedisConfig    `yaml:"redis"`
}

// RateLimitRule defines one rate limit rule on a dimension
type RateLimitRule struct {
	Dimension  string `yaml:"dimension"` // ip, user, api_key, route
	Requests   int    `yaml:"requests"`
	WindowSecs int    `yaml:"window_secs"`
	Burst      int    `yaml:"burst"` // token bucket capacity; default = requests
}

// CircuitBreakerConfig defines circuit breaker tunables
type CircuitBreakerConfig struct {
	FailureThreshold   int `yaml:"failure_threshold"`
	SuccessThreshold   int `yaml:"success_threshold"`
	TimeoutSecs        int `yaml:"timeout_secs"`
	HalfOpenRequests   int `yaml:"half_open_requests"`
	RequestTimeoutSecs int `yaml:"request_timeout_secs"`
}

// RetryConfig defines retry settings
type RetryConfig struct {
	MaxRetries        int     `yaml:"max_retries"`
	InitialBackoffMs  int     `yaml:"initial_backoff_ms"`
	MaxBackoffMs      int     `yaml:"max_backoff_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// UpstreamConfig defines a named backend pool
type UpstreamConfig struct {
	Name        string             `yaml:"name"`
	Strategy    string             `yaml:"strategy"` // round_robin, weighted_round_robin, least_connections, ip_hash, random
	Backends    []BackendConfig    `yaml:"backends"`
	HealthCheck *HealthCheckConfig `yaml:"health_check"`
}

// BackendConfig defines a backend pool member
type BackendConfig struct {
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"`
}

// HealthCheckConfig defines active health checking for an upstream
type HealthCheckConfig struct {
	Path               string `yaml:"path"`
	IntervalSecs       int    `yaml:"interval_secs"`
	TimeoutSecs        int    `yaml:"timeout_secs"`
	UnhealthyThreshold int    `yaml:"unhealthy_threshold"`
	HealthyThreshold   int    `yaml:"healthy_threshold"`
	InitialHealthy     *bool  `yaml:"initial_healthy"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Output     string `yaml:"output"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// AdminConfig defines admin API settings
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// DefaultConfig returns a configuration with the documented defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			TimeoutSecs: 30,
		},
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		Retry: RetryConfig{
			MaxRetries:        0,
			InitialBackoffMs:  100,
			MaxBackoffMs:      10000,
			BackoffMultiplier: 2.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Admin: AdminConfig{
			Enabled: false,
			Port:    8081,
		},
	}
}

// DefaultCircuitBreakerConfig returns the breaker tunable defaults
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:   5,
		SuccessThreshold:   2,
		TimeoutSecs:        60,
		HalfOpenRequests:   3,
		RequestTimeoutSecs: 30,
	}
}

// Merged returns cfg with zero fields filled from defaults.
func (c CircuitBreakerConfig) Merged(defaults CircuitBreakerConfig) CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaults.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = defaults.SuccessThreshold
	}
	if c.TimeoutSecs <= 0 {
		c.TimeoutSecs = defaults.TimeoutSecs
	}
	if c.HalfOpenRequests <= 0 {
		c.HalfOpenRequests = defaults.HalfOpenRequests
	}
	if c.RequestTimeoutSecs <= 0 {
		c.RequestTimeoutSecs = defaults.RequestTimeoutSecs
	}
	return c
}
