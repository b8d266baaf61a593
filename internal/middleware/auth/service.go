package auth

import (
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/edgehop/gateway/internal/config"
	"github.com/edgehop/gateway/internal/errors"
)

// bypassPaths always skip authentication and rate limiting. They are
// consulted after routing; an unrouted health path is still a 404.
var bypassPaths = map[string]bool{
	"/health":    true,
	"/healthz":   true,
	"/ready":     true,
	"/readiness": true,
	"/ping":      true,
}

// IsBypassPath reports whether a path skips auth and rate limiting.
func IsBypassPath(path string) bool {
	return bypassPaths[path]
}

// Service orchestrates the configured validators against per-route
// policy. Validators are attempted in a fixed order, JWT first, and
// the first success wins.
type Service struct {
	jwt    *JWTValidator
	apiKey *APIKeyValidator
}

// NewService creates the auth orchestrator from configuration.
func NewService(cfg config.AuthConfig, apiKeyClient redis.UniversalClient) (*Service, error) {
	s := &Service{}

	if cfg.JWT != nil {
		v, err := NewJWTValidator(*cfg.JWT)
		if err != nil {
			return nil, err
		}
		s.jwt = v
	}

	if cfg.APIKey != nil {
		s.apiKey = NewAPIKeyValidator(*cfg.APIKey, apiKeyClient)
	}

	if s.jwt == nil && s.apiKey == nil {
		return nil, nil
	}
	return s, nil
}

// Configured reports whether at least one validator is available.
func (s *Service) Configured() bool {
	return s != nil && (s.jwt != nil || s.apiKey != nil)
}

// JWT returns the JWT validator (may be nil).
func (s *Service) JWT() *JWTValidator { return s.jwt }

// APIKey returns the API key validator (may be nil).
func (s *Service) APIKey() *APIKeyValidator { return s.apiKey }

// Authenticate applies the route policy. A nil policy or required=false
// bypasses authentication with a nil Result. When every attempted
// method fails the most specific failure is returned: invalid token
// over invalid API key over missing credentials.
func (s *Service) Authenticate(r *http.Request, policy *config.RouteAuthConfig) (*Result, error) {
	if policy == nil || !policy.Required {
		return nil, nil
	}

	if !s.Configured() {
		return nil, errors.New(errors.KindInternal, "Authentication required but no auth methods configured")
	}

	allowed := func(method string) bool {
		if len(policy.Methods) == 0 {
			return true
		}
		for _, m := range policy.Methods {
			if m == method {
				return true
			}
		}
		return false
	}

	var best *errors.GatewayError

	record := func(err error) {
		ge := errors.FromError(err)
		if best == nil || failureRank(ge.Kind) > failureRank(best.Kind) {
			best = ge
		}
	}

	if s.jwt != nil && allowed(MethodJWT) {
		result, err := s.jwt.Validate(r)
		if err == nil {
			return result, nil
		}
		record(err)
	}

	if s.apiKey != nil && allowed(MethodAPIKey) {
		result, err := s.apiKey.Validate(r)
		if err == nil {
			return result, nil
		}
		record(err)
	}

	if best == nil {
		best = errors.ErrMissingCredentials
	}
	return nil, errors.Newf(best.Kind, "Authentication failed: %s", best.Message)
}

// failureRank orders auth failures by specificity.
func failureRank(kind errors.Kind) int {
	switch kind {
	case errors.KindInvalidToken:
		return 3
	case errors.KindInvalidAPIKey:
		return 2
	case errors.KindMissingCredentials:
		return 1
	default:
		return 0
	}
}
