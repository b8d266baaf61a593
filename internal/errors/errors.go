package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind identifies a class of gateway failure. Every error surfaced to a
// client maps to exactly one kind and one HTTP status.
type Kind int

const (
	KindRouteNotFound Kind = iota
	KindMethodNotAllowed
	KindUnauthorized
	KindMissingCredentials
	KindInvalidToken
	KindInvalidAPIKey
	KindRateLimited
	KindCircuitOpen
	KindUpstreamUnavailable
	KindBadGateway
	KindGatewayTimeout
	KindInvalidConfig
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindRouteNotFound:
		return "route_not_found"
	case KindMethodNotAllowed:
		return "method_not_allowed"
	case KindUnauthorized:
		return "unauthorized"
	case KindMissingCredentials:
		return "missing_credentials"
	case KindInvalidToken:
		return "invalid_token"
	case KindInvalidAPIKey:
		return "invalid_api_key"
	case KindRateLimited:
		return "rate_limited"
	case KindCircuitOpen:
		return "circuit_open"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindBadGateway:
		return "bad_gateway"
	case KindGatewayTimeout:
		return "gateway_timeout"
	case KindInvalidConfig:
		return "invalid_config"
	default:
		return "internal"
	}
}

// Status returns the HTTP status a kind maps to.
func (k Kind) Status() int {
	switch k {
	case KindRouteNotFound:
		return http.StatusNotFound
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindUnauthorized, KindMissingCredentials, KindInvalidToken, KindInvalidAPIKey:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindCircuitOpen, KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindBadGateway:
		return http.StatusBadGateway
	case KindGatewayTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// GatewayError is an error that can be rendered to a client.
type GatewayError struct {
	Kind       Kind
	Message    string
	underlying error

	// RateLimit carries the 429 body extras; nil for other kinds.
	RateLimit *RateLimitInfo
}

// RateLimitInfo is attached to RateLimited errors and rendered into
// the response body alongside the Retry-After header.
type RateLimitInfo struct {
	Limit      int `json:"limit"`
	Remaining  int `json:"remaining"`
	ResetAfter int `json:"reset_after"`
	RetryAfter int `json:"retry_after"`
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// Status returns the HTTP status for this error.
func (e *GatewayError) Status() int {
	return e.Kind.Status()
}

// wireBody is the JSON shape written to clients.
type wireBody struct {
	Error  string `json:"error"`
	Status int    `json:"status"`

	Limit      *int `json:"limit,omitempty"`
	Remaining  *int `json:"remaining,omitempty"`
	ResetAfter *int `json:"reset_after,omitempty"`
	RetryAfter *int `json:"retry_after,omitempty"`
}

// WriteJSON writes the error as a JSON response body with its status.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	body := wireBody{
		Error:  e.Message,
		Status: e.Status(),
	}
	if rl := e.RateLimit; rl != nil {
		body.Limit = &rl.Limit
		body.Remaining = &rl.Remaining
		body.ResetAfter = &rl.ResetAfter
		body.RetryAfter = &rl.RetryAfter
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status())
	json.NewEncoder(w).Encode(body)
}

// New creates a new GatewayError.
func New(kind Kind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

// Newf creates a new GatewayError with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *GatewayError {
	return &GatewayError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an underlying error with a kind and client-facing message.
func Wrap(err error, kind Kind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, underlying: err}
}

// Is reports whether err is a GatewayError of the given kind.
func Is(err error, kind Kind) bool {
	ge, ok := AsGatewayError(err)
	return ok && ge.Kind == kind
}

// AsGatewayError extracts a *GatewayError from err if present.
func AsGatewayError(err error) (*GatewayError, bool) {
	for err != nil {
		if ge, ok := err.(*GatewayError); ok {
			return ge, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// FromError coerces any error into a GatewayError, defaulting unknown
// errors to Internal.
func FromError(err error) *GatewayError {
	if ge, ok := AsGatewayError(err); ok {
		return ge
	}
	return Wrap(err, KindInternal, "Internal Server Error")
}

// Common errors
var (
	ErrNotFound = &GatewayError{
		Kind:    KindRouteNotFound,
		Message: "Not Found",
	}

	ErrUnauthorized = &GatewayError{
		Kind:    KindUnauthorized,
		Message: "Unauthorized",
	}

	ErrMissingCredentials = &GatewayError{
		Kind:    KindMissingCredentials,
		Message: "Missing authentication credentials",
	}

	ErrCircuitOpen = &GatewayError{
		Kind:    KindCircuitOpen,
		Message: "Service temporarily unavailable",
	}

	ErrUpstreamUnavailable = &GatewayError{
		Kind:    KindUpstreamUnavailable,
		Message: "No healthy backends available",
	}

	ErrBadGateway = &GatewayError{
		Kind:    KindBadGateway,
		Message: "Bad Gateway",
	}

	ErrGatewayTimeout = &GatewayError{
		Kind:    KindGatewayTimeout,
		Message: "Gateway Timeout",
	}

	ErrInternalServer = &GatewayError{
		Kind:    KindInternal,
		Message: "Internal Server Error",
	}
)
