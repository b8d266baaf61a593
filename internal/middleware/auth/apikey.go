package auth

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edgehop/gateway/internal/config"
	"github.com/edgehop/gateway/internal/errors"
	"github.com/edgehop/gateway/internal/logging"
)

const (
	defaultAPIKeyHeader = "X-API-Key"
	defaultKeyPrefix    = "gateway:apikey:"
	redisLookupTimeout  = 500 * time.Millisecond
)

// APIKeyValidator validates API keys against an in-memory map and,
// when configured, a Redis keyspace.
type APIKeyValidator struct {
	header string
	prefix string
	client redis.UniversalClient

	mu   sync.RWMutex
	keys map[string]string // key -> client id
}

// NewAPIKeyValidator creates an API key validator. client may be nil
// when no distributed keyspace is configured.
func NewAPIKeyValidator(cfg config.APIKeyConfig, client redis.UniversalClient) *APIKeyValidator {
	header := cfg.Header
	if header == "" {
		header = defaultAPIKeyHeader
	}

	prefix := defaultKeyPrefix
	if cfg.Redis != nil && cfg.Redis.Prefix != "" {
		prefix = cfg.Redis.Prefix
	}

	keys := make(map[string]string, len(cfg.Keys))
	for k, owner := range cfg.Keys {
		keys[k] = owner
	}

	return &APIKeyValidator{
		header: header,
		prefix: prefix,
		client: client,
		keys:   keys,
	}
}

// Validate looks up the request's API key: the in-memory map first,
// then Redis. A Redis failure is treated as an invalid key for this
// validator, never as acceptance.
func (v *APIKeyValidator) Validate(r *http.Request) (*Result, error) {
	key := r.Header.Get(v.header)
	if key == "" {
		return nil, errors.ErrMissingCredentials
	}

	v.mu.RLock()
	owner, ok := v.keys[key]
	v.mu.RUnlock()
	if ok {
		return v.result(key, owner), nil
	}

	if v.client != nil {
		ctx, cancel := context.WithTimeout(r.Context(), redisLookupTimeout)
		defer cancel()

		val, err := v.client.Get(ctx, v.prefix+key).Result()
		if err == nil {
			return v.result(key, val), nil
		}
		if err != redis.Nil {
			logging.Warn("api key store lookup failed", zap.Error(err))
		}
	}

	return nil, errors.New(errors.KindInvalidAPIKey, "Invalid API key")
}

func (v *APIKeyValidator) result(key, info string) *Result {
	metadata := map[string]interface{}{}
	if info != "" {
		metadata["client_id"] = info
	}
	return &Result{
		Principal: key,
		Method:    MethodAPIKey,
		Metadata:  metadata,
		Key:       key,
	}
}

// AddKey registers an API key in the in-memory store.
func (v *APIKeyValidator) AddKey(key, owner string) {
	v.mu.Lock()
	v.keys[key] = owner
	v.mu.Unlock()
}

// RemoveKey removes an API key from the in-memory store.
func (v *APIKeyValidator) RemoveKey(key string) {
	v.mu.Lock()
	delete(v.keys, key)
	v.mu.Unlock()
}
