package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/edgehop/gateway/internal/config"
	"github.com/edgehop/gateway/internal/errors"
)

func TestAPIKeyMemoryHit(t *testing.T) {
	v := NewAPIKeyValidator(config.APIKeyConfig{
		Keys: map[string]string{"k1": "client-a"},
	}, nil)

	r := httptest.NewRequest("GET", "/p", nil)
	r.Header.Set("X-API-Key", "k1")

	result, err := v.Validate(r)
	if err != nil {
		t.Fatalf("expected valid key, got %v", err)
	}
	if result.Principal != "k1" {
		t.Errorf("principal = %q, want k1", result.Principal)
	}
	if result.Method != MethodAPIKey {
		t.Errorf("method = %q, want api_key", result.Method)
	}
	if result.Key != "k1" {
		t.Errorf("raw key = %q, want k1", result.Key)
	}
	if result.Metadata["client_id"] != "client-a" {
		t.Errorf("metadata client_id = %v, want client-a", result.Metadata["client_id"])
	}
}

func TestAPIKeyCustomHeader(t *testing.T) {
	v := NewAPIKeyValidator(config.APIKeyConfig{
		Header: "X-Token",
		Keys:   map[string]string{"k1": "client-a"},
	}, nil)

	r := httptest.NewRequest("GET", "/p", nil)
	r.Header.Set("X-Token", "k1")
	if _, err := v.Validate(r); err != nil {
		t.Errorf("expected valid key via custom header, got %v", err)
	}

	r = httptest.NewRequest("GET", "/p", nil)
	r.Header.Set("X-API-Key", "k1")
	if _, err := v.Validate(r); !errors.Is(err, errors.KindMissingCredentials) {
		t.Errorf("default header must not be read when a custom one is set, got %v", err)
	}
}

func TestAPIKeyUnknown(t *testing.T) {
	v := NewAPIKeyValidator(config.APIKeyConfig{
		Keys: map[string]string{"k1": "client-a"},
	}, nil)

	r := httptest.NewRequest("GET", "/p", nil)
	r.Header.Set("X-API-Key", "nope")
	if _, err := v.Validate(r); !errors.Is(err, errors.KindInvalidAPIKey) {
		t.Errorf("expected InvalidAPIKey, got %v", err)
	}
}

func TestAPIKeyMissing(t *testing.T) {
	v := NewAPIKeyValidator(config.APIKeyConfig{Keys: map[string]string{"k1": "a"}}, nil)

	r := httptest.NewRequest("GET", "/p", nil)
	if _, err := v.Validate(r); !errors.Is(err, errors.KindMissingCredentials) {
		t.Errorf("expected MissingCredentials, got %v", err)
	}
}

func TestAPIKeyStoreUnavailableIsNotAcceptance(t *testing.T) {
	// A dead store must yield Unauthorized, never accept the key.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	v := NewAPIKeyValidator(config.APIKeyConfig{
		Keys:  map[string]string{"known": "client-a"},
		Redis: &config.RedisConfig{URL: "redis://127.0.0.1:1"},
	}, client)

	r := httptest.NewRequest("GET", "/p", nil)
	r.Header.Set("X-API-Key", "only-in-redis")
	if _, err := v.Validate(r); !errors.Is(err, errors.KindInvalidAPIKey) {
		t.Errorf("expected InvalidAPIKey when store is down, got %v", err)
	}

	// The in-memory stage still works with the store down.
	r = httptest.NewRequest("GET", "/p", nil)
	r.Header.Set("X-API-Key", "known")
	if _, err := v.Validate(r); err != nil {
		t.Errorf("expected memory hit despite dead store, got %v", err)
	}
}

func TestAPIKeyAddRemove(t *testing.T) {
	v := NewAPIKeyValidator(config.APIKeyConfig{Keys: map[string]string{}}, nil)

	v.AddKey("fresh", "client-b")
	r := httptest.NewRequest("GET", "/p", nil)
	r.Header.Set("X-API-Key", "fresh")
	if _, err := v.Validate(r); err != nil {
		t.Errorf("expected added key to validate, got %v", err)
	}

	v.RemoveKey("fresh")
	if _, err := v.Validate(r); !errors.Is(err, errors.KindInvalidAPIKey) {
		t.Errorf("expected removed key to fail, got %v", err)
	}
}
