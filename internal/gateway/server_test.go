package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/edgehop/gateway/internal/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Admin = config.AdminConfig{Enabled: true, Port: 18081}
	cfg.Routes = []config.RouteConfig{
		{Path: "/api/users", Backend: "http://127.0.0.1:9001", Methods: []string{"GET"}},
	}

	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { s.gateway.Close() })
	return s
}

func TestAdminHealth(t *testing.T) {
	s := newTestServer(t)
	h := s.adminHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestAdminReady(t *testing.T) {
	s := newTestServer(t)
	h := s.adminHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != 200 {
		t.Errorf("status = %d, want ready with one route", rec.Code)
	}
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)
	h := s.adminHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/routes", nil))

	var routes []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &routes); err != nil {
		t.Fatalf("routes body: %v", err)
	}
	if len(routes) != 1 || routes[0]["path"] != "/api/users" {
		t.Errorf("routes = %v", routes)
	}
}

func TestAdminCircuitBreakers(t *testing.T) {
	s := newTestServer(t)
	h := s.adminHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/circuit-breakers", nil))
	if rec.Code != 200 {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestAdminMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	h := s.adminHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Errorf("status = %d", rec.Code)
	}
}
