package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgehop/gateway/internal/config"
	"github.com/edgehop/gateway/internal/logging"
)

// Server wraps the gateway with HTTP server functionality
type Server struct {
	gateway     *Gateway
	httpServer  *http.Server
	adminServer *http.Server
	config      *config.Config
}

// NewServer creates a new gateway server
func NewServer(cfg *config.Config) (*Server, error) {
	gw, err := New(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway: gw,
		config:  cfg,
	}

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     gw.Handler(),
		ReadTimeout: time.Duration(cfg.Server.TimeoutSecs) * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Admin.Port),
			Handler:      s.adminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// Run starts the servers and blocks until a shutdown signal arrives.
func (s *Server) Run() error {
	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		logging.Info("gateway listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})

	if s.adminServer != nil {
		g.Go(func() error {
			logging.Info("admin listening", zap.String("addr", s.adminServer.Addr))
			if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logging.Info("shutting down", zap.String("signal", sig.String()))
			return s.Shutdown(30 * time.Second)
		case <-ctx.Done():
			return nil
		}
	})

	return g.Wait()
}

// Shutdown gracefully stops the servers and releases resources.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			logging.Warn("admin server shutdown", zap.Error(err))
		}
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Warn("gateway server shutdown", zap.Error(err))
	}

	if err := s.gateway.Close(); err != nil {
		return err
	}

	logging.Sync()
	return nil
}

// Gateway returns the underlying gateway
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// adminHandler creates the admin API handler
func (s *Server) adminHandler() http.Handler {
	mux := httprouter.New()

	mux.HandlerFunc(http.MethodGet, "/health", s.handleHealth)
	mux.HandlerFunc(http.MethodGet, "/healthz", s.handleHealth)
	mux.HandlerFunc(http.MethodGet, "/ready", s.handleReady)
	mux.HandlerFunc(http.MethodGet, "/routes", s.handleRoutes)
	mux.HandlerFunc(http.MethodGet, "/backends", s.handleBackends)
	mux.HandlerFunc(http.MethodGet, "/circuit-breakers", s.handleCircuitBreakers)
	mux.Handler(http.MethodGet, "/metrics", s.gateway.Metrics().Handler())

	return mux
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleReady reports readiness: at least one route configured.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	routes := s.gateway.Router().Routes()

	w.Header().Set("Content-Type", "application/json")
	if len(routes) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{"status": "not_ready"})
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ready",
		"routes": len(routes),
	})
}

// handleRoutes lists configured routes.
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	type routeInfo struct {
		Path        string   `json:"path"`
		Backend     string   `json:"backend"`
		Upstream    bool     `json:"upstream"`
		Methods     []string `json:"methods,omitempty"`
		StripPrefix bool     `json:"strip_prefix"`
		Description string   `json:"description,omitempty"`
	}

	routes := s.gateway.Router().Routes()
	result := make([]routeInfo, 0, len(routes))
	for _, route := range routes {
		info := routeInfo{
			Path:        route.Path,
			Backend:     route.Backend,
			Upstream:    route.Upstream,
			StripPrefix: route.StripPrefix,
			Description: route.Description,
		}
		for method := range route.Methods {
			info.Methods = append(info.Methods, method)
		}
		result = append(result, info)
	}

	json.NewEncoder(w).Encode(result)
}

// handleBackends reports backend health.
func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	results := s.gateway.HealthChecker().GetAllStatus()

	type backendStatus struct {
		URL       string `json:"url"`
		Status    string `json:"status"`
		Latency   string `json:"latency,omitempty"`
		LastCheck string `json:"last_check,omitempty"`
		Error     string `json:"error,omitempty"`
	}

	backends := make([]backendStatus, 0, len(results))
	for _, result := range results {
		bs := backendStatus{
			URL:    result.URL,
			Status: string(result.Status),
		}
		if result.Latency > 0 {
			bs.Latency = result.Latency.String()
		}
		if !result.Timestamp.IsZero() {
			bs.LastCheck = result.Timestamp.Format(time.RFC3339)
		}
		if result.Error != nil {
			bs.Error = result.Error.Error()
		}
		backends = append(backends, bs)
	}

	json.NewEncoder(w).Encode(backends)
}

// handleCircuitBreakers reports breaker snapshots.
func (s *Server) handleCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.gateway.Breakers().Snapshots())
}
