package gateway

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edgehop/gateway/internal/circuitbreaker"
	"github.com/edgehop/gateway/internal/config"
	"github.com/edgehop/gateway/internal/errors"
	"github.com/edgehop/gateway/internal/health"
	"github.com/edgehop/gateway/internal/loadbalancer"
	"github.com/edgehop/gateway/internal/logging"
	"github.com/edgehop/gateway/internal/metrics"
	"github.com/edgehop/gateway/internal/middleware/auth"
	"github.com/edgehop/gateway/internal/middleware/ratelimit"
	"github.com/edgehop/gateway/internal/proxy"
	"github.com/edgehop/gateway/internal/retry"
	"github.com/edgehop/gateway/internal/router"
)

// Gateway composes the request pipeline: routing, authentication,
// rate limiting, circuit breaking, load balancing and upstream I/O.
type Gateway struct {
	cfg     *config.Config
	router  *router.Router
	auth    *auth.Service
	limiter *ratelimit.Service

	breakers *circuitbreaker.Registry
	checker  *health.Checker

	// balancers is keyed by upstream name; routeBalancers carries the
	// single-backend pools created for direct-URL routes.
	balancers      map[string]loadbalancer.Balancer
	routeBalancers map[*router.Route]loadbalancer.Balancer

	retryPolicy *retry.Policy
	transport   http.RoundTripper
	collector   *metrics.Collector

	requestTimeout time.Duration // per upstream attempt
	serverTimeout  time.Duration // whole request deadline

	redisAuth    redis.UniversalClient
	redisLimiter redis.UniversalClient
}

// New builds a gateway from validated configuration.
func New(cfg *config.Config) (*Gateway, error) {
	g := &Gateway{
		cfg:            cfg,
		router:         router.New(),
		balancers:      make(map[string]loadbalancer.Balancer),
		routeBalancers: make(map[*router.Route]loadbalancer.Balancer),
		transport:      proxy.DefaultTransport(),
		collector:      metrics.NewCollector(),
		requestTimeout: time.Duration(cfg.CircuitBreaker.Merged(config.DefaultCircuitBreakerConfig()).RequestTimeoutSecs) * time.Second,
		serverTimeout:  time.Duration(cfg.Server.TimeoutSecs) * time.Second,
	}

	if err := g.initRedis(); err != nil {
		return nil, err
	}

	authSvc, err := auth.NewService(cfg.Auth, g.redisAuth)
	if err != nil {
		return nil, err
	}
	g.auth = authSvc

	g.limiter = ratelimit.NewService(cfg.RateLimiting, g.redisLimiter)

	g.breakers = circuitbreaker.NewRegistry(cfg.CircuitBreaker, g.onBreakerChange)

	g.checker = health.NewChecker(health.Config{
		OnChange: g.onHealthChange,
	})

	if err := g.initUpstreams(); err != nil {
		return nil, err
	}
	if err := g.initRoutes(); err != nil {
		return nil, err
	}

	g.retryPolicy = retry.NewPolicy(cfg.Retry, g.requestTimeout)

	return g, nil
}

// initRedis connects the Redis clients the API key validator and the
// rate limiter are configured against. The limiter degrades to its
// local fallback when the store is unreachable, so connectivity is not
// probed at startup.
func (g *Gateway) initRedis() error {
	if rc := g.cfg.Auth.APIKey; rc != nil && rc.Redis != nil && rc.Redis.URL != "" {
		opts, err := redis.ParseURL(rc.Redis.URL)
		if err != nil {
			return errors.Wrap(err, errors.KindInvalidConfig, "invalid auth.api_key.redis.url")
		}
		g.redisAuth = redis.NewClient(opts)
	}
	if rc := g.cfg.RateLimiting.Redis; rc != nil && rc.URL != "" {
		opts, err := redis.ParseURL(rc.URL)
		if err != nil {
			return errors.Wrap(err, errors.KindInvalidConfig, "invalid rate_limiting.redis.url")
		}
		g.redisLimiter = redis.NewClient(opts)
	}
	return nil
}

// initUpstreams builds one balancer per named upstream pool and
// registers its members with the health checker.
func (g *Gateway) initUpstreams() error {
	for _, u := range g.cfg.Upstreams {
		backends := make([]*loadbalancer.Backend, 0, len(u.Backends))
		for _, b := range u.Backends {
			weight := b.Weight
			if weight == 0 {
				weight = 1
			}
			backends = append(backends, &loadbalancer.Backend{
				URL:     b.URL,
				Weight:  weight,
				Healthy: true,
			})
		}

		g.balancers[u.Name] = loadbalancer.New(u.Strategy, backends)

		for _, b := range u.Backends {
			target := health.Target{
				URL:            b.URL,
				InitialHealthy: true,
			}
			if hc := u.HealthCheck; hc != nil {
				target.Active = true
				target.Path = hc.Path
				target.Interval = time.Duration(hc.IntervalSecs) * time.Second
				target.Timeout = time.Duration(hc.TimeoutSecs) * time.Second
				target.HealthyThreshold = hc.HealthyThreshold
				target.UnhealthyThreshold = hc.UnhealthyThreshold
				if hc.InitialHealthy != nil {
					target.InitialHealthy = *hc.InitialHealthy
				}
			}
			g.checker.Watch(target)
		}
	}
	return nil
}

// initRoutes compiles routes and builds single-backend pools for
// direct-URL routes so breaker and health accounting is uniform.
func (g *Gateway) initRoutes() error {
	for _, rc := range g.cfg.Routes {
		route, err := g.router.AddRoute(rc)
		if err != nil {
			return err
		}

		if route.Upstream {
			if _, ok := g.balancers[route.Backend]; !ok {
				return errors.Newf(errors.KindInvalidConfig, "route %s: unknown upstream %q", route.Path, route.Backend)
			}
			continue
		}

		backend := &loadbalancer.Backend{URL: route.Backend, Weight: 1, Healthy: true}
		g.routeBalancers[route] = loadbalancer.NewRoundRobin([]*loadbalancer.Backend{backend})
		g.checker.Watch(health.Target{URL: route.Backend, InitialHealthy: true})
	}
	return nil
}

// onHealthChange propagates health flips into every pool that carries
// the backend, and the health gauge.
func (g *Gateway) onHealthChange(url string, status health.Status) {
	healthy := status == health.StatusHealthy
	for _, b := range g.balancers {
		if healthy {
			b.MarkHealthy(url)
		} else {
			b.MarkUnhealthy(url)
		}
	}
	for _, b := range g.routeBalancers {
		if healthy {
			b.MarkHealthy(url)
		} else {
			b.MarkUnhealthy(url)
		}
	}
	g.collector.SetBackendHealth(url, healthy)
}

// onBreakerChange logs transitions and keeps the state gauge current.
func (g *Gateway) onBreakerChange(change circuitbreaker.StateChange) {
	logging.Info("circuit breaker state change",
		zap.String("backend", change.Backend),
		zap.String("from", change.From.String()),
		zap.String("to", change.To.String()))
	g.collector.SetBreakerState(change.Backend, int(change.To))
}

// Handler returns the pipeline as an http.Handler.
func (g *Gateway) Handler() http.Handler {
	return g
}

// ServeHTTP runs the request pipeline.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)

	ctx, cancel := context.WithTimeout(r.Context(), g.serverTimeout)
	defer cancel()
	r = r.WithContext(ctx)

	clientIP := proxy.ClientIP(r)

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	routeLabel := g.serve(sw, r, clientIP)

	duration := time.Since(start)
	g.collector.RecordRequest(routeLabel, r.Method, sw.status, duration)
	logging.Info("request",
		zap.String("request_id", requestID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("route", routeLabel),
		zap.Int("status", sw.status),
		zap.String("client_ip", clientIP),
		zap.Duration("duration", duration))
}

// serve executes the pipeline steps and returns the route label for
// metrics ("" when no route matched).
func (g *Gateway) serve(w http.ResponseWriter, r *http.Request, clientIP string) string {
	// Routing decides before anything else; bypass paths cannot
	// manufacture routes.
	match, err := g.router.Match(r.Method, r.URL.Path)
	if err != nil {
		g.writeError(w, err, nil)
		return ""
	}
	route := match.Route

	bypass := auth.IsBypassPath(r.URL.Path)

	var principal, apiKey string
	if !bypass {
		result, err := g.auth.Authenticate(r, route.Auth)
		if err != nil {
			g.writeError(w, err, nil)
			return route.Path
		}
		if result != nil {
			principal = result.Principal
			apiKey = result.Key
		}
	}

	var decision *ratelimit.Decision
	if !bypass && g.limiter.Enabled() {
		decision = g.limiter.Check(r.Context(), route.RateLimit, ratelimit.RequestInfo{
			ClientIP:     clientIP,
			Principal:    principal,
			APIKey:       apiKey,
			RoutePattern: route.Path,
		})
		if decision != nil && !decision.Allowed {
			g.collector.RecordRateLimited(route.Path)
			retryAfter := decision.RetryAfter
			if retryAfter < 1 {
				retryAfter = 1
			}
			limited := &errors.GatewayError{
				Kind:    errors.KindRateLimited,
				Message: "Rate limit exceeded",
				RateLimit: &errors.RateLimitInfo{
					Limit:      decision.Limit,
					Remaining:  decision.Remaining,
					ResetAfter: decision.ResetAfter,
					RetryAfter: retryAfter,
				},
			}
			g.writeError(w, limited, decision)
			return route.Path
		}
	}

	backend := g.selectBackend(route, clientIP)
	if backend == nil {
		g.writeError(w, errors.ErrUpstreamUnavailable, decision)
		return route.Path
	}

	breaker := g.breakers.Get(backend.URL, route.CircuitBreaker)
	if err := breaker.Allow(); err != nil {
		g.writeError(w, err, decision)
		return route.Path
	}

	target := router.BuildUpstreamURL(backendTarget(backend), match, r.URL.RawQuery)
	upstreamReq := proxy.BuildRequest(r.Context(), r, target, clientIP)

	// Least-connections accounting spans the whole attempt, including
	// failure paths.
	backend.IncrActive()
	defer backend.DecrActive()

	gate := func() error {
		if breaker.State() == circuitbreaker.StateOpen {
			return errors.ErrCircuitOpen
		}
		return nil
	}

	resp, err := g.retryPolicy.Execute(r.Context(), g.transport, upstreamReq, gate)
	g.recordOutcome(breaker, backend.URL, resp, err)

	if err != nil {
		g.writeError(w, mapUpstreamError(err), decision)
		return route.Path
	}
	defer resp.Body.Close()

	proxy.CopyResponseHeaders(w.Header(), resp.Header)
	ratelimit.SetHeaders(w.Header(), decision)
	w.WriteHeader(resp.StatusCode)
	proxy.CopyBody(w, resp.Body)

	return route.Path
}

// selectBackend resolves the route target through its pool.
func (g *Gateway) selectBackend(route *router.Route, clientIP string) *loadbalancer.Backend {
	var balancer loadbalancer.Balancer
	if route.Upstream {
		balancer = g.balancers[route.Backend]
	} else {
		balancer = g.routeBalancers[route]
	}
	if balancer == nil {
		return nil
	}

	if ipAware, ok := balancer.(loadbalancer.IPAware); ok {
		return ipAware.NextForIP(clientIP)
	}
	return balancer.Next()
}

// recordOutcome reports the terminal result of the logical upstream
// call to the breaker and the health checker. Upstream 4xx are not
// failures; 5xx, transport errors and timeouts are. A client
// cancellation is nobody's failure and is not recorded.
func (g *Gateway) recordOutcome(breaker *circuitbreaker.Breaker, backendURL string, resp *http.Response, err error) {
	if err != nil {
		if retry.IsCanceled(err) {
			return
		}
		if ge, ok := errors.AsGatewayError(err); ok && ge.Kind == errors.KindCircuitOpen {
			breaker.RecordRejected()
			return
		}
		breaker.RecordFailure(retry.IsTimeout(err))
		g.checker.ReportFailure(backendURL)
		return
	}

	if resp.StatusCode >= 500 {
		breaker.RecordFailure(false)
		g.checker.ReportFailure(backendURL)
		return
	}

	breaker.RecordSuccess()
	g.checker.ReportSuccess(backendURL)
}

// writeError renders a pipeline error, carrying the rate limit headers
// once the limiter has produced a decision.
func (g *Gateway) writeError(w http.ResponseWriter, err error, decision *ratelimit.Decision) {
	ratelimit.SetHeaders(w.Header(), decision)
	errors.FromError(err).WriteJSON(w)
}

// mapUpstreamError classifies a terminal transport error.
func mapUpstreamError(err error) *errors.GatewayError {
	if ge, ok := errors.AsGatewayError(err); ok {
		return ge
	}
	if retry.IsTimeout(err) {
		return errors.ErrGatewayTimeout
	}
	return errors.Wrap(err, errors.KindBadGateway, "Bad Gateway")
}

func backendTarget(b *loadbalancer.Backend) *url.URL {
	if b.ParsedURL == nil {
		b.InitParsedURL()
	}
	return b.ParsedURL
}

// Router returns the router (admin surface).
func (g *Gateway) Router() *router.Router { return g.router }

// Breakers returns the circuit breaker registry (admin surface).
func (g *Gateway) Breakers() *circuitbreaker.Registry { return g.breakers }

// HealthChecker returns the health checker (admin surface).
func (g *Gateway) HealthChecker() *health.Checker { return g.checker }

// Metrics returns the metrics collector.
func (g *Gateway) Metrics() *metrics.Collector { return g.collector }

// Close releases gateway resources.
func (g *Gateway) Close() error {
	g.checker.Stop()
	if g.redisAuth != nil {
		g.redisAuth.Close()
	}
	if g.redisLimiter != nil {
		g.redisLimiter.Close()
	}
	return nil
}

// statusWriter captures the response status for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (sw *statusWriter) WriteHeader(status int) {
	if !sw.wrote {
		sw.status = status
		sw.wrote = true
	}
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *statusWriter) Write(p []byte) (int, error) {
	sw.wrote = true
	return sw.ResponseWriter.Write(p)
}
