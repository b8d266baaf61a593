package router

import (
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/edgehop/gateway/internal/config"
	"github.com/edgehop/gateway/internal/errors"
)

// segmentKind classifies one pattern segment.
type segmentKind int

const (
	segLiteral segmentKind = iota
	segParam
	segCatchAll
)

type segment struct {
	kind segmentKind
	// value is the literal text for segLiteral, the parameter name for
	// segParam and segCatchAll.
	value string
}

// Route represents a configured route. Immutable after load.
type Route struct {
	Path        string
	Methods     map[string]bool // nil = any method
	Backend     string          // URL or upstream name
	Upstream    bool            // true when Backend names an upstream pool
	StripPrefix bool
	Description string

	Auth           *config.RouteAuthConfig
	RateLimit      []config.RateLimitRule
	CircuitBreaker *config.CircuitBreakerConfig

	segments      []segment
	trailingSlash bool
	// literalPrefix is the number of leading literal segments, i.e. the
	// part removed when StripPrefix is set.
	literalPrefix int
	backendURL    *url.URL // parsed Backend when it is a direct URL
	configIdx     int      // insertion order for tie-breaking
}

// BackendURL returns the pre-parsed backend URL for direct-URL routes,
// or nil when the route targets a named upstream.
func (r *Route) BackendURL() *url.URL {
	return r.backendURL
}

// Match represents a route match result.
type Match struct {
	Route  *Route
	Params map[string]string
	// CatchAll is the captured remainder including its leading slash,
	// or "" when the pattern has no catchall segment.
	CatchAll string

	path          string // the matched request path
	trailingSlash bool
}

// Router matches method+path pairs against compiled route patterns.
// Routes are kept sorted by specificity: at each depth literals beat
// parameters beat catchalls, and equally specific routes keep their
// insertion order.
type Router struct {
	routes []*Route
	mu     sync.RWMutex
	next   int
}

// New creates a new router.
func New() *Router {
	return &Router{}
}

// AddRoute compiles and registers a route.
func (rt *Router) AddRoute(cfg config.RouteConfig) (*Route, error) {
	if cfg.Path == "" || !strings.HasPrefix(cfg.Path, "/") {
		return nil, errors.Newf(errors.KindInvalidConfig, "route path must start with /, got %q", cfg.Path)
	}

	segs, trailing, err := compilePattern(cfg.Path)
	if err != nil {
		return nil, err
	}

	route := &Route{
		Path:           cfg.Path,
		Backend:        cfg.Backend,
		StripPrefix:    cfg.StripPrefix,
		Description:    cfg.Description,
		Auth:           cfg.Auth,
		RateLimit:      cfg.RateLimit,
		CircuitBreaker: cfg.CircuitBreaker,
		segments:       segs,
		trailingSlash:  trailing,
	}

	for _, s := range segs {
		if s.kind != segLiteral {
			break
		}
		route.literalPrefix++
	}

	if strings.Contains(cfg.Backend, "://") {
		u, err := url.Parse(cfg.Backend)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInvalidConfig, "invalid backend URL "+cfg.Backend)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, errors.Newf(errors.KindInvalidConfig, "backend scheme must be http or https, got %q", u.Scheme)
		}
		route.backendURL = u
	} else {
		route.Upstream = true
	}

	if len(cfg.Methods) > 0 {
		route.Methods = make(map[string]bool, len(cfg.Methods))
		for _, m := range cfg.Methods {
			route.Methods[strings.ToUpper(m)] = true
		}
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	route.configIdx = rt.next
	rt.next++
	rt.routes = append(rt.routes, route)
	sort.SliceStable(rt.routes, func(i, j int) bool {
		c := compareSpecificity(rt.routes[i], rt.routes[j])
		if c != 0 {
			return c < 0
		}
		return rt.routes[i].configIdx < rt.routes[j].configIdx
	})

	return route, nil
}

// Match finds a route for method+path. Matching is two-phase: the path
// is matched first; on a path hit the method set is checked, so a path
// that matches with a disallowed method yields MethodNotAllowed rather
// than RouteNotFound.
func (rt *Router) Match(method, path string) (*Match, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	segs, trailing := splitRequestPath(path)

	pathMatched := false
	for _, route := range rt.routes {
		params, catchAll, ok := route.matchSegments(segs, trailing)
		if !ok {
			continue
		}
		pathMatched = true
		if route.Methods != nil && !route.Methods[method] {
			continue
		}
		return &Match{
			Route:         route,
			Params:        params,
			CatchAll:      catchAll,
			path:          path,
			trailingSlash: trailing,
		}, nil
	}

	if pathMatched {
		return nil, errors.Newf(errors.KindMethodNotAllowed, "Method %s not allowed for this route", method)
	}
	return nil, errors.Newf(errors.KindRouteNotFound, "No route matches %s", path)
}

// Routes returns all configured routes in match-precedence order.
func (rt *Router) Routes() []*Route {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]*Route, len(rt.routes))
	copy(out, rt.routes)
	return out
}

// matchSegments attempts to match pre-split request path segments.
func (r *Route) matchSegments(segs []string, trailing bool) (map[string]string, string, bool) {
	var params map[string]string

	for i, ps := range r.segments {
		switch ps.kind {
		case segCatchAll:
			// Catchall consumes the remainder; an empty remainder
			// captures "/", so /v1/*x on /v1/ forwards "/".
			rest := "/"
			if len(segs) > i {
				rest = "/" + strings.Join(segs[i:], "/")
				if trailing {
					rest += "/"
				}
			}
			if params == nil {
				params = make(map[string]string, 1)
			}
			params[ps.value] = rest
			return params, rest, true

		case segLiteral:
			if i >= len(segs) || segs[i] != ps.value {
				return nil, "", false
			}

		case segParam:
			if i >= len(segs) || segs[i] == "" {
				return nil, "", false
			}
			if params == nil {
				params = make(map[string]string, 2)
			}
			params[ps.value] = segs[i]
		}
	}

	if len(segs) != len(r.segments) || trailing != r.trailingSlash {
		return nil, "", false
	}
	return params, "", true
}

// compareSpecificity orders routes for matching: segment classes are
// compared depth-first, literals before parameters before catchalls.
// Returns <0 when a should be tried before b.
func compareSpecificity(a, b *Route) int {
	n := len(a.segments)
	if len(b.segments) < n {
		n = len(b.segments)
	}
	for i := 0; i < n; i++ {
		if c := int(a.segments[i].kind) - int(b.segments[i].kind); c != 0 {
			return c
		}
	}
	// Deeper patterns first among class-equal prefixes so that
	// /api/users/:id is tried before a shorter overlapping pattern.
	return len(b.segments) - len(a.segments)
}

// compilePattern splits a pattern into typed segments.
func compilePattern(pattern string) ([]segment, bool, error) {
	trailing := len(pattern) > 1 && strings.HasSuffix(pattern, "/")

	trimmed := strings.TrimPrefix(pattern, "/")
	trimmed = strings.TrimSuffix(trimmed, "/")
	if trimmed == "" {
		return nil, trailing, nil
	}

	parts := strings.Split(trimmed, "/")
	segs := make([]segment, 0, len(parts))
	seen := make(map[string]bool)

	for i, p := range parts {
		switch {
		case strings.HasPrefix(p, ":"):
			name := p[1:]
			if name == "" {
				return nil, false, errors.Newf(errors.KindInvalidConfig, "pattern %q: parameter segment needs a name", pattern)
			}
			if seen[name] {
				return nil, false, errors.Newf(errors.KindInvalidConfig, "pattern %q: duplicate parameter %q", pattern, name)
			}
			seen[name] = true
			segs = append(segs, segment{kind: segParam, value: name})

		case strings.HasPrefix(p, "*"):
			name := p[1:]
			if name == "" {
				return nil, false, errors.Newf(errors.KindInvalidConfig, "pattern %q: catchall segment needs a name", pattern)
			}
			if i != len(parts)-1 {
				return nil, false, errors.Newf(errors.KindInvalidConfig, "pattern %q: catchall must be the final segment", pattern)
			}
			if seen[name] {
				return nil, false, errors.Newf(errors.KindInvalidConfig, "pattern %q: duplicate parameter %q", pattern, name)
			}
			segs = append(segs, segment{kind: segCatchAll, value: name})

		default:
			segs = append(segs, segment{kind: segLiteral, value: p})
		}
	}

	return segs, trailing, nil
}

// splitRequestPath splits a request path into segments plus a trailing
// slash marker. Trailing slashes are significant: /a and /a/ differ.
func splitRequestPath(path string) ([]string, bool) {
	trailing := len(path) > 1 && strings.HasSuffix(path, "/")

	trimmed := strings.TrimPrefix(path, "/")
	trimmed = strings.TrimSuffix(trimmed, "/")
	if trimmed == "" {
		return nil, trailing
	}
	return strings.Split(trimmed, "/"), trailing
}
