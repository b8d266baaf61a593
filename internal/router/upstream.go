package router

import (
	"net/url"
	"strings"
)

// BuildUpstreamURL constructs the URL a matched request is forwarded
// to. base is the backend base URL (the route's own URL for direct
// routes, or the selected pool member's URL for upstream routes).
//
// :param placeholders in the base path are substituted from the match
// parameters. When the route strips its prefix, the matched literal
// prefix is removed from the forwarded path; otherwise the full
// request path is appended. The raw query is carried verbatim.
func BuildUpstreamURL(base *url.URL, m *Match, rawQuery string) *url.URL {
	target := *base

	basePath := target.Path
	substituted := false
	if strings.Contains(basePath, ":") {
		basePath, substituted = substituteParams(basePath, m.Params)
	}

	suffix := m.forwardPath(substituted)
	target.Path = singleJoiningSlash(basePath, suffix)
	target.RawQuery = rawQuery

	return &target
}

// forwardPath returns the request path portion appended to the backend
// base path. When the backend template consumed parameters via
// placeholder substitution, only the catchall capture is appended.
func (m *Match) forwardPath(templateSubstituted bool) string {
	if templateSubstituted {
		return m.CatchAll
	}

	if !m.Route.StripPrefix {
		return m.path
	}

	segs, trailing := splitRequestPath(m.path)
	if m.Route.literalPrefix >= len(segs) {
		if m.Route.CatchAllName() != "" {
			return m.CatchAll
		}
		return "/"
	}

	suffix := "/" + strings.Join(segs[m.Route.literalPrefix:], "/")
	if trailing {
		suffix += "/"
	}
	return suffix
}

// CatchAllName returns the catchall parameter name, or "".
func (r *Route) CatchAllName() string {
	if n := len(r.segments); n > 0 && r.segments[n-1].kind == segCatchAll {
		return r.segments[n-1].value
	}
	return ""
}

// substituteParams replaces :name segments in a backend path template.
// Reports whether at least one placeholder was substituted.
func substituteParams(path string, params map[string]string) (string, bool) {
	parts := strings.Split(path, "/")
	replaced := false
	for i, p := range parts {
		if strings.HasPrefix(p, ":") {
			if v, ok := params[p[1:]]; ok {
				parts[i] = v
				replaced = true
			}
		}
	}
	return strings.Join(parts, "/"), replaced
}

// singleJoiningSlash joins two URL paths with a single slash.
func singleJoiningSlash(a, b string) string {
	if b == "" {
		if a == "" {
			return "/"
		}
		return a
	}
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
