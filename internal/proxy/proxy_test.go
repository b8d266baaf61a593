package proxy

import (
	"context"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestBuildRequestForwardingHeaders(t *testing.T) {
	r := httptest.NewRequest("GET", "http://edge.example.com/api/users", nil)
	r.RemoteAddr = "203.0.113.7:51234"
	r.Header.Set("X-Custom", "kept")

	target, _ := url.Parse("http://backend:9000/api/users")
	out := BuildRequest(context.Background(), r, target, ClientIP(r))

	if out.Host != "backend:9000" {
		t.Errorf("Host = %q, want synthesized backend host", out.Host)
	}
	if got := out.Header.Get("X-Forwarded-For"); got != "203.0.113.7" {
		t.Errorf("X-Forwarded-For = %q", got)
	}
	if got := out.Header.Get("X-Forwarded-Proto"); got != "http" {
		t.Errorf("X-Forwarded-Proto = %q", got)
	}
	if got := out.Header.Get("X-Forwarded-Host"); got != "edge.example.com" {
		t.Errorf("X-Forwarded-Host = %q", got)
	}
	if got := out.Header.Get("X-Custom"); got != "kept" {
		t.Errorf("X-Custom = %q, regular headers must survive", got)
	}
}

func TestBuildRequestAppendsForwardedFor(t *testing.T) {
	r := httptest.NewRequest("GET", "/x", nil)
	r.RemoteAddr = "10.0.0.2:443"
	r.Header.Set("X-Forwarded-For", "198.51.100.9")

	target, _ := url.Parse("http://backend:9000/x")
	out := BuildRequest(context.Background(), r, target, ClientIP(r))

	if got := out.Header.Get("X-Forwarded-For"); got != "198.51.100.9, 10.0.0.2" {
		t.Errorf("X-Forwarded-For = %q, want appended chain", got)
	}
}

func TestBuildRequestStripsHopByHop(t *testing.T) {
	r := httptest.NewRequest("GET", "/x", nil)
	r.RemoteAddr = "10.0.0.2:443"
	for _, h := range []string{"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization", "Te", "Trailer", "Trailers", "Upgrade"} {
		r.Header.Set(h, "v")
	}

	target, _ := url.Parse("http://backend:9000/x")
	out := BuildRequest(context.Background(), r, target, ClientIP(r))

	for _, h := range hopHeaders {
		if got := out.Header.Get(h); got != "" {
			t.Errorf("hop-by-hop header %s leaked: %q", h, got)
		}
	}
}

func TestCopyResponseHeadersStripsHopByHop(t *testing.T) {
	src := make(map[string][]string)
	src["Content-Type"] = []string{"application/json"}
	src["Connection"] = []string{"keep-alive"}
	src["Transfer-Encoding"] = []string{"chunked"}

	dst := make(map[string][]string)
	CopyResponseHeaders(dst, src)

	if len(dst["Content-Type"]) == 0 {
		t.Error("regular response header dropped")
	}
	if len(dst["Connection"]) != 0 || len(dst["Transfer-Encoding"]) != 0 {
		t.Error("hop-by-hop response headers leaked")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/x", nil)
	r.RemoteAddr = "192.0.2.1:9999"
	if got := ClientIP(r); got != "192.0.2.1" {
		t.Errorf("ClientIP = %q", got)
	}

	// Forwarded headers are not trusted inbound
	r.Header.Set("X-Forwarded-For", "203.0.113.99")
	if got := ClientIP(r); got != "192.0.2.1" {
		t.Errorf("ClientIP honored untrusted X-Forwarded-For: %q", got)
	}
}
