package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
)

// hopHeaders are consumed by a single connection and never forwarded,
// in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopHeaders strips hop-by-hop headers in place.
func RemoveHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// BuildRequest creates the request sent to the backend. The Host
// header is synthesized from the target URL, hop-by-hop headers are
// stripped, and the forwarding headers are applied.
func BuildRequest(ctx context.Context, r *http.Request, target *url.URL, clientIP string) *http.Request {
	out := (&http.Request{
		Method:        r.Method,
		URL:           target,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)

	out.Header = make(http.Header, len(r.Header)+3)
	for k, vv := range r.Header {
		out.Header[k] = append([]string(nil), vv...)
	}

	if clientIP != "" {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			out.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			out.Header.Set("X-Forwarded-For", clientIP)
		}
	}

	if r.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}

	if out.Header.Get("X-Forwarded-Host") == "" {
		out.Header.Set("X-Forwarded-Host", r.Host)
	}

	RemoveHopHeaders(out.Header)

	return out
}

// CopyResponseHeaders copies upstream response headers to the client,
// minus hop-by-hop headers.
func CopyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	RemoveHopHeaders(dst)
}

// CopyBody streams the upstream body to the client.
func CopyBody(w http.ResponseWriter, body io.Reader) {
	io.Copy(w, body)
}

// ClientIP returns the socket peer address of the request. Forwarded
// headers are not trusted inbound.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
