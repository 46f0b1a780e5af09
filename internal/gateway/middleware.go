// ABOUTME: HTTP middleware recording request counts per route
// ABOUTME: Wraps the response writer while keeping streaming and hijacking working

package gateway

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
)

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// knownRoutes keeps the route label bounded.
var knownRoutes = map[string]bool{
	"/": true, "/status": true, "/qr": true, "/send": true, "/send-bulk": true,
	"/logout": true, "/events": true, "/ws": true, "/docs": true,
	"/health": true, "/health/ready": true,
}

// instrument counts requests by route and status class.
func (g *Gateway) instrument(next http.Handler) http.Handler {
	if g.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if !knownRoutes[route] {
			route = "other"
		}
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		g.metrics.ObserveRequest(route, status)
	})
}
