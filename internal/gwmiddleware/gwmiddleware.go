// Package gwmiddleware holds the cross-cutting HTTP middleware every
// route gets regardless of authentication state: request logging, CORS,
// panic recovery, and Prometheus instrumentation.
package gwmiddleware

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/technosupport/api-gateway/internal/correlation"
	"github.com/technosupport/api-gateway/internal/envelope"
)

type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack forwards to the underlying writer so the websocket relay can
// take over the connection even with logging/metrics wrapped around it.
func (w *statusCapturingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("gwmiddleware: underlying ResponseWriter does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (w *statusCapturingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// maxLoggedBodyBytes caps how much of a JSON request body is read for
// logging; larger bodies pass through unlogged.
const maxLoggedBodyBytes = 8 << 10

// sanitizedBody reads a small JSON request body for logging, redacting
// secret fields via envelope.Sanitize, and restores r.Body so the
// handler still sees the full stream. Returns "" when there is nothing
// safe or sensible to log.
func sanitizedBody(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return ""
	}

	head, err := io.ReadAll(io.LimitReader(r.Body, maxLoggedBodyBytes+1))
	rest := r.Body
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), rest), rest}

	if err != nil || len(head) == 0 || len(head) > maxLoggedBodyBytes {
		return ""
	}
	var body map[string]interface{}
	if json.Unmarshal(head, &body) != nil {
		return ""
	}
	out, err := json.Marshal(envelope.Sanitize(body))
	if err != nil {
		return ""
	}
	return string(out)
}

// RequestLogger logs start/completion of every request keyed by the
// correlation id Middleware (internal/correlation) already attached.
// JSON request bodies are logged with secret fields redacted.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := correlation.FromContext(r.Context())
		start := time.Now()

		if body := sanitizedBody(r); body != "" {
			log.Printf("[REQ:%s] %s %s from %s body=%s", reqID, r.Method, r.URL.Path, r.RemoteAddr, body)
		} else {
			log.Printf("[REQ:%s] %s %s from %s", reqID, r.Method, r.URL.Path, r.RemoteAddr)
		}

		sw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		log.Printf("[REQ:%s] completed %d in %v", reqID, sw.status, time.Since(start))
	})
}

// CORS allows any origin. The gateway sits behind browser clients from
// origins that aren't known ahead of time; restrict this before exposing
// it outside a trusted network.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Api-Key, X-Tenant-Id, X-Tenant-Name, X-User-Email, X-User-Role, X-Source-Service, X-Request-Id")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Recovery converts a panic in any downstream handler into a 500 rather
// than tearing down the server process.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				reqID := correlation.FromContext(r.Context())
				log.Printf("[REQ:%s] PANIC recovered: %v", reqID, rec)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"error":"InternalServerError","message":"An unexpected error occurred.","errorCode":"ERR_INTERNAL"}`))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_http_requests_total",
		Help: "Total HTTP requests handled, by method, route, and status.",
	}, []string{"method", "route", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Metrics records request count and latency. routePattern should be the
// matched route pattern (e.g. chi's RouteContext pattern), not the raw
// path, to keep label cardinality bounded.
func Metrics(routePattern func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			route := routePattern(r)
			requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
			requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}
