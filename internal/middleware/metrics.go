// Package middleware provides HTTP middleware for the admin server.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/simianmac/msuadmin/internal/app/metrics"
	"github.com/simianmac/msuadmin/internal/logging"
)

// TraceHeader carries the request trace ID in and out.
const TraceHeader = "X-Trace-ID"

// unmatchedRoute labels requests that reached no registered route.
const unmatchedRoute = "unmatched"

// routeLabel returns the mux path template serving r, so package filenames
// and catalog tracks never become label values.
func routeLabel(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return unmatchedRoute
	}
	tmpl, err := route.GetPathTemplate()
	if err != nil || tmpl == "" {
		return unmatchedRoute
	}
	return tmpl
}

// MetricsMiddleware records request counts, latency and in-flight requests
// per route template.
func MetricsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			metrics.IncInFlight()
			defer metrics.DecInFlight()

			sw := newStatusWriter(w)
			next.ServeHTTP(sw, r)
			metrics.RecordHTTPRequest(r.Method, routeLabel(r), strconv.Itoa(sw.status), time.Since(start))
		})
	}
}

// LoggingMiddleware assigns a trace ID to each request, echoes it in the
// response and logs the outcome.
func LoggingMiddleware(logger *logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			traceID := r.Header.Get(TraceHeader)
			if traceID == "" {
				traceID = logging.NewTraceID()
			}
			ctx := logging.WithTraceID(r.Context(), traceID)
			r = r.WithContext(ctx)
			w.Header().Set(TraceHeader, traceID)

			sw := newStatusWriter(w)
			next.ServeHTTP(sw, r)
			logger.LogRequest(ctx, r.Method, r.URL.Path, sw.status, time.Since(start))
		})
	}
}

// statusWriter remembers the first status written. Handlers that only call
// Write report 200.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func newStatusWriter(w http.ResponseWriter) *statusWriter {
	return &statusWriter{ResponseWriter: w, status: http.StatusOK}
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.wroteHeader {
		return
	}
	sw.status = code
	sw.wroteHeader = true
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.WriteHeader(http.StatusOK)
	}
	return sw.ResponseWriter.Write(b)
}
