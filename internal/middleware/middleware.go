// Package middleware wraps the relay's ops endpoints with request logging,
// request metrics and panic recovery.
package middleware

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/joshlong-attic/leveling-up-kafka/internal/metrics"
)

// RequestIDHeader carries the request id in and out
const RequestIDHeader = "X-Request-ID"

// unmatchedRoute labels requests no mux pattern matched
const unmatchedRoute = "unmatched"

// Middleware wraps a handler
type Middleware func(http.Handler) http.Handler

// statusRecorder remembers the status the handler wrote
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(status int) {
	if sr.status == 0 {
		sr.status = status
	}
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) code() int {
	if sr.status == 0 {
		return http.StatusOK
	}
	return sr.status
}

// Logging tags each request with an id, logs it at debug level on log and
// records request metrics labelled by the matched route pattern. It must
// wrap the mux so the pattern is known once the request returns.
func Logging(log zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
				r.Header.Set(RequestIDHeader, id)
			}
			w.Header().Set(RequestIDHeader, id)

			sr := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(sr, r)

			route := r.Pattern
			if route == "" {
				route = unmatchedRoute
			}
			elapsed := time.Since(start)
			status := strconv.Itoa(sr.code())

			log.Debug().
				Str("request_id", id).
				Str("method", r.Method).
				Str("route", route).
				Str("path", r.URL.Path).
				Int("status", sr.code()).
				Int("bytes", sr.bytes).
				Dur("duration", elapsed).
				Msg("ops request")

			method := methodLabel(r.Method)
			metrics.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(method, route, status).Observe(elapsed.Seconds())
		})
	}
}

// methodLabel folds non-standard methods into one label value
func methodLabel(m string) string {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
		return m
	default:
		return "OTHER"
	}
}

// Recovery turns a handler panic into a 500 and logs the stack on log.
func Recovery(log zerolog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Error().
					Str("request_id", r.Header.Get(RequestIDHeader)).
					Str("path", r.URL.Path).
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("ops handler panic recovered")
				metrics.PanicsRecovered.WithLabelValues("http_handler").Inc()
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Chain applies mws so the first one is outermost
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
