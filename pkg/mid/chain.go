// Package mid is the HTTP middleware layer shared by Darwin's API
// binaries: request logging, panic recovery, CORS, OTel spans, and
// pipeline metrics, composed with Chain.
package mid

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/darwin-ai/darwin/pkg/metrics"
)

// Middleware wraps an http.Handler with cross-cutting behavior.
type Middleware func(http.Handler) http.Handler

// Chain composes middlewares around h; the first argument ends up
// outermost, so Chain(h, A, B) serves A(B(h)).
func Chain(h http.Handler, mw ...Middleware) http.Handler {
	wrapped := h
	for i := len(mw) - 1; i >= 0; i-- {
		wrapped = mw[i](wrapped)
	}
	return wrapped
}

// respRecorder remembers the first status code written so Logger and
// Metrics can report it after the handler returns.
type respRecorder struct {
	http.ResponseWriter
	status int
	header bool
}

func (w *respRecorder) WriteHeader(code int) {
	if !w.header {
		w.status = code
		w.header = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *respRecorder) Write(b []byte) (int, error) {
	if !w.header {
		// An implicit 200 from the first body write.
		w.header = true
	}
	return w.ResponseWriter.Write(b)
}

// observe runs next and reports the response status and elapsed time.
func observe(next http.Handler, w http.ResponseWriter, r *http.Request, report func(status int, elapsed time.Duration)) {
	rec := &respRecorder{ResponseWriter: w, status: http.StatusOK}
	start := time.Now()
	next.ServeHTTP(rec, r)
	report(rec.status, time.Since(start))
}

// Logger emits one slog line per request with method, path, status, and
// duration.
func Logger(log *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			observe(next, w, r, func(status int, elapsed time.Duration) {
				log.Info("request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", status,
					"duration", elapsed,
				)
			})
		})
	}
}

// Metrics records the request-duration histogram and per-route counter
// on pm. A nil pm is a pass-through, so callers can wire it
// unconditionally.
func Metrics(pm *metrics.PipelineMetrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			observe(next, w, r, func(status int, elapsed time.Duration) {
				pm.ObserveHTTPRequest(r.Method, r.URL.Path, status, elapsed)
			})
		})
	}
}

// Recover converts a handler panic into a logged 500 response.
func Recover(log *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					log.Error("panic recovered", "error", fmt.Sprintf("%v", v))
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORS answers preflight OPTIONS and stamps the allow headers on every
// response.
func CORS(origin string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OTel opens an OpenTelemetry server span per request.
func OTel(serviceName string) Middleware {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName)
	}
}
