package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"navi/internal/infra/observability"
	"navi/internal/shared/logging"
)

type contextKey string

const rpcMethodContextKey contextKey = "rpcMethod"

// annotateRequestMethod records the logical RPC method behind the route so
// the metrics middleware labels by operation rather than raw path.
func annotateRequestMethod(r *http.Request, method string) {
	if r == nil || method == "" {
		return
	}
	ctx := context.WithValue(r.Context(), rpcMethodContextKey, method)
	*r = *r.WithContext(ctx)
}

func methodFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if method, ok := ctx.Value(rpcMethodContextKey).(string); ok {
		return method
	}
	return ""
}

// CORSMiddleware answers preflights and reflects the caller's origin.
func CORSMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LoggingMiddleware logs incoming requests.
func LoggingMiddleware(logger logging.Logger) func(http.Handler) http.Handler {
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("%s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware records one RPC observation per request, labelled by the
// annotated method name and the response status.
func MetricsMiddleware(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec, wrapped := wrapResponseWriter(w)
			start := time.Now()
			next.ServeHTTP(wrapped, r)

			method := methodFromContext(r.Context())
			if method == "" {
				method = r.URL.Path
			}
			metrics.RecordRPC(r.Context(), method, strconv.Itoa(rec.status), time.Since(start))
		})
	}
}

// responseRecorder captures the status code written downstream while keeping
// the Flusher and Hijacker capabilities the streaming handlers rely on.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

type recorderFlusher struct {
	http.ResponseWriter
	http.Flusher
}

func (r *recorderFlusher) Unwrap() http.ResponseWriter { return r.ResponseWriter }

type recorderHijacker struct {
	http.ResponseWriter
	http.Hijacker
}

func (r *recorderHijacker) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func wrapResponseWriter(w http.ResponseWriter) (*responseRecorder, http.ResponseWriter) {
	rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
	var wrapped http.ResponseWriter = rec
	if flusher, ok := w.(http.Flusher); ok {
		wrapped = &recorderFlusher{ResponseWriter: wrapped, Flusher: flusher}
	}
	if hijacker, ok := w.(http.Hijacker); ok {
		wrapped = &recorderHijacker{ResponseWriter: wrapped, Hijacker: hijacker}
	}
	return rec, wrapped
}
