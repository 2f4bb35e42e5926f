package api

import (
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/SkynetNext/sockops-binder/internal/discovery"
	"github.com/SkynetNext/sockops-binder/internal/metrics"
	"github.com/SkynetNext/sockops-binder/internal/observability"
)

// TracingMiddleware traces admin requests and records their latency.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartAdmin(r)
		defer span.End()

		if pod := discovery.GetPodName(); pod != "" {
			span.SetAttributes(
				attribute.String("k8s.pod.name", pod),
				attribute.String("k8s.node.name", discovery.GetNodeName()),
			)
		}
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			w.Header().Set("X-Request-ID", sc.TraceID().String())
		}

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rw, r.WithContext(ctx))
		duration := time.Since(start)

		span.SetAttributes(
			attribute.Int("http.status_code", rw.statusCode),
			attribute.Int64("http.duration_ms", duration.Milliseconds()),
		)
		metrics.RecordAdminRequest(r.URL.Path, strconv.Itoa(rw.statusCode), duration.Seconds())
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
