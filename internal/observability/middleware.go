package observability

import (
	"cmp"
	"context"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// requestSpan starts the server span for r when tracing is on.
func requestSpan(ctx context.Context, tracer trace.Tracer, r *http.Request) (context.Context, func()) {
	if tracer == nil {
		return ctx, func() {}
	}
	ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		))
	return ctx, func() { span.End() }
}

func (m *MetricsCollector) observeHTTP(method, path string, code int, elapsed time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCode(cmp.Or(code, http.StatusOK))).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// MetricsMiddleware records request metrics and a span for okapi routes.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()
			_, end := requestSpan(r.Context(), tracer, r)
			defer end()
			if metrics == nil {
				return next(c)
			}

			metrics.ActiveRequests.Inc()
			defer metrics.ActiveRequests.Dec()
			start := time.Now()
			err := next(c)
			metrics.observeHTTP(r.Method, r.URL.Path, c.Response().StatusCode(), time.Since(start))
			return err
		}
	}
}

// HTTPMetricsMiddleware is MetricsMiddleware for plain net/http handlers
// such as the preview proxy and the WebSocket endpoint. httpsnoop keeps the
// writer's Hijacker and Flusher, so upgrades and streaming pass through.
// A non-empty route is used as the path label instead of the request path.
func HTTPMetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer, route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, end := requestSpan(r.Context(), tracer, r)
		defer end()
		r = r.WithContext(ctx)
		if metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		metrics.ActiveRequests.Inc()
		defer metrics.ActiveRequests.Dec()
		snap := httpsnoop.CaptureMetrics(next, w, r)
		metrics.observeHTTP(r.Method, cmp.Or(route, r.URL.Path), snap.Code, snap.Duration)
	})
}
