package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MetricsMiddleware is the okapi-native variant, used for routes mounted
// through okapi's own route registration.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()

			if tracer != nil {
				_, span := tracer.Start(r.Context(), "http.request",
					trace.WithAttributes(
						attribute.String("http.method", r.Method),
						attribute.String("http.path", r.URL.Path),
					))
				defer span.End()
			}

			if metrics != nil {
				metrics.ActiveRequests.Inc()
				defer metrics.ActiveRequests.Dec()
			}

			start := time.Now()
			err := next(c)
			duration := time.Since(start).Seconds()

			if metrics != nil {
				code := c.Response().StatusCode()
				if code == 0 {
					code = http.StatusOK
				}
				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, statusCode(code)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			}

			return err
		}
	}
}

// HTTPMetricsMiddleware wraps a raw http.Handler with the same
// metrics/tracing instrumentation as MetricsMiddleware, for the routes
// mounted via okapi.HandleStd (the WebSocket upgrade and the Prometheus
// scrape endpoint itself, neither of which goes through okapi's own
// handler signature).
func HTTPMetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tracer != nil {
			ctx, span := tracer.Start(r.Context(), "http.request",
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.path", r.URL.Path),
				))
			defer span.End()
			r = r.WithContext(ctx)
		}

		if metrics != nil {
			metrics.ActiveRequests.Inc()
			defer metrics.ActiveRequests.Dec()
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		duration := time.Since(start).Seconds()

		if metrics != nil {
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, statusCode(rec.status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		}
	})
}

// statusRecorder captures the status code a raw http.Handler writes, since
// http.ResponseWriter doesn't expose it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func statusCode(code int) string {
	return strconv.Itoa(code)
}
