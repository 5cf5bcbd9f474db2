package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// statusWriter captures the status code the downstream handler writes.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	sessionID func() (string, bool)
}

// WithSessionID supplies the active interview session's ID. When a session
// is running, its ID is attached to the request span and log line, tying
// scrapes and websocket upgrades to the interview they happened during.
func WithSessionID(fn func() (id string, active bool)) MiddlewareOption {
	return func(c *middlewareConfig) { c.sessionID = fn }
}

// Middleware wraps an [http.Handler] with Viva's request telemetry: a server
// span continuing any W3C trace context from the caller, the request
// duration histogram, the X-Correlation-ID response header, and a completion
// log line carrying the trace and session IDs.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	var cfg middlewareConfig
	for _, o := range opts {
		o(&cfg)
	}
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			spanAttrs := []attribute.KeyValue{
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			}
			logAttrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			}
			if cfg.sessionID != nil {
				if id, active := cfg.sessionID(); active {
					spanAttrs = append(spanAttrs, attribute.String("viva.session_id", id))
					logAttrs = append(logAttrs, slog.String("session_id", id))
				}
			}

			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(spanAttrs...),
			)
			defer span.End()

			if cid := CorrelationID(ctx); cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
				logAttrs = append(logAttrs, slog.String("trace_id", cid))
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			elapsed := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", r.URL.Path),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))

			logAttrs = append(logAttrs,
				slog.Int("status", sw.status),
				slog.Duration("duration", elapsed),
			)
			slog.LogAttrs(ctx, slog.LevelInfo, "request completed", logAttrs...)
		})
	}
}
