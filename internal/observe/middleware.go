package observe

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests no mux pattern matched, keeping the metric
// label set bounded under scans of arbitrary paths.
const unmatchedRoute = "unmatched"

// statusRecorder remembers the status the handler answered with.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status, r.wrote = code, true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.status, r.wrote = http.StatusOK, true
	}
	return r.ResponseWriter.Write(b)
}

// Unwrap lets [http.ResponseController] reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Middleware instruments the operational endpoints (/healthz, /readyz,
// /metrics). Each request continues any W3C trace context it carries, gets
// an X-Correlation-ID response header, and is recorded in
// [Metrics.HTTPRequestDuration] by method, route and status. When next is an
// [*http.ServeMux] the route is the matched pattern, otherwise the path.
//
// A panicking handler is answered with 500 instead of tearing down the
// connection. Successful requests log at debug level; 5xx answers warn.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		mux, _ := next.(*http.ServeMux)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := r.URL.Path
			if mux != nil {
				if _, pattern := mux.Handler(r); pattern != "" {
					route = pattern
				} else {
					route = unmatchedRoute
				}
			}

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+strings.TrimPrefix(route, r.Method+" "),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.HTTPRoute(route),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			func() {
				defer func() {
					if v := recover(); v != nil {
						err := fmt.Errorf("observe: handler panic: %v", v)
						span.RecordError(err)
						Logger(ctx).Error("http handler panicked", "route", route, "err", err)
						if !rec.wrote {
							http.Error(rec, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
						}
						rec.status = http.StatusInternalServerError
					}
				}()
				next.ServeHTTP(rec, r.WithContext(ctx))
			}()

			elapsed := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
					attribute.String("status", strconv.Itoa(rec.status)),
				),
			)

			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))
			level := slog.LevelDebug
			if rec.status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.status))
				level = slog.LevelWarn
			}
			Logger(ctx).LogAttrs(ctx, level, "request completed",
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", rec.status),
				slog.Duration("duration", elapsed),
			)
		})
	}
}
