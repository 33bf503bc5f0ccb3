package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconvV4 "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pbinitiative/zencond/internal/config"
	otelint "github.com/pbinitiative/zencond/internal/otel"
)

const CorrelationIdHeader = "X-Correlation-Id"

// countingBody counts the bytes of the request body read by the handlers.
type countingBody struct {
	io.ReadCloser
	read int64
	err  error
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.read += int64(n)
	b.err = err
	return n, err
}

// tracingWriter injects the trace context into the response headers and
// remembers the status and size of the response.
type tracingWriter struct {
	http.ResponseWriter
	ctx         context.Context
	propagator  propagation.TextMapPropagator
	written     int64
	statusCode  int
	err         error
	wroteHeader bool
}

func (w *tracingWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(p)
	w.written += int64(n)
	w.err = err
	return n, err
}

func (w *tracingWriter) WriteHeader(statusCode int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.statusCode = statusCode
	w.propagator.Inject(w.ctx, propagation.HeaderCarrier(w.Header()))
	w.ResponseWriter.WriteHeader(statusCode)
}

// Opentelemetry traces and meters incoming requests. Every request carries
// a correlation id, generated when the caller did not send one. Metrics are
// skipped when no instruments are given.
func Opentelemetry(conf config.Tracing, metrics *otelint.RequestMetrics) func(next http.Handler) http.Handler {
	tracer := otel.GetTracerProvider().Tracer("zencond-rest")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			propagator := otel.GetTextMapPropagator()
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			correlationId := r.Header.Get(CorrelationIdHeader)
			if correlationId == "" {
				correlationId = uuid.NewString()
			}
			w.Header().Set(CorrelationIdHeader, correlationId)

			attributes := []attribute.KeyValue{otelint.CorrelationIdKey.String(correlationId)}
			attributes = append(attributes, semconvV4.NetAttributesFromHTTPRequest("tcp", r)...)
			for _, header := range conf.TransferHeaders {
				value := r.Header.Get(header)
				ctx = context.WithValue(ctx, otelint.TransferHeaderKey(header), value)
				attributes = append(attributes, attribute.String(header, value))
			}
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithAttributes(attributes...),
				trace.WithSpanKind(trace.SpanKindServer),
			)
			defer span.End()

			body := &countingBody{ReadCloser: r.Body}
			if r.Body != nil {
				r.Body = body
			}
			tw := &tracingWriter{ResponseWriter: w, ctx: ctx, propagator: propagator}
			r = r.WithContext(ctx)

			startTime := time.Now()
			next.ServeHTTP(tw, r)

			routePattern := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				routePattern = rctx.RoutePattern()
			}
			span.SetName(r.Method + " " + routePattern)
			span.SetAttributes(semconvV4.HTTPServerAttributesFromHTTPRequest(conf.Name, routePattern, r)...)
			endSpan(span, body, tw)
			if metrics != nil {
				recordMetrics(r.Context(), metrics, routePattern, r, tw, time.Since(startTime))
			}
		})
	}
}

func recordMetrics(ctx context.Context, metrics *otelint.RequestMetrics, routePattern string, r *http.Request, tw *tracingWriter, latency time.Duration) {
	tags := metric.WithAttributes(
		attribute.String("path", routePattern),
		attribute.String("method", r.Method),
		attribute.Int("status", tw.statusCode),
	)
	metrics.Requests.Add(ctx, 1, tags)
	if r.ContentLength >= 0 {
		metrics.RequestBodySize.Record(ctx, r.ContentLength, tags)
	}
	metrics.ResponseBodySize.Record(ctx, tw.written, tags)
	metrics.RequestDuration.Record(ctx, float64(latency.Microseconds())/1000, tags)
}

func endSpan(span trace.Span, body *countingBody, tw *tracingWriter) {
	attributes := []attribute.KeyValue{}
	if body.read > 0 {
		attributes = append(attributes, otelint.ReadBytesKey.Int64(body.read))
	}
	if body.err != nil && !errors.Is(body.err, io.EOF) {
		attributes = append(attributes, otelint.ReadErrorKey.String(body.err.Error()))
	}
	if tw.written > 0 {
		attributes = append(attributes, otelint.WroteBytesKey.Int64(tw.written))
	}
	if tw.err != nil {
		attributes = append(attributes, otelint.WriteErrorKey.String(tw.err.Error()))
		span.RecordError(tw.err)
	}
	if tw.statusCode > 0 {
		attributes = append(attributes, semconvV4.HTTPAttributesFromHTTPStatusCode(tw.statusCode)...)
		span.SetStatus(semconvV4.SpanStatusFromHTTPStatusCode(tw.statusCode))
	}
	span.SetAttributes(attributes...)
}
