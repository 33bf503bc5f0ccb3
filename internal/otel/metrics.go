package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/pbinitiative/zencond/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	metrics "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const requestMeter = "zencond-rest"

// RequestMetrics are the instruments of the REST middleware. All of them are
// recorded with the route pattern, method and status of the request.
type RequestMetrics struct {
	Requests         metrics.Int64Counter
	RequestBodySize  metrics.Int64Histogram
	ResponseBodySize metrics.Int64Histogram
	RequestDuration  metrics.Float64Histogram
}

type Otel struct {
	meterProvider  *metric.MeterProvider
	tracerprovider *trace.TracerProvider
}

func SetupOtel(conf config.Tracing) (*Otel, error) {
	o := Otel{}
	var err error

	o.meterProvider, err = setupMeterProvider(conf.Name)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(o.meterProvider)
	if conf.Enabled {
		o.tracerprovider, err = setupTraceProvider(conf)
		if err != nil {
			return nil, fmt.Errorf("failed to set up tracer: %w", err)
		}
		otel.SetTracerProvider(o.tracerprovider)
	}

	return &o, nil
}

// Stop flushes and shuts down the providers.
func (o *Otel) Stop(ctx context.Context) error {
	var errJoin error
	if o.meterProvider != nil {
		errJoin = errors.Join(errJoin, o.meterProvider.Shutdown(ctx))
		o.meterProvider = nil
	}
	if o.tracerprovider != nil {
		errJoin = errors.Join(errJoin, o.tracerprovider.Shutdown(ctx))
		o.tracerprovider = nil
	}
	return errJoin
}

func setupMeterProvider(appName string) (*metric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to set up prometheus exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(appName),
		attribute.String("library.language", "go"),
	))
	if err != nil {
		return nil, err
	}

	return metric.NewMeterProvider(
		metric.WithReader(exporter),
		metric.WithResource(res),
	), nil
}

// NewRequestMetrics creates the request instruments on the global meter
// provider, a no-op provider is used until SetupOtel was called.
func NewRequestMetrics() (*RequestMetrics, error) {
	meter := otel.Meter(requestMeter)
	requests, errRequests := meter.Int64Counter("zencond_http_requests_total",
		metrics.WithDescription("Requests handled by the REST api"))
	requestSize, errRequestSize := meter.Int64Histogram("zencond_http_request_body_size",
		metrics.WithUnit("By"), metrics.WithDescription("Size of the received request bodies"))
	responseSize, errResponseSize := meter.Int64Histogram("zencond_http_response_body_size",
		metrics.WithUnit("By"), metrics.WithDescription("Size of the written response bodies"))
	duration, errDuration := meter.Float64Histogram("zencond_http_request_duration",
		metrics.WithUnit("ms"), metrics.WithDescription("Time spent handling a request"))
	if err := errors.Join(errRequests, errRequestSize, errResponseSize, errDuration); err != nil {
		return nil, fmt.Errorf("failed to create otel instruments: %w", err)
	}
	return &RequestMetrics{
		Requests:         requests,
		RequestBodySize:  requestSize,
		ResponseBodySize: responseSize,
		RequestDuration:  duration,
	}, nil
}
