package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/edgespeak/edgespeak/internal/config"
)

// synthesisDurationBuckets spans the observed latency range of engine calls:
// cache hits land in the low tens of milliseconds, a cold multi-chunk
// synthesis against the remote engine can take tens of seconds.
var synthesisDurationBuckets = []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// setupTelemetry wires tracing and metrics and returns a combined shutdown
// plus the Prometheus scrape handler (nil when the exporter failed to come up).
func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	spanExporter, exporterName, err := newTraceExporter(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(traceProvider)
	logger.Info("tracing initialized", slog.String("exporter", exporterName))

	meterProvider, metricHandler := newMeterProvider(res, logger)
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			meterProvider.Shutdown(ctx),
			traceProvider.Shutdown(ctx),
		)
	}
	return shutdown, metricHandler, nil
}

// newTraceExporter picks OTLP over gRPC when an endpoint is configured and
// falls back to pretty-printed stdout spans for local development.
func newTraceExporter(ctx context.Context, cfg config.Config) (sdktrace.SpanExporter, string, error) {
	endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint)
	if endpoint == "" {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		return exporter, "stdout", err
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if cfg.Telemetry.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	return exporter, "otlp:" + endpoint, err
}

// newMeterProvider builds the meter provider backed by the Prometheus
// exporter. The default histogram buckets top out at 10s, too coarse for
// synthesis latency, so the request-duration instrument gets its own view.
// A failed Prometheus registration degrades to a no-op provider rather than
// blocking startup.
func newMeterProvider(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	durationView := sdkmetric.NewView(
		sdkmetric.Instrument{Name: "edgespeak.synthesis.duration_ms"},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
			Boundaries: synthesisDurationBuckets,
		}},
	)

	promExporter, err := prometheus.New()
	if err != nil {
		logger.Warn("prometheus exporter unavailable, metrics disabled", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
		sdkmetric.WithView(durationView),
	)
	return provider, promhttp.Handler()
}
