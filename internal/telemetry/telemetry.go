package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/ramin-karimi/facegraph/config"
)

const otlpPushInterval = 15 * time.Second

// Telemetry owns the provider lifecycles so the daemon can flush on exit.
type Telemetry struct {
	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
}

// Options identifies the service in exported telemetry.
type Options struct {
	ServiceName    string
	ServiceVersion string
}

// Setup wires tracing and metrics for the daemon: spans and meter readings go
// to an OTLP collector, and the shared prometheus registry (domain collectors
// included) is served on /metrics. Disabled telemetry yields the global no-op
// providers, so callers never branch on nil.
func Setup(ctx context.Context, cfg config.TelemetryConfig, opts Options, logger *log.Logger) (*Telemetry, otelmetric.Meter, trace.Tracer, error) {
	if !cfg.Enabled {
		return &Telemetry{}, otel.Meter(opts.ServiceName), otel.Tracer(opts.ServiceName), nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(opts.ServiceName),
		attribute.String("service.namespace", "facegraph"),
		attribute.String("service.version", opts.ServiceVersion),
	))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	endpoint := cfg.OTLPEndpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	traces, err := newTraceProvider(ctx, endpoint, res)
	if err != nil {
		return nil, nil, nil, err
	}
	otel.SetTracerProvider(traces)

	metrics, err := newMeterProvider(ctx, endpoint, res)
	if err != nil {
		return nil, nil, nil, err
	}
	otel.SetMeterProvider(metrics)

	if cfg.MetricsPort > 0 {
		go serveMetrics(cfg.MetricsPort, logger)
	}

	t := &Telemetry{traces: traces, metrics: metrics}
	return t, metrics.Meter(opts.ServiceName), traces.Tracer(opts.ServiceName), nil
}

func newTraceProvider(ctx context.Context, endpoint string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithDialOption(grpc.WithBlock()),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func newMeterProvider(ctx context.Context, endpoint string, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	// The prom reader exports over the same registry the domain collectors in
	// metrics.go register on, so one scrape covers both.
	promReader, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	pushExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithDialOption(grpc.WithBlock()),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promReader),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(pushExporter, sdkmetric.WithInterval(otlpPushInterval))),
		sdkmetric.WithResource(res),
	), nil
}

func serveMetrics(port int, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("warn: metrics listener failed: %v", err)
	}
}

// Shutdown flushes both providers; trace and metric failures are reported
// together.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.traces != nil {
		if err := t.traces.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
		}
	}
	if t.metrics != nil {
		if err := t.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
