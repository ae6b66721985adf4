// Package telemetry sets up tracing and the metrics registry.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/colinrgodsey/gorexec/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

const (
	serviceName    = "gorexec"
	serviceVersion = "0.1.0"
)

// NewServerHandler returns the OTel gRPC stats handler as a ServerOption.
func NewServerHandler() grpc.ServerOption {
	return grpc.StatsHandler(otelgrpc.NewServerHandler())
}

// NewClientHandler returns the OTel gRPC stats handler as a DialOption.
func NewClientHandler() grpc.DialOption {
	return grpc.WithStatsHandler(otelgrpc.NewClientHandler())
}

// Provider owns the tracer provider and the metrics of one run.
type Provider struct {
	Registry *prometheus.Registry
	Metrics  *Metrics

	tp *sdktrace.TracerProvider
}

// Setup installs the global tracer provider, exporting spans over OTLP
// when a tracing endpoint is configured, and registers the client
// metrics with a fresh registry.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (*Provider, error) {
	slog.Debug("initializing telemetry", "metrics_addr", cfg.MetricsAddr, "tracing_endpoint", cfg.TracingEndpoint)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var tp *sdktrace.TracerProvider
	if cfg.TracingEndpoint != "" {
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithInsecure(), // TODO: Support TLS
			otlptracegrpc.WithEndpoint(cfg.TracingEndpoint),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		res, err := resource.Merge(
			resource.Default(),
			resource.NewSchemaless(
				semconv.ServiceName(serviceName),
				semconv.ServiceVersion(serviceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TracingSampleRatio))),
		)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	} else {
		tp = sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
	}
	otel.SetTracerProvider(tp)

	return &Provider{Registry: reg, Metrics: NewMetrics(reg), tp: tp}, nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("tracer provider shutdown failed: %w", err)
	}
	return nil
}
