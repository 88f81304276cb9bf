package otelcol

import (
	"context"
	"fmt"

	"referral-engine/pkg/config"
	"referral-engine/pkg/otelcol/exporters"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module installs the global tracer provider when OTEL.ENABLE is set.
var Module = fx.Module("otelcol", fx.Invoke(Register))

func NewResource(cfg *config.Config) (*resource.Resource, error) {
	return resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.AppName),
		attribute.String("service.version", cfg.AppVersion),
		attribute.String("deployment.environment", cfg.AppEnv),
	))
}

func NewTracerProvider(exporter trace.SpanExporter, res *resource.Resource) *trace.TracerProvider {
	return trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithBatcher(exporter),
	)
}

func newExporter(cfg *config.Config) (trace.SpanExporter, error) {
	if cfg.Otel.Protocol == "grpc" {
		return exporters.NewGRPC(cfg)
	}
	return exporters.NewHTTP(cfg)
}

func Register(lc fx.Lifecycle, cfg *config.Config) error {
	// propagation is installed either way so incoming trace headers reach the logs
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Otel.Enable {
		return nil
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return fmt.Errorf("otlp exporter: %w", err)
	}
	res, err := NewResource(cfg)
	if err != nil {
		return fmt.Errorf("otel resource: %w", err)
	}

	tp := NewTracerProvider(exporter, res)
	otel.SetTracerProvider(tp)
	zap.L().Info("[Otel] tracing enabled",
		zap.String("endpoint", cfg.Otel.Endpoint),
		zap.String("protocol", cfg.Otel.Protocol),
	)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})
	return nil
}
