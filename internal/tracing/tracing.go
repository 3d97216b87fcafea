// Package tracing installs the process-wide OpenTelemetry tracer provider.
// Finished spans are written to the structured log.
package tracing

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config holds tracing settings.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Enabled        bool
}

// ShutdownFunc flushes pending spans and stops the provider.
type ShutdownFunc func(context.Context) error

// Setup installs a global TracerProvider. When tracing is disabled a no-op
// provider is installed instead.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (ShutdownFunc, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "simple-authz"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "unknown"
	}

	res, err := sdkresource.New(ctx,
		sdkresource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(NewLogExporter(logger)),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// LogExporter is a SpanExporter writing one log record per finished span.
// Spans with an error status are logged at Warn, others at Debug.
type LogExporter struct {
	logger *slog.Logger
}

var _ sdktrace.SpanExporter = (*LogExporter)(nil)

// NewLogExporter creates a LogExporter.
func NewLogExporter(logger *slog.Logger) *LogExporter {
	return &LogExporter{logger: logger}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		status := span.Status()
		args := []any{
			"span", span.Name(),
			"trace_id", span.SpanContext().TraceID().String(),
			"span_id", span.SpanContext().SpanID().String(),
			"duration", span.EndTime().Sub(span.StartTime()),
			"status", status.Code.String(),
		}
		for _, kv := range span.Attributes() {
			args = append(args, string(kv.Key), kv.Value.Emit())
		}

		level := slog.LevelDebug
		if status.Code == codes.Error {
			level = slog.LevelWarn
			args = append(args, "error", status.Description)
		}
		e.logger.Log(ctx, level, "span finished", args...)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *LogExporter) Shutdown(context.Context) error {
	return nil
}
