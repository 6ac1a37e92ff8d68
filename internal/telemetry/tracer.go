package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/graphide/graphide/internal/core/domain"
)

// TracerName is the instrumentation scope for pipeline spans.
const TracerName = "github.com/graphide/graphide/pipeline"

// InitTracer initializes OpenTelemetry tracing. Spans are exported to w,
// or to stderr when w is nil so stdio transports stay clean.
func InitTracer(serviceName, version string, w io.Writer, logger *slog.Logger) (func(context.Context) error, error) {
	if w == nil {
		w = os.Stderr
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)

	logger.Info("OpenTelemetry initialized", slog.String("service", serviceName))

	return tp.Shutdown, nil
}

// StartRun opens the root span of a run.
func StartRun(ctx context.Context, run *domain.Run) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "analysis.run",
		trace.WithAttributes(
			attribute.String("graphide.run_id", run.ID),
			attribute.String("graphide.file_path", run.Request.FilePath),
			attribute.String("graphide.language", run.Request.Language),
		))
}

// StartStage opens a span for one stage of a run.
func StartStage(ctx context.Context, stage domain.StageName) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, "stage."+string(stage),
		trace.WithAttributes(attribute.String("graphide.stage", string(stage))))
}

// EndStage records the stage outcome on span and ends it.
func EndStage(span trace.Span, res domain.StageResult) {
	span.SetAttributes(
		attribute.String("graphide.outcome", string(res.Outcome)),
		attribute.Int("graphide.attempts", res.Attempts),
	)
	if res.Error != nil {
		span.SetAttributes(attribute.String("graphide.error_kind", string(res.Error.Kind)))
		span.SetStatus(codes.Error, res.Error.Message)
	}
	span.End()
}

// StatusAttr is the span attribute carrying a run's final status.
func StatusAttr(status domain.RunStatus) attribute.KeyValue {
	return attribute.String("graphide.status", string(status))
}
