package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/parley-ai/parley"

// Tracer returns the runtime's named tracer. Exporter wiring is the
// entrypoint's concern; with no SDK configured this is a no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartPhaseSpan opens a span for one pipeline phase.
func StartPhaseSpan(ctx context.Context, phase, sessionID, turnID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "phase."+phase,
		trace.WithAttributes(
			attribute.String("parley.phase", phase),
			attribute.String("parley.session_id", sessionID),
			attribute.String("parley.turn_id", turnID),
		),
	)
}

// EndSpan records the error, if any, and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
