package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/orchestra/pkg/audio"
)

const scope = "github.com/MrWong99/orchestra"

// Span attribute keys for session control operations.
const (
	attrSurface = attribute.Key("orchestra.surface")
	attrOp      = attribute.Key("orchestra.op")
	attrSession = attribute.Key("orchestra.session_id")
)

func tracer() trace.Tracer { return otel.Tracer(scope) }

// StartControl starts a "session.<op>" span for a control operation issued
// through surface ("http" or "mcp"). id may be [audio.InvalidSession] when
// the session is not known yet, as for open. The returned logger carries the
// trace ids, op and session id. End the span with [EndControl].
func StartControl(ctx context.Context, surface, op string, id audio.SessionID) (context.Context, trace.Span, *slog.Logger) {
	attrs := []attribute.KeyValue{attrSurface.String(surface), attrOp.String(op)}
	if id != audio.InvalidSession {
		attrs = append(attrs, attrSession.Int(int(id)))
	}
	ctx, span := tracer().Start(ctx, "session."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	log := Logger(ctx).With("surface", surface, "op", op)
	if id != audio.InvalidSession {
		log = log.With("session_id", int(id))
	}
	return ctx, span, log
}

// EndControl ends a span from [StartControl]. A valid id is attached so an
// open span names the session it created; a non-nil err marks the span
// failed.
func EndControl(span trace.Span, id audio.SessionID, err error) {
	if id != audio.InvalidSession {
		span.SetAttributes(attrSession.Int(int(id)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
