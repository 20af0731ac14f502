package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. These define the semantic conventions for span
// attributes across the orchestrator.
const (
	// Task attributes
	AttrTaskID   = "task.id"
	AttrTaskType = "task.type"

	// Agent attributes
	AttrAgentID       = "agent.id"
	AttrAgentRole     = "agent.role"
	AttrAgentCategory = "agent.category"

	// IPC attributes
	AttrRequestType = "ipc.request.type"
	AttrAction      = "ipc.action"

	// Lifecycle attributes
	AttrSignalAction = "lifecycle.signal.action"
	AttrSessionID    = "session.id"

	// Error attributes
	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixIPC       = "ipc."
	SpanPrefixDispatch  = "dispatch."
	SpanPrefixLifecycle = "lifecycle."
	SpanPrefixStore     = "store."
)

// Event names for span events.
const (
	EventTaskClaimed     = "task.claimed"
	EventAgentSpawned    = "agent.spawned"
	EventAgentStopped    = "agent.stopped"
	EventSignalPosted    = "signal.posted"
	EventSignalConsumed  = "signal.consumed"
	EventFollowUpSpawned = "follow_up.spawned"
)

// tracerName scopes spans created through the package helpers.
const tracerName = "foreman"

// StartSpan opens an internal span on the globally registered provider.
// With tracing disabled this is a no-op span with negligible overhead.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// EndSpan records the outcome and closes the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
