// Package tracing wires OpenTelemetry spans through the daemon: a tracer
// built from config, trace-id propagation over the control socket, and
// exporters for OTLP, stdout, or a local JSONL file.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

// contextKey keeps our context values from colliding with other packages'.
type contextKey string

const traceIDKey contextKey = "trace_id"

// TraceIDFromContext returns the trace id carried by ctx, or "" when the
// request arrived without one.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(traceIDKey); v != nil {
		if traceID, ok := v.(string); ok {
			return traceID
		}
	}
	return ""
}

// ContextWithTraceID attaches traceID to ctx. An empty id leaves ctx alone.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GenerateTraceID returns a random W3C-shaped trace id (16 bytes, hex).
func GenerateTraceID() string {
	bytes := make([]byte, 16)
	// rand.Read cannot fail on the platforms we run on
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// GenerateSpanID returns a random W3C-shaped span id (8 bytes, hex).
func GenerateSpanID() string {
	bytes := make([]byte, 8)
	// rand.Read cannot fail on the platforms we run on
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
