package tracing

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestNewProvider_DisabledIsNoop(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	require.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(context.Background()))

	// Spans from a disabled provider never record.
	_, span := p.Tracer().Start(context.Background(), "op")
	assert.False(t, span.IsRecording())
	span.End()
}

func TestNewProvider_FileExporterRequiresPath(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "file"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file_path required")
}

func TestNewProvider_UnsupportedExporter(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "carrier-pigeon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported exporter type")
}

func TestNewProvider_NoneExporterStillTraces(t *testing.T) {
	p, err := NewProvider(Config{Enabled: true, Exporter: "none"})
	require.NoError(t, err)
	defer p.Shutdown(context.Background()) //nolint:errcheck

	assert.True(t, p.Enabled())
	_, span := p.Tracer().Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
}

func readSpanRecords(t *testing.T, path string) []SpanRecord {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []SpanRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec SpanRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestFileExporter_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "traces.jsonl")
	p, err := NewProvider(Config{
		Enabled:  true,
		Exporter: "file",
		FilePath: path,
	})
	require.NoError(t, err)

	ctx, parent := p.Tracer().Start(context.Background(), "dispatch.start_tasks")
	parent.SetAttributes(attribute.String(AttrTaskID, "t-1"))
	parent.AddEvent(EventTaskClaimed)

	_, child := p.Tracer().Start(ctx, "store.claim")
	EndSpan(child, nil)
	EndSpan(parent, errors.New("spawn failed"))

	require.NoError(t, p.Shutdown(context.Background()))

	records := readSpanRecords(t, path)
	require.Len(t, records, 2)

	byName := make(map[string]SpanRecord, len(records))
	for _, rec := range records {
		byName[rec.Name] = rec
	}

	root, ok := byName["dispatch.start_tasks"]
	require.True(t, ok)
	assert.Equal(t, "ERROR", root.Status)
	assert.Equal(t, "spawn failed", root.StatusMsg)
	assert.Equal(t, "INTERNAL", root.Kind)
	assert.Equal(t, "t-1", root.Attributes[AttrTaskID])
	assert.Empty(t, root.ParentSpanID)
	require.NotEmpty(t, root.Events)
	assert.Equal(t, EventTaskClaimed, root.Events[0].Name)

	leaf, ok := byName["store.claim"]
	require.True(t, ok)
	assert.Equal(t, "OK", leaf.Status)
	assert.Equal(t, root.TraceID, leaf.TraceID)
	assert.Equal(t, root.SpanID, leaf.ParentSpanID)
}

func TestFileExporter_AppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.jsonl")

	for i := 0; i < 2; i++ {
		exp, err := NewFileExporter(path)
		require.NoError(t, err)
		require.NoError(t, exp.ExportSpans(context.Background(), nil))
		require.NoError(t, exp.Shutdown(context.Background()))
		// Shutdown is idempotent once the file is released.
		require.NoError(t, exp.Shutdown(context.Background()))
	}

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestTraceIDContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, TraceIDFromContext(ctx))

	id := GenerateTraceID()
	assert.Len(t, id, 32)
	assert.Len(t, GenerateSpanID(), 16)

	ctx = ContextWithTraceID(ctx, id)
	assert.Equal(t, id, TraceIDFromContext(ctx))

	// Empty ids leave the context untouched.
	same := ContextWithTraceID(ctx, "")
	assert.Equal(t, id, TraceIDFromContext(same))
}
