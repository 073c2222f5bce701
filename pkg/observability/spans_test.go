package observability_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/plaenen/bizsuite/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"
)

func newSpanStore(t *testing.T, retention time.Duration) *observability.SpanStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	spans, err := observability.NewSpanStore(context.Background(), db, retention)
	require.NoError(t, err)
	return spans
}

func TestSpanStore_ExportsTracerSpans(t *testing.T) {
	ctx := context.Background()
	spans := newSpanStore(t, 0)

	tel, err := observability.Init(ctx, observability.Config{
		ServiceName:     "bizsuite-test",
		TraceExporter:   spans,
		TraceSampleRate: 1,
	})
	require.NoError(t, err)

	tracer := tel.Tracer("test")
	ctx, parent := observability.StartSpan(ctx, tracer, "command.inventory.PostReceipt",
		observability.WithAttributes(observability.AttrAggregateID.String("receipt-1")))
	traceID := observability.TraceID(ctx)
	_, child := tracer.Start(ctx, "store.append")
	observability.EndSpan(child, errors.New("version conflict"))
	observability.EndSpan(parent, nil)

	// Shutdown flushes the batcher.
	require.NoError(t, tel.Shutdown(context.Background()))

	got, err := spans.Query(context.Background(), observability.SpanQuery{TraceID: traceID})
	require.NoError(t, err)
	require.Len(t, got, 2)

	byName := map[string]observability.Span{}
	for _, span := range got {
		byName[span.Name] = span
	}
	cmd := byName["command.inventory.PostReceipt"]
	assert.Equal(t, "receipt-1", cmd.Attributes["aggregate.id"])
	assert.Equal(t, "Ok", cmd.Status)
	assert.Empty(t, cmd.ParentSpanID)

	appendSpan := byName["store.append"]
	assert.Equal(t, cmd.SpanID, appendSpan.ParentSpanID)
	assert.Equal(t, "Error", appendSpan.Status)
	assert.Equal(t, "version conflict", appendSpan.StatusMessage)
	assert.Equal(t, "internal", appendSpan.Attributes["error.kind"])

	commands, err := spans.Query(context.Background(), observability.SpanQuery{NamePrefix: "command.", Limit: 10})
	require.NoError(t, err)
	require.Len(t, commands, 1)
}

func stub(name string, traceByte, spanByte byte, start time.Time) tracetest.SpanStub {
	return tracetest.SpanStub{
		Name: name,
		SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: trace.TraceID{traceByte},
			SpanID:  trace.SpanID{spanByte},
		}),
		StartTime:  start,
		EndTime:    start.Add(time.Millisecond),
		Attributes: []attribute.KeyValue{attribute.Int("n", int(spanByte))},
	}
}

func TestSpanStore_PrunesExpiredSpans(t *testing.T) {
	ctx := context.Background()
	spans := newSpanStore(t, time.Hour)
	now := time.Now()

	require.NoError(t, spans.ExportSpans(ctx, tracetest.SpanStubs{
		stub("old", 1, 1, now.Add(-2*time.Hour)),
		stub("recent", 1, 2, now.Add(-time.Minute)),
		stub("newest", 2, 3, now),
	}.Snapshots()))

	got, err := spans.Query(ctx, observability.SpanQuery{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "newest", got[0].Name)
	assert.Equal(t, "recent", got[1].Name)
	assert.Equal(t, time.Millisecond, got[0].Duration)
	assert.Equal(t, "3", got[0].Attributes["n"])

	since, err := spans.Query(ctx, observability.SpanQuery{Since: now.Add(-30 * time.Second)})
	require.NoError(t, err)
	require.Len(t, since, 1)

	limited, err := spans.Query(ctx, observability.SpanQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}
