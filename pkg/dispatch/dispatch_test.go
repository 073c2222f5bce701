package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/plaenen/bizsuite/pkg/dispatch"
	"github.com/plaenen/bizsuite/pkg/domain"
	"github.com/plaenen/bizsuite/pkg/observability"
	"github.com/plaenen/bizsuite/pkg/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type noteAdded struct {
	Text string `json:"text"`
}

func (noteAdded) EventType() string { return "test.NoteAdded" }

func newEventStore(t *testing.T) *sqlite.EventStore {
	t.Helper()
	es, err := sqlite.NewEventStore(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { es.Close() })
	return es
}

func appendNotes(t *testing.T, es *sqlite.EventStore, aggregateID string, texts ...string) {
	t.Helper()
	ctx := context.Background()
	version, err := es.CurrentVersion(ctx, aggregateID)
	require.NoError(t, err)

	events := make([]*domain.Event, 0, len(texts))
	for _, text := range texts {
		events = append(events, &domain.Event{
			AggregateID:   aggregateID,
			AggregateType: "test.Note",
			EventType:     "test.NoteAdded",
			Data:          []byte(fmt.Sprintf(`{"text":%q}`, text)),
		})
	}
	require.NoError(t, es.Append(ctx, aggregateID, version, events))
}

func newMetrics(t *testing.T) (*observability.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	tel, err := observability.Init(context.Background(), observability.Config{
		ServiceName:  "dispatch-test",
		MetricReader: reader,
	})
	require.NoError(t, err)
	t.Cleanup(func() { tel.Shutdown(context.Background()) })
	return tel.Metrics, reader
}

func counter(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestDispatcher_RegistrationOrderAndFiltering(t *testing.T) {
	d := dispatch.New()

	var calls []string
	d.Subscribe("first", func(ctx context.Context, event *domain.Event) error {
		calls = append(calls, "first:"+event.EventType)
		return nil
	})
	d.Subscribe("notes-only", func(ctx context.Context, event *domain.Event) error {
		calls = append(calls, "notes-only:"+event.EventType)
		return nil
	}, "test.NoteAdded")
	d.Subscribe("last", func(ctx context.Context, event *domain.Event) error {
		calls = append(calls, "last:"+event.EventType)
		return nil
	})

	ctx := context.Background()
	require.NoError(t, d.Dispatch(ctx, &domain.Event{EventType: "test.NoteAdded"}))
	require.NoError(t, d.Dispatch(ctx, &domain.Event{EventType: "test.Other"}))

	assert.Equal(t, []string{
		"first:test.NoteAdded", "notes-only:test.NoteAdded", "last:test.NoteAdded",
		"first:test.Other", "last:test.Other",
	}, calls)
}

func TestDispatcher_CollectsFailures(t *testing.T) {
	metrics, reader := newMetrics(t)
	d := dispatch.New(dispatch.WithMetrics(metrics))

	boom := errors.New("boom")
	reached := false
	d.Subscribe("broken", func(ctx context.Context, event *domain.Event) error { return boom })
	d.Subscribe("ordering", func(ctx context.Context, event *domain.Event) error {
		return domain.NewProjectionOrderingError("notes", event)
	})
	d.Subscribe("healthy", func(ctx context.Context, event *domain.Event) error {
		reached = true
		return nil
	})

	err := d.Dispatch(context.Background(), &domain.Event{AggregateID: "n1", EventType: "test.NoteAdded", Version: 2})
	require.Error(t, err)
	assert.True(t, reached, "a failing handler must not stop later ones")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, domain.ErrProjectionOrdering)
	assert.Equal(t, int64(2), counter(t, reader, "eventsourcing.projection.errors"))
}

func TestDispatcher_DecodesWithRegistry(t *testing.T) {
	registry := domain.NewRegistry(nil)
	domain.Register[noteAdded](registry)

	d := dispatch.New(dispatch.WithRegistry(registry))
	var got noteAdded
	d.Subscribe("notes", func(ctx context.Context, event *domain.Event) error {
		note, ok := event.Payload.(noteAdded)
		require.True(t, ok, "payload %T", event.Payload)
		got = note
		return nil
	}, "test.NoteAdded")

	var catchAll []string
	d.Subscribe("all", func(ctx context.Context, event *domain.Event) error {
		catchAll = append(catchAll, event.EventType)
		return nil
	})

	require.NoError(t, d.Dispatch(context.Background(), &domain.Event{
		EventType: "test.NoteAdded",
		Data:      []byte(`{"text":"hello"}`),
	}))
	assert.Equal(t, "hello", got.Text)

	// Unregistered types still reach catch-all handlers, without a payload.
	require.NoError(t, d.Dispatch(context.Background(), &domain.Event{EventType: "test.Unknown"}))
	assert.Equal(t, []string{"test.NoteAdded", "test.Unknown"}, catchAll)
}

func TestRelay_DeliversInStreamOrder(t *testing.T) {
	es := newEventStore(t)
	appendNotes(t, es, "a", "a1", "a2", "a3")
	appendNotes(t, es, "b", "b1", "b2")

	var (
		mu   sync.Mutex
		seen = map[string][]int64{}
	)
	d := dispatch.New()
	d.Subscribe("recorder", func(ctx context.Context, event *domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen[event.AggregateID] = append(seen[event.AggregateID], event.Version)
		return nil
	})

	relay := dispatch.NewRelay(es.Outbox(), d, dispatch.WithConcurrency(4))
	processed, err := relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, processed)

	assert.Equal(t, []int64{1, 2, 3}, seen["a"])
	assert.Equal(t, []int64{1, 2}, seen["b"])

	summary, err := es.Outbox().Summary(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Pending+summary.Processing+summary.Failed+summary.Dead)
}

func TestRelay_RetriesThenMovesToDead(t *testing.T) {
	es := newEventStore(t)
	appendNotes(t, es, "a", "a1", "a2")
	metrics, reader := newMetrics(t)

	// Rows become due at append time, so the fake clock starts at the real one.
	now := time.Now().UTC()
	clock := func() time.Time { return now }

	attempts := 0
	d := dispatch.New()
	d.Subscribe("flaky", func(ctx context.Context, event *domain.Event) error {
		attempts++
		return errors.New("downstream unavailable")
	})

	relay := dispatch.NewRelay(es.Outbox(), d,
		dispatch.WithClock(clock),
		dispatch.WithMaxAttempts(3),
		dispatch.WithRelayMetrics(metrics),
	)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := relay.ProcessBatch(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n, "attempt %d", i)

		// Not due again before the backoff elapses.
		n, err = relay.ProcessBatch(ctx)
		require.NoError(t, err)
		require.Zero(t, n)

		now = now.Add(dispatch.Backoff(i))
	}
	assert.Equal(t, 3, attempts)

	summary, err := es.Outbox().Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Dead)
	assert.Equal(t, 1, summary.Pending, "the second event waits behind the dead one")

	dead, err := es.Outbox().ListDead(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, int64(1), dead[0].Event.Version)
	assert.Contains(t, dead[0].LastError, "downstream unavailable")

	assert.Equal(t, int64(2), counter(t, reader, "eventsourcing.outbox.retried"))
	assert.Equal(t, int64(1), counter(t, reader, "eventsourcing.outbox.dead"))
	assert.Equal(t, int64(3), counter(t, reader, "eventsourcing.outbox.claimed"))
}

func TestRelay_RunsAsService(t *testing.T) {
	es := newEventStore(t)

	delivered := make(chan string, 10)
	d := dispatch.New()
	d.Subscribe("recorder", func(ctx context.Context, event *domain.Event) error {
		delivered <- event.AggregateID
		return nil
	})

	relay := dispatch.NewRelay(es.Outbox(), d, dispatch.WithPollInterval(10*time.Millisecond))
	require.NoError(t, relay.Start(context.Background()))
	assert.Error(t, relay.Start(context.Background()))

	appendNotes(t, es, "late", "hello")

	select {
	case id := <-delivered:
		assert.Equal(t, "late", id)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not deliver the event")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, relay.Stop(stopCtx))
	require.NoError(t, relay.Stop(stopCtx))
}

func TestRelay_NonPositiveSettingsFallBackToDefaults(t *testing.T) {
	es := newEventStore(t)
	appendNotes(t, es, "a", "a1")

	// Rows become due at append time, so the fake clock starts at the real one.
	now := time.Now().UTC()
	attempts := 0
	d := dispatch.New()
	d.Subscribe("flaky", func(ctx context.Context, event *domain.Event) error {
		attempts++
		return errors.New("downstream unavailable")
	})

	relay := dispatch.NewRelay(es.Outbox(), d,
		dispatch.WithPollInterval(0),
		dispatch.WithLease(-time.Minute),
		dispatch.WithMaxAttempts(0),
		dispatch.WithBatchSize(0),
		dispatch.WithConcurrency(0),
		dispatch.WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	n, err := relay.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, 1, attempts)

	summary, err := es.Outbox().Summary(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Dead, "one failure is not enough to give up")

	require.NoError(t, relay.Start(ctx))
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, relay.Stop(stopCtx))
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{9, 256 * time.Second},
		{10, 5 * time.Minute},
		{64, 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, dispatch.Backoff(tt.attempt))
		})
	}
}
