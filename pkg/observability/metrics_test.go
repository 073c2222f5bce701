package observability_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/plaenen/bizsuite/pkg/domain"
	"github.com/plaenen/bizsuite/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	return sums
}

func TestTelemetry_Metrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()

	tel, err := observability.Init(ctx, observability.Config{
		ServiceName:  "bizsuite-test",
		MetricReader: reader,
	})
	require.NoError(t, err)
	defer tel.Shutdown(ctx)

	m := tel.Metrics
	require.NotNil(t, m)

	m.RecordEventStoreOperation(ctx, "append", time.Millisecond, 3)
	m.RecordEventStoreOperation(ctx, "read_stream", time.Millisecond, 3)
	m.RecordConflict(ctx, "crm.Lead")
	m.RecordRepositoryOperation(ctx, "save", "crm.Lead")
	m.RecordProjectionError(ctx, "lead_summary", "ordering")
	m.RecordOutbox(ctx, "claimed", 4)
	m.RecordOutbox(ctx, "completed", 3)
	m.RecordOutbox(ctx, "dead", 1)
	m.RecordOutbox(ctx, "bogus", 10)
	m.RecordIntegrationPublish(ctx, "inventory.goods_received", time.Millisecond, nil)
	m.RecordIntegrationPublish(ctx, "inventory.goods_received", time.Millisecond, errors.New("down"))
	m.RecordIntegrationReceive(ctx, "inventory.goods_received", false)
	m.RecordIntegrationReceive(ctx, "inventory.goods_received", true)
	m.RecordCommand(ctx, "crm.CreateLead", time.Millisecond, errors.New("boom"))

	sums := collectSums(t, reader)
	assert.Equal(t, int64(3), sums["eventsourcing.events.appended"])
	assert.Equal(t, int64(1), sums["eventsourcing.eventstore.conflicts"])
	assert.Equal(t, int64(1), sums["eventsourcing.repository.saves"])
	assert.Equal(t, int64(1), sums["eventsourcing.projection.errors"])
	assert.Equal(t, int64(4), sums["eventsourcing.outbox.claimed"])
	assert.Equal(t, int64(3), sums["eventsourcing.outbox.completed"])
	assert.Equal(t, int64(1), sums["eventsourcing.outbox.dead"])
	assert.Equal(t, int64(1), sums["eventsourcing.integration.published"])
	assert.Equal(t, int64(1), sums["eventsourcing.integration.received"])
	assert.Equal(t, int64(1), sums["eventsourcing.integration.duplicates"])
	assert.Equal(t, int64(1), sums["eventsourcing.command.errors"])
}

func TestTelemetry_NoExporters(t *testing.T) {
	ctx := context.Background()
	tel, err := observability.Init(ctx, observability.Config{ServiceName: "bizsuite-test"})
	require.NoError(t, err)

	require.NotNil(t, tel.Metrics)
	_, span := observability.StartSpan(ctx, tel.Tracer("test"), "noop")
	observability.EndSpan(span, nil)
	assert.Equal(t, "", observability.TraceID(ctx))
	assert.NoError(t, tel.Shutdown(ctx))
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{domain.NewRuleViolation("crm.Lead", "qualify", "lead is converted"), "rule_violation"},
		{fmt.Errorf("save: %w", domain.ErrConcurrencyConflict), "conflict"},
		{domain.ErrAggregateNotFound, "not_found"},
		{fmt.Errorf("publish: %w", domain.ErrDeliveryFailure), "delivery"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("disk full"), "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, observability.ErrorKind(tt.err))
		})
	}
}
