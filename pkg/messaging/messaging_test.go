package messaging_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/plaenen/bizsuite/pkg/domain"
	"github.com/plaenen/bizsuite/pkg/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published []*messaging.IntegrationEvent
	err       error
}

func (p *recordingPublisher) Publish(ctx context.Context, event *messaging.IntegrationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type goodsReceived struct {
	SKU      string `json:"sku"`
	Quantity string `json:"quantity"`
}

func sourceEvent(id string, version int64) *domain.Event {
	return &domain.Event{
		ID:            id,
		AggregateID:   "receipt-1",
		AggregateType: "inventory.Receipt",
		EventType:     "inventory.ReceiptPosted",
		Version:       version,
		OccurredAt:    time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
		Metadata:      domain.EventMetadata{CorrelationID: "corr-1"},
	}
}

func TestNewIntegrationEvent(t *testing.T) {
	source := sourceEvent("evt-1", 3)

	first, err := messaging.NewIntegrationEvent(source, "inventory.goods_received", goodsReceived{SKU: "A-1", Quantity: "50"})
	require.NoError(t, err)
	second, err := messaging.NewIntegrationEvent(source, "inventory.goods_received", goodsReceived{SKU: "A-1", Quantity: "50"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "ids are derived from the source event")
	assert.Equal(t, messaging.IntegrationEventID("evt-1", "inventory.goods_received"), first.ID)
	assert.NotEqual(t, first.ID, messaging.IntegrationEventID("evt-1", "inventory.receipt_cancelled"))
	assert.Equal(t, "receipt-1", first.SourceAggregateID)
	assert.Equal(t, int64(3), first.SourceVersion)
	assert.Equal(t, "corr-1", first.CorrelationID)
	assert.Equal(t, source.OccurredAt, first.OccurredAt)

	var payload goodsReceived
	require.NoError(t, first.Decode(&payload))
	assert.Equal(t, "A-1", payload.SKU)
}

func TestIntegrationEvent_MarshalRoundTrip(t *testing.T) {
	event, err := messaging.NewIntegrationEvent(sourceEvent("evt-1", 1), "inventory.goods_received", goodsReceived{SKU: "A-1"})
	require.NoError(t, err)
	event.Source = "inventory"

	data, err := event.Marshal()
	require.NoError(t, err)

	decoded, err := messaging.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, "inventory", decoded.Source)
	assert.JSONEq(t, string(event.Payload), string(decoded.Payload))
	assert.True(t, event.OccurredAt.Equal(decoded.OccurredAt))
}

func TestUnmarshal_RejectsIncompleteEnvelope(t *testing.T) {
	tests := map[string]string{
		"invalid json": `{`,
		"missing id":   `{"name":"inventory.goods_received"}`,
		"missing name": `{"id":"abc"}`,
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := messaging.Unmarshal([]byte(data))
			assert.Error(t, err)
		})
	}
}

func goodsReceivedMapper(event *domain.Event) (*messaging.IntegrationEvent, error) {
	return messaging.NewIntegrationEvent(event, "inventory.goods_received", goodsReceived{SKU: "A-1", Quantity: "50"})
}

func TestForwarder_PublishesMappedEvents(t *testing.T) {
	publisher := &recordingPublisher{}
	forwarder := messaging.NewForwarder(publisher, messaging.WithSource("inventory")).
		Map("inventory.ReceiptPosted", goodsReceivedMapper).
		Map("inventory.ReceiptDrafted", func(event *domain.Event) (*messaging.IntegrationEvent, error) {
			return nil, nil
		})

	assert.Equal(t, []string{"inventory.ReceiptDrafted", "inventory.ReceiptPosted"}, forwarder.EventTypes())

	ctx := context.Background()
	require.NoError(t, forwarder.Handle(ctx, sourceEvent("evt-1", 2)))

	drafted := sourceEvent("evt-0", 1)
	drafted.EventType = "inventory.ReceiptDrafted"
	require.NoError(t, forwarder.Handle(ctx, drafted))

	other := sourceEvent("evt-2", 3)
	other.EventType = "inventory.LineAdded"
	require.NoError(t, forwarder.Handle(ctx, other))

	require.Len(t, publisher.published, 1)
	assert.Equal(t, "inventory.goods_received", publisher.published[0].Name)
	assert.Equal(t, "inventory", publisher.published[0].Source)
}

func TestForwarder_WrapsPublishFailure(t *testing.T) {
	unavailable := errors.New("broker unavailable")
	forwarder := messaging.NewForwarder(&recordingPublisher{err: unavailable}).
		Map("inventory.ReceiptPosted", goodsReceivedMapper)

	err := forwarder.Handle(context.Background(), sourceEvent("evt-1", 2))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDeliveryFailure)
	assert.ErrorIs(t, err, unavailable)
}

func TestForwarder_MapperFailure(t *testing.T) {
	invalid := errors.New("missing sku")
	forwarder := messaging.NewForwarder(&recordingPublisher{}).
		Map("inventory.ReceiptPosted", func(event *domain.Event) (*messaging.IntegrationEvent, error) {
			return nil, invalid
		})

	err := forwarder.Handle(context.Background(), sourceEvent("evt-1", 2))
	assert.ErrorIs(t, err, invalid)
	assert.NotErrorIs(t, err, domain.ErrDeliveryFailure)
}

type fakeSubscriber struct {
	names        []string
	unsubscribed bool
	err          error
}

func (s *fakeSubscriber) Subscribe(ctx context.Context, names []string, handler messaging.Handler) (messaging.Subscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.names = names
	return s, nil
}

func (s *fakeSubscriber) Unsubscribe() error {
	s.unsubscribed = true
	return nil
}

func (s *fakeSubscriber) Close() error { return nil }

func TestSubscriptionService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	subscriber := &fakeSubscriber{}
	service := messaging.NewSubscriptionService("valuation-receiver", subscriber,
		[]string{"inventory.goods_received"},
		func(ctx context.Context, event *messaging.IntegrationEvent) error { return nil })

	assert.Equal(t, "valuation-receiver", service.Name())
	assert.Error(t, service.HealthCheck(ctx))

	require.NoError(t, service.Start(ctx))
	assert.Error(t, service.Start(ctx))
	assert.Equal(t, []string{"inventory.goods_received"}, subscriber.names)
	assert.NoError(t, service.HealthCheck(ctx))

	require.NoError(t, service.Stop(ctx))
	assert.True(t, subscriber.unsubscribed)
	require.NoError(t, service.Stop(ctx))
}

func TestSubscriptionService_StartFailure(t *testing.T) {
	refused := errors.New("connection refused")
	service := messaging.NewSubscriptionService("receiver", &fakeSubscriber{err: refused}, nil, nil)

	err := service.Start(context.Background())
	assert.ErrorIs(t, err, refused)
}
