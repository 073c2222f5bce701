package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/plaenen/bizsuite/pkg/domain"
	"github.com/plaenen/bizsuite/pkg/store"
	"github.com/plaenen/bizsuite/pkg/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutbox_ClaimKeepsStreamOrder(t *testing.T) {
	ctx := context.Background()
	es := newMemoryStore(t)
	outbox := es.Outbox()

	require.NoError(t, es.Append(ctx, "a", 0, []*domain.Event{newEvent("a", "test.Opened"), newEvent("a", "test.Commented")}))
	require.NoError(t, es.Append(ctx, "b", 0, []*domain.Event{newEvent("b", "test.Opened")}))

	now := time.Now()
	claimed, err := outbox.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// Only the head of each aggregate is claimable.
	assert.Equal(t, "a", claimed[0].Event.AggregateID)
	assert.Equal(t, int64(1), claimed[0].Event.Version)
	assert.Equal(t, "b", claimed[1].Event.AggregateID)
	assert.Equal(t, store.OutboxProcessing, claimed[0].Status)
	assert.Equal(t, []byte(`{"note":"test.Opened"}`), claimed[0].Event.Data)

	// Leased rows are not claimed twice.
	again, err := outbox.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, outbox.Complete(ctx, claimed[0].Event.Position))

	next, err := outbox.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "a", next[0].Event.AggregateID)
	assert.Equal(t, int64(2), next[0].Event.Version)
}

func TestOutbox_ExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	es := newMemoryStore(t)
	outbox := es.Outbox()

	require.NoError(t, es.Append(ctx, "a", 0, []*domain.Event{newEvent("a", "test.Opened")}))

	now := time.Now()
	claimed, err := outbox.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	reclaimed, err := outbox.ClaimDue(ctx, now.Add(2*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, claimed[0].Event.ID, reclaimed[0].Event.ID)
}

func TestOutbox_RetryDeadAndRequeue(t *testing.T) {
	ctx := context.Background()
	es := newMemoryStore(t)
	outbox := es.Outbox()

	require.NoError(t, es.Append(ctx, "a", 0, []*domain.Event{newEvent("a", "test.Opened"), newEvent("a", "test.Commented")}))

	now := time.Now()
	claimed, err := outbox.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	position := claimed[0].Event.Position

	require.NoError(t, outbox.Retry(ctx, position, 1, now.Add(time.Second), "handler down", false))

	// Not due yet.
	none, err := outbox.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	retried, err := outbox.ClaimDue(ctx, now.Add(2*time.Second), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, 1, retried[0].AttemptCount)
	assert.Equal(t, "handler down", retried[0].LastError)

	require.NoError(t, outbox.Retry(ctx, position, 2, now, "still down", true))

	summary, err := outbox.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Dead)
	assert.Equal(t, 1, summary.Pending)
	require.NotNil(t, summary.OldestDueAt)

	// A dead head blocks the rest of its stream.
	blocked, err := outbox.ClaimDue(ctx, now.Add(time.Hour), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, blocked)

	dead, err := outbox.ListDead(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "still down", dead[0].LastError)
	assert.Equal(t, 2, dead[0].AttemptCount)

	ok, err := outbox.Requeue(ctx, position, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = outbox.Requeue(ctx, position, now)
	require.NoError(t, err)
	assert.False(t, ok, "pending rows are not requeued again")

	requeued, err := outbox.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, requeued, 1)
	assert.Zero(t, requeued[0].AttemptCount)
}

func TestOutbox_RequeueDead(t *testing.T) {
	ctx := context.Background()
	es := newMemoryStore(t)
	outbox := es.Outbox()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, es.Append(ctx, id, 0, []*domain.Event{newEvent(id, "test.Opened")}))
	}

	now := time.Now()
	claimed, err := outbox.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	for _, entry := range claimed {
		require.NoError(t, outbox.Retry(ctx, entry.Event.Position, 8, now, "boom", true))
	}

	moved, err := outbox.RequeueDead(ctx, 2, now)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	summary, err := outbox.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Pending)
	assert.Equal(t, 1, summary.Dead)
}

func TestOutbox_Disabled(t *testing.T) {
	ctx := context.Background()
	es := newMemoryStore(t, sqlite.WithOutbox(false))

	require.NoError(t, es.Append(ctx, "a", 0, []*domain.Event{newEvent("a", "test.Opened")}))

	summary, err := es.Outbox().Summary(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Pending)
	assert.Nil(t, summary.OldestDueAt)
}
