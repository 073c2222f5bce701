package domain_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/plaenen/bizsuite/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ticketStatus string

const (
	statusOpen   ticketStatus = "open"
	statusClosed ticketStatus = "closed"
)

type ticketOpened struct {
	Title string `json:"title"`
}

func (ticketOpened) EventType() string { return "test.TicketOpened" }

type ticketCommented struct {
	Comment string `json:"comment"`
}

func (ticketCommented) EventType() string { return "test.TicketCommented" }

type ticketClosed struct{}

func (ticketClosed) EventType() string { return "test.TicketClosed" }

var ticketTransitions = domain.NewTransitionTable[ticketStatus]("ticket").
	Allow(statusClosed, statusOpen).
	Terminal(statusClosed)

type ticket struct {
	domain.AggregateRoot
	title    string
	status   ticketStatus
	comments []string
}

func newTicket(id string) *ticket {
	t := &ticket{}
	t.AggregateRoot = domain.NewAggregateRoot(id, "test.Ticket", t.apply)
	return t
}

func (t *ticket) apply(event *domain.Event) error {
	switch p := event.Payload.(type) {
	case ticketOpened:
		t.title = p.Title
		t.status = statusOpen
	case ticketCommented:
		t.comments = append(t.comments, p.Comment)
	case ticketClosed:
		t.status = statusClosed
	default:
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	return nil
}

func (t *ticket) Open(title string) error {
	if t.Version() != 0 {
		return domain.NewRuleViolation("ticket", "already_open", "ticket %s exists", t.ID())
	}
	return t.Record(ticketOpened{Title: title})
}

func (t *ticket) Comment(text string) error {
	return t.Record(ticketCommented{Comment: text})
}

func (t *ticket) Close() error {
	if err := ticketTransitions.Check(t.status, statusClosed); err != nil {
		return err
	}
	return t.Record(ticketClosed{})
}

func newTestRegistry() *domain.Registry {
	r := domain.NewRegistry(nil)
	domain.Register[ticketOpened](r)
	domain.Register[ticketCommented](r)
	domain.Register[ticketClosed](r)
	return r
}

// persisted simulates a round trip through storage: encode then decode.
func persisted(t *testing.T, r *domain.Registry, events []*domain.Event) []*domain.Event {
	t.Helper()
	out := make([]*domain.Event, 0, len(events))
	for _, e := range events {
		data, err := r.Encode(e.Payload.(domain.EventPayload))
		require.NoError(t, err)
		copyEvent := *e
		copyEvent.Data = data
		copyEvent.Payload = nil
		require.NoError(t, r.Decode(&copyEvent))
		out = append(out, &copyEvent)
	}
	return out
}

func TestAggregateRoot_Record(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	domain.TimeFunc = func() time.Time { return fixed }
	defer func() { domain.TimeFunc = time.Now }()

	tk := newTicket("t-1")
	require.NoError(t, tk.Open("printer on fire"))
	require.NoError(t, tk.Comment("still burning"))

	assert.Equal(t, int64(2), tk.Version())
	assert.Equal(t, "printer on fire", tk.title)
	assert.Equal(t, []string{"still burning"}, tk.comments)

	events := tk.UncommittedEvents()
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Version)
	assert.Equal(t, int64(2), events[1].Version)
	assert.Equal(t, "test.TicketOpened", events[0].EventType)
	assert.Equal(t, fixed, events[0].OccurredAt)
	assert.NotEqual(t, events[0].ID, events[1].ID)

	tk.ClearUncommittedEvents()
	assert.Empty(t, tk.UncommittedEvents())
	assert.Equal(t, int64(2), tk.Version())
}

func TestAggregateRoot_RecordFailureLeavesStateUntouched(t *testing.T) {
	tk := newTicket("t-1")
	err := tk.Record(unknownPayload{})
	require.Error(t, err)
	assert.Equal(t, int64(0), tk.Version())
	assert.Empty(t, tk.UncommittedEvents())
}

type unknownPayload struct{}

func (unknownPayload) EventType() string { return "test.Unknown" }

func TestAggregateRoot_DeterministicEventIDs(t *testing.T) {
	a := newTicket("t-1")
	a.SetCommandID("cmd-42")
	require.NoError(t, a.Open("x"))

	b := newTicket("t-1")
	b.SetCommandID("cmd-42")
	require.NoError(t, b.Open("x"))

	assert.Equal(t, a.UncommittedEvents()[0].ID, b.UncommittedEvents()[0].ID)
	assert.Equal(t, "cmd-42", a.UncommittedEvents()[0].Metadata.CausationID)
}

func TestAggregateRoot_ReplayIsDeterministic(t *testing.T) {
	r := newTestRegistry()

	source := newTicket("t-1")
	require.NoError(t, source.Open("broken keyboard"))
	require.NoError(t, source.Comment("ordered a new one"))
	require.NoError(t, source.Close())
	history := persisted(t, r, source.UncommittedEvents())

	first := newTicket("t-1")
	require.NoError(t, first.Replay(history))
	second := newTicket("t-1")
	require.NoError(t, second.Replay(history))

	assert.Equal(t, first.title, second.title)
	assert.Equal(t, first.status, second.status)
	assert.Equal(t, first.comments, second.comments)
	assert.Equal(t, int64(3), first.Version())
	assert.Equal(t, first.Version(), second.Version())
	assert.Empty(t, first.UncommittedEvents())
}

func TestAggregateRoot_ReplayRejectsGaps(t *testing.T) {
	r := newTestRegistry()
	source := newTicket("t-1")
	require.NoError(t, source.Open("a"))
	require.NoError(t, source.Comment("b"))
	require.NoError(t, source.Comment("c"))
	history := persisted(t, r, source.UncommittedEvents())

	tk := newTicket("t-1")
	err := tk.Replay([]*domain.Event{history[0], history[2]})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidVersion))
	assert.Equal(t, int64(1), tk.Version())
}

func TestTransitionTable(t *testing.T) {
	tk := newTicket("t-1")
	require.NoError(t, tk.Open("a"))
	require.NoError(t, tk.Close())

	err := tk.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRuleViolation)

	var violation *domain.RuleViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "terminal_status", violation.Rule)
	assert.Equal(t, int64(2), tk.Version(), "failed operation must not record an event")

	err = ticketTransitions.Check("draft", statusClosed)
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "illegal_transition", violation.Rule)
	assert.True(t, ticketTransitions.IsTerminal(statusClosed))
	assert.False(t, ticketTransitions.IsTerminal(statusOpen))
}

func TestRegistry(t *testing.T) {
	r := newTestRegistry()

	t.Run("decodes registered types", func(t *testing.T) {
		data, err := r.Encode(ticketOpened{Title: "hello"})
		require.NoError(t, err)

		event := &domain.Event{EventType: "test.TicketOpened", Data: data}
		require.NoError(t, r.Decode(event))
		assert.Equal(t, ticketOpened{Title: "hello"}, event.Payload)
	})

	t.Run("unknown type", func(t *testing.T) {
		err := r.Decode(&domain.Event{EventType: "test.Nope", Data: []byte(`{}`)})
		assert.ErrorIs(t, err, domain.ErrUnknownEventType)
	})

	t.Run("duplicate registration panics", func(t *testing.T) {
		assert.Panics(t, func() { domain.Register[ticketOpened](r) })
	})

	assert.ElementsMatch(t, []string{"test.TicketOpened", "test.TicketCommented", "test.TicketClosed"}, r.Types())
}

func TestErrors(t *testing.T) {
	event := &domain.Event{AggregateID: "lead-1", EventType: "crm.LeadQualified", Version: 3}
	err := fmt.Errorf("apply: %w", domain.NewProjectionOrderingError("lead_summary", event))
	assert.ErrorIs(t, err, domain.ErrProjectionOrdering)
	assert.Contains(t, err.Error(), "lead_summary")

	var ordering *domain.ProjectionOrderingError
	require.ErrorAs(t, err, &ordering)
	assert.Equal(t, int64(3), ordering.Version)

	assert.NotErrorIs(t, domain.ErrConcurrencyConflict, domain.ErrRuleViolation)
}
