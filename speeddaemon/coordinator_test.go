package speeddaemon

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func handleAll(t *testing.T, c *Coordinator, events ...event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, c.handle(ev))
	}
}

func reading(road, mile uint16, plate string, timestamp uint32) ingestReading {
	return ingestReading{Reading{Road: road, Mile: mile, Plate: Car(plate), Timestamp: timestamp}}
}

// drain pops every ticket currently queued on s.
func drain(t *testing.T, s *Sink) []Ticket {
	t.Helper()
	var tickets []Ticket
	for s.Len() > 0 {
		ticket, err := s.Pop(context.Background())
		require.NoError(t, err)
		tickets = append(tickets, ticket)
	}
	return tickets
}

var scenarioATicket = Ticket{
	Plate:      "UN1X",
	Road:       123,
	Mile1:      8,
	Timestamp1: 0,
	Mile2:      9,
	Timestamp2: 45,
	Speed:      8000,
}

func TestCoordinator_DispatcherRegisteredBeforeTicket(t *testing.T) {
	c := NewCoordinator()
	sink := NewSink(0)

	handleAll(t, c,
		registerDispatcher{Dispatcher: TicketDispatcher{Roads: []uint16{123}}, Sink: sink},
		registerCamera{Road: 123, Limit: 60},
		reading(123, 8, "UN1X", 0),
		registerCamera{Road: 123, Limit: 60},
		reading(123, 9, "UN1X", 45),
	)

	if diff := cmp.Diff([]Ticket{scenarioATicket}, drain(t, sink)); diff != "" {
		t.Errorf("tickets mismatch (-want +got):\n%s", diff)
	}
}

func TestCoordinator_TicketQueuedUntilDispatcherRegisters(t *testing.T) {
	c := NewCoordinator()
	handleAll(t, c,
		registerCamera{Road: 123, Limit: 60},
		reading(123, 8, "UN1X", 0),
		reading(123, 9, "UN1X", 45),
	)
	assert.Equal(t, []Ticket{scenarioATicket}, c.roads[123].pending)

	other := NewSink(0)
	handleAll(t, c, registerDispatcher{Dispatcher: TicketDispatcher{Roads: []uint16{7}}, Sink: other})
	assert.Zero(t, other.Len())

	sink := NewSink(0)
	handleAll(t, c, registerDispatcher{Dispatcher: TicketDispatcher{Roads: []uint16{7, 123}}, Sink: sink})
	assert.Equal(t, []Ticket{scenarioATicket}, drain(t, sink))
	assert.Empty(t, c.roads[123].pending)
}

func TestCoordinator_OneTicketPerDay(t *testing.T) {
	c := NewCoordinator()
	sink := NewSink(0)
	handleAll(t, c,
		registerDispatcher{Dispatcher: TicketDispatcher{Roads: []uint16{123, 124}}, Sink: sink},
		registerCamera{Road: 123, Limit: 60},
		registerCamera{Road: 124, Limit: 60},
		reading(123, 8, "UN1X", 0),
		reading(123, 9, "UN1X", 45),
		// Same day, same road.
		reading(123, 10, "UN1X", 1000),
		reading(123, 20, "UN1X", 1100),
		// Same day, another road.
		reading(124, 10, "UN1X", 2000),
		reading(124, 20, "UN1X", 2100),
		// Another car is unaffected.
		reading(124, 10, "RE05BKG", 2000),
		reading(124, 20, "RE05BKG", 2100),
	)

	tickets := drain(t, sink)
	require.Len(t, tickets, 2)
	assert.Equal(t, scenarioATicket, tickets[0])
	assert.Equal(t, Car("RE05BKG"), tickets[1].Plate)
}

func TestCoordinator_SpeedMustExceedLimit(t *testing.T) {
	tests := map[string]struct {
		mile1, mile2 uint16
		t1, t2       uint32
		wantSpeed    uint16
		wantTicket   bool
	}{
		"exactly the limit": {mile1: 0, mile2: 1, t1: 0, t2: 60},
		"under the limit":   {mile1: 0, mile2: 1, t1: 0, t2: 61},
		"just over the limit": {
			mile1: 0, mile2: 1, t1: 0, t2: 59,
			wantSpeed: 6101, wantTicket: true,
		},
		"travelling towards mile zero": {
			mile1: 10, mile2: 8, t1: 100, t2: 160,
			wantSpeed: 12000, wantTicket: true,
		},
		"same timestamp": {mile1: 0, mile2: 5, t1: 10, t2: 10},
		"saturated speed": {
			mile1: 0, mile2: 1000, t1: 0, t2: 1,
			wantSpeed: 65535, wantTicket: true,
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			c := NewCoordinator()
			sink := NewSink(0)
			handleAll(t, c,
				registerDispatcher{Dispatcher: TicketDispatcher{Roads: []uint16{1}}, Sink: sink},
				registerCamera{Road: 1, Limit: 60},
				reading(1, test.mile1, "UN1X", test.t1),
				reading(1, test.mile2, "UN1X", test.t2),
			)

			tickets := drain(t, sink)
			if !test.wantTicket {
				assert.Empty(t, tickets)
				assert.Len(t, c.roads[1].measurements["UN1X"], 2)
				return
			}
			require.Len(t, tickets, 1)
			assert.Equal(t, test.wantSpeed, tickets[0].Speed)
			assert.Empty(t, c.roads[1].measurements["UN1X"])
		})
	}
}

func TestCoordinator_ReadingsOutOfOrder(t *testing.T) {
	c := NewCoordinator()
	sink := NewSink(0)
	handleAll(t, c,
		registerDispatcher{Dispatcher: TicketDispatcher{Roads: []uint16{123}}, Sink: sink},
		registerCamera{Road: 123, Limit: 60},
		reading(123, 9, "UN1X", 45),
		reading(123, 8, "UN1X", 0),
	)
	assert.Equal(t, []Ticket{scenarioATicket}, drain(t, sink))
}

func TestCoordinator_MeasurementsConsumedOnce(t *testing.T) {
	c := NewCoordinator()
	handleAll(t, c,
		registerCamera{Road: 1, Limit: 60},
		reading(1, 0, "UN1X", 0),
		reading(1, 2, "UN1X", 60),
		reading(1, 4, "UN1X", 120),
	)

	// The first two readings make a ticket; the third is left for a later pairing.
	pending := c.roads[1].pending
	require.Len(t, pending, 1)
	assert.Equal(t, uint32(0), pending[0].Timestamp1)
	assert.Equal(t, uint32(60), pending[0].Timestamp2)
	assert.Equal(t, []Measurement{{Mile: 4, Timestamp: 120}}, c.roads[1].measurements["UN1X"])

	// Two days later the third reading pairs with a new one and never with a consumed one.
	handleAll(t, c, reading(1, 6, "UN1X", 2*SecondsPerDay))
	assert.Len(t, c.roads[1].measurements["UN1X"], 2)
	assert.Len(t, c.roads[1].pending, 1)

	handleAll(t, c, reading(1, 8, "UN1X", 2*SecondsPerDay+60))
	pending = c.roads[1].pending
	require.Len(t, pending, 2)
	assert.Equal(t, uint32(2*SecondsPerDay), pending[1].Timestamp1)
	assert.Equal(t, []Measurement{{Mile: 4, Timestamp: 120}}, c.roads[1].measurements["UN1X"])
}

func TestCoordinator_TripAcrossMidnight(t *testing.T) {
	c := NewCoordinator()
	sink := NewSink(0)
	handleAll(t, c,
		registerDispatcher{Dispatcher: TicketDispatcher{Roads: []uint16{1}}, Sink: sink},
		registerCamera{Road: 1, Limit: 60},
		reading(1, 0, "UN1X", SecondsPerDay-5),
		reading(1, 1, "UN1X", SecondsPerDay+5),
	)
	tickets := drain(t, sink)
	require.Len(t, tickets, 1)
	d1, d2 := tickets[0].Days()
	assert.Equal(t, uint32(0), d1)
	assert.Equal(t, uint32(1), d2)

	// Both days are now taken.
	handleAll(t, c,
		reading(1, 0, "UN1X", 100),
		reading(1, 10, "UN1X", 200),
		reading(1, 0, "UN1X", SecondsPerDay+1000),
		reading(1, 10, "UN1X", SecondsPerDay+1100),
	)
	assert.Empty(t, drain(t, sink))

	handleAll(t, c,
		reading(1, 0, "UN1X", 2*SecondsPerDay+1000),
		reading(1, 10, "UN1X", 2*SecondsPerDay+1100),
	)
	assert.Len(t, drain(t, sink), 1)
}

func TestCoordinator_PendingTicketsRevalidated(t *testing.T) {
	c := NewCoordinator()
	handleAll(t, c,
		registerCamera{Road: 1, Limit: 60},
		registerCamera{Road: 2, Limit: 60},
		// Both trips happen on day 0 while nobody covers road 1.
		reading(1, 0, "UN1X", 0),
		reading(1, 10, "UN1X", 100),
		reading(1, 0, "RE05BKG", 0),
		reading(1, 10, "RE05BKG", 100),
		reading(1, 0, "UN1X", 1000),
		reading(1, 10, "UN1X", 1100),
	)
	require.Len(t, c.roads[1].pending, 3)

	// A dispatcher for road 2 tickets UN1X for day 0 in the meantime.
	sink2 := NewSink(0)
	handleAll(t, c,
		registerDispatcher{Dispatcher: TicketDispatcher{Roads: []uint16{2}}, Sink: sink2},
		reading(2, 0, "UN1X", 5000),
		reading(2, 10, "UN1X", 5100),
	)
	require.Len(t, drain(t, sink2), 1)

	sink1 := NewSink(0)
	handleAll(t, c, registerDispatcher{Dispatcher: TicketDispatcher{Roads: []uint16{1}}, Sink: sink1})

	tickets := drain(t, sink1)
	require.Len(t, tickets, 1)
	assert.Equal(t, Car("RE05BKG"), tickets[0].Plate)
	assert.Empty(t, c.roads[1].pending)
}

func TestCoordinator_PendingTicketsInOrder(t *testing.T) {
	c := NewCoordinator()
	plates := []string{"AAA", "BBB", "CCC", "DDD"}
	handleAll(t, c, registerCamera{Road: 1, Limit: 60})
	for i, plate := range plates {
		start := uint32(i * 1000)
		handleAll(t, c, reading(1, 0, plate, start), reading(1, 10, plate, start+100))
	}

	sink := NewSink(0)
	handleAll(t, c, registerDispatcher{Dispatcher: TicketDispatcher{Roads: []uint16{1}}, Sink: sink})

	var got []string
	for _, ticket := range drain(t, sink) {
		got = append(got, string(ticket.Plate))
	}
	assert.Equal(t, plates, got)
}

func TestCoordinator_RoundRobin(t *testing.T) {
	c := NewCoordinator()
	a, b := NewSink(0), NewSink(0)
	handleAll(t, c,
		registerCamera{Road: 1, Limit: 60},
		registerDispatcher{Dispatcher: TicketDispatcher{Roads: []uint16{1}}, Sink: a},
		registerDispatcher{Dispatcher: TicketDispatcher{Roads: []uint16{1, 1}}, Sink: b},
	)
	require.Len(t, c.roads[1].dispatchers, 2)

	for _, plate := range []string{"AAA", "BBB", "CCC"} {
		handleAll(t, c, reading(1, 0, plate, 0), reading(1, 10, plate, 100))
	}

	assert.Len(t, drain(t, a), 2)
	assert.Len(t, drain(t, b), 1)
}

func TestCoordinator_RoundRobinAfterDeregister(t *testing.T) {
	c := NewCoordinator()
	a, b, d := NewSink(0), NewSink(0), NewSink(0)
	handleAll(t, c,
		registerCamera{Road: 1, Limit: 60},
		registerDispatcher{Dispatcher: TicketDispatcher{Roads: []uint16{1}}, Sink: a},
		registerDispatcher{Dispatcher: TicketDispatcher{Roads: []uint16{1}}, Sink: b},
		registerDispatcher{Dispatcher: TicketDispatcher{Roads: []uint16{1}}, Sink: d},
		reading(1, 0, "AAA", 0),
		reading(1, 10, "AAA", 100),
	)
	require.Len(t, drain(t, a), 1)

	// b was next in line before a left, so it still is.
	handleAll(t, c,
		deregisterDispatcher{Sink: a},
		reading(1, 0, "BBB", 0),
		reading(1, 10, "BBB", 100),
	)
	assert.Len(t, drain(t, b), 1)
	assert.Empty(t, drain(t, d))

	// Removing the sink at the cursor moves the cursor on to its successor.
	handleAll(t, c,
		deregisterDispatcher{Sink: d},
		reading(1, 0, "CCC", 0),
		reading(1, 10, "CCC", 100),
	)
	assert.Len(t, drain(t, b), 1)
}

func TestCoordinator_DeregisterDispatcher(t *testing.T) {
	c := NewCoordinator()
	sink := NewSink(0)
	handleAll(t, c,
		registerCamera{Road: 1, Limit: 60},
		registerDispatcher{Dispatcher: TicketDispatcher{Roads: []uint16{1, 2}}, Sink: sink},
		deregisterDispatcher{Sink: sink},
		reading(1, 0, "UN1X", 0),
		reading(1, 10, "UN1X", 100),
	)

	assert.Zero(t, sink.Len())
	assert.Empty(t, c.roads[1].dispatchers)
	assert.Empty(t, c.roads[2].dispatchers)
	assert.Empty(t, c.sinks)
	assert.Len(t, c.roads[1].pending, 1)
}

func TestCoordinator_ClosedSinkSkipped(t *testing.T) {
	c := NewCoordinator()
	closed, open := NewSink(0), NewSink(0)
	closed.Close()
	handleAll(t, c,
		registerCamera{Road: 1, Limit: 60},
		registerDispatcher{Dispatcher: TicketDispatcher{Roads: []uint16{1}}, Sink: closed},
		registerDispatcher{Dispatcher: TicketDispatcher{Roads: []uint16{1}}, Sink: open},
		reading(1, 0, "UN1X", 0),
		reading(1, 10, "UN1X", 100),
	)
	assert.Len(t, drain(t, open), 1)

	handleAll(t, c,
		deregisterDispatcher{Sink: open},
		reading(1, 0, "RE05BKG", 0),
		reading(1, 10, "RE05BKG", 100),
	)
	assert.Len(t, c.roads[1].pending, 1)
}

func TestCoordinator_SpeedLimitLastWriterWins(t *testing.T) {
	c := NewCoordinator()
	sink := NewSink(0)
	handleAll(t, c,
		registerDispatcher{Dispatcher: TicketDispatcher{Roads: []uint16{1}}, Sink: sink},
		registerCamera{Road: 1, Limit: 60},
		registerCamera{Road: 1, Limit: 100},
		reading(1, 0, "UN1X", 0),
		reading(1, 1, "UN1X", 45),
	)
	assert.Equal(t, uint16(100), c.roads[1].limit)
	assert.Empty(t, drain(t, sink))
}

type unknownEvent struct{}

func (unknownEvent) event() {}

func TestCoordinator_UnknownEvent(t *testing.T) {
	c := NewCoordinator()
	assert.ErrorIs(t, c.handle(unknownEvent{}), ErrInvariantViolation)

	c.post(unknownEvent{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, c.Run(ctx), ErrInvariantViolation)
}

func TestCoordinator_Run(t *testing.T) {
	c := NewCoordinator()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	sink := NewSink(0)
	c.RegisterDispatcher(TicketDispatcher{Roads: []uint16{123}}, sink)
	c.RegisterCamera(123, 60)
	c.IngestReading(Reading{Road: 123, Mile: 8, Plate: "UN1X", Timestamp: 0})
	c.IngestReading(Reading{Road: 123, Mile: 9, Plate: "UN1X", Timestamp: 45})

	popCtx, popCancel := context.WithTimeout(context.Background(), time.Second)
	defer popCancel()
	ticket, err := sink.Pop(popCtx)
	require.NoError(t, err)
	assert.Equal(t, scenarioATicket, ticket)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for coordinator to stop")
	}
}
