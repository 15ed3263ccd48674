package speeddaemon

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
)

// event is a request to the Coordinator. The set of events is closed.
type event interface {
	event()
}

type registerCamera struct {
	Road  uint16
	Limit uint16
}

type registerDispatcher struct {
	Dispatcher TicketDispatcher
	Sink       *Sink
}

type deregisterDispatcher struct {
	Sink *Sink
}

type ingestReading struct {
	Reading
}

func (registerCamera) event()       {}
func (registerDispatcher) event()   {}
func (deregisterDispatcher) event() {}
func (ingestReading) event()        {}

// road holds everything the Coordinator knows about a single road.
type road struct {
	id    uint16
	limit uint16

	measurements map[Car][]Measurement
	dispatchers  []*Sink
	// next is the round-robin cursor into dispatchers.
	next    int
	pending []Ticket
}

// Coordinator owns all roads, dispatcher registrations and ticket history.
//
// Every exported method only posts an event to the mailbox, so it is safe to call from any goroutine and never
// blocks. Run processes events one at a time in arrival order; it is the only code that touches the state.
type Coordinator struct {
	mailbox *queue[event]

	roads   map[uint16]*road
	sinks   map[*Sink][]uint16
	history map[Car]map[uint32]struct{}
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		mailbox: newQueue[event](0),
		roads:   make(map[uint16]*road),
		sinks:   make(map[*Sink][]uint16),
		history: make(map[Car]map[uint32]struct{}),
	}
}

// RegisterCamera sets the speed limit of a road. The last camera to register wins.
func (c *Coordinator) RegisterCamera(road, limit uint16) {
	c.post(registerCamera{Road: road, Limit: limit})
}

// RegisterDispatcher attaches sink to every road d is responsible for and hands it any tickets waiting for
// those roads.
func (c *Coordinator) RegisterDispatcher(d TicketDispatcher, sink *Sink) {
	c.post(registerDispatcher{Dispatcher: TicketDispatcher{Roads: slices.Clone(d.Roads)}, Sink: sink})
}

// DeregisterDispatcher detaches sink from every road it was registered for.
func (c *Coordinator) DeregisterDispatcher(sink *Sink) {
	c.post(deregisterDispatcher{Sink: sink})
}

// IngestReading records a plate observation and tickets the car if it was speeding.
func (c *Coordinator) IngestReading(r Reading) {
	c.post(ingestReading{Reading: r})
}

func (c *Coordinator) post(ev event) {
	c.mailbox.push(ev)
}

// Run processes events until ctx is done. A non-nil error means the Coordinator can no longer be trusted.
func (c *Coordinator) Run(ctx context.Context) error {
	slog.Info("coordinator started")
	for {
		ev, err := c.mailbox.pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("coordinator stopped")
				return nil
			}
			return fmt.Errorf("error reading mailbox: %w", err)
		}
		if err := c.handle(ev); err != nil {
			slog.Error("coordinator failed", "err", err)
			return err
		}
	}
}

func (c *Coordinator) handle(ev event) error {
	switch e := ev.(type) {
	case registerCamera:
		c.registerCamera(e.Road, e.Limit)
	case registerDispatcher:
		c.registerDispatcher(e.Dispatcher, e.Sink)
	case deregisterDispatcher:
		c.deregisterDispatcher(e.Sink)
	case ingestReading:
		c.ingestReading(e.Reading)
	default:
		return fmt.Errorf("%w: unexpected event %T", ErrInvariantViolation, ev)
	}
	return nil
}

func (c *Coordinator) road(id uint16) *road {
	r, ok := c.roads[id]
	if !ok {
		r = &road{id: id, measurements: make(map[Car][]Measurement)}
		c.roads[id] = r
	}
	return r
}

func (c *Coordinator) registerCamera(id, limit uint16) {
	r := c.road(id)
	if r.limit != 0 && r.limit != limit {
		slog.Warn("speed limit changed", "road", id, "old", r.limit, "new", limit)
	}
	r.limit = limit
}

func (c *Coordinator) registerDispatcher(d TicketDispatcher, sink *Sink) {
	roads := slices.Clone(d.Roads)
	slices.Sort(roads)
	roads = slices.Compact(roads)
	c.sinks[sink] = append(c.sinks[sink], roads...)

	for _, id := range roads {
		r := c.road(id)
		if !slices.Contains(r.dispatchers, sink) {
			r.dispatchers = append(r.dispatchers, sink)
		}
		c.sendPending(r)
	}
	slog.Debug("dispatcher registered", "roads", roads)
}

func (c *Coordinator) deregisterDispatcher(sink *Sink) {
	for _, id := range c.sinks[sink] {
		r, ok := c.roads[id]
		if !ok {
			continue
		}
		i := slices.Index(r.dispatchers, sink)
		if i < 0 {
			continue
		}
		r.dispatchers = slices.Delete(r.dispatchers, i, i+1)
		// Keep the cursor on the sink that was next in line.
		if i < r.next {
			r.next--
		}
		if r.next >= len(r.dispatchers) {
			r.next = 0
		}
	}
	delete(c.sinks, sink)
	slog.Debug("dispatcher deregistered")
}

func (c *Coordinator) ingestReading(reading Reading) {
	readingsCounter.Inc()

	r := c.road(reading.Road)
	r.measurements[reading.Plate] = append(r.measurements[reading.Plate], Measurement{
		Mile:      reading.Mile,
		Timestamp: reading.Timestamp,
	})
	if len(r.measurements[reading.Plate]) >= 2 {
		c.generateTickets(r, reading.Plate)
	}
}

// generateTickets pairs up the measurements of plate on r in timestamp order. A pair that exceeds the speed
// limit is consumed by its ticket; unpaired measurements stay for later readings.
func (c *Coordinator) generateTickets(r *road, plate Car) {
	ms := r.measurements[plate]
	slices.SortStableFunc(ms, func(a, b Measurement) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})

	remaining := make([]Measurement, 0, len(ms))
	for i := 0; i < len(ms); {
		if i+1 < len(ms) {
			if t, ok := r.check(plate, ms[i], ms[i+1]); ok {
				c.dispatch(r, t)
				i += 2
				continue
			}
		}
		remaining = append(remaining, ms[i])
		i++
	}
	r.measurements[plate] = remaining
}

// check returns the ticket for travelling from m1 to m2 if the average speed strictly exceeds the limit.
// m1 must not be later than m2.
func (r *road) check(plate Car, m1, m2 Measurement) (Ticket, bool) {
	if m2.Timestamp <= m1.Timestamp {
		return Ticket{}, false
	}
	distance := uint64(max(m1.Mile, m2.Mile) - min(m1.Mile, m2.Mile))
	duration := uint64(m2.Timestamp - m1.Timestamp)

	// distance/duration*3600 > limit, without losing precision.
	if distance*3600 <= uint64(r.limit)*duration {
		return Ticket{}, false
	}

	speed := distance * 3600 * 100 / duration
	if speed > math.MaxUint16 {
		speed = math.MaxUint16
	}
	return Ticket{
		Plate:      plate,
		Road:       r.id,
		Mile1:      m1.Mile,
		Timestamp1: m1.Timestamp,
		Mile2:      m2.Mile,
		Timestamp2: m2.Timestamp,
		Speed:      uint16(speed),
	}, true
}

// dispatch delivers t unless the car has already been ticketed on one of its days. With no dispatcher for
// the road, t waits on the road's pending queue.
func (c *Coordinator) dispatch(r *road, t Ticket) {
	if c.ticketed(t) {
		ticketsSuppressedCounter.WithLabelValues(suppressedHistory).Inc()
		slog.Debug("car already ticketed that day", "plate", t.Plate, "road", t.Road,
			"timestamp1", t.Timestamp1, "timestamp2", t.Timestamp2)
		return
	}
	if c.deliver(r, t) {
		return
	}
	r.pending = append(r.pending, t)
	ticketsPending.Inc()
	slog.Debug("no dispatchers for road, queueing ticket", "road", t.Road, "plate", t.Plate, "speed", t.Speed)
}

// sendPending delivers r's pending tickets in order, dropping the ones that are no longer allowed.
func (c *Coordinator) sendPending(r *road) {
	if len(r.pending) == 0 {
		return
	}
	slog.Debug("sending queued tickets", "road", r.id, "count", len(r.pending))

	pending := r.pending
	r.pending = nil
	for i, t := range pending {
		if c.ticketed(t) {
			ticketsPending.Dec()
			ticketsSuppressedCounter.WithLabelValues(suppressedStale).Inc()
			continue
		}
		if !c.deliver(r, t) {
			r.pending = append(r.pending, pending[i:]...)
			return
		}
		ticketsPending.Dec()
	}
}

// deliver hands t to the next open dispatcher of r in round-robin order and records it in the history.
func (c *Coordinator) deliver(r *road, t Ticket) bool {
	for i, n := 0, len(r.dispatchers); i < n; i++ {
		sink := r.dispatchers[r.next]
		r.next = (r.next + 1) % len(r.dispatchers)
		if sink.Push(t) {
			c.record(t)
			ticketsIssuedCounter.Inc()
			slog.Info("ticket issued", "plate", t.Plate, "road", t.Road, "mile1", t.Mile1, "timestamp1", t.Timestamp1,
				"mile2", t.Mile2, "timestamp2", t.Timestamp2, "speed", t.Speed)
			return true
		}
	}
	return false
}

// ticketed reports whether the car of t already has a ticket on either of its days.
func (c *Coordinator) ticketed(t Ticket) bool {
	days, ok := c.history[t.Plate]
	if !ok {
		return false
	}
	d1, d2 := t.Days()
	_, ok1 := days[d1]
	_, ok2 := days[d2]
	return ok1 || ok2
}

func (c *Coordinator) record(t Ticket) {
	days, ok := c.history[t.Plate]
	if !ok {
		days = make(map[uint32]struct{})
		c.history[t.Plate] = days
	}
	d1, d2 := t.Days()
	days[d1] = struct{}{}
	days[d2] = struct{}{}
}
