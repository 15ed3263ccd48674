package speeddaemon

import (
	"context"
	"errors"
	"fmt"
)

// handleDispatcher identifies the session as a dispatcher, registers its sink with the Coordinator and starts
// writing the tickets routed to it.
func (s *session) handleDispatcher(ctx context.Context, m *IAmDispatcherMessage) {
	s.role = roleDispatcherLabel
	d := TicketDispatcher{Roads: m.Roads}
	s.logger = s.logger.With("roads", d.Roads)
	s.logger.Info("dispatcher connected")

	sink := NewSink(s.sinkCapacity)
	s.sink = sink
	s.coordinator.RegisterDispatcher(d, sink)
	// Deregister as soon as the session starts to go down, not once every goroutine has returned.
	context.AfterFunc(ctx, s.close)

	s.group.Go(func() error { return s.writeTickets(ctx, sink) })
	s.group.Go(func() error { return s.watchSink(ctx, sink) })
}

// watchSink ends the session once sink overflows. The writer may be stuck sending to a dispatcher that has
// stopped reading, so it cannot notice the overflow itself.
func (s *session) watchSink(ctx context.Context, sink *Sink) error {
	select {
	case <-ctx.Done():
		return nil
	case <-sink.Done():
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("dispatcher too slow, disconnecting", "capacity", s.sinkCapacity)
		return fmt.Errorf("dispatcher fell %d tickets behind: %w", s.sinkCapacity, ErrSinkClosed)
	}
}

// writeTickets sends the tickets from sink to the dispatcher, in order, until ctx is done.
func (s *session) writeTickets(ctx context.Context, sink *Sink) error {
	for {
		t, err := sink.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrSinkClosed) {
				return fmt.Errorf("dispatcher fell %d tickets behind: %w", s.sinkCapacity, err)
			}
			return err
		}
		if err := s.conn.Send(t.Message()); err != nil {
			return fmt.Errorf("error sending ticket: %w", err)
		}
		s.logger.Debug("ticket sent", "plate", t.Plate, "road", t.Road, "speed", t.Speed)
	}
}
