package speeddaemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// SpeedLimitEnforcementServer coordinates enforcement of average speed limits on the Freedom Island road network.
//
// Two types of clients are supported: cameras and ticket dispatchers.
// Clients connect over TCP and speak a protocol using a binary format.
//
// When the client does something that the protocol declares "an error", the server must send the
// client an appropriate Error message and immediately disconnect that client.
type SpeedLimitEnforcementServer struct {
	Coordinator *Coordinator
	// SinkCapacity bounds the tickets queued for each dispatcher. 0 means unbounded.
	SinkCapacity int
}

// Serve accepts connections on l and handles each of them until ctx is done.
func (s *SpeedLimitEnforcementServer) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		if err := l.Close(); err != nil {
			slog.Error("error closing listener", "err", err)
		}
	})
	defer stop()

	var g errgroup.Group
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			slog.Error("connection error", "err", err)
			continue
		}
		g.Go(func() error {
			if err := s.Handle(ctx, conn); err != nil {
				slog.Warn("client disconnected with error", "err", err, "remote_addr", conn.RemoteAddr())
			}
			return nil
		})
	}
	return g.Wait()
}

// session is the protocol state of one client connection.
//
// A session starts unidentified and becomes a camera or a dispatcher with its first message. Only the read
// loop goroutine touches the fields below conn.
type session struct {
	conn        *Conn
	coordinator *Coordinator
	group       *errgroup.Group
	logger      *slog.Logger

	sinkCapacity int

	role      string
	camera    Camera
	heartbeat bool

	cleanup sync.Once
	sink    *Sink
}

// Handle handles a client connection. It returns once the client has disconnected or has been disconnected;
// a clean disconnect by the client is not an error.
func (s *SpeedLimitEnforcementServer) Handle(ctx context.Context, conn net.Conn) error {
	client := NewConn(conn)
	logger := slog.With("connection", client.ID)
	logger.Info("client connected", "remote_addr", conn.RemoteAddr())

	activeConnections.Inc()
	defer activeConnections.Dec()

	g, ctx := errgroup.WithContext(ctx)
	sess := &session{
		conn:         client,
		coordinator:  s.Coordinator,
		group:        g,
		logger:       logger,
		sinkCapacity: s.SinkCapacity,
		role:         roleUnidentifiedLabel,
	}
	// Unblocks the read loop once any goroutine of this session fails or the server shuts down.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	g.Go(func() error { return sess.readLoop(ctx) })
	err := g.Wait()
	sess.close()

	connectionsCounter.WithLabelValues(sess.role).Inc()
	if errors.Is(err, ErrStreamClosed) && !isProtocolError(err) {
		logger.Info("client disconnected", "role", sess.role)
		err = nil
	}
	if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = multierr.Append(err, fmt.Errorf("error closing connection: %w", cerr))
	}
	return err
}

func (s *session) readLoop(ctx context.Context) error {
	for {
		m, err := ReadMessage(s.conn)
		if err != nil {
			return s.fail(err)
		}
		if err := s.handle(ctx, m); err != nil {
			return s.fail(err)
		}
	}
}

func (s *session) handle(ctx context.Context, m Message) error {
	switch m := m.(type) {
	case *WantHeartbeatMessage:
		return s.wantHeartbeat(ctx, m)
	case *IAmCameraMessage:
		if s.role != roleUnidentifiedLabel {
			return errAlreadyIdentified
		}
		s.handleCamera(m)
	case *IAmDispatcherMessage:
		if s.role != roleUnidentifiedLabel {
			return errAlreadyIdentified
		}
		s.handleDispatcher(ctx, m)
	case *PlateMessage:
		if s.role == roleUnidentifiedLabel {
			return errNotIdentified
		}
		if s.role != roleCameraLabel {
			return illegalMessage(m.MessageType())
		}
		s.recordPlate(m)
	default:
		return illegalMessage(m.MessageType())
	}
	return nil
}

func (s *session) wantHeartbeat(ctx context.Context, m *WantHeartbeatMessage) error {
	if s.role == roleUnidentifiedLabel {
		return errNotIdentified
	}
	// It is an error for a client to send multiple WantHeartbeat messages on a single connection.
	if s.heartbeat {
		return errMultipleWantHeartbeats
	}
	s.heartbeat = true
	if m.Interval == 0 {
		return nil
	}
	s.logger.Debug("beginning heartbeat", "interval", m.Interval)
	s.group.Go(func() error { return heartbeat(ctx, s.conn, m.Interval) })
	return nil
}

// fail sends the client an Error message if err is a *ProtocolError. The error is always returned so that
// the session ends.
func (s *session) fail(err error) error {
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		return err
	}
	protocolErrorsCounter.Inc()
	s.logger.Warn("protocol error", "role", s.role, "err", perr.Msg)
	if werr := s.conn.sendError(perr); werr != nil {
		return multierr.Append(err, werr)
	}
	return err
}

// close detaches a dispatcher from the Coordinator. It is safe to call more than once.
func (s *session) close() {
	s.cleanup.Do(func() {
		if s.sink == nil {
			return
		}
		s.sink.Close()
		s.coordinator.DeregisterDispatcher(s.sink)
	})
}

func isProtocolError(err error) bool {
	var perr *ProtocolError
	return errors.As(err, &perr)
}
