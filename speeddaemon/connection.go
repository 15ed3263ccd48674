package speeddaemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conn is a client connection that is safe for concurrent writes.
type Conn struct {
	// mu protects concurrent write access.
	mu sync.Mutex
	// failed is set once an Error message is sent; nothing is written after it.
	failed bool

	net.Conn
	ID uuid.UUID
}

func NewConn(conn net.Conn) *Conn {
	return &Conn{Conn: conn, ID: uuid.New()}
}

// Send writes m to the client as a single frame.
func (c *Conn) Send(m Message) error {
	b, err := m.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed {
		return fmt.Errorf("connection failed: %w", ErrStreamClosed)
	}
	if _, err := c.Conn.Write(b); err != nil {
		return fmt.Errorf("write error: %w: %w", ErrStreamClosed, err)
	}
	return nil
}

// sendError sends an ErrorMessage to the client. No further messages are sent afterwards.
func (c *Conn) sendError(e *ProtocolError) error {
	b, err := (&ErrorMessage{Msg: e.Msg}).MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed {
		return nil
	}
	c.failed = true
	if _, err := c.Conn.Write(b); err != nil {
		return fmt.Errorf("write error: %w: %w", ErrStreamClosed, err)
	}
	return nil
}

const Decisecond = 100 * time.Millisecond

// heartbeat sends a Heartbeat every interval deciseconds until ctx is done.
func heartbeat(ctx context.Context, conn *Conn, interval uint32) error {
	ticker := time.NewTicker(time.Duration(interval) * Decisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			slog.Debug("heartbeat", "connection", conn.ID)
			if err := conn.Send(&HeartbeatMessage{}); err != nil {
				return fmt.Errorf("error writing heartbeat: %w", err)
			}
			heartbeatsCounter.Inc()
		}
	}
}
