package speeddaemon

import (
	"errors"
	"fmt"
)

var (
	// ErrStreamClosed is returned when the peer disconnects or the connection fails.
	// Nothing further is written to the client.
	ErrStreamClosed = errors.New("stream closed")

	// ErrInvariantViolation is returned by the Coordinator when it receives an event it does not recognise.
	// The Coordinator cannot continue safely once this happens.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrSinkClosed is returned when popping from a closed, drained Sink.
	ErrSinkClosed = errors.New("sink closed")
)

// A ProtocolError is something the protocol declares "an error".
//
// The server must send the client an Error message containing Msg and immediately disconnect that client.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Msg
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

var (
	errAlreadyIdentified      = &ProtocolError{Msg: "client has already identified itself"}
	errMultipleWantHeartbeats = &ProtocolError{Msg: "multiple WantHeartbeat messages"}
	errNotIdentified          = &ProtocolError{Msg: "client has not identified itself"}
)

func illegalMessage(t uint8) *ProtocolError {
	return protocolErrorf("illegal message: %02X", t)
}
