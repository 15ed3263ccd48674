package speeddaemon

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Message types. Each message starts with a single u8 specifying the message type.
const (
	ErrorMessageType         uint8 = 0x10
	PlateMessageType         uint8 = 0x20
	TicketMessageType        uint8 = 0x21
	WantHeartbeatMessageType uint8 = 0x40
	HeartbeatMessageType     uint8 = 0x41
	IAmCameraMessageType     uint8 = 0x80
	IAmDispatcherMessageType uint8 = 0x81
)

// A Message is one of the seven message types of the protocol.
//
// The set is closed: only the types in this file implement it.
type Message interface {
	MessageType() uint8
	MarshalBinary() ([]byte, error)

	message()
}

// ErrorMessage is sent by the server when the client does something that is declared "an error".
type ErrorMessage struct {
	Msg string
}

// PlateMessage is sent by a camera each time it observes a number plate.
type PlateMessage struct {
	Plate     string
	Timestamp uint32
}

// TicketMessage is sent by the server to a dispatcher when a car is found to be speeding.
//
// Mile1 and Timestamp1 refer to the earlier of the 2 observations, Speed is 100x miles per hour.
type TicketMessage struct {
	Plate      string
	Road       uint16
	Mile1      uint16
	Timestamp1 uint32
	Mile2      uint16
	Timestamp2 uint32
	Speed      uint16
}

// WantHeartbeatMessage requests heartbeats every Interval deciseconds. An Interval of 0 means no heartbeats.
type WantHeartbeatMessage struct {
	Interval uint32
}

// HeartbeatMessage is sent by the server at the interval requested by the client.
type HeartbeatMessage struct{}

// IAmCameraMessage identifies the client as a camera.
type IAmCameraMessage struct {
	Road  uint16
	Mile  uint16
	Limit uint16
}

// IAmDispatcherMessage identifies the client as a ticket dispatcher responsible for Roads.
type IAmDispatcherMessage struct {
	Roads []uint16
}

func (*ErrorMessage) MessageType() uint8         { return ErrorMessageType }
func (*PlateMessage) MessageType() uint8         { return PlateMessageType }
func (*TicketMessage) MessageType() uint8        { return TicketMessageType }
func (*WantHeartbeatMessage) MessageType() uint8 { return WantHeartbeatMessageType }
func (*HeartbeatMessage) MessageType() uint8     { return HeartbeatMessageType }
func (*IAmCameraMessage) MessageType() uint8     { return IAmCameraMessageType }
func (*IAmDispatcherMessage) MessageType() uint8 { return IAmDispatcherMessageType }

func (*ErrorMessage) message()         {}
func (*PlateMessage) message()         {}
func (*TicketMessage) message()        {}
func (*WantHeartbeatMessage) message() {}
func (*HeartbeatMessage) message()     {}
func (*IAmCameraMessage) message()     {}
func (*IAmDispatcherMessage) message() {}

// ErrStringTooLong is returned when a string field does not fit in its u8 length prefix.
var ErrStringTooLong = errors.New("string longer than 255 bytes")

func (m *ErrorMessage) MarshalBinary() ([]byte, error) {
	return appendString([]byte{ErrorMessageType}, m.Msg)
}

func (m *PlateMessage) MarshalBinary() ([]byte, error) {
	b, err := appendString([]byte{PlateMessageType}, m.Plate)
	if err != nil {
		return nil, err
	}
	return binary.BigEndian.AppendUint32(b, m.Timestamp), nil
}

func (m *TicketMessage) MarshalBinary() ([]byte, error) {
	b, err := appendString([]byte{TicketMessageType}, m.Plate)
	if err != nil {
		return nil, err
	}
	b = binary.BigEndian.AppendUint16(b, m.Road)
	b = binary.BigEndian.AppendUint16(b, m.Mile1)
	b = binary.BigEndian.AppendUint32(b, m.Timestamp1)
	b = binary.BigEndian.AppendUint16(b, m.Mile2)
	b = binary.BigEndian.AppendUint32(b, m.Timestamp2)
	return binary.BigEndian.AppendUint16(b, m.Speed), nil
}

func (m *WantHeartbeatMessage) MarshalBinary() ([]byte, error) {
	return binary.BigEndian.AppendUint32([]byte{WantHeartbeatMessageType}, m.Interval), nil
}

func (m *HeartbeatMessage) MarshalBinary() ([]byte, error) {
	return []byte{HeartbeatMessageType}, nil
}

func (m *IAmCameraMessage) MarshalBinary() ([]byte, error) {
	b := []byte{IAmCameraMessageType}
	b = binary.BigEndian.AppendUint16(b, m.Road)
	b = binary.BigEndian.AppendUint16(b, m.Mile)
	return binary.BigEndian.AppendUint16(b, m.Limit), nil
}

func (m *IAmDispatcherMessage) MarshalBinary() ([]byte, error) {
	if len(m.Roads) > math.MaxUint8 {
		return nil, fmt.Errorf("too many roads: %d", len(m.Roads))
	}
	b := []byte{IAmDispatcherMessageType, uint8(len(m.Roads))}
	for _, r := range m.Roads {
		b = binary.BigEndian.AppendUint16(b, r)
	}
	return b, nil
}

// ReadMessage reads the next message from r.
//
// A clean EOF before the type byte is reported as ErrStreamClosed. An unknown type or a message cut short by
// EOF is reported as a *ProtocolError.
func ReadMessage(r io.Reader) (Message, error) {
	var t uint8
	if err := binary.Read(r, binary.BigEndian, &t); err != nil {
		return nil, fmt.Errorf("error reading message type: %w: %w", ErrStreamClosed, err)
	}

	var (
		m   Message
		err error
	)
	switch t {
	case ErrorMessageType:
		m, err = readErrorMessage(r)
	case PlateMessageType:
		m, err = readPlateMessage(r)
	case TicketMessageType:
		m, err = readTicketMessage(r)
	case WantHeartbeatMessageType:
		m, err = readWantHeartbeatMessage(r)
	case HeartbeatMessageType:
		m = &HeartbeatMessage{}
	case IAmCameraMessageType:
		m, err = readIAmCameraMessage(r)
	case IAmDispatcherMessageType:
		m, err = readIAmDispatcherMessage(r)
	default:
		return nil, illegalMessage(t)
	}
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, protocolErrorf("truncated message: %02X", t)
		}
		return nil, fmt.Errorf("error reading message %02X: %w: %w", t, ErrStreamClosed, err)
	}
	return m, nil
}

func readErrorMessage(r io.Reader) (*ErrorMessage, error) {
	msg, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &ErrorMessage{Msg: msg}, nil
}

func readPlateMessage(r io.Reader) (*PlateMessage, error) {
	plate, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("error reading plate: %w", err)
	}
	m := &PlateMessage{Plate: plate}
	if err := binary.Read(r, binary.BigEndian, &m.Timestamp); err != nil {
		return nil, fmt.Errorf("error reading timestamp: %w", err)
	}
	return m, nil
}

func readTicketMessage(r io.Reader) (*TicketMessage, error) {
	plate, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("error reading plate: %w", err)
	}
	var fields struct {
		Road       uint16
		Mile1      uint16
		Timestamp1 uint32
		Mile2      uint16
		Timestamp2 uint32
		Speed      uint16
	}
	if err := binary.Read(r, binary.BigEndian, &fields); err != nil {
		return nil, fmt.Errorf("error reading ticket: %w", err)
	}
	return &TicketMessage{
		Plate:      plate,
		Road:       fields.Road,
		Mile1:      fields.Mile1,
		Timestamp1: fields.Timestamp1,
		Mile2:      fields.Mile2,
		Timestamp2: fields.Timestamp2,
		Speed:      fields.Speed,
	}, nil
}

func readWantHeartbeatMessage(r io.Reader) (*WantHeartbeatMessage, error) {
	m := &WantHeartbeatMessage{}
	if err := binary.Read(r, binary.BigEndian, &m.Interval); err != nil {
		return nil, fmt.Errorf("error reading interval: %w", err)
	}
	return m, nil
}

func readIAmCameraMessage(r io.Reader) (*IAmCameraMessage, error) {
	m := &IAmCameraMessage{}
	if err := binary.Read(r, binary.BigEndian, m); err != nil {
		return nil, fmt.Errorf("error reading IAmCamera: %w", err)
	}
	return m, nil
}

func readIAmDispatcherMessage(r io.Reader) (*IAmDispatcherMessage, error) {
	var n uint8
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("error reading numroads: %w", err)
	}
	roads := make([]uint16, n)
	if err := binary.Read(r, binary.BigEndian, roads); err != nil {
		return nil, fmt.Errorf("error reading roads: %w", err)
	}
	return &IAmDispatcherMessage{Roads: roads}, nil
}

// readString reads a str: a single u8 length followed by that many bytes of ASCII.
func readString(r io.Reader) (string, error) {
	var n uint8
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return string(buf), nil
}

func appendString(b []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint8 {
		return nil, ErrStringTooLong
	}
	b = append(b, uint8(len(s)))
	return append(b, s...), nil
}
