package speeddaemon

// A Camera represents a speed camera.
//
// Each camera is on a specific road, at a specific location, and has a specific speed limit.
// Each camera provides this information when it connects to the server.
// Cameras report each number plate that they observe, along with the timestamp that they observed it.
// Timestamps are exactly the same as [Unix timestamps] (counting seconds since 1st of January 1970), except that they are unsigned.
//
// [Unix timestamps]: https://en.wikipedia.org/wiki/Unix_time
type Camera struct {
	Road  uint16
	Mile  uint16
	Limit uint16
}

// A TicketDispatcher is responsible for some number of roads.
//
// When the server finds that a car was detected at 2 points on the same road with an average speed in excess of the
// speed limit (speed = distance / time), it will find the responsible ticket dispatcher and send it a ticket for the
// offending car, so that the ticket dispatcher can perform the necessary legal rituals.
type TicketDispatcher struct {
	Roads []uint16
}

// A Car has a specific number plate represented as an uppercase alphanumeric string.
type Car string

// A Reading is a plate observed by a Camera.
type Reading struct {
	Road      uint16
	Mile      uint16
	Plate     Car
	Timestamp uint32
}

// Measurement is a Reading once it is held against a plate on a road, waiting to be paired.
type Measurement struct {
	Mile      uint16
	Timestamp uint32
}

// SecondsPerDay is the length of a day. Since timestamps do not count leap seconds, days are defined by
// floor(timestamp / 86400).
const SecondsPerDay = 86400

// Day returns the day index that a timestamp falls on.
func Day(timestamp uint32) uint32 {
	return timestamp / SecondsPerDay
}

// A Ticket is a decision to fine a car, waiting to be handed to a dispatcher.
type Ticket struct {
	Plate      Car
	Road       uint16
	Mile1      uint16
	Timestamp1 uint32
	Mile2      uint16
	Timestamp2 uint32
	// Speed is 100x miles per hour.
	Speed uint16
}

// Days returns the day keys of both observations. They are equal unless the trip crosses midnight.
func (t Ticket) Days() (uint32, uint32) {
	return Day(t.Timestamp1), Day(t.Timestamp2)
}

// Message returns the wire form of the ticket.
func (t Ticket) Message() *TicketMessage {
	return &TicketMessage{
		Plate:      string(t.Plate),
		Road:       t.Road,
		Mile1:      t.Mile1,
		Timestamp1: t.Timestamp1,
		Mile2:      t.Mile2,
		Timestamp2: t.Timestamp2,
		Speed:      t.Speed,
	}
}
