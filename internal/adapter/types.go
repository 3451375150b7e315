package adapter

import "time"

// Exchange identifies the venue a market belongs to.
type Exchange string

const ExchangeIDEX Exchange = "idex"

// EventKind enumerates the synchronizer's notifications.
type EventKind uint8

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventReady
	EventL1Changed
	EventL2Changed
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReady:
		return "ready"
	case EventL1Changed:
		return "l1"
	case EventL2Changed:
		return "l2"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one notification from the order book synchronizer. An empty
// Market means the event applies to every market (transport connect and
// disconnect, batch load errors).
type Event struct {
	Kind      EventKind
	Market    string
	Err       error
	Timestamp time.Time
}
