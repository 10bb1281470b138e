package realtime

import "fmt"

// Status is the connection state observed by the application.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

// Statuses lists every status in declaration order.
var Statuses = []Status{StatusDisconnected, StatusConnecting, StatusConnected, StatusError}

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s Status) validateTransitionTo(next Status) error {
	switch s {
	case StatusDisconnected:
		if next == StatusConnecting {
			return nil
		}
	case StatusConnecting:
		switch next {
		// error covers a fault before the subscription is acknowledged
		case StatusConnected, StatusError, StatusDisconnected:
			return nil
		}
	case StatusConnected:
		switch next {
		case StatusError, StatusDisconnected:
			return nil
		}
	case StatusError:
		switch next {
		case StatusConnecting, StatusDisconnected:
			return nil
		}
	}

	return fmt.Errorf("invalid status transition from %v to %v", s, next)
}
