package treadmill

import "fmt"

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateScanning
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnectionState) UnmarshalText(text []byte) error {
	for state := StateDisconnected; state <= StateError; state++ {
		if state.String() == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}

// ConnectionStatus is published on every lifecycle transition
type ConnectionStatus struct {
	State    ConnectionState `json:"state"`
	Device   string          `json:"device,omitempty"`
	Protocol string          `json:"protocol,omitempty"`
	Error    string          `json:"error,omitempty"`
}
