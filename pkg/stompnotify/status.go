package stompnotify

import "time"

// State is the connection state of a ConnectionManager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a point-in-time snapshot of a ConnectionManager.
type Status struct {
	Connected         bool     `json:"connected"`
	State             State    `json:"state"`
	ReconnectAttempts int      `json:"reconnectAttempts"`
	Subscriptions     []string `json:"subscriptions"`
	SessionID         string   `json:"sessionId,omitempty"`
}

// ConnectInfo describes a successfully established session.
type ConnectInfo struct {
	SessionID   string
	Endpoint    string
	Attempt     int // reconnect attempt that succeeded, 0 for the first try
	ConnectedAt time.Time
}
