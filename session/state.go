package session

import "fmt"

// State connection state of a Session
type State int

// Session states
const (
	// StateIdle no transport, or the transport was terminated on request
	StateIdle State = iota
	// StateConnecting a connect attempt is in flight
	StateConnecting
	// StateConnected the transport is connected
	StateConnected
	// StateReconnecting the transport lost the connection, and is retrying on its own
	StateReconnecting
	// StateDisconnected the connection closed, or the transport went offline
	StateDisconnected
	// StateErrored the last connect attempt or the live connection failed
	StateErrored
)

// String toString function
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encode the state as its name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status point-in-time summary of a Session
type Status struct {
	State        State  `json:"state"`
	Connected    bool   `json:"connected"`
	Connecting   bool   `json:"connecting"`
	ActiveTopic  string `json:"active_topic,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	MarkerCount  int    `json:"marker_count"`
	OnlineCount  int    `json:"online_count"`
	InitialTopic string `json:"initial_topic,omitempty"`
}
