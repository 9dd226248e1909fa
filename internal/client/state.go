package client

// State represents the lifecycle state of a Connection
type State int

const (
	StateUninitialized State = iota
	StateNegotiating
	StateConnected
	StateDisconnected
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateNegotiating:
		return "NEGOTIATING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}
