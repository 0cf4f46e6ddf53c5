// pkg/endpoint/state.go
package endpoint

// State is the connection state of an Endpoint.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateDegraded means the connection was lost and the endpoint is between
	// reconnect attempts.
	StateDegraded
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDegraded:
		return "Degraded"
	case StateClosed:
		return "Closed"
	}
	return "Unknown"
}

// connecting reports whether a connect cycle owns the state.
func (s State) connecting() bool {
	return s == StateConnecting || s == StateDegraded
}
