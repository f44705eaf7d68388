package messaging

type State int

// A Sendonly moves only forward through these states:
//
//	Created -> Connecting -> Ready | Disconnected -> Closed
//
// Ready may still be followed by Disconnected when the session ends after
// the data channel opened.
const (
	StateCreated State = iota
	StateConnecting
	StateReady
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Readiness tells which signal ended a wait.
type Readiness int

const (
	ReadinessReady Readiness = iota + 1
	ReadinessDisconnected
)

func (r Readiness) String() string {
	switch r {
	case ReadinessReady:
		return "ready"
	case ReadinessDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
