package core

// State tracks whether the bridge expects the device to be delivering
// buffers. It is the expected side of the composite streaming check; the
// device's own Streaming() flag is the authoritative side, and the two are
// reconciled on every transition.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateStreaming
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateInitialized:
		return "INITIALIZED"
	case StateStreaming:
		return "STREAMING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	default:
		return "INVALID"
	}
}
