package server

// State is the lifecycle state of a Server.
type State int

const (
	// StateInitialized means the server is created but not started.
	StateInitialized State = iota

	// StateRunning means the listeners are up and requests are served.
	StateRunning

	// StateStopped means the server has been shut down. It cannot restart.
	StateStopped
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateInitialized:
		return "Initialized"
	case StateRunning:
		return "Running"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}
