package process

// State is the lifecycle state of a managed process.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AllStates lists every state, in declaration order.
var AllStates = []State{StateStopped, StateStarting, StateRunning, StateStopping, StateFailed}

// transitions is the closed set of accepted state changes.
var transitions = map[State][]State{
	StateStopped:  {StateStarting},
	StateFailed:   {StateStarting, StateStopped},
	StateStarting: {StateRunning, StateFailed, StateStopped, StateStopping},
	StateRunning:  {StateStopping},
	StateStopping: {StateStopped},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
