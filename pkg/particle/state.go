package particle

// State of a particle on the local node.
type State uint8

const (
	StateUnknown State = iota
	StateQueued
	StateExecuting
	StateAwaitingCalls
	StateRouting
	StateDone
	StateExpired
	StateFailed
)

// Terminal reports whether no further transition can happen locally.
//
// `StateRouting` is terminal: once the particle is handed to the connection
// pool this node's responsibility for it ends.
func (s State) Terminal() bool {
	switch s {
	case StateRouting, StateDone, StateExpired, StateFailed:
		return true
	default:
		return false
	}
}

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateExecuting:
		return "executing"
	case StateAwaitingCalls:
		return "awaiting_calls"
	case StateRouting:
		return "routing"
	case StateDone:
		return "done"
	case StateExpired:
		return "expired"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of `State.String`.
func ParseState(s string) State {
	for st := StateQueued; st <= StateFailed; st++ {
		if st.String() == s {
			return st
		}
	}
	return StateUnknown
}
