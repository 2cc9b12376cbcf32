package session

// State models the lifecycle of one gateway connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// validTransitions is the forward transition table. Every state may additionally
// fall back to StateDisconnected on abnormal termination; no other backward
// transition exists.
var validTransitions = map[State]map[State]struct{}{
	StateDisconnected:  {StateConnecting: {}},
	StateConnecting:    {StateConnected: {}},
	StateConnected:     {StateAuthenticated: {}},
	StateAuthenticated: {StateSubscribed: {}},
	StateSubscribed:    {},
}

// CanTransition reports whether moving from one state to the next is allowed.
func CanTransition(from, to State) bool {
	if to == StateDisconnected {
		return from != StateDisconnected
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}
