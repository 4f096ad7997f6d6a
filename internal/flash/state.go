package flash

// State is a step of the session lifecycle. States only move forward;
// Failed is reachable from any non-terminal state.
type State string

const (
	StateIdle         State = "idle"
	StateDetecting    State = "detecting"
	StateConnected    State = "connected"
	StateNegotiating  State = "negotiating"
	StateTransferring State = "transferring"
	StateVerifying    State = "verifying"
	StateCompleting   State = "completing"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

var stateOrder = map[State]int{ //nolint:gochecknoglobals // lookup table
	StateIdle:         0,
	StateDetecting:    1,
	StateConnected:    2,
	StateNegotiating:  3,
	StateTransferring: 4,
	StateVerifying:    5,
	StateCompleting:   6,
	StateDone:         7,
}

func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// ValidTransition reports whether from -> to is allowed. Verifying is the
// only state that may be skipped.
func ValidTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}

	if to == StateFailed {
		return from != StateIdle
	}

	f, ok1 := stateOrder[from]
	t, ok2 := stateOrder[to]

	if !ok1 || !ok2 {
		return false
	}

	if t == f+1 {
		return true
	}

	return from == StateTransferring && to == StateCompleting
}
