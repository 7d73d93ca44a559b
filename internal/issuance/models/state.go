package models

// Stage names the pipeline step an outcome is attributed to.
type Stage string

const (
	StageConstruct Stage = "construct"
	StageDecode    Stage = "decode"
	StageSign      Stage = "sign"
	StageEncode    Stage = "encode"
	StageConfirm   Stage = "confirm"
)

// State is the observable position of an attempt in the pipeline.
type State string

const (
	StateIdle              State = "idle"
	StateConstructing      State = "constructing"
	StateAwaitingSignature State = "awaiting_signature"
	StateSubmitting        State = "submitting"
	StateConfirming        State = "confirming"
	StateConfirmed         State = "confirmed"
	StateFailed            State = "failed"
	StateCancelled         State = "cancelled"
	StateIndeterminate     State = "indeterminate"
)

var stateOrder = map[State]int{
	StateIdle:              0,
	StateConstructing:      1,
	StateAwaitingSignature: 2,
	StateSubmitting:        3,
	StateConfirming:        4,
}

// IsTerminal reports whether no further transition can leave s.
func (s State) IsTerminal() bool {
	switch s {
	case StateConfirmed, StateFailed, StateCancelled, StateIndeterminate:
		return true
	}
	return false
}

// Committed reports whether a signed transaction may already have been handed
// to the ledger. From here on cancellation is refused and retrying is unsafe.
func (s State) Committed() bool {
	if order, ok := stateOrder[s]; ok {
		return order >= stateOrder[StateSubmitting]
	}
	return s == StateConfirmed || s == StateIndeterminate
}

// CanAdvanceTo reports whether next directly follows s in the forward-only
// pipeline. Failed is reachable from any non-terminal state, Cancelled only
// before submission, Confirmed and Indeterminate only from Confirming.
func (s State) CanAdvanceTo(next State) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case StateFailed:
		return true
	case StateCancelled:
		return !s.Committed()
	case StateConfirmed, StateIndeterminate:
		return s == StateConfirming
	}
	from, ok := stateOrder[s]
	if !ok {
		return false
	}
	to, ok := stateOrder[next]
	return ok && to == from+1
}
