package models

// OutcomeKind discriminates the terminal result of an attempt.
type OutcomeKind string

const (
	OutcomeConfirmed     OutcomeKind = "confirmed"
	OutcomeFailed        OutcomeKind = "failed"
	OutcomeCancelled     OutcomeKind = "cancelled"
	OutcomeIndeterminate OutcomeKind = "indeterminate"
)

// Advice tells the caller what it can safely offer the user next.
type Advice string

const (
	AdviceNone        Advice = "none"
	AdviceRetry       Advice = "retry"
	AdviceCheckStatus Advice = "check_status"
)

// Outcome is the only value the coordinator returns. It is immutable: build
// it with the constructors below.
type Outcome struct {
	kind         OutcomeKind
	collectionID CollectionID
	candidate    CollectionID
	stage        Stage
	err          error
}

// Confirmed is the success outcome.
func Confirmed(collectionID CollectionID) Outcome {
	return Outcome{
		kind:         OutcomeConfirmed,
		collectionID: collectionID,
		candidate:    collectionID,
		stage:        StageConfirm,
	}
}

// Failed is a definite failure at stage. candidate is empty when construction
// never succeeded.
func Failed(stage Stage, candidate CollectionID, err error) Outcome {
	return Outcome{
		kind:      OutcomeFailed,
		candidate: candidate,
		stage:     stage,
		err:       NewStageError(stage, err),
	}
}

// Cancelled is a caller-initiated stop before submission.
func Cancelled(stage Stage, candidate CollectionID, cause error) Outcome {
	if cause == nil {
		cause = ErrCancelled
	}
	return Outcome{
		kind:      OutcomeCancelled,
		candidate: candidate,
		stage:     stage,
		err:       NewStageError(stage, cause),
	}
}

// Indeterminate means a submission happened but its fate is unknown.
func Indeterminate(candidate CollectionID, err error) Outcome {
	return Outcome{
		kind:      OutcomeIndeterminate,
		candidate: candidate,
		stage:     StageConfirm,
		err:       NewStageError(StageConfirm, err),
	}
}

func (o Outcome) Kind() OutcomeKind { return o.kind }

// CollectionID is set only for confirmed outcomes.
func (o Outcome) CollectionID() CollectionID { return o.collectionID }

// Candidate is the identifier returned at construct time, if construct succeeded.
func (o Outcome) Candidate() CollectionID { return o.candidate }

func (o Outcome) Stage() Stage { return o.stage }

// Err is a *StageError for every non-confirmed outcome.
func (o Outcome) Err() error { return o.err }

// PartiallyIssued reports a non-confirmed outcome reached after construct
// succeeded. The envelope is spent; a new attempt must construct again.
func (o Outcome) PartiallyIssued() bool {
	return o.kind != OutcomeConfirmed && o.candidate != ""
}

// Retryable reports whether a fresh attempt is safe as a default: the
// attempt stopped before anything was handed to the confirmation service.
func (o Outcome) Retryable() bool {
	switch o.kind {
	case OutcomeCancelled:
		return true
	case OutcomeFailed:
		return o.stage != StageConfirm
	}
	return false
}

func (o Outcome) Advice() Advice {
	switch {
	case o.kind == OutcomeConfirmed:
		return AdviceNone
	case o.Retryable():
		return AdviceRetry
	}
	return AdviceCheckStatus
}

// State maps the outcome onto the terminal pipeline state.
func (o Outcome) State() State {
	switch o.kind {
	case OutcomeConfirmed:
		return StateConfirmed
	case OutcomeCancelled:
		return StateCancelled
	case OutcomeIndeterminate:
		return StateIndeterminate
	}
	return StateFailed
}

func (o Outcome) Reason() string {
	return Reason(o.err)
}
