package execution

import (
	"fmt"
	"time"

	"vendorflow/apperr"
)

var (
	ErrAlreadyConfirmed   = apperr.Conflict("already_confirmed", "execution: timestamp already confirmed")
	ErrIssueRaised        = apperr.Conflict("execution_issue_raised", "execution: an issue is open on this record")
	ErrInvalidTransition  = apperr.Conflict("execution_invalid_transition", "execution: transition not allowed from current state")
	ErrMakeInNotConfirmed = apperr.Conflict("make_in_not_confirmed", "execution: make-in must be confirmed before mark-out")
	ErrResolved           = apperr.Terminal("execution_resolved", "execution: record resolved by dispute")
	ErrTimestampRequired  = apperr.Validation("timestamp_required", "execution: timestamp required")
	ErrMarkOutBeforeIn    = apperr.Validation("mark_out_before_make_in", "execution: mark-out must be after make-in")
)

type Action string

const (
	ActionSubmitMakeIn   Action = "submit-make-in"
	ActionConfirmMakeIn  Action = "confirm-make-in"
	ActionSubmitMarkOut  Action = "submit-mark-out"
	ActionConfirmMarkOut Action = "confirm-mark-out"
	ActionRaiseIssue     Action = "raise-issue"
)

// Apply returns r after action. at is the vendor-reported time for submit
// actions and is ignored otherwise. Confirmation copies the submitted time, so
// the confirmed value is what the vendor reported, not when the customer
// confirmed it.
func Apply(r Record, action Action, at time.Time) (Record, error) {
	// a repeated confirmation reports the write-once violation whatever
	// state the record has moved on to
	if action == ActionConfirmMakeIn && r.ConfirmedMakeIn != nil ||
		action == ActionConfirmMarkOut && r.ConfirmedMarkOut != nil {
		return Record{}, ErrAlreadyConfirmed
	}

	switch r.State {
	case StateResolved:
		return Record{}, ErrResolved
	case StateIssueRaised:
		return Record{}, ErrIssueRaised
	}

	switch action {
	case ActionSubmitMakeIn:
		if r.ConfirmedMakeIn != nil {
			return Record{}, ErrAlreadyConfirmed
		}
		if r.State != StateNotStarted {
			return Record{}, invalid(r.State, action)
		}
		if at.IsZero() {
			return Record{}, ErrTimestampRequired
		}
		r.ProposedMakeIn = &at
		r.State = StateMakeInSubmitted

	case ActionConfirmMakeIn:
		if r.ConfirmedMakeIn != nil {
			return Record{}, ErrAlreadyConfirmed
		}
		if r.State != StateMakeInSubmitted || r.ProposedMakeIn == nil {
			return Record{}, invalid(r.State, action)
		}
		confirmed := *r.ProposedMakeIn
		r.ConfirmedMakeIn = &confirmed
		r.State = StateMakeInConfirmed

	case ActionSubmitMarkOut:
		if r.ConfirmedMarkOut != nil {
			return Record{}, ErrAlreadyConfirmed
		}
		if r.ConfirmedMakeIn == nil {
			return Record{}, ErrMakeInNotConfirmed
		}
		if r.State != StateMakeInConfirmed {
			return Record{}, invalid(r.State, action)
		}
		if at.IsZero() {
			return Record{}, ErrTimestampRequired
		}
		if !at.After(*r.ConfirmedMakeIn) {
			return Record{}, ErrMarkOutBeforeIn
		}
		r.ProposedMarkOut = &at
		r.State = StateMarkOutSubmitted

	case ActionConfirmMarkOut:
		if r.ConfirmedMarkOut != nil {
			return Record{}, ErrAlreadyConfirmed
		}
		if r.State != StateMarkOutSubmitted || r.ProposedMarkOut == nil {
			return Record{}, invalid(r.State, action)
		}
		confirmed := *r.ProposedMarkOut
		r.ConfirmedMarkOut = &confirmed
		r.State = StateMarkOutConfirmed

	case ActionRaiseIssue:
		switch r.State {
		case StateMakeInSubmitted:
			r.IssueLeg = LegMakeIn
		case StateMarkOutSubmitted:
			r.IssueLeg = LegMarkOut
		case StateMarkOutConfirmed:
			return Record{}, ErrAlreadyConfirmed
		default:
			return Record{}, invalid(r.State, action)
		}
		r.State = StateIssueRaised

	default:
		return Record{}, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
	return r, nil
}

// Release moves an issue-raised record out of dispute. When the ruling goes
// against the vendor the record ends in resolved; otherwise the disputed leg
// is confirmed with the vendor's submitted time. A record never returns to a
// submitted state.
func Release(r Record, favorCustomer bool) (Record, error) {
	if r.State != StateIssueRaised {
		return Record{}, fmt.Errorf("%w: release from %s", ErrInvalidTransition, r.State)
	}
	if favorCustomer {
		r.State = StateResolved
		return r, nil
	}
	switch r.IssueLeg {
	case LegMakeIn:
		if r.ProposedMakeIn == nil {
			return Record{}, fmt.Errorf("%w: no submitted make-in", ErrInvalidTransition)
		}
		confirmed := *r.ProposedMakeIn
		r.ConfirmedMakeIn = &confirmed
		r.State = StateMakeInConfirmed
	case LegMarkOut:
		if r.ProposedMarkOut == nil {
			return Record{}, fmt.Errorf("%w: no submitted mark-out", ErrInvalidTransition)
		}
		confirmed := *r.ProposedMarkOut
		r.ConfirmedMarkOut = &confirmed
		r.State = StateMarkOutConfirmed
	default:
		return Record{}, fmt.Errorf("%w: issue leg unknown", ErrInvalidTransition)
	}
	return r, nil
}

func invalid(from State, action Action) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, action, from)
}
