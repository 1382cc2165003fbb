package execution

import "time"

type State string

const (
	StateNotStarted       State = "not-started"
	StateMakeInSubmitted  State = "make-in-submitted"
	StateMakeInConfirmed  State = "make-in-confirmed"
	StateMarkOutSubmitted State = "mark-out-submitted"
	StateMarkOutConfirmed State = "mark-out-confirmed"
	StateIssueRaised      State = "issue-raised"
	// StateResolved closes a record whose disputed leg was ruled against the vendor.
	StateResolved State = "resolved"
)

// Leg names the half of the attendance record an issue was raised against.
type Leg string

const (
	LegMakeIn  Leg = "make-in"
	LegMarkOut Leg = "mark-out"
)

// Record is one vendor's attendance on an agreement. Confirmed timestamps are
// write-once.
type Record struct {
	ID               string
	AgreementID      string
	VendorID         string
	CustomerID       string
	ExpectedStart    time.Time
	ExpectedEnd      time.Time
	ProposedMakeIn   *time.Time
	ProposedMarkOut  *time.Time
	ConfirmedMakeIn  *time.Time
	ConfirmedMarkOut *time.Time
	State            State
	IssueLeg         Leg
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (r Record) Party(userID string) bool {
	return userID != "" && (userID == r.VendorID || userID == r.CustomerID)
}
