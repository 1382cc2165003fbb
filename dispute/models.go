package dispute

import "time"

type State string

const (
	StateOpen        State = "open"
	StateUnderReview State = "under-review"
	StateResolved    State = "resolved"
)

type TargetKind string

const (
	TargetAgreement TargetKind = "agreement"
	TargetExecution TargetKind = "execution"
)

type Outcome string

const (
	OutcomeFavorCustomer    Outcome = "favor-customer"
	OutcomeFavorVendor      Outcome = "favor-vendor"
	OutcomeMutualSettlement Outcome = "mutual-settlement"
	OutcomeWarningIssued    Outcome = "warning-issued"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeFavorCustomer, OutcomeFavorVendor, OutcomeMutualSettlement, OutcomeWarningIssued:
		return true
	}
	return false
}

// Dispute mirrors the disputes table plus the parties of its agreement.
type Dispute struct {
	ID               string
	TargetKind       TargetKind
	AgreementID      string
	ExecutionID      *string
	RaisedBy         string
	RaisedByRole     string
	Description      string
	State            State
	Outcome          Outcome
	AdminNote        string
	SettlementAmount *int64
	ResolvedBy       *string
	CustomerID       string
	VendorID         string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ResolvedAt       *time.Time
}

// Filters narrows List. Zero values match everything.
type Filters struct {
	State       State
	AgreementID string
	PartyID     string
}
