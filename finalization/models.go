package finalization

import "time"

type State string

const (
	StatePending  State = "pending"
	StateAccepted State = "accepted"
	StateDeclined State = "declined"
	StateTimedOut State = "timed-out"
)

// Request is one customer-proposes / vendor-responds handshake. CustomerID
// and VendorID are denormalized from the proposer and the bid.
type Request struct {
	ID               string
	RequirementID    string
	BidID            string
	CustomerID       string
	VendorID         string
	ProposedAt       time.Time
	ResponseDeadline time.Time
	State            State
	RespondedAt      *time.Time
}

// Expired reports whether a pending request's response window has elapsed at now.
func (r Request) Expired(now time.Time) bool {
	return r.State == StatePending && !now.Before(r.ResponseDeadline)
}
