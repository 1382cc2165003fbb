package requirement

import "time"

type State string

const (
	StateOpen       State = "open"
	StateFinalizing State = "finalizing"
	StateFinalized  State = "finalized"
	StateClosed     State = "closed"
)

// Requirement is a customer's posted need. Money is in minor units.
type Requirement struct {
	ID          string
	CustomerID  string
	Category    string
	Title       string
	Location    string
	BudgetMin   int64
	BudgetMax   int64
	EventDate   time.Time
	BidDeadline time.Time
	State       State
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ClosedAt    *time.Time
}

// AcceptingBids reports whether bids may be submitted at now.
func (r Requirement) AcceptingBids(now time.Time) bool {
	return r.State == StateOpen && now.Before(r.BidDeadline)
}

type Filters struct {
	CustomerID string
	State      State
	Category   string
	Page       int
	PageSize   int
}
