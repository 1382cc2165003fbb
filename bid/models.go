package bid

import "time"

type State string

const (
	StateSubmitted State = "submitted"
	StateWithdrawn State = "withdrawn"
	StateSelected  State = "selected"
	StateRejected  State = "rejected"
	StateExpired   State = "expired"
)

// Bid is a vendor's priced proposal against a requirement. Price is in minor units.
type Bid struct {
	ID            string
	RequirementID string
	VendorID      string
	Price         int64
	PackageTerms  string
	SubmittedAt   time.Time
	State         State
	UpdatedAt     time.Time
}
