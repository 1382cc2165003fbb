package agreement

import "time"

type State string

const (
	StateDraft     State = "draft"
	StateActive    State = "active"
	StateDisputed  State = "disputed"
	StateCompleted State = "completed"
	StateVoided    State = "voided"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateVoided
}

type SlabState string

const (
	SlabPending SlabState = "pending"
	SlabPaid    SlabState = "paid"
	SlabOverdue SlabState = "overdue"
)

// Agreement is the contract materialized from an accepted bid. Price and
// slab amounts are immutable once stored.
type Agreement struct {
	ID             string
	RequirementID  string
	BidID          string
	CustomerID     string
	VendorID       string
	Price          int64
	Terms          string
	CustomerSigned bool
	VendorSigned   bool
	State          State
	DocumentRef    *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Slabs          []Slab
}

// Party reports whether userID is the customer or vendor on the agreement.
func (a Agreement) Party(userID string) bool {
	return userID != "" && (userID == a.CustomerID || userID == a.VendorID)
}

// Slab is one tranche of the agreement price.
type Slab struct {
	ID          string
	AgreementID string
	Seq         int
	Label       string
	Percentage  int
	Amount      int64
	DueDate     time.Time
	State       SlabState
	PaidAt      *time.Time
	UpdatedAt   time.Time
}

type Anchor string

const (
	AnchorAgreement Anchor = "agreement"
	AnchorEvent     Anchor = "event"
)

// SlabRule is one line of a slab-generation policy: a share of the price due
// Offset after the anchor date.
type SlabRule struct {
	Label   string        `yaml:"label"`
	Percent int           `yaml:"percent"`
	Anchor  Anchor        `yaml:"anchor"`
	Offset  time.Duration `yaml:"offset"`
}
