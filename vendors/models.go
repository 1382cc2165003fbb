package vendors

import "time"

// Profile is the public view of a vendor account with its engagement record.
type Profile struct {
	ID                  string
	FullName            string
	CreatedAt           time.Time
	ActiveAgreements    int
	CompletedAgreements int
	UpheldDisputes      int
}
