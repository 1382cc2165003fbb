package agreement

import (
	"fmt"
	"time"

	"vendorflow/apperr"
)

var ErrInvalidScheduleDefinition = apperr.Policy("invalid_schedule_definition", "agreement: invalid schedule definition")

// ValidatePolicy checks that rules describe a complete schedule: every share
// positive, a known anchor, and shares summing to exactly 100.
func ValidatePolicy(rules []SlabRule) error {
	if len(rules) == 0 {
		return fmt.Errorf("%w: no slabs", ErrInvalidScheduleDefinition)
	}
	total := 0
	for i, r := range rules {
		if r.Percent <= 0 || r.Percent > 100 {
			return fmt.Errorf("%w: slab %d percent %d out of range", ErrInvalidScheduleDefinition, i+1, r.Percent)
		}
		switch r.Anchor {
		case AnchorAgreement, AnchorEvent:
		default:
			return fmt.Errorf("%w: slab %d unknown anchor %q", ErrInvalidScheduleDefinition, i+1, r.Anchor)
		}
		total += r.Percent
	}
	if total != 100 {
		return fmt.Errorf("%w: percentages sum to %d", ErrInvalidScheduleDefinition, total)
	}
	return nil
}

// BuildSchedule splits price across rules. Each slab gets floor(price*pct/100)
// and the last slab absorbs the remainder, so amounts always sum to price.
// Due dates earlier than agreedAt are clamped to agreedAt.
func BuildSchedule(price int64, rules []SlabRule, agreedAt, eventDate time.Time) ([]Slab, error) {
	if price <= 0 {
		return nil, apperr.Validation("invalid_price", "agreement: price must be positive")
	}
	if err := ValidatePolicy(rules); err != nil {
		return nil, err
	}

	slabs := make([]Slab, len(rules))
	var allocated int64
	for i, r := range rules {
		amount := price * int64(r.Percent) / 100
		if i == len(rules)-1 {
			amount = price - allocated
		}
		allocated += amount

		anchor := agreedAt
		if r.Anchor == AnchorEvent {
			anchor = eventDate
		}
		due := anchor.Add(r.Offset)
		if due.Before(agreedAt) {
			due = agreedAt
		}

		slabs[i] = Slab{
			Seq:        i + 1,
			Label:      r.Label,
			Percentage: r.Percent,
			Amount:     amount,
			DueDate:    due,
			State:      SlabPending,
		}
	}
	return slabs, nil
}
