// Package actors drives the lifecycle services concurrently from the stress
// test. Every actor loops until stop is closed and reports unclassified
// failures through Report; classified lifecycle rejections are expected under
// contention and are dropped.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"vendorflow/agreement"
	"vendorflow/apperr"
	"vendorflow/auth"
	"vendorflow/bid"
	"vendorflow/dispute"
	"vendorflow/finalization"
	"vendorflow/outbox"
	"vendorflow/payment"
	"vendorflow/requirement"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Services is the wired service graph the actors call into.
type Services struct {
	Requirements  *requirement.Service
	Bids          *bid.Service
	Finalizations *finalization.Service
	Agreements    *agreement.Service
	Payments      *payment.Service
	Disputes      *dispute.Service
	Relay         *outbox.Relay
}

// Cast is the fixed set of users the actors act as.
type Cast struct {
	Customer auth.Actor
	Vendors  []auth.Actor
	Admin    auth.Actor
}

func (c Cast) vendor(id string) auth.Actor {
	for _, v := range c.Vendors {
		if v.ID == id {
			return v
		}
	}
	return auth.Actor{ID: id, Role: auth.RoleVendor}
}

// Report receives unclassified errors.
type Report func(actor string, err error)

func report(r Report, actor string, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	if apperr.KindOf(err) != apperr.KindInternal {
		return
	}
	r(actor, err)
}

func done(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(base, jitter int) {
	time.Sleep(time.Duration(base+rand.Intn(jitter)) * time.Millisecond)
}

// pick runs a single-row query and scans into dst. No rows is not an error.
func pick(ctx context.Context, pool *pgxpool.Pool, sql string, dst ...any) (bool, error) {
	err := pool.QueryRow(ctx, sql).Scan(dst...)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Poster keeps a supply of open requirements, each with a bid from every vendor.
func Poster(ctx context.Context, svc Services, cast Cast, r Report, stop <-chan struct{}) error {
	for n := 0; !done(ctx, stop); n++ {
		now := time.Now()
		req, err := svc.Requirements.Create(ctx, requirement.CreateParams{
			Actor:       cast.Customer,
			Category:    []string{"catering", "decor", "photography"}[n%3],
			Title:       fmt.Sprintf("stress event %d", n),
			BudgetMin:   10_000,
			BudgetMax:   500_000,
			EventDate:   now.Add(30 * 24 * time.Hour),
			BidDeadline: now.Add(7 * 24 * time.Hour),
		})
		if err != nil {
			report(r, "poster", err)
			pause(50, 50)
			continue
		}
		for _, v := range cast.Vendors {
			_, err := svc.Bids.Submit(ctx, bid.SubmitParams{
				Actor:         v,
				RequirementID: req.ID,
				Price:         int64(20_000 + rand.Intn(400_000)),
				PackageTerms:  "full package",
			})
			report(r, "poster", err)
		}
		pause(100, 100)
	}
	return nil
}

// Proposer races finalization proposals against the same requirements.
func Proposer(ctx context.Context, pool *pgxpool.Pool, svc Services, cast Cast, r Report, stop <-chan struct{}) error {
	const q = `SELECT b.requirement_id::text, b.id::text FROM bids b
               JOIN requirements req ON req.id = b.requirement_id
               WHERE b.state = 'submitted' AND req.state IN ('open', 'finalizing')
               ORDER BY random() LIMIT 1`
	for !done(ctx, stop) {
		var reqID, bidID string
		ok, err := pick(ctx, pool, q, &reqID, &bidID)
		if err != nil {
			report(r, "proposer", err)
		}
		if ok {
			_, err := svc.Finalizations.Propose(ctx, finalization.ProposeParams{Actor: cast.Customer, RequirementID: reqID, BidID: bidID})
			report(r, "proposer", err)
		}
		pause(10, 20)
	}
	return nil
}

// Responder answers pending proposals as the bid vendor, mostly accepting.
func Responder(ctx context.Context, pool *pgxpool.Pool, svc Services, cast Cast, r Report, stop <-chan struct{}) error {
	const q = `SELECT fr.id::text, b.vendor_id::text FROM finalization_requests fr
               JOIN bids b ON b.id = fr.bid_id
               WHERE fr.state = 'pending'
               ORDER BY random() LIMIT 1`
	for !done(ctx, stop) {
		var frID, vendorID string
		ok, err := pick(ctx, pool, q, &frID, &vendorID)
		if err != nil {
			report(r, "responder", err)
		}
		if ok {
			_, err := svc.Finalizations.Respond(ctx, finalization.RespondParams{
				Actor:     cast.vendor(vendorID),
				RequestID: frID,
				Accept:    rand.Intn(10) < 7,
			})
			report(r, "responder", err)
		}
		pause(10, 30)
	}
	return nil
}

// Signer signs draft agreements from both sides.
func Signer(ctx context.Context, pool *pgxpool.Pool, svc Services, cast Cast, r Report, stop <-chan struct{}) error {
	const q = `SELECT id::text, vendor_id::text FROM agreements WHERE state = 'draft' ORDER BY random() LIMIT 1`
	for !done(ctx, stop) {
		var agID, vendorID string
		ok, err := pick(ctx, pool, q, &agID, &vendorID)
		if err != nil {
			report(r, "signer", err)
		}
		if ok {
			for _, actor := range []auth.Actor{cast.Customer, cast.vendor(vendorID)} {
				_, err := svc.Agreements.Sign(ctx, agreement.SignParams{Actor: actor, AgreementID: agID})
				report(r, "signer", err)
			}
		}
		pause(20, 40)
	}
	return nil
}

// Payer delivers gateway callbacks, replaying each slab's payment with the
// same paid timestamp so replays must be absorbed.
func Payer(ctx context.Context, pool *pgxpool.Pool, svc Services, r Report, stop <-chan struct{}) error {
	const q = `SELECT s.id::text, s.amount, s.due_date FROM payment_slabs s
               JOIN agreements a ON a.id = s.agreement_id
               WHERE a.state <> 'voided'
               ORDER BY random() LIMIT 1`
	for !done(ctx, stop) {
		var (
			slabID string
			amount int64
			due    time.Time
		)
		ok, err := pick(ctx, pool, q, &slabID, &amount, &due)
		if err != nil {
			report(r, "payer", err)
		}
		if ok {
			paidAt := due.Add(-time.Hour)
			replays := 1 + rand.Intn(3)
			for i := 0; i < replays; i++ {
				slab, err := svc.Payments.MarkSlabPaid(ctx, payment.MarkPaidParams{SlabID: slabID, PaidAt: paidAt, Amount: amount})
				if err == nil && (slab.PaidAt == nil || !slab.PaidAt.Equal(paidAt.UTC().Truncate(time.Microsecond))) {
					r("payer", fmt.Errorf("slab %s paid_at %v, want %v", slabID, slab.PaidAt, paidAt))
				}
				report(r, "payer", err)
			}
		}
		pause(20, 40)
	}
	return nil
}

// Disputer raises agreement disputes and has the admin rule on open ones.
func Disputer(ctx context.Context, pool *pgxpool.Pool, svc Services, cast Cast, r Report, stop <-chan struct{}) error {
	const active = `SELECT id::text FROM agreements WHERE state = 'active' ORDER BY random() LIMIT 1`
	const open = `SELECT id::text FROM disputes WHERE state <> 'resolved' ORDER BY random() LIMIT 1`
	outcomes := []dispute.Outcome{dispute.OutcomeFavorVendor, dispute.OutcomeWarningIssued, dispute.OutcomeFavorCustomer}
	for !done(ctx, stop) {
		var agID string
		ok, err := pick(ctx, pool, active, &agID)
		if err != nil {
			report(r, "disputer", err)
		}
		if ok {
			_, err := svc.Disputes.Raise(ctx, dispute.RaiseParams{
				Actor:       cast.Customer,
				TargetKind:  dispute.TargetAgreement,
				AgreementID: agID,
				Description: "vendor missed the tasting",
			})
			report(r, "disputer", err)
		}

		var dID string
		ok, err = pick(ctx, pool, open, &dID)
		if err != nil {
			report(r, "disputer", err)
		}
		if ok {
			_, err := svc.Disputes.Resolve(ctx, dispute.ResolveParams{
				Actor:     cast.Admin,
				DisputeID: dID,
				Outcome:   outcomes[rand.Intn(len(outcomes))],
				AdminNote: "stress ruling",
			})
			report(r, "disputer", err)
		}
		pause(100, 100)
	}
	return nil
}

// Sweeper runs the time-driven transitions alongside the request traffic.
func Sweeper(ctx context.Context, svc Services, r Report, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		_, err := svc.Finalizations.ExpireDue(ctx)
		report(r, "sweeper", err)
		_, err = svc.Payments.MarkOverdue(ctx)
		report(r, "sweeper", err)
		pause(50, 50)
	}
	return nil
}

// OutboxWorker drains the outbox through the relay.
func OutboxWorker(ctx context.Context, svc Services, r Report, stop <-chan struct{}) error {
	for !done(ctx, stop) {
		_, err := svc.Relay.RunOnce(ctx)
		report(r, "outbox", err)
		pause(50, 50)
	}
	return nil
}
