package finalization

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"vendorflow/agreement"
	"vendorflow/auth"
	"vendorflow/bid"
	"vendorflow/db"
	"vendorflow/db/dbtest"
	"vendorflow/requirement"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0       = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	customer = auth.Actor{ID: "cust-1", Role: auth.RoleCustomer}
	vendorA  = auth.Actor{ID: "vendor-a", Role: auth.RoleVendor}
	vendorB  = auth.Actor{ID: "vendor-b", Role: auth.RoleVendor}
	admin    = auth.Actor{ID: "admin-1", Role: auth.RoleAdmin}
)

type fixture struct {
	svc        *Service
	pool       *dbtest.Pool
	repo       *fakeRepo
	reqs       *fakeRequirements
	bids       *fakeBids
	agreements *fakeMaterializer
	docs       *fakeDocs
	clock      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		pool:  &dbtest.Pool{},
		repo:  &fakeRepo{items: map[string]Request{}},
		clock: t0,
		reqs: &fakeRequirements{items: map[string]requirement.Requirement{
			"r1": {ID: "r1", CustomerID: customer.ID, Category: "photography", State: requirement.StateOpen, EventDate: t0.Add(30 * 24 * time.Hour), BidDeadline: t0.Add(5 * 24 * time.Hour)},
		}},
		bids: &fakeBids{items: map[string]bid.Bid{
			"b1": {ID: "b1", RequirementID: "r1", VendorID: vendorA.ID, Price: 9_500_000, PackageTerms: "full day", State: bid.StateSubmitted},
			"b2": {ID: "b2", RequirementID: "r1", VendorID: vendorB.ID, Price: 11_000_000, PackageTerms: "half day", State: bid.StateSubmitted},
		}},
		agreements: &fakeMaterializer{},
		docs:       &fakeDocs{},
	}
	seq := 0
	f.svc = NewService(f.pool, f.repo, f.reqs, f.bids, f.agreements, nil, nil).
		WithClock(func() time.Time { return f.clock }).
		WithIDGenerator(func() string { seq++; return fmt.Sprintf("f%d", seq) }).
		WithResponseWindow(72 * time.Hour).
		WithDocumentHook(f.docs)
	return f
}

func (f *fixture) propose(t *testing.T, bidID string) Request {
	t.Helper()
	fr, err := f.svc.Propose(context.Background(), ProposeParams{Actor: customer, RequirementID: "r1", BidID: bidID})
	require.NoError(t, err)
	return fr
}

func TestProposeAndAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fr := f.propose(t, "b1")
	assert.Equal(t, StatePending, fr.State)
	assert.Equal(t, vendorA.ID, fr.VendorID)
	assert.Equal(t, t0.Add(72*time.Hour), fr.ResponseDeadline)
	assert.Equal(t, requirement.StateFinalizing, f.reqs.state("r1"))

	// a second proposal while one is pending loses
	_, err := f.svc.Propose(ctx, ProposeParams{Actor: customer, RequirementID: "r1", BidID: "b2"})
	assert.ErrorIs(t, err, ErrAlreadyFinalizing)

	f.clock = t0.Add(time.Hour)
	out, err := f.svc.Respond(ctx, RespondParams{Actor: vendorA, RequestID: fr.ID, Accept: true})
	require.NoError(t, err)
	require.NotNil(t, out.Agreement)
	assert.Equal(t, StateAccepted, out.Request.State)
	assert.Equal(t, requirement.StateFinalized, f.reqs.state("r1"))
	assert.Equal(t, bid.StateSelected, f.bids.state("b1"))
	assert.Equal(t, bid.StateRejected, f.bids.state("b2"))
	assert.Equal(t, 1, f.agreements.calls)
	assert.Equal(t, int64(9_500_000), f.agreements.last.Price)
	assert.Equal(t, "photography", f.agreements.last.Category)
	assert.Equal(t, f.clock, f.agreements.last.AcceptedAt)
	assert.Equal(t, []string{out.Agreement.ID}, f.docs.ids)

	// accept is final
	_, err = f.svc.Respond(ctx, RespondParams{Actor: vendorA, RequestID: fr.ID, Accept: true})
	assert.ErrorIs(t, err, ErrNotPending)
	assert.Equal(t, 1, f.agreements.calls)

	_, err = f.svc.Propose(ctx, ProposeParams{Actor: customer, RequirementID: "r1", BidID: "b2"})
	assert.ErrorIs(t, err, requirement.ErrNotOpen)
}

func TestConcurrentProposalsSingleWinner(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, bidID := range []string{"b1", "b2"} {
		wg.Add(1)
		go func(i int, bidID string) {
			defer wg.Done()
			_, errs[i] = f.svc.Propose(context.Background(), ProposeParams{Actor: customer, RequirementID: "r1", BidID: bidID})
		}(i, bidID)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyFinalizing)
	}
	assert.Equal(t, 1, ok)
	assert.Len(t, f.repo.items, 1)
}

func TestDeclineReopens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fr := f.propose(t, "b1")

	_, err := f.svc.Respond(ctx, RespondParams{Actor: vendorB, RequestID: fr.ID, Accept: false})
	assert.ErrorIs(t, err, ErrNotBidVendor)

	out, err := f.svc.Respond(ctx, RespondParams{Actor: vendorA, RequestID: fr.ID, Accept: false})
	require.NoError(t, err)
	assert.Nil(t, out.Agreement)
	assert.Equal(t, StateDeclined, out.Request.State)
	assert.Equal(t, requirement.StateOpen, f.reqs.state("r1"))
	assert.Equal(t, bid.StateSubmitted, f.bids.state("b1"))
	assert.Zero(t, f.agreements.calls)

	// the customer may move on to another bid
	next := f.propose(t, "b2")
	assert.Equal(t, vendorB.ID, next.VendorID)
}

func TestRespondAfterWindowTimesOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fr := f.propose(t, "b1")

	f.clock = fr.ResponseDeadline
	_, err := f.svc.Respond(ctx, RespondParams{Actor: vendorA, RequestID: fr.ID, Accept: true})
	assert.ErrorIs(t, err, ErrResponseWindowOver)
	assert.True(t, f.pool.Last().Committed(), "timeout is persisted even though the response fails")
	assert.Equal(t, StateTimedOut, f.repo.items[fr.ID].State)
	assert.Equal(t, requirement.StateOpen, f.reqs.state("r1"))
	assert.Zero(t, f.agreements.calls)
}

func TestExpireDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fr := f.propose(t, "b1")

	n, err := f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock = t0.Add(73 * time.Hour)
	n, err = f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StateTimedOut, f.repo.items[fr.ID].State)
	assert.Equal(t, requirement.StateOpen, f.reqs.state("r1"))
	assert.Equal(t, bid.StateSubmitted, f.bids.state("b1"))

	n, err = f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// the same bid can be proposed again
	again := f.propose(t, "b1")
	assert.NotEqual(t, fr.ID, again.ID)
}

func TestGetExpiresLazily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fr := f.propose(t, "b1")

	_, err := f.svc.Get(ctx, vendorB, fr.ID)
	assert.Error(t, err)

	f.clock = t0.Add(80 * time.Hour)
	got, err := f.svc.Get(ctx, admin, fr.ID)
	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, got.State)
	assert.Equal(t, requirement.StateOpen, f.reqs.state("r1"))
}

func TestProposeTimesOutStalePending(t *testing.T) {
	f := newFixture(t)
	fr := f.propose(t, "b1")

	f.clock = t0.Add(72 * time.Hour)
	next := f.propose(t, "b2")
	assert.Equal(t, StateTimedOut, f.repo.items[fr.ID].State)
	assert.Equal(t, StatePending, next.State)
	assert.Equal(t, requirement.StateFinalizing, f.reqs.state("r1"))
}

func TestProposeRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Propose(ctx, ProposeParams{Actor: vendorA, RequirementID: "r1", BidID: "b1"})
	assert.ErrorIs(t, err, auth.ErrRoleRequired)

	other := auth.Actor{ID: "cust-2", Role: auth.RoleCustomer}
	_, err = f.svc.Propose(ctx, ProposeParams{Actor: other, RequirementID: "r1", BidID: "b1"})
	assert.ErrorIs(t, err, requirement.ErrNotOwner)

	f.bids.items["b3"] = bid.Bid{ID: "b3", RequirementID: "r9", VendorID: vendorA.ID, State: bid.StateSubmitted}
	_, err = f.svc.Propose(ctx, ProposeParams{Actor: customer, RequirementID: "r1", BidID: "b3"})
	assert.ErrorIs(t, err, ErrBidMismatch)

	f.bids.setState("b2", bid.StateWithdrawn)
	_, err = f.svc.Propose(ctx, ProposeParams{Actor: customer, RequirementID: "r1", BidID: "b2"})
	assert.ErrorIs(t, err, bid.ErrNotSubmitted)
	assert.Equal(t, requirement.StateOpen, f.reqs.state("r1"))
}

// The fakes do not model row locks; the compare-and-set on requirement state
// is what decides a race between proposals.

type fakeRepo struct {
	mu    sync.Mutex
	items map[string]Request
}

func (r *fakeRepo) Insert(_ context.Context, _ pgx.Tx, req Request) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.items {
		if existing.RequirementID == req.RequirementID && existing.State == StatePending {
			return Request{}, ErrAlreadyFinalizing
		}
	}
	r.items[req.ID] = req
	return req, nil
}

func (r *fakeRepo) Get(_ context.Context, _ db.Querier, id string) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fr, ok := r.items[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return fr, nil
}

func (r *fakeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error) {
	return r.Get(ctx, tx, id)
}

func (r *fakeRepo) PendingForRequirement(_ context.Context, _ pgx.Tx, requirementID string) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, fr := range r.items {
		if fr.RequirementID == requirementID && fr.State == StatePending {
			return fr, nil
		}
	}
	return Request{}, ErrNotFound
}

func (r *fakeRepo) Resolve(_ context.Context, _ pgx.Tx, id string, to State, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fr, ok := r.items[id]
	if !ok || fr.State != StatePending {
		return false, nil
	}
	fr.State = to
	fr.RespondedAt = &at
	r.items[id] = fr
	return true, nil
}

func (r *fakeRepo) DuePending(_ context.Context, _ db.Querier, now time.Time, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, fr := range r.items {
		if fr.Expired(now) && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type fakeRequirements struct {
	mu    sync.Mutex
	items map[string]requirement.Requirement
}

func (r *fakeRequirements) Get(_ context.Context, _ db.Querier, id string) (requirement.Requirement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.items[id]
	if !ok {
		return requirement.Requirement{}, requirement.ErrNotFound
	}
	return req, nil
}

func (r *fakeRequirements) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (requirement.Requirement, error) {
	return r.Get(ctx, tx, id)
}

func (r *fakeRequirements) CompareAndSetState(_ context.Context, _ pgx.Tx, id string, from, to requirement.State) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.items[id]
	if !ok || req.State != from {
		return false, nil
	}
	req.State = to
	r.items[id] = req
	return true, nil
}

func (r *fakeRequirements) state(id string) requirement.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[id].State
}

type fakeBids struct {
	mu    sync.Mutex
	items map[string]bid.Bid
}

func (b *fakeBids) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (bid.Bid, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	item, ok := b.items[id]
	if !ok {
		return bid.Bid{}, bid.ErrNotFound
	}
	return item, nil
}

func (b *fakeBids) SelectWinner(_ context.Context, _ pgx.Tx, requirementID, bidID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	winner := b.items[bidID]
	if winner.State != bid.StateSubmitted {
		return 0, bid.ErrNotSubmitted
	}
	winner.State = bid.StateSelected
	b.items[bidID] = winner
	var rejected int64
	for id, item := range b.items {
		if id != bidID && item.RequirementID == requirementID && item.State == bid.StateSubmitted {
			item.State = bid.StateRejected
			b.items[id] = item
			rejected++
		}
	}
	return rejected, nil
}

func (b *fakeBids) state(id string) bid.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.items[id].State
}

func (b *fakeBids) setState(id string, s bid.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	item := b.items[id]
	item.State = s
	b.items[id] = item
}

type fakeMaterializer struct {
	calls int
	last  agreement.MaterializeParams
}

func (m *fakeMaterializer) MaterializeTx(_ context.Context, _ pgx.Tx, params agreement.MaterializeParams) (agreement.Agreement, error) {
	m.calls++
	m.last = params
	return agreement.Agreement{
		ID:            fmt.Sprintf("a%d", m.calls),
		RequirementID: params.RequirementID,
		BidID:         params.BidID,
		CustomerID:    params.CustomerID,
		VendorID:      params.VendorID,
		Price:         params.Price,
		State:         agreement.StateDraft,
	}, nil
}

type fakeDocs struct {
	ids []string
}

func (d *fakeDocs) GenerateDocumentBestEffort(_ context.Context, agreementID string) {
	d.ids = append(d.ids, agreementID)
}
