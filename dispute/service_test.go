package dispute

import (
	"context"
	"fmt"
	"testing"
	"time"

	"vendorflow/agreement"
	"vendorflow/auth"
	"vendorflow/db"
	"vendorflow/db/dbtest"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0       = time.Date(2026, 6, 2, 9, 0, 0, 0, time.UTC)
	customer = auth.Actor{ID: "cust-1", Role: auth.RoleCustomer}
	vendor   = auth.Actor{ID: "vendor-a", Role: auth.RoleVendor}
	admin    = auth.Actor{ID: "admin-1", Role: auth.RoleAdmin}
)

func newTestService(t *testing.T) (*Service, *fakeRepo, *fakeAgreements) {
	t.Helper()
	repo := &fakeRepo{items: map[string]Dispute{}}
	agreements := &fakeAgreements{items: map[string]agreement.Agreement{
		"a1": {ID: "a1", CustomerID: customer.ID, VendorID: vendor.ID, State: agreement.StateActive, CustomerSigned: true, VendorSigned: true},
	}}
	seq := 0
	svc := NewService(&dbtest.Pool{}, repo, agreements, balance(5_700_000), nil, nil).
		WithClock(func() time.Time { return t0 }).
		WithIDGenerator(func() string { seq++; return fmt.Sprintf("d%d", seq) })
	return svc, repo, agreements
}

func raiseOnAgreement(t *testing.T, svc *Service) Dispute {
	t.Helper()
	d, err := svc.Raise(context.Background(), RaiseParams{Actor: vendor, TargetKind: TargetAgreement, AgreementID: "a1", Description: "second slab unpaid"})
	require.NoError(t, err)
	return d
}

func TestRaiseOnAgreement(t *testing.T) {
	svc, _, agreements := newTestService(t)

	d := raiseOnAgreement(t, svc)
	assert.Equal(t, StateOpen, d.State)
	assert.Equal(t, "vendor", d.RaisedByRole)
	assert.Nil(t, d.ExecutionID)
	assert.Equal(t, agreement.StateDisputed, agreements.items["a1"].State)

	_, err := svc.Raise(context.Background(), RaiseParams{Actor: customer, TargetKind: TargetAgreement, AgreementID: "a1", Description: "again"})
	assert.ErrorIs(t, err, agreement.ErrDisputed)
}

func TestRaiseRejections(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Raise(ctx, RaiseParams{Actor: admin, TargetKind: TargetAgreement, AgreementID: "a1", Description: "x"})
	assert.ErrorIs(t, err, auth.ErrRoleRequired)

	_, err = svc.Raise(ctx, RaiseParams{Actor: customer, TargetKind: TargetAgreement, AgreementID: "a1", Description: "  "})
	assert.ErrorIs(t, err, ErrDescriptionRequired)

	stranger := auth.Actor{ID: "cust-9", Role: auth.RoleCustomer}
	_, err = svc.Raise(ctx, RaiseParams{Actor: stranger, TargetKind: TargetAgreement, AgreementID: "a1", Description: "x"})
	assert.ErrorIs(t, err, ErrNotParty)

	_, err = svc.Raise(ctx, RaiseParams{Actor: customer, TargetKind: "requirement", AgreementID: "a1", Description: "x"})
	assert.ErrorIs(t, err, ErrInvalidTarget)

	_, err = svc.Raise(ctx, RaiseParams{Actor: customer, TargetKind: TargetExecution, ExecutionID: "e1", Description: "x"})
	assert.ErrorIs(t, err, ErrInvalidTarget, "no execution hook wired")
}

func TestReviewThenResolve(t *testing.T) {
	svc, repo, agreements := newTestService(t)
	ctx := context.Background()
	d := raiseOnAgreement(t, svc)

	_, err := svc.Review(ctx, customer, d.ID)
	assert.ErrorIs(t, err, auth.ErrRoleRequired)

	reviewed, err := svc.Review(ctx, admin, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StateUnderReview, reviewed.State)

	_, err = svc.Review(ctx, admin, d.ID)
	assert.ErrorIs(t, err, ErrNotOpen)

	resolved, err := svc.Resolve(ctx, ResolveParams{Actor: admin, DisputeID: d.ID, Outcome: OutcomeFavorVendor, AdminNote: "customer to pay slab 2"})
	require.NoError(t, err)
	assert.Equal(t, StateResolved, resolved.State)
	assert.Equal(t, OutcomeFavorVendor, resolved.Outcome)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, t0, *resolved.ResolvedAt)
	assert.Equal(t, agreement.StateActive, agreements.items["a1"].State)

	// resolution is one-way
	_, err = svc.Review(ctx, admin, d.ID)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	_, err = svc.Resolve(ctx, ResolveParams{Actor: admin, DisputeID: d.ID, Outcome: OutcomeFavorCustomer})
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.Equal(t, OutcomeFavorVendor, repo.items[d.ID].Outcome)
}

func TestResolveValidation(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	d := raiseOnAgreement(t, svc)

	_, err := svc.Resolve(ctx, ResolveParams{Actor: admin, DisputeID: d.ID, Outcome: "refund"})
	assert.ErrorIs(t, err, ErrInvalidOutcome)

	_, err = svc.Resolve(ctx, ResolveParams{Actor: admin, DisputeID: d.ID, Outcome: OutcomeMutualSettlement})
	assert.ErrorIs(t, err, ErrSettlementRequired)

	amount := int64(100)
	_, err = svc.Resolve(ctx, ResolveParams{Actor: admin, DisputeID: d.ID, Outcome: OutcomeWarningIssued, SettlementAmount: &amount})
	assert.ErrorIs(t, err, ErrSettlementNotAllowed)

	over := int64(5_700_001)
	_, err = svc.Resolve(ctx, ResolveParams{Actor: admin, DisputeID: d.ID, Outcome: OutcomeMutualSettlement, SettlementAmount: &over})
	assert.ErrorIs(t, err, ErrSettlementExceedsBalance)
	assert.Equal(t, StateOpen, repo.items[d.ID].State)

	exact := int64(5_700_000)
	resolved, err := svc.Resolve(ctx, ResolveParams{Actor: admin, DisputeID: d.ID, Outcome: OutcomeMutualSettlement, SettlementAmount: &exact})
	require.NoError(t, err)
	assert.Equal(t, exact, *resolved.SettlementAmount)
}

func TestGetAndListVisibility(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	d := raiseOnAgreement(t, svc)

	_, err := svc.Get(ctx, auth.Actor{ID: "vendor-z", Role: auth.RoleVendor}, d.ID)
	assert.ErrorIs(t, err, ErrNotParty)

	got, err := svc.Get(ctx, customer, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)

	list, err := svc.List(ctx, auth.Actor{ID: "vendor-z", Role: auth.RoleVendor}, Filters{})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = svc.List(ctx, admin, Filters{State: StateOpen})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

type balance int64

func (b balance) PendingTotal(context.Context, db.Querier, string) (int64, error) {
	return int64(b), nil
}

type fakeAgreements struct {
	items map[string]agreement.Agreement
}

func (a *fakeAgreements) Lookup(_ context.Context, _ pgx.Tx, id string) (agreement.Agreement, error) {
	item, ok := a.items[id]
	if !ok {
		return agreement.Agreement{}, agreement.ErrNotFound
	}
	return item, nil
}

func (a *fakeAgreements) MarkDisputedTx(_ context.Context, _ pgx.Tx, id, _ string) error {
	item := a.items[id]
	if item.State == agreement.StateDisputed {
		return agreement.ErrDisputed
	}
	item.State = agreement.StateDisputed
	a.items[id] = item
	return nil
}

func (a *fakeAgreements) ReleaseDisputeTx(_ context.Context, _ pgx.Tx, id, _ string) error {
	item := a.items[id]
	item.State = agreement.StateActive
	a.items[id] = item
	return nil
}

type fakeRepo struct {
	items map[string]Dispute
}

func (r *fakeRepo) Insert(_ context.Context, _ pgx.Tx, d Dispute) error {
	for _, existing := range r.items {
		if existing.AgreementID == d.AgreementID && existing.TargetKind == TargetAgreement && d.TargetKind == TargetAgreement && existing.State != StateResolved {
			return ErrOpenExists
		}
	}
	d.CustomerID = customer.ID
	d.VendorID = vendor.ID
	r.items[d.ID] = d
	return nil
}

func (r *fakeRepo) Get(_ context.Context, _ db.Querier, id string) (Dispute, error) {
	d, ok := r.items[id]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	return d, nil
}

func (r *fakeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	return r.Get(ctx, tx, id)
}

func (r *fakeRepo) List(_ context.Context, _ db.Querier, filters Filters) ([]Dispute, error) {
	var out []Dispute
	for _, d := range r.items {
		if filters.State != "" && d.State != filters.State {
			continue
		}
		if filters.PartyID != "" && d.CustomerID != filters.PartyID && d.VendorID != filters.PartyID {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *fakeRepo) SetState(_ context.Context, _ pgx.Tx, id string, from, to State) (bool, error) {
	d := r.items[id]
	if d.State != from {
		return false, nil
	}
	d.State = to
	r.items[id] = d
	return true, nil
}

func (r *fakeRepo) Resolve(_ context.Context, _ pgx.Tx, d Dispute) (bool, error) {
	if r.items[d.ID].State == StateResolved {
		return false, nil
	}
	r.items[d.ID] = d
	return true, nil
}
