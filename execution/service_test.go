package execution

import (
	"context"
	"fmt"
	"testing"
	"time"

	"vendorflow/agreement"
	"vendorflow/auth"
	"vendorflow/db"
	"vendorflow/db/dbtest"
	"vendorflow/dispute"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	customer = auth.Actor{ID: "cust-1", Role: auth.RoleCustomer}
	vendor   = auth.Actor{ID: "vendor-a", Role: auth.RoleVendor}
	admin    = auth.Actor{ID: "admin-1", Role: auth.RoleAdmin}
)

type fixture struct {
	svc        *Service
	disputes   *dispute.Service
	repo       *fakeRepo
	disputeDB  *fakeDisputeRepo
	agreements *fakeAgreements
	balance    *fakeBalance
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool := &dbtest.Pool{}
	f := &fixture{
		repo:      &fakeRepo{items: map[string]Record{}},
		disputeDB: &fakeDisputeRepo{items: map[string]dispute.Dispute{}},
		agreements: &fakeAgreements{items: map[string]agreement.Agreement{
			"a1": {ID: "a1", CustomerID: customer.ID, VendorID: vendor.ID, Price: 9_500_000, State: agreement.StateActive},
		}},
		balance: &fakeBalance{pending: 1_900_000},
	}
	dseq := 0
	f.disputes = dispute.NewService(pool, f.disputeDB, f.agreements, f.balance, nil, nil).
		WithIDGenerator(func() string { dseq++; return fmt.Sprintf("d%d", dseq) })
	seq := 0
	f.svc = NewService(pool, f.repo, f.agreements, f.disputes, nil, nil).
		WithIDGenerator(func() string { seq++; return fmt.Sprintf("e%d", seq) })
	f.disputes.WithExecutionHook(f.svc)
	return f
}

func (f *fixture) schedule(t *testing.T) Record {
	t.Helper()
	rec, err := f.svc.Schedule(context.Background(), ScheduleParams{
		Actor:         customer,
		AgreementID:   "a1",
		ExpectedStart: makeIn.Add(-15 * time.Minute),
		ExpectedEnd:   markOut,
	})
	require.NoError(t, err)
	return rec
}

func TestConfirmMakeInIsWriteOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.schedule(t)
	assert.Equal(t, StateNotStarted, rec.State)
	assert.Equal(t, vendor.ID, rec.VendorID)

	_, err := f.svc.SubmitMakeIn(ctx, SubmitParams{Actor: customer, RecordID: rec.ID, At: makeIn})
	assert.ErrorIs(t, err, auth.ErrRoleRequired)

	_, err = f.svc.SubmitMakeIn(ctx, SubmitParams{Actor: vendor, RecordID: rec.ID, At: makeIn})
	require.NoError(t, err)

	// confirmed five minutes after the vendor's 14:15 report
	confirmed, err := f.svc.ConfirmMakeIn(ctx, ConfirmParams{Actor: customer, RecordID: rec.ID})
	require.NoError(t, err)
	assert.Equal(t, StateMakeInConfirmed, confirmed.State)
	require.NotNil(t, confirmed.ConfirmedMakeIn)
	assert.True(t, confirmed.ConfirmedMakeIn.Equal(makeIn))

	_, err = f.svc.ConfirmMakeIn(ctx, ConfirmParams{Actor: customer, RecordID: rec.ID})
	assert.ErrorIs(t, err, ErrAlreadyConfirmed)
	assert.True(t, f.repo.items[rec.ID].ConfirmedMakeIn.Equal(makeIn))
}

func TestRoleAndOwnershipChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.schedule(t)

	other := auth.Actor{ID: "vendor-b", Role: auth.RoleVendor}
	_, err := f.svc.SubmitMakeIn(ctx, SubmitParams{Actor: other, RecordID: rec.ID, At: makeIn})
	assert.ErrorIs(t, err, ErrNotVendor)

	_, err = f.svc.SubmitMakeIn(ctx, SubmitParams{Actor: vendor, RecordID: rec.ID, At: makeIn})
	require.NoError(t, err)

	otherCustomer := auth.Actor{ID: "cust-2", Role: auth.RoleCustomer}
	_, err = f.svc.ConfirmMakeIn(ctx, ConfirmParams{Actor: otherCustomer, RecordID: rec.ID})
	assert.ErrorIs(t, err, ErrNotCustomer)

	_, err = f.svc.Get(ctx, otherCustomer, rec.ID)
	assert.ErrorIs(t, err, ErrNotParty)
	got, err := f.svc.Get(ctx, admin, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateMakeInSubmitted, got.State)
}

func TestScheduleRejectsDisputedAgreement(t *testing.T) {
	f := newFixture(t)
	a := f.agreements.items["a1"]
	a.State = agreement.StateDisputed
	f.agreements.items["a1"] = a

	_, err := f.svc.Schedule(context.Background(), ScheduleParams{Actor: customer, AgreementID: "a1", ExpectedStart: makeIn, ExpectedEnd: markOut})
	assert.ErrorIs(t, err, agreement.ErrDisputed)

	_, err = f.svc.Schedule(context.Background(), ScheduleParams{Actor: customer, AgreementID: "a1", ExpectedStart: markOut, ExpectedEnd: makeIn})
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

func TestAgreementDisputeFreezesConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.schedule(t)
	_, err := f.svc.SubmitMakeIn(ctx, SubmitParams{Actor: vendor, RecordID: rec.ID, At: makeIn})
	require.NoError(t, err)

	d, err := f.disputes.Raise(ctx, dispute.RaiseParams{Actor: vendor, TargetKind: dispute.TargetAgreement, AgreementID: "a1", Description: "second slab unpaid"})
	require.NoError(t, err)
	assert.Equal(t, agreement.StateDisputed, f.agreements.items["a1"].State)

	_, err = f.svc.ConfirmMakeIn(ctx, ConfirmParams{Actor: customer, RecordID: rec.ID})
	assert.ErrorIs(t, err, agreement.ErrDisputed)
	after := f.repo.items[rec.ID]
	assert.Equal(t, StateMakeInSubmitted, after.State)
	assert.Nil(t, after.ConfirmedMakeIn)

	_, err = f.disputes.Resolve(ctx, dispute.ResolveParams{Actor: admin, DisputeID: d.ID, Outcome: dispute.OutcomeFavorVendor})
	require.NoError(t, err)

	confirmed, err := f.svc.ConfirmMakeIn(ctx, ConfirmParams{Actor: customer, RecordID: rec.ID})
	require.NoError(t, err)
	assert.Equal(t, StateMakeInConfirmed, confirmed.State)
}

func TestTerminalAgreementStopsAttendance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	setState := func(s agreement.State) {
		a := f.agreements.items["a1"]
		a.State = s
		f.agreements.items["a1"] = a
	}

	voided := f.schedule(t)
	setState(agreement.StateVoided)
	_, err := f.svc.SubmitMakeIn(ctx, SubmitParams{Actor: vendor, RecordID: voided.ID, At: makeIn})
	assert.ErrorIs(t, err, agreement.ErrTerminal)
	assert.Equal(t, StateNotStarted, f.repo.items[voided.ID].State)

	setState(agreement.StateActive)
	rec := f.schedule(t)
	_, err = f.svc.SubmitMakeIn(ctx, SubmitParams{Actor: vendor, RecordID: rec.ID, At: makeIn})
	require.NoError(t, err)

	setState(agreement.StateCompleted)
	_, err = f.svc.ConfirmMakeIn(ctx, ConfirmParams{Actor: customer, RecordID: rec.ID})
	assert.ErrorIs(t, err, agreement.ErrTerminal)
	_, _, err = f.svc.RaiseIssue(ctx, IssueParams{Actor: customer, RecordID: rec.ID, Description: "late"})
	assert.ErrorIs(t, err, agreement.ErrTerminal)

	after := f.repo.items[rec.ID]
	assert.Equal(t, StateMakeInSubmitted, after.State)
	assert.Nil(t, after.ConfirmedMakeIn)
	assert.Empty(t, f.disputeDB.items)
}

func (f *fixture) markOutSubmitted(t *testing.T) Record {
	t.Helper()
	ctx := context.Background()
	rec := f.schedule(t)
	_, err := f.svc.SubmitMakeIn(ctx, SubmitParams{Actor: vendor, RecordID: rec.ID, At: makeIn})
	require.NoError(t, err)
	_, err = f.svc.ConfirmMakeIn(ctx, ConfirmParams{Actor: customer, RecordID: rec.ID})
	require.NoError(t, err)
	rec, err = f.svc.SubmitMarkOut(ctx, SubmitParams{Actor: vendor, RecordID: rec.ID, At: markOut})
	require.NoError(t, err)
	return rec
}

func TestIssueOnMarkOutResolvedBySettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.markOutSubmitted(t)

	raised, d, err := f.svc.RaiseIssue(ctx, IssueParams{Actor: customer, RecordID: rec.ID, Description: "vendor left at 21:00"})
	require.NoError(t, err)
	assert.Equal(t, StateIssueRaised, raised.State)
	assert.Equal(t, LegMarkOut, raised.IssueLeg)
	assert.Equal(t, dispute.StateOpen, d.State)
	assert.Equal(t, dispute.TargetExecution, d.TargetKind)
	require.NotNil(t, d.ExecutionID)
	assert.Equal(t, rec.ID, *d.ExecutionID)

	_, err = f.svc.ConfirmMarkOut(ctx, ConfirmParams{Actor: customer, RecordID: rec.ID})
	assert.ErrorIs(t, err, ErrIssueRaised)

	tooMuch := int64(2_000_000)
	_, err = f.disputes.Resolve(ctx, dispute.ResolveParams{Actor: admin, DisputeID: d.ID, Outcome: dispute.OutcomeMutualSettlement, SettlementAmount: &tooMuch})
	assert.ErrorIs(t, err, dispute.ErrSettlementExceedsBalance)
	assert.Equal(t, StateIssueRaised, f.repo.items[rec.ID].State)

	_, err = f.disputes.Resolve(ctx, dispute.ResolveParams{Actor: vendor, DisputeID: d.ID, Outcome: dispute.OutcomeFavorVendor})
	assert.ErrorIs(t, err, auth.ErrRoleRequired)

	amount := int64(1_500_000)
	resolved, err := f.disputes.Resolve(ctx, dispute.ResolveParams{Actor: admin, DisputeID: d.ID, Outcome: dispute.OutcomeMutualSettlement, AdminNote: "split the last hour", SettlementAmount: &amount})
	require.NoError(t, err)
	assert.Equal(t, dispute.StateResolved, resolved.State)
	require.NotNil(t, resolved.SettlementAmount)
	assert.Equal(t, amount, *resolved.SettlementAmount)

	after := f.repo.items[rec.ID]
	assert.Equal(t, StateMarkOutConfirmed, after.State)
	assert.True(t, after.ConfirmedMarkOut.Equal(markOut))

	_, err = f.disputes.Resolve(ctx, dispute.ResolveParams{Actor: admin, DisputeID: d.ID, Outcome: dispute.OutcomeWarningIssued})
	assert.ErrorIs(t, err, dispute.ErrAlreadyResolved)
	assert.Equal(t, dispute.StateResolved, f.disputeDB.items[d.ID].State)
}

func TestIssueRaisedThroughDisputeRuledForCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.schedule(t)
	_, err := f.svc.SubmitMakeIn(ctx, SubmitParams{Actor: vendor, RecordID: rec.ID, At: makeIn})
	require.NoError(t, err)

	d, err := f.disputes.Raise(ctx, dispute.RaiseParams{Actor: customer, TargetKind: dispute.TargetExecution, ExecutionID: rec.ID, Description: "vendor arrived at 15:00"})
	require.NoError(t, err)
	assert.Equal(t, "a1", d.AgreementID)
	assert.Equal(t, LegMakeIn, f.repo.items[rec.ID].IssueLeg)

	_, err = f.disputes.Raise(ctx, dispute.RaiseParams{Actor: customer, TargetKind: dispute.TargetExecution, ExecutionID: rec.ID, Description: "again"})
	assert.ErrorIs(t, err, ErrIssueRaised)

	_, err = f.disputes.Resolve(ctx, dispute.ResolveParams{Actor: admin, DisputeID: d.ID, Outcome: dispute.OutcomeFavorCustomer})
	require.NoError(t, err)
	after := f.repo.items[rec.ID]
	assert.Equal(t, StateResolved, after.State)
	assert.Nil(t, after.ConfirmedMakeIn)

	_, err = f.svc.ConfirmMakeIn(ctx, ConfirmParams{Actor: customer, RecordID: rec.ID})
	assert.ErrorIs(t, err, ErrResolved)
}

type fakeRepo struct {
	items map[string]Record
}

func (r *fakeRepo) Insert(_ context.Context, _ pgx.Tx, rec Record) (Record, error) {
	r.items[rec.ID] = rec
	return rec, nil
}

func (r *fakeRepo) Get(_ context.Context, _ db.Querier, id string) (Record, error) {
	rec, ok := r.items[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (r *fakeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	return r.Get(ctx, tx, id)
}

func (r *fakeRepo) ListForAgreement(_ context.Context, _ db.Querier, agreementID string) ([]Record, error) {
	var out []Record
	for _, rec := range r.items {
		if rec.AgreementID == agreementID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *fakeRepo) Update(_ context.Context, _ pgx.Tx, rec Record, from State) (bool, error) {
	stored, ok := r.items[rec.ID]
	if !ok || stored.State != from {
		return false, nil
	}
	if stored.ConfirmedMakeIn != nil && (rec.ConfirmedMakeIn == nil || !rec.ConfirmedMakeIn.Equal(*stored.ConfirmedMakeIn)) {
		return false, ErrAlreadyConfirmed
	}
	r.items[rec.ID] = rec
	return true, nil
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

type fakeBalance struct {
	pending int64
}

func (b *fakeBalance) PendingTotal(context.Context, db.Querier, string) (int64, error) {
	return b.pending, nil
}

type fakeDisputeRepo struct {
	items map[string]dispute.Dispute
}

func (r *fakeDisputeRepo) Insert(_ context.Context, _ pgx.Tx, d dispute.Dispute) error {
	for _, existing := range r.items {
		if existing.State != dispute.StateResolved && existing.ExecutionID != nil && d.ExecutionID != nil && *existing.ExecutionID == *d.ExecutionID {
			return dispute.ErrOpenExists
		}
	}
	d.CustomerID = customer.ID
	d.VendorID = vendor.ID
	r.items[d.ID] = d
	return nil
}

func (r *fakeDisputeRepo) Get(_ context.Context, _ db.Querier, id string) (dispute.Dispute, error) {
	d, ok := r.items[id]
	if !ok {
		return dispute.Dispute{}, dispute.ErrNotFound
	}
	return d, nil
}

func (r *fakeDisputeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (dispute.Dispute, error) {
	return r.Get(ctx, tx, id)
}

func (r *fakeDisputeRepo) List(context.Context, db.Querier, dispute.Filters) ([]dispute.Dispute, error) {
	return nil, nil
}

func (r *fakeDisputeRepo) SetState(_ context.Context, _ pgx.Tx, id string, from, to dispute.State) (bool, error) {
	d := r.items[id]
	if d.State != from {
		return false, nil
	}
	d.State = to
	r.items[id] = d
	return true, nil
}

func (r *fakeDisputeRepo) Resolve(_ context.Context, _ pgx.Tx, d dispute.Dispute) (bool, error) {
	if r.items[d.ID].State == dispute.StateResolved {
		return false, nil
	}
	r.items[d.ID] = d
	return true, nil
}
