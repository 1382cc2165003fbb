package agreement

import (
	"context"
	"fmt"

	"vendorflow/apperr"
	"vendorflow/auth"
	"vendorflow/metrics"
	"vendorflow/outbox"
	"vendorflow/telemetry"

	"github.com/jackc/pgx/v5"
)

var (
	ErrTerminal          = apperr.Terminal("agreement_terminal", "agreement: completed or voided")
	ErrDisputed          = apperr.Conflict("agreement_disputed", "agreement: an open dispute blocks this change")
	ErrAlreadySigned     = apperr.Conflict("already_signed", "agreement: caller already signed")
	ErrNotActive         = apperr.Conflict("agreement_not_active", "agreement: not active")
	ErrOutstanding       = apperr.Policy("agreement_outstanding", "agreement: unpaid slabs or unresolved disputes remain")
	ErrInvalidTransition = apperr.Conflict("invalid_agreement_transition", "agreement: invalid state transition")
)

var transitions = map[State][]State{
	StateDraft:    {StateActive, StateDisputed, StateVoided},
	StateActive:   {StateDisputed, StateCompleted, StateVoided},
	StateDisputed: {StateDraft, StateActive, StateVoided},
}

// CanTransition reports whether from -> to is a legal agreement transition.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type SignParams struct {
	Actor       auth.Actor
	AgreementID string
}

// Sign records the caller's signature. The second signature activates the
// agreement.
func (s *Service) Sign(ctx context.Context, params SignParams) (_ Agreement, err error) {
	ctx, span := telemetry.Start(ctx, "agreement.Sign")
	defer func() { telemetry.End(span, err) }()

	if err := auth.Require(params.Actor, auth.RoleCustomer, auth.RoleVendor); err != nil {
		return Agreement{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdate(ctx, tx, params.AgreementID)
	if err != nil {
		return Agreement{}, err
	}
	if !a.Party(params.Actor.ID) {
		return Agreement{}, ErrNotParty
	}
	switch {
	case a.State.Terminal():
		return Agreement{}, ErrTerminal
	case a.State == StateDisputed:
		return Agreement{}, ErrDisputed
	}

	asCustomer := params.Actor.ID == a.CustomerID
	if (asCustomer && a.CustomerSigned) || (!asCustomer && a.VendorSigned) {
		return Agreement{}, ErrAlreadySigned
	}

	signed, err := s.repo.MarkSigned(ctx, tx, a.ID, asCustomer, !asCustomer)
	if err != nil {
		return Agreement{}, err
	}
	if err := s.record(ctx, tx, a.ID, params.Actor.ID, "AGREEMENT_SIGNED", map[string]any{"agreement_id": a.ID, "party": params.Actor.Role}); err != nil {
		return Agreement{}, err
	}

	if signed.CustomerSigned && signed.VendorSigned && signed.State == StateDraft {
		if err := s.transitionTx(ctx, tx, signed, StateActive, params.Actor.ID); err != nil {
			return Agreement{}, err
		}
		signed.State = StateActive
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit tx: %w", err)
	}
	return signed, nil
}

// Complete closes an active agreement once every slab is paid and no dispute
// on it is unresolved.
func (s *Service) Complete(ctx context.Context, actor auth.Actor, id string) (_ Agreement, err error) {
	ctx, span := telemetry.Start(ctx, "agreement.Complete")
	defer func() { telemetry.End(span, err) }()

	if err := auth.Require(actor, auth.RoleCustomer, auth.RoleAdmin); err != nil {
		return Agreement{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Agreement{}, err
	}
	if actor.Is(auth.RoleCustomer) && actor.ID != a.CustomerID {
		return Agreement{}, ErrNotParty
	}
	switch a.State {
	case StateActive:
	case StateDisputed:
		return Agreement{}, ErrDisputed
	case StateCompleted, StateVoided:
		return Agreement{}, ErrTerminal
	default:
		return Agreement{}, ErrNotActive
	}

	unpaid, disputes, err := s.repo.Outstanding(ctx, tx, a.ID)
	if err != nil {
		return Agreement{}, err
	}
	if unpaid > 0 || disputes > 0 {
		return Agreement{}, fmt.Errorf("%w: %d unpaid slabs, %d open disputes", ErrOutstanding, unpaid, disputes)
	}

	if err := s.transitionTx(ctx, tx, a, StateCompleted, actor.ID); err != nil {
		return Agreement{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit tx: %w", err)
	}
	a.State = StateCompleted
	return a, nil
}

// Void is the admin escape hatch for an agreement that will not be carried out.
func (s *Service) Void(ctx context.Context, actor auth.Actor, id, reason string) (_ Agreement, err error) {
	ctx, span := telemetry.Start(ctx, "agreement.Void")
	defer func() { telemetry.End(span, err) }()

	if err := auth.Require(actor, auth.RoleAdmin); err != nil {
		return Agreement{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Agreement{}, err
	}
	if a.State.Terminal() {
		return Agreement{}, ErrTerminal
	}
	if err := s.transitionTx(ctx, tx, a, StateVoided, actor.ID, "reason", reason); err != nil {
		return Agreement{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("agreement: commit tx: %w", err)
	}
	a.State = StateVoided
	return a, nil
}

// MarkDisputedTx freezes the agreement for an agreement-level dispute. It
// runs inside the dispute's transaction.
func (s *Service) MarkDisputedTx(ctx context.Context, tx pgx.Tx, agreementID, actorID string) error {
	a, err := s.repo.GetForUpdate(ctx, tx, agreementID)
	if err != nil {
		return err
	}
	switch {
	case a.State.Terminal():
		return ErrTerminal
	case a.State == StateDisputed:
		return ErrDisputed
	}
	return s.transitionTx(ctx, tx, a, StateDisputed, actorID)
}

// ReleaseDisputeTx returns a disputed agreement to active, or to draft when a
// signature is still missing.
func (s *Service) ReleaseDisputeTx(ctx context.Context, tx pgx.Tx, agreementID, actorID string) error {
	a, err := s.repo.GetForUpdate(ctx, tx, agreementID)
	if err != nil {
		return err
	}
	if a.State != StateDisputed {
		return nil
	}
	next := StateDraft
	if a.CustomerSigned && a.VendorSigned {
		next = StateActive
	}
	return s.transitionTx(ctx, tx, a, next, actorID)
}

// Lookup reads the agreement inside tx without locking it.
func (s *Service) Lookup(ctx context.Context, tx pgx.Tx, id string) (Agreement, error) {
	return s.repo.Get(ctx, tx, id)
}

func (s *Service) transitionTx(ctx context.Context, tx pgx.Tx, a Agreement, next State, actorID string, extra ...any) error {
	if !CanTransition(a.State, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.State, next)
	}
	ok, err := s.repo.CompareAndSetState(ctx, tx, a.ID, a.State, next)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s moved concurrently", ErrInvalidTransition, a.ID)
	}

	payload := map[string]any{
		"agreement_id":   a.ID,
		"previous_state": a.State,
		"next_state":     next,
	}
	for i := 0; i+1 < len(extra); i += 2 {
		if k, ok := extra[i].(string); ok {
			payload[k] = extra[i+1]
		}
	}
	if err := s.record(ctx, tx, a.ID, actorID, "AGREEMENT_STATE_CHANGED", payload); err != nil {
		return err
	}
	if err := s.notifyParties(ctx, tx, a, outbox.TopicAgreementStateChanged, payload); err != nil {
		return err
	}
	metrics.Transition("agreement", string(next))
	return nil
}
