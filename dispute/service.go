// Package dispute adjudicates disputes raised against an agreement or an
// execution record. Resolution is terminal and admin-only.
package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"vendorflow/agreement"
	"vendorflow/apperr"
	"vendorflow/auth"
	"vendorflow/db"
	"vendorflow/metrics"
	"vendorflow/outbox"
	"vendorflow/telemetry"
	"vendorflow/timeline"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	ErrNotParty                 = apperr.Forbidden("not_dispute_party", "dispute: caller is not a party to the disputed agreement")
	ErrDescriptionRequired      = apperr.Validation("description_required", "dispute: description required")
	ErrInvalidTarget            = apperr.Validation("invalid_dispute_target", "dispute: target must be an agreement or an execution record")
	ErrInvalidOutcome           = apperr.Validation("invalid_outcome", "dispute: unknown outcome")
	ErrSettlementRequired       = apperr.Validation("settlement_amount_required", "dispute: mutual settlement needs a positive amount")
	ErrSettlementNotAllowed     = apperr.Validation("settlement_amount_not_allowed", "dispute: only a mutual settlement carries an amount")
	ErrSettlementExceedsBalance = apperr.Policy("settlement_exceeds_balance", "dispute: settlement exceeds the remaining pending balance")
	ErrAlreadyResolved          = apperr.Terminal("dispute_resolved", "dispute: already resolved")
	ErrNotOpen                  = apperr.Conflict("dispute_not_open", "dispute: only open disputes can be taken under review")
)

type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, ev timeline.Event) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, msg outbox.Message) error
}

// AgreementHook moves the disputed agreement in and out of the disputed state.
type AgreementHook interface {
	Lookup(ctx context.Context, tx pgx.Tx, id string) (agreement.Agreement, error)
	MarkDisputedTx(ctx context.Context, tx pgx.Tx, agreementID, actorID string) error
	ReleaseDisputeTx(ctx context.Context, tx pgx.Tx, agreementID, actorID string) error
}

// ExecutionHook moves an execution record in and out of issue-raised.
// MarkIssueRaisedTx returns the record's agreement id.
type ExecutionHook interface {
	MarkIssueRaisedTx(ctx context.Context, tx pgx.Tx, executionID string, actor auth.Actor) (string, error)
	ReleaseIssueTx(ctx context.Context, tx pgx.Tx, executionID string, favorCustomer bool, actorID string) error
}

// BalanceSource reports the unpaid total of an agreement's payment schedule.
type BalanceSource interface {
	PendingTotal(ctx context.Context, q db.Querier, agreementID string) (int64, error)
}

type Service struct {
	pool        db.Pool
	repo        Repository
	agreements  AgreementHook
	executions  ExecutionHook
	balances    BalanceSource
	timeline    TimelineWriter
	outbox      OutboxWriter
	logger      *slog.Logger
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool db.Pool, repo Repository, agreements AgreementHook, balances BalanceSource, timeline TimelineWriter, outbox OutboxWriter) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		agreements:  agreements,
		balances:    balances,
		timeline:    timeline,
		outbox:      outbox,
		logger:      slog.Default(),
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

// WithExecutionHook wires the execution tracker. It is set after construction
// because the execution service opens disputes through this service.
func (s *Service) WithExecutionHook(hook ExecutionHook) *Service {
	s.executions = hook
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

type RaiseParams struct {
	Actor       auth.Actor
	TargetKind  TargetKind
	AgreementID string
	ExecutionID string
	Description string
}

// Raise opens a dispute. An agreement target moves the agreement to
// disputed; an execution target moves the record to issue-raised. Either way
// the target change and the new dispute commit together.
func (s *Service) Raise(ctx context.Context, params RaiseParams) (_ Dispute, err error) {
	ctx, span := telemetry.Start(ctx, "dispute.Raise")
	defer func() { telemetry.End(span, err) }()

	if err := auth.Require(params.Actor, auth.RoleCustomer, auth.RoleVendor); err != nil {
		return Dispute{}, err
	}
	if strings.TrimSpace(params.Description) == "" {
		return Dispute{}, ErrDescriptionRequired
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	open := OpenParams{Actor: params.Actor, TargetKind: params.TargetKind, Description: params.Description}
	switch params.TargetKind {
	case TargetAgreement:
		if params.AgreementID == "" || s.agreements == nil {
			return Dispute{}, ErrInvalidTarget
		}
		a, err := s.agreements.Lookup(ctx, tx, params.AgreementID)
		if err != nil {
			return Dispute{}, err
		}
		if !a.Party(params.Actor.ID) {
			return Dispute{}, ErrNotParty
		}
		if err := s.agreements.MarkDisputedTx(ctx, tx, a.ID, params.Actor.ID); err != nil {
			return Dispute{}, err
		}
		open.AgreementID = a.ID
	case TargetExecution:
		if params.ExecutionID == "" || s.executions == nil {
			return Dispute{}, ErrInvalidTarget
		}
		agreementID, err := s.executions.MarkIssueRaisedTx(ctx, tx, params.ExecutionID, params.Actor)
		if err != nil {
			return Dispute{}, err
		}
		open.AgreementID = agreementID
		open.ExecutionID = params.ExecutionID
	default:
		return Dispute{}, ErrInvalidTarget
	}

	d, err := s.OpenTx(ctx, tx, open)
	if err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit tx: %w", err)
	}
	metrics.Transition("dispute", string(StateOpen))
	return d, nil
}

type OpenParams struct {
	Actor       auth.Actor
	TargetKind  TargetKind
	AgreementID string
	ExecutionID string
	Description string
}

// OpenTx inserts an open dispute inside tx. The caller has already moved the
// target into its disputed state.
func (s *Service) OpenTx(ctx context.Context, tx pgx.Tx, params OpenParams) (Dispute, error) {
	if strings.TrimSpace(params.Description) == "" {
		return Dispute{}, ErrDescriptionRequired
	}
	d := Dispute{
		ID:           s.idGenerator(),
		TargetKind:   params.TargetKind,
		AgreementID:  params.AgreementID,
		RaisedBy:     params.Actor.ID,
		RaisedByRole: string(params.Actor.Role),
		Description:  strings.TrimSpace(params.Description),
		State:        StateOpen,
		CreatedAt:    s.now(),
	}
	if params.TargetKind == TargetExecution {
		id := params.ExecutionID
		d.ExecutionID = &id
	}
	if err := s.repo.Insert(ctx, tx, d); err != nil {
		return Dispute{}, err
	}
	stored, err := s.repo.Get(ctx, tx, d.ID)
	if err != nil {
		return Dispute{}, err
	}

	payload := map[string]any{
		"dispute_id":   stored.ID,
		"target_kind":  stored.TargetKind,
		"agreement_id": stored.AgreementID,
		"raised_by":    stored.RaisedBy,
	}
	if stored.ExecutionID != nil {
		payload["execution_id"] = *stored.ExecutionID
	}
	if err := s.record(ctx, tx, stored, params.Actor.ID, "DISPUTE_RAISED", outbox.TopicDisputeRaised, payload); err != nil {
		return Dispute{}, err
	}
	return stored, nil
}

// Review takes an open dispute under admin review.
func (s *Service) Review(ctx context.Context, actor auth.Actor, id string) (_ Dispute, err error) {
	ctx, span := telemetry.Start(ctx, "dispute.Review")
	defer func() { telemetry.End(span, err) }()

	if err := auth.Require(actor, auth.RoleAdmin); err != nil {
		return Dispute{}, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Dispute{}, err
	}
	switch d.State {
	case StateResolved:
		return Dispute{}, ErrAlreadyResolved
	case StateUnderReview:
		return Dispute{}, ErrNotOpen
	}
	ok, err := s.repo.SetState(ctx, tx, d.ID, StateOpen, StateUnderReview)
	if err != nil {
		return Dispute{}, err
	}
	if !ok {
		return Dispute{}, ErrNotOpen
	}
	d.State = StateUnderReview

	if s.timeline != nil {
		ev := timeline.Event{EntityKind: timeline.KindDispute, EntityID: d.ID, Type: "DISPUTE_UNDER_REVIEW", ActorID: actor.ID, Payload: map[string]any{"dispute_id": d.ID}}
		if err := s.timeline.Append(ctx, tx, ev); err != nil {
			return Dispute{}, fmt.Errorf("dispute: append timeline: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit tx: %w", err)
	}
	metrics.Transition("dispute", string(StateUnderReview))
	return d, nil
}

type ResolveParams struct {
	Actor            auth.Actor
	DisputeID        string
	Outcome          Outcome
	AdminNote        string
	SettlementAmount *int64
}

// Resolve records an admin ruling and releases the target. Only the dispute
// row and its target are locked. Paid slabs are never touched; a mutual
// settlement is bounded by the agreement's pending balance and stored on the
// dispute.
func (s *Service) Resolve(ctx context.Context, params ResolveParams) (_ Dispute, err error) {
	ctx, span := telemetry.Start(ctx, "dispute.Resolve")
	defer func() { telemetry.End(span, err) }()

	if err := auth.Require(params.Actor, auth.RoleAdmin); err != nil {
		return Dispute{}, err
	}
	if !params.Outcome.Valid() {
		return Dispute{}, fmt.Errorf("%w: %q", ErrInvalidOutcome, params.Outcome)
	}
	if params.Outcome == OutcomeMutualSettlement {
		if params.SettlementAmount == nil || *params.SettlementAmount <= 0 {
			return Dispute{}, ErrSettlementRequired
		}
	} else if params.SettlementAmount != nil {
		return Dispute{}, ErrSettlementNotAllowed
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, params.DisputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.State == StateResolved {
		return Dispute{}, ErrAlreadyResolved
	}

	if params.Outcome == OutcomeMutualSettlement {
		if s.balances == nil {
			return Dispute{}, fmt.Errorf("dispute: no balance source configured")
		}
		pending, err := s.balances.PendingTotal(ctx, tx, d.AgreementID)
		if err != nil {
			return Dispute{}, err
		}
		if *params.SettlementAmount > pending {
			return Dispute{}, fmt.Errorf("%w: %d > %d", ErrSettlementExceedsBalance, *params.SettlementAmount, pending)
		}
	}

	switch d.TargetKind {
	case TargetAgreement:
		if err := s.agreements.ReleaseDisputeTx(ctx, tx, d.AgreementID, params.Actor.ID); err != nil {
			return Dispute{}, err
		}
	case TargetExecution:
		if s.executions == nil || d.ExecutionID == nil {
			return Dispute{}, ErrInvalidTarget
		}
		favorCustomer := params.Outcome == OutcomeFavorCustomer
		if err := s.executions.ReleaseIssueTx(ctx, tx, *d.ExecutionID, favorCustomer, params.Actor.ID); err != nil {
			return Dispute{}, err
		}
	}

	now := s.now()
	resolver := params.Actor.ID
	d.State = StateResolved
	d.Outcome = params.Outcome
	d.AdminNote = strings.TrimSpace(params.AdminNote)
	d.SettlementAmount = params.SettlementAmount
	d.ResolvedBy = &resolver
	d.ResolvedAt = &now
	d.UpdatedAt = now

	ok, err := s.repo.Resolve(ctx, tx, d)
	if err != nil {
		return Dispute{}, err
	}
	if !ok {
		return Dispute{}, ErrAlreadyResolved
	}

	payload := map[string]any{
		"dispute_id":   d.ID,
		"target_kind":  d.TargetKind,
		"agreement_id": d.AgreementID,
		"outcome":      d.Outcome,
	}
	if d.ExecutionID != nil {
		payload["execution_id"] = *d.ExecutionID
	}
	if d.SettlementAmount != nil {
		payload["settlement_amount"] = *d.SettlementAmount
	}
	if err := s.record(ctx, tx, d, params.Actor.ID, "DISPUTE_RESOLVED", outbox.TopicDisputeResolved, payload); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit tx: %w", err)
	}
	metrics.Transition("dispute", string(d.Outcome))
	s.logger.InfoContext(ctx, "dispute resolved", "dispute_id", d.ID, "outcome", d.Outcome)
	return d, nil
}

func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (Dispute, error) {
	d, err := s.repo.Get(ctx, s.pool, id)
	if err != nil {
		return Dispute{}, err
	}
	if !actor.Is(auth.RoleAdmin) && actor.ID != d.CustomerID && actor.ID != d.VendorID {
		return Dispute{}, ErrNotParty
	}
	return d, nil
}

// List returns every dispute to admins and only their own agreements' disputes to parties.
func (s *Service) List(ctx context.Context, actor auth.Actor, filters Filters) ([]Dispute, error) {
	if actor.ID == "" {
		return nil, auth.ErrRoleRequired
	}
	if !actor.Is(auth.RoleAdmin) {
		filters.PartyID = actor.ID
	}
	return s.repo.List(ctx, s.pool, filters)
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, d Dispute, actorID, eventType, topic string, payload map[string]any) error {
	if s.timeline != nil {
		ev := timeline.Event{EntityKind: timeline.KindDispute, EntityID: d.ID, Type: eventType, ActorID: actorID, Payload: payload}
		if err := s.timeline.Append(ctx, tx, ev); err != nil {
			return fmt.Errorf("dispute: append timeline: %w", err)
		}
	}
	if s.outbox == nil {
		return nil
	}
	for _, party := range []string{d.CustomerID, d.VendorID} {
		if err := s.outbox.Enqueue(ctx, tx, outbox.Message{Topic: topic, PartyID: party, Payload: payload}); err != nil {
			return fmt.Errorf("dispute: enqueue outbox: %w", err)
		}
	}
	return nil
}
