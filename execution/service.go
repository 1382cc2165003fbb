// Package execution tracks vendor attendance on an agreement: make-in and
// mark-out timestamps reported by the vendor and confirmed once by the
// customer.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vendorflow/agreement"
	"vendorflow/apperr"
	"vendorflow/auth"
	"vendorflow/db"
	"vendorflow/dispute"
	"vendorflow/metrics"
	"vendorflow/outbox"
	"vendorflow/telemetry"
	"vendorflow/timeline"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	ErrNotVendor     = apperr.Forbidden("not_execution_vendor", "execution: only the record's vendor may submit timestamps")
	ErrNotCustomer   = apperr.Forbidden("not_execution_customer", "execution: only the record's customer may confirm timestamps")
	ErrNotParty      = apperr.Forbidden("not_execution_party", "execution: caller is not a party to the record")
	ErrInvalidWindow = apperr.Validation("invalid_execution_window", "execution: expected end must be after expected start")
	errNoDisputes    = errors.New("execution: no dispute service configured")
)

type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, ev timeline.Event) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, msg outbox.Message) error
}

type AgreementReader interface {
	Lookup(ctx context.Context, tx pgx.Tx, id string) (agreement.Agreement, error)
}

// DisputeOpener inserts the dispute that accompanies a raised issue.
type DisputeOpener interface {
	OpenTx(ctx context.Context, tx pgx.Tx, params dispute.OpenParams) (dispute.Dispute, error)
}

type Service struct {
	pool        db.Pool
	repo        Repository
	agreements  AgreementReader
	disputes    DisputeOpener
	timeline    TimelineWriter
	outbox      OutboxWriter
	logger      *slog.Logger
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool db.Pool, repo Repository, agreements AgreementReader, disputes DisputeOpener, timeline TimelineWriter, outbox OutboxWriter) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		agreements:  agreements,
		disputes:    disputes,
		timeline:    timeline,
		outbox:      outbox,
		logger:      slog.Default(),
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
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

type ScheduleParams struct {
	Actor         auth.Actor
	AgreementID   string
	ExpectedStart time.Time
	ExpectedEnd   time.Time
}

// Schedule opens a not-started attendance record for the agreement's vendor.
// An agreement may carry several records, one per engagement slot.
func (s *Service) Schedule(ctx context.Context, params ScheduleParams) (_ Record, err error) {
	ctx, span := telemetry.Start(ctx, "execution.Schedule")
	defer func() { telemetry.End(span, err) }()

	if err := auth.Require(params.Actor, auth.RoleCustomer, auth.RoleAdmin); err != nil {
		return Record{}, err
	}
	if params.ExpectedStart.IsZero() || !params.ExpectedEnd.After(params.ExpectedStart) {
		return Record{}, ErrInvalidWindow
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("execution: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.agreements.Lookup(ctx, tx, params.AgreementID)
	if err != nil {
		return Record{}, err
	}
	if !params.Actor.Is(auth.RoleAdmin) && a.CustomerID != params.Actor.ID {
		return Record{}, agreement.ErrNotParty
	}
	switch {
	case a.State.Terminal():
		return Record{}, agreement.ErrTerminal
	case a.State == agreement.StateDisputed:
		return Record{}, agreement.ErrDisputed
	}

	rec, err := s.repo.Insert(ctx, tx, Record{
		ID:            s.idGenerator(),
		AgreementID:   a.ID,
		VendorID:      a.VendorID,
		CustomerID:    a.CustomerID,
		ExpectedStart: params.ExpectedStart,
		ExpectedEnd:   params.ExpectedEnd,
		State:         StateNotStarted,
	})
	if err != nil {
		return Record{}, err
	}
	payload := map[string]any{
		"execution_id":   rec.ID,
		"agreement_id":   rec.AgreementID,
		"expected_start": rec.ExpectedStart.UTC(),
		"expected_end":   rec.ExpectedEnd.UTC(),
		"state":          rec.State,
	}
	if err := s.record(ctx, tx, rec, params.Actor.ID, "EXECUTION_SCHEDULED", payload); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("execution: commit tx: %w", err)
	}
	metrics.Transition("execution", string(StateNotStarted))
	return rec, nil
}

type SubmitParams struct {
	Actor    auth.Actor
	RecordID string
	At       time.Time
}

type ConfirmParams struct {
	Actor    auth.Actor
	RecordID string
}

func (s *Service) SubmitMakeIn(ctx context.Context, params SubmitParams) (Record, error) {
	return s.apply(ctx, "execution.SubmitMakeIn", params.Actor, params.RecordID, ActionSubmitMakeIn, params.At)
}

// ConfirmMakeIn fixes the submitted make-in as authoritative. A second call
// fails with ErrAlreadyConfirmed and the stored value does not change.
func (s *Service) ConfirmMakeIn(ctx context.Context, params ConfirmParams) (Record, error) {
	return s.apply(ctx, "execution.ConfirmMakeIn", params.Actor, params.RecordID, ActionConfirmMakeIn, time.Time{})
}

func (s *Service) SubmitMarkOut(ctx context.Context, params SubmitParams) (Record, error) {
	return s.apply(ctx, "execution.SubmitMarkOut", params.Actor, params.RecordID, ActionSubmitMarkOut, params.At)
}

func (s *Service) ConfirmMarkOut(ctx context.Context, params ConfirmParams) (Record, error) {
	return s.apply(ctx, "execution.ConfirmMarkOut", params.Actor, params.RecordID, ActionConfirmMarkOut, time.Time{})
}

func (s *Service) apply(ctx context.Context, op string, actor auth.Actor, recordID string, action Action, at time.Time) (_ Record, err error) {
	ctx, span := telemetry.Start(ctx, op)
	defer func() { telemetry.End(span, err) }()

	role := auth.RoleVendor
	if action == ActionConfirmMakeIn || action == ActionConfirmMarkOut {
		role = auth.RoleCustomer
	}
	if err := auth.Require(actor, role); err != nil {
		return Record{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("execution: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, recordID)
	if err != nil {
		return Record{}, err
	}
	if role == auth.RoleVendor && rec.VendorID != actor.ID {
		return Record{}, ErrNotVendor
	}
	if role == auth.RoleCustomer && rec.CustomerID != actor.ID {
		return Record{}, ErrNotCustomer
	}

	next, err := s.transitionTx(ctx, tx, rec, action, at, actor.ID)
	if err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("execution: commit tx: %w", err)
	}
	metrics.Transition("execution", string(next.State))
	return next, nil
}

type IssueParams struct {
	Actor       auth.Actor
	RecordID    string
	Description string
}

// RaiseIssue blocks confirmation of the submitted leg and opens a dispute
// against the record, in one transaction.
func (s *Service) RaiseIssue(ctx context.Context, params IssueParams) (_ Record, _ dispute.Dispute, err error) {
	ctx, span := telemetry.Start(ctx, "execution.RaiseIssue")
	defer func() { telemetry.End(span, err) }()

	if s.disputes == nil {
		return Record{}, dispute.Dispute{}, errNoDisputes
	}
	if err := auth.Require(params.Actor, auth.RoleCustomer, auth.RoleVendor); err != nil {
		return Record{}, dispute.Dispute{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, dispute.Dispute{}, fmt.Errorf("execution: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.raiseTx(ctx, tx, params.RecordID, params.Actor)
	if err != nil {
		return Record{}, dispute.Dispute{}, err
	}
	d, err := s.disputes.OpenTx(ctx, tx, dispute.OpenParams{
		Actor:       params.Actor,
		TargetKind:  dispute.TargetExecution,
		AgreementID: rec.AgreementID,
		ExecutionID: rec.ID,
		Description: params.Description,
	})
	if err != nil {
		return Record{}, dispute.Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, dispute.Dispute{}, fmt.Errorf("execution: commit tx: %w", err)
	}
	metrics.Transition("execution", string(StateIssueRaised))
	return rec, d, nil
}

// MarkIssueRaisedTx moves the record to issue-raised inside tx and returns
// its agreement id. The caller opens the dispute.
func (s *Service) MarkIssueRaisedTx(ctx context.Context, tx pgx.Tx, recordID string, actor auth.Actor) (string, error) {
	rec, err := s.raiseTx(ctx, tx, recordID, actor)
	if err != nil {
		return "", err
	}
	return rec.AgreementID, nil
}

func (s *Service) raiseTx(ctx context.Context, tx pgx.Tx, recordID string, actor auth.Actor) (Record, error) {
	rec, err := s.repo.GetForUpdate(ctx, tx, recordID)
	if err != nil {
		return Record{}, err
	}
	if !rec.Party(actor.ID) {
		return Record{}, ErrNotParty
	}
	return s.transitionTx(ctx, tx, rec, ActionRaiseIssue, time.Time{}, actor.ID)
}

// ReleaseIssueTx applies a dispute ruling to the record inside tx.
func (s *Service) ReleaseIssueTx(ctx context.Context, tx pgx.Tx, recordID string, favorCustomer bool, actorID string) error {
	rec, err := s.repo.GetForUpdate(ctx, tx, recordID)
	if err != nil {
		return err
	}
	next, err := Release(rec, favorCustomer)
	if err != nil {
		return err
	}
	if err := s.save(ctx, tx, rec, next); err != nil {
		return err
	}
	payload := map[string]any{
		"execution_id":   next.ID,
		"agreement_id":   next.AgreementID,
		"previous_state": rec.State,
		"state":          next.State,
		"issue_leg":      rec.IssueLeg,
	}
	if err := s.record(ctx, tx, next, actorID, "EXECUTION_RELEASED", payload); err != nil {
		return err
	}
	metrics.Transition("execution", string(next.State))
	return nil
}

func (s *Service) transitionTx(ctx context.Context, tx pgx.Tx, rec Record, action Action, at time.Time, actorID string) (Record, error) {
	next, err := Apply(rec, action, at)
	if err != nil {
		return Record{}, err
	}
	if err := s.checkAgreement(ctx, tx, rec.AgreementID, action); err != nil {
		return Record{}, err
	}
	if err := s.save(ctx, tx, rec, next); err != nil {
		return Record{}, err
	}
	payload := map[string]any{
		"execution_id":   next.ID,
		"agreement_id":   next.AgreementID,
		"action":         action,
		"previous_state": rec.State,
		"state":          next.State,
	}
	if !at.IsZero() {
		payload["at"] = at.UTC()
	}
	if err := s.record(ctx, tx, next, actorID, "EXECUTION_STATE_CHANGED", payload); err != nil {
		return Record{}, err
	}
	return next, nil
}

// checkAgreement rejects attendance changes once the agreement is completed
// or voided, and freezes customer confirmation while an agreement dispute is
// open.
func (s *Service) checkAgreement(ctx context.Context, tx pgx.Tx, agreementID string, action Action) error {
	a, err := s.agreements.Lookup(ctx, tx, agreementID)
	if err != nil {
		return err
	}
	switch {
	case a.State.Terminal():
		return agreement.ErrTerminal
	case a.State == agreement.StateDisputed && (action == ActionConfirmMakeIn || action == ActionConfirmMarkOut):
		return agreement.ErrDisputed
	}
	return nil
}

func (s *Service) save(ctx context.Context, tx pgx.Tx, prev, next Record) error {
	ok, err := s.repo.Update(ctx, tx, next, prev.State)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s moved concurrently", ErrInvalidTransition, prev.ID)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (Record, error) {
	rec, err := s.repo.Get(ctx, s.pool, id)
	if err != nil {
		return Record{}, err
	}
	if !actor.Is(auth.RoleAdmin) && !rec.Party(actor.ID) {
		return Record{}, ErrNotParty
	}
	return rec, nil
}

func (s *Service) ListForAgreement(ctx context.Context, actor auth.Actor, agreementID string) ([]Record, error) {
	records, err := s.repo.ListForAgreement(ctx, s.pool, agreementID)
	if err != nil {
		return nil, err
	}
	if actor.Is(auth.RoleAdmin) {
		return records, nil
	}
	for _, rec := range records {
		if !rec.Party(actor.ID) {
			return nil, ErrNotParty
		}
	}
	return records, nil
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, rec Record, actorID, eventType string, payload map[string]any) error {
	if s.timeline != nil {
		ev := timeline.Event{EntityKind: timeline.KindExecution, EntityID: rec.ID, Type: eventType, ActorID: actorID, Payload: payload}
		if err := s.timeline.Append(ctx, tx, ev); err != nil {
			return fmt.Errorf("execution: append timeline: %w", err)
		}
	}
	if s.outbox == nil {
		return nil
	}
	for _, party := range []string{rec.CustomerID, rec.VendorID} {
		if err := s.outbox.Enqueue(ctx, tx, outbox.Message{Topic: outbox.TopicExecutionChanged, PartyID: party, Payload: payload}); err != nil {
			return fmt.Errorf("execution: enqueue outbox: %w", err)
		}
	}
	return nil
}
