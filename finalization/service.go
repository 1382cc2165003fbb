package finalization

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vendorflow/agreement"
	"vendorflow/apperr"
	"vendorflow/auth"
	"vendorflow/bid"
	"vendorflow/db"
	"vendorflow/metrics"
	"vendorflow/outbox"
	"vendorflow/requirement"
	"vendorflow/telemetry"
	"vendorflow/timeline"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	ErrNotPending         = apperr.Conflict("finalization_not_pending", "finalization: request is no longer pending")
	ErrResponseWindowOver = apperr.Conflict("response_window_elapsed", "finalization: response window elapsed; request timed out")
	ErrBidMismatch        = apperr.Validation("bid_requirement_mismatch", "finalization: bid does not belong to the requirement")
	ErrNotBidVendor       = apperr.Forbidden("not_bid_vendor", "finalization: only the vendor of the proposed bid may respond")
)

const (
	DefaultResponseWindow = 72 * time.Hour
	sweepBatch            = 100
)

type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, ev timeline.Event) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, msg outbox.Message) error
}

type RequirementStore interface {
	Get(ctx context.Context, q db.Querier, id string) (requirement.Requirement, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (requirement.Requirement, error)
	CompareAndSetState(ctx context.Context, tx pgx.Tx, id string, from, to requirement.State) (bool, error)
}

type BidStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (bid.Bid, error)
	SelectWinner(ctx context.Context, tx pgx.Tx, requirementID, bidID string) (int64, error)
}

// AgreementMaterializer creates the agreement inside the accept transaction.
type AgreementMaterializer interface {
	MaterializeTx(ctx context.Context, tx pgx.Tx, params agreement.MaterializeParams) (agreement.Agreement, error)
}

// DocumentHook runs after an accept commits.
type DocumentHook interface {
	GenerateDocumentBestEffort(ctx context.Context, agreementID string)
}

// Service is the finalization gate: at most one pending request per
// requirement, and at most one accepted request ever.
type Service struct {
	pool         db.Pool
	repo         Repository
	requirements RequirementStore
	bids         BidStore
	agreements   AgreementMaterializer
	documents    DocumentHook
	timeline     TimelineWriter
	outbox       OutboxWriter
	logger       *slog.Logger
	window       time.Duration
	idGenerator  func() string
	now          func() time.Time
}

func NewService(pool db.Pool, repo Repository, requirements RequirementStore, bids BidStore, agreements AgreementMaterializer, timeline TimelineWriter, outbox OutboxWriter) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if requirements == nil {
		requirements = requirement.NewRepository()
	}
	if bids == nil {
		bids = bid.NewRepository()
	}
	return &Service{
		pool:         pool,
		repo:         repo,
		requirements: requirements,
		bids:         bids,
		agreements:   agreements,
		timeline:     timeline,
		outbox:       outbox,
		logger:       slog.Default(),
		window:       DefaultResponseWindow,
		idGenerator:  func() string { return uuid.NewString() },
		now:          time.Now,
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

// WithResponseWindow sets how long the vendor has to respond to a proposal.
func (s *Service) WithResponseWindow(d time.Duration) *Service {
	if d > 0 {
		s.window = d
	}
	return s
}

func (s *Service) WithDocumentHook(hook DocumentHook) *Service {
	s.documents = hook
	return s
}

type ProposeParams struct {
	Actor         auth.Actor
	RequirementID string
	BidID         string
}

// Propose moves the requirement open -> finalizing and opens a pending
// request for the bid's vendor. A concurrent second proposal fails with
// ErrAlreadyFinalizing; a pending request whose window has already elapsed is
// timed out first.
func (s *Service) Propose(ctx context.Context, params ProposeParams) (_ Request, err error) {
	ctx, span := telemetry.Start(ctx, "finalization.Propose")
	defer func() { telemetry.End(span, err) }()

	if err := auth.Require(params.Actor, auth.RoleCustomer); err != nil {
		return Request{}, err
	}
	if params.RequirementID == "" || params.BidID == "" {
		return Request{}, apperr.Validation("finalization_ids_required", "finalization: requirement and bid ids required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("finalization: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requirements.GetForUpdate(ctx, tx, params.RequirementID)
	if err != nil {
		return Request{}, err
	}
	if req.CustomerID != params.Actor.ID {
		return Request{}, requirement.ErrNotOwner
	}

	now := s.now()
	if req.State == requirement.StateFinalizing {
		pending, err := s.repo.PendingForRequirement(ctx, tx, req.ID)
		if errors.Is(err, ErrNotFound) {
			return Request{}, ErrAlreadyFinalizing
		}
		if err != nil {
			return Request{}, err
		}
		if !pending.Expired(now) {
			return Request{}, ErrAlreadyFinalizing
		}
		if err := s.timeoutTx(ctx, tx, pending, now); err != nil {
			return Request{}, err
		}
		req.State = requirement.StateOpen
	}
	if req.State != requirement.StateOpen {
		return Request{}, requirement.ErrNotOpen
	}

	b, err := s.bids.GetForUpdate(ctx, tx, params.BidID)
	if err != nil {
		return Request{}, err
	}
	if b.RequirementID != req.ID {
		return Request{}, ErrBidMismatch
	}
	if b.State != bid.StateSubmitted {
		return Request{}, bid.ErrNotSubmitted
	}

	ok, err := s.requirements.CompareAndSetState(ctx, tx, req.ID, requirement.StateOpen, requirement.StateFinalizing)
	if err != nil {
		return Request{}, err
	}
	if !ok {
		return Request{}, ErrAlreadyFinalizing
	}

	created, err := s.repo.Insert(ctx, tx, Request{
		ID:               s.idGenerator(),
		RequirementID:    req.ID,
		BidID:            b.ID,
		CustomerID:       params.Actor.ID,
		VendorID:         b.VendorID,
		ProposedAt:       now,
		ResponseDeadline: now.Add(s.window),
		State:            StatePending,
	})
	if err != nil {
		return Request{}, err
	}

	payload := map[string]any{
		"finalization_id":   created.ID,
		"requirement_id":    req.ID,
		"bid_id":            b.ID,
		"response_deadline": created.ResponseDeadline.UTC(),
	}
	if err := s.record(ctx, tx, created.ID, params.Actor.ID, "FINALIZATION_PROPOSED", outbox.TopicFinalizationProposed, b.VendorID, payload); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("finalization: commit tx: %w", err)
	}
	metrics.Transition("finalization", "proposed")
	return created, nil
}

type RespondParams struct {
	Actor     auth.Actor
	RequestID string
	Accept    bool
}

// Outcome is the result of a vendor response. Agreement is set on accept.
type Outcome struct {
	Request   Request
	Agreement *agreement.Agreement
}

// Respond applies the vendor's answer. Accept is irreversible: the request,
// the winning bid, every sibling bid, the requirement and the new agreement
// change in one transaction. Decline returns the requirement to open with the
// bid still submitted.
func (s *Service) Respond(ctx context.Context, params RespondParams) (_ Outcome, err error) {
	ctx, span := telemetry.Start(ctx, "finalization.Respond")
	defer func() { telemetry.End(span, err) }()

	if err := auth.Require(params.Actor, auth.RoleVendor); err != nil {
		return Outcome{}, err
	}
	if params.RequestID == "" {
		return Outcome{}, apperr.Validation("finalization_id_required", "finalization: missing request id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("finalization: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// requirement_id is immutable; the unlocked read only finds the lock to take first.
	fr, err := s.repo.Get(ctx, tx, params.RequestID)
	if err != nil {
		return Outcome{}, err
	}
	if fr.VendorID != params.Actor.ID {
		return Outcome{}, ErrNotBidVendor
	}
	req, err := s.requirements.GetForUpdate(ctx, tx, fr.RequirementID)
	if err != nil {
		return Outcome{}, err
	}
	fr, err = s.repo.GetForUpdate(ctx, tx, params.RequestID)
	if err != nil {
		return Outcome{}, err
	}
	if fr.State != StatePending {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNotPending, fr.State)
	}

	now := s.now()
	if fr.Expired(now) {
		if err := s.timeoutTx(ctx, tx, fr, now); err != nil {
			return Outcome{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Outcome{}, fmt.Errorf("finalization: commit timeout: %w", err)
		}
		return Outcome{}, ErrResponseWindowOver
	}

	if !params.Accept {
		out, err := s.declineTx(ctx, tx, fr, params.Actor.ID, now)
		if err != nil {
			return Outcome{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Outcome{}, fmt.Errorf("finalization: commit tx: %w", err)
		}
		metrics.Transition("finalization", string(StateDeclined))
		return out, nil
	}

	out, err := s.acceptTx(ctx, tx, fr, req, params.Actor.ID, now)
	if err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Outcome{}, fmt.Errorf("finalization: commit tx: %w", err)
	}
	metrics.Transition("finalization", string(StateAccepted))

	if s.documents != nil {
		s.documents.GenerateDocumentBestEffort(ctx, out.Agreement.ID)
	}
	return out, nil
}

func (s *Service) acceptTx(ctx context.Context, tx pgx.Tx, fr Request, req requirement.Requirement, actorID string, now time.Time) (Outcome, error) {
	if s.agreements == nil {
		return Outcome{}, fmt.Errorf("finalization: no agreement materializer configured")
	}

	b, err := s.bids.GetForUpdate(ctx, tx, fr.BidID)
	if err != nil {
		return Outcome{}, err
	}
	if b.State != bid.StateSubmitted {
		return Outcome{}, bid.ErrNotSubmitted
	}

	if err := s.resolve(ctx, tx, fr.ID, StateAccepted, now); err != nil {
		return Outcome{}, err
	}
	rejected, err := s.bids.SelectWinner(ctx, tx, req.ID, b.ID)
	if err != nil {
		return Outcome{}, err
	}
	ok, err := s.requirements.CompareAndSetState(ctx, tx, req.ID, requirement.StateFinalizing, requirement.StateFinalized)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, fmt.Errorf("%w: requirement %s is %s", requirement.ErrNotOpen, req.ID, req.State)
	}

	a, err := s.agreements.MaterializeTx(ctx, tx, agreement.MaterializeParams{
		RequirementID: req.ID,
		BidID:         b.ID,
		CustomerID:    req.CustomerID,
		VendorID:      b.VendorID,
		Category:      req.Category,
		EventDate:     req.EventDate,
		Price:         b.Price,
		Terms:         b.PackageTerms,
		AcceptedAt:    now,
		ActorID:       actorID,
	})
	if err != nil {
		return Outcome{}, err
	}

	payload := map[string]any{
		"finalization_id": fr.ID,
		"requirement_id":  req.ID,
		"bid_id":          b.ID,
		"agreement_id":    a.ID,
		"rejected_bids":   rejected,
	}
	if err := s.record(ctx, tx, fr.ID, actorID, "FINALIZATION_ACCEPTED", outbox.TopicFinalizationAccepted, fr.CustomerID, payload); err != nil {
		return Outcome{}, err
	}

	fr.State = StateAccepted
	fr.RespondedAt = &now
	return Outcome{Request: fr, Agreement: &a}, nil
}

func (s *Service) declineTx(ctx context.Context, tx pgx.Tx, fr Request, actorID string, now time.Time) (Outcome, error) {
	if err := s.resolve(ctx, tx, fr.ID, StateDeclined, now); err != nil {
		return Outcome{}, err
	}
	if err := s.reopen(ctx, tx, fr.RequirementID); err != nil {
		return Outcome{}, err
	}
	payload := map[string]any{"finalization_id": fr.ID, "requirement_id": fr.RequirementID, "bid_id": fr.BidID}
	if err := s.record(ctx, tx, fr.ID, actorID, "FINALIZATION_DECLINED", outbox.TopicFinalizationDeclined, fr.CustomerID, payload); err != nil {
		return Outcome{}, err
	}
	fr.State = StateDeclined
	fr.RespondedAt = &now
	return Outcome{Request: fr}, nil
}

// timeoutTx expires a pending request. The caller holds the requirement lock.
func (s *Service) timeoutTx(ctx context.Context, tx pgx.Tx, fr Request, now time.Time) error {
	if err := s.resolve(ctx, tx, fr.ID, StateTimedOut, now); err != nil {
		return err
	}
	if err := s.reopen(ctx, tx, fr.RequirementID); err != nil {
		return err
	}
	payload := map[string]any{
		"finalization_id":   fr.ID,
		"requirement_id":    fr.RequirementID,
		"bid_id":            fr.BidID,
		"response_deadline": fr.ResponseDeadline.UTC(),
	}
	if err := s.record(ctx, tx, fr.ID, "", "FINALIZATION_TIMED_OUT", outbox.TopicFinalizationTimedOut, fr.CustomerID, payload); err != nil {
		return err
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, outbox.Message{Topic: outbox.TopicFinalizationTimedOut, PartyID: fr.VendorID, Payload: payload}); err != nil {
			return fmt.Errorf("finalization: enqueue outbox: %w", err)
		}
	}
	metrics.Transition("finalization", string(StateTimedOut))
	return nil
}

func (s *Service) resolve(ctx context.Context, tx pgx.Tx, id string, to State, now time.Time) error {
	ok, err := s.repo.Resolve(ctx, tx, id, to, now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotPending
	}
	return nil
}

func (s *Service) reopen(ctx context.Context, tx pgx.Tx, requirementID string) error {
	ok, err := s.requirements.CompareAndSetState(ctx, tx, requirementID, requirement.StateFinalizing, requirement.StateOpen)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("finalization: requirement %s was not finalizing", requirementID)
	}
	return nil
}

// ExpireDue times out every pending request whose window has elapsed. Each
// request is handled in its own transaction; running it twice is harmless.
func (s *Service) ExpireDue(ctx context.Context) (_ int, err error) {
	ctx, span := telemetry.Start(ctx, "finalization.ExpireDue")
	defer func() { telemetry.End(span, err) }()

	ids, err := s.repo.DuePending(ctx, s.pool, s.now(), sweepBatch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		done, err := s.expireOne(ctx, id)
		if err != nil {
			s.logger.WarnContext(ctx, "finalization expiry failed", "finalization_id", id, "error", err)
			continue
		}
		if done {
			expired++
		}
	}
	if expired > 0 {
		metrics.SweepAffected.WithLabelValues("finalization_timeout").Add(float64(expired))
		s.logger.InfoContext(ctx, "finalization requests timed out", "count", expired)
	}
	return expired, nil
}

func (s *Service) expireOne(ctx context.Context, id string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("finalization: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	fr, err := s.repo.Get(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if _, err := s.requirements.GetForUpdate(ctx, tx, fr.RequirementID); err != nil {
		return false, err
	}
	fr, err = s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return false, err
	}
	now := s.now()
	if !fr.Expired(now) {
		return false, nil
	}
	if err := s.timeoutTx(ctx, tx, fr, now); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("finalization: commit tx: %w", err)
	}
	return true, nil
}

// Get returns the request, first timing it out if its window has elapsed.
// Only the proposing customer, the bid's vendor and admins may read it.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (Request, error) {
	fr, err := s.repo.Get(ctx, s.pool, id)
	if err != nil {
		return Request{}, err
	}
	if !actor.Is(auth.RoleAdmin) && actor.ID != fr.CustomerID && actor.ID != fr.VendorID {
		return Request{}, apperr.Forbidden("not_finalization_party", "finalization: caller is not a party to the request")
	}
	if fr.Expired(s.now()) {
		if _, err := s.expireOne(ctx, id); err != nil {
			return Request{}, err
		}
		return s.repo.Get(ctx, s.pool, id)
	}
	return fr, nil
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, id, actorID, eventType, topic, partyID string, payload map[string]any) error {
	if s.timeline != nil {
		ev := timeline.Event{EntityKind: timeline.KindFinalization, EntityID: id, Type: eventType, ActorID: actorID, Payload: payload}
		if err := s.timeline.Append(ctx, tx, ev); err != nil {
			return fmt.Errorf("finalization: append timeline: %w", err)
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, outbox.Message{Topic: topic, PartyID: partyID, Payload: payload}); err != nil {
			return fmt.Errorf("finalization: enqueue outbox: %w", err)
		}
	}
	return nil
}
