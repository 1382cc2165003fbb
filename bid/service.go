package bid

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"vendorflow/apperr"
	"vendorflow/auth"
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
	ErrLocked        = apperr.Conflict("bid_locked", "bid: a finalization request exists for this requirement")
	ErrNotSubmitted  = apperr.Conflict("bid_not_submitted", "bid: not in submitted state")
	ErrNotOwner      = apperr.Forbidden("not_bid_owner", "bid: caller does not own the bid")
	ErrInvalidPrice  = apperr.Validation("invalid_price", "bid: price must be positive")
	ErrTermsRequired = apperr.Validation("terms_required", "bid: package terms required")
)

type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, ev timeline.Event) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, msg outbox.Message) error
}

// RequirementReader is the slice of the requirement repository the ledger needs.
type RequirementReader interface {
	Get(ctx context.Context, q db.Querier, id string) (requirement.Requirement, error)
	GetForShare(ctx context.Context, tx pgx.Tx, id string) (requirement.Requirement, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (requirement.Requirement, error)
}

type Service struct {
	pool         db.Pool
	repo         Repository
	requirements RequirementReader
	timeline     TimelineWriter
	outbox       OutboxWriter
	logger       *slog.Logger
	idGenerator  func() string
	now          func() time.Time
}

func NewService(pool db.Pool, repo Repository, requirements RequirementReader, timeline TimelineWriter, outbox OutboxWriter) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if requirements == nil {
		requirements = requirement.NewRepository()
	}
	return &Service{
		pool:         pool,
		repo:         repo,
		requirements: requirements,
		timeline:     timeline,
		outbox:       outbox,
		logger:       slog.Default(),
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

type SubmitParams struct {
	Actor         auth.Actor
	RequirementID string
	Price         int64
	PackageTerms  string
}

// Submit records a vendor bid. The requirement row is held FOR SHARE so bids
// from different vendors proceed in parallel while finalization waits.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (_ Bid, err error) {
	ctx, span := telemetry.Start(ctx, "bid.Submit")
	defer func() { telemetry.End(span, err) }()

	if err := auth.Require(params.Actor, auth.RoleVendor); err != nil {
		return Bid{}, err
	}
	if params.RequirementID == "" {
		return Bid{}, apperr.Validation("requirement_id_required", "bid: missing requirement id")
	}
	if params.Price <= 0 {
		return Bid{}, ErrInvalidPrice
	}
	terms := strings.TrimSpace(params.PackageTerms)
	if terms == "" {
		return Bid{}, ErrTermsRequired
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Bid{}, fmt.Errorf("bid: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requirements.GetForShare(ctx, tx, params.RequirementID)
	if err != nil {
		return Bid{}, err
	}
	now := s.now()
	if !req.AcceptingBids(now) {
		return Bid{}, requirement.ErrNotOpen
	}

	created, err := s.repo.Insert(ctx, tx, Bid{
		ID:            s.idGenerator(),
		RequirementID: req.ID,
		VendorID:      params.Actor.ID,
		Price:         params.Price,
		PackageTerms:  terms,
		SubmittedAt:   now,
		State:         StateSubmitted,
	})
	if err != nil {
		return Bid{}, err
	}

	payload := map[string]any{
		"bid_id":         created.ID,
		"requirement_id": req.ID,
		"vendor_id":      created.VendorID,
		"price":          created.Price,
	}
	if err := s.record(ctx, tx, created.ID, params.Actor.ID, "BID_SUBMITTED", outbox.TopicBidSubmitted, req.CustomerID, payload); err != nil {
		return Bid{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Bid{}, fmt.Errorf("bid: commit tx: %w", err)
	}
	metrics.Transition("bid", "submitted")
	return created, nil
}

type WithdrawParams struct {
	Actor auth.Actor
	BidID string
}

// Withdraw retracts a submitted bid. Once any finalization request has
// referenced the requirement the bid set is frozen for audit.
func (s *Service) Withdraw(ctx context.Context, params WithdrawParams) (_ Bid, err error) {
	ctx, span := telemetry.Start(ctx, "bid.Withdraw")
	defer func() { telemetry.End(span, err) }()

	if err := auth.Require(params.Actor, auth.RoleVendor); err != nil {
		return Bid{}, err
	}
	if params.BidID == "" {
		return Bid{}, apperr.Validation("bid_id_required", "bid: missing bid id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Bid{}, fmt.Errorf("bid: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// requirement_id never changes, so an unlocked read is enough to find
	// which requirement to lock first.
	current, err := s.repo.Get(ctx, tx, params.BidID)
	if err != nil {
		return Bid{}, err
	}
	if current.VendorID != params.Actor.ID {
		return Bid{}, ErrNotOwner
	}

	req, err := s.requirements.GetForUpdate(ctx, tx, current.RequirementID)
	if err != nil {
		return Bid{}, err
	}
	b, err := s.repo.GetForUpdate(ctx, tx, params.BidID)
	if err != nil {
		return Bid{}, err
	}

	locked, err := s.repo.HasFinalizationHistory(ctx, tx, req.ID)
	if err != nil {
		return Bid{}, err
	}
	if locked {
		return Bid{}, ErrLocked
	}
	if req.State != requirement.StateOpen {
		return Bid{}, requirement.ErrNotOpen
	}
	if b.State != StateSubmitted {
		return Bid{}, ErrNotSubmitted
	}

	ok, err := s.repo.CompareAndSetState(ctx, tx, b.ID, StateSubmitted, StateWithdrawn)
	if err != nil {
		return Bid{}, err
	}
	if !ok {
		return Bid{}, ErrNotSubmitted
	}

	payload := map[string]any{"bid_id": b.ID, "requirement_id": req.ID}
	if err := s.record(ctx, tx, b.ID, params.Actor.ID, "BID_WITHDRAWN", outbox.TopicBidWithdrawn, req.CustomerID, payload); err != nil {
		return Bid{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Bid{}, fmt.Errorf("bid: commit tx: %w", err)
	}
	metrics.Transition("bid", "withdrawn")

	b.State = StateWithdrawn
	return b, nil
}

func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (Bid, error) {
	b, err := s.repo.Get(ctx, s.pool, id)
	if err != nil {
		return Bid{}, err
	}
	if actor.Is(auth.RoleVendor) && b.VendorID != actor.ID {
		return Bid{}, ErrNotOwner
	}
	if actor.Is(auth.RoleCustomer) {
		req, err := s.requirements.Get(ctx, s.pool, b.RequirementID)
		if err != nil {
			return Bid{}, err
		}
		if req.CustomerID != actor.ID {
			return Bid{}, requirement.ErrNotOwner
		}
	}
	return b, nil
}

// ListForRequirement returns the bids visible to actor: all of them for the
// owning customer or an admin, only their own for a vendor.
func (s *Service) ListForRequirement(ctx context.Context, actor auth.Actor, requirementID string) ([]Bid, error) {
	if err := auth.Require(actor, auth.RoleCustomer, auth.RoleVendor, auth.RoleAdmin); err != nil {
		return nil, err
	}
	req, err := s.requirements.Get(ctx, s.pool, requirementID)
	if err != nil {
		return nil, err
	}
	vendorID := ""
	switch actor.Role {
	case auth.RoleCustomer:
		if req.CustomerID != actor.ID {
			return nil, requirement.ErrNotOwner
		}
	case auth.RoleVendor:
		vendorID = actor.ID
	}
	return s.repo.ListForRequirement(ctx, s.pool, req.ID, vendorID)
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, id, actorID, eventType, topic, partyID string, payload map[string]any) error {
	if s.timeline != nil {
		ev := timeline.Event{EntityKind: timeline.KindBid, EntityID: id, Type: eventType, ActorID: actorID, Payload: payload}
		if err := s.timeline.Append(ctx, tx, ev); err != nil {
			return fmt.Errorf("bid: append timeline: %w", err)
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, outbox.Message{Topic: topic, PartyID: partyID, Payload: payload}); err != nil {
			return fmt.Errorf("bid: enqueue outbox: %w", err)
		}
	}
	return nil
}
