package requirement

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
	"vendorflow/telemetry"
	"vendorflow/timeline"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	ErrNotOpen          = apperr.Conflict("requirement_not_open", "requirement: not open")
	ErrCloseNotAllowed  = apperr.Conflict("close_not_permitted", "requirement: close permitted only when finalized or past the bid deadline")
	ErrAlreadyClosed    = apperr.Terminal("requirement_closed", "requirement: already closed")
	ErrNotOwner         = apperr.Forbidden("not_requirement_owner", "requirement: caller does not own the requirement")
	ErrInvalidBudget    = apperr.Validation("invalid_budget", "requirement: budget band must be positive and non-degenerate")
	ErrDeadlineInPast   = apperr.Validation("deadline_in_past", "requirement: bid deadline must be in the future")
	ErrEventBeforeClose = apperr.Validation("event_before_deadline", "requirement: event date must not precede the bid deadline")
)

type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, ev timeline.Event) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, msg outbox.Message) error
}

// BidExpirer moves the remaining submitted bids of a requirement to expired.
type BidExpirer interface {
	ExpireSubmitted(ctx context.Context, tx pgx.Tx, requirementID string) (int64, error)
}

type Service struct {
	pool        db.Pool
	repo        Repository
	timeline    TimelineWriter
	outbox      OutboxWriter
	bids        BidExpirer
	logger      *slog.Logger
	idGenerator func() string
	now         func() time.Time
}

type CreateParams struct {
	Actor       auth.Actor
	Category    string
	Title       string
	Location    string
	BudgetMin   int64
	BudgetMax   int64
	EventDate   time.Time
	BidDeadline time.Time
}

type ListResult struct {
	Items []Requirement
	Total int
}

func NewService(pool db.Pool, repo Repository, timeline TimelineWriter, outbox OutboxWriter) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
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

// WithBidExpirer enables expiring leftover bids when an open requirement is closed.
func (s *Service) WithBidExpirer(bids BidExpirer) *Service {
	s.bids = bids
	return s
}

func (s *Service) Create(ctx context.Context, params CreateParams) (_ Requirement, err error) {
	ctx, span := telemetry.Start(ctx, "requirement.Create")
	defer func() { telemetry.End(span, err) }()

	if err := auth.Require(params.Actor, auth.RoleCustomer); err != nil {
		return Requirement{}, err
	}
	category := strings.ToLower(strings.TrimSpace(params.Category))
	if category == "" {
		return Requirement{}, apperr.Validation("category_required", "requirement: category required")
	}
	if params.BudgetMin <= 0 || params.BudgetMax <= params.BudgetMin {
		return Requirement{}, ErrInvalidBudget
	}
	now := s.now()
	if !params.BidDeadline.After(now) {
		return Requirement{}, ErrDeadlineInPast
	}
	if params.EventDate.Before(params.BidDeadline) {
		return Requirement{}, ErrEventBeforeClose
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Requirement{}, fmt.Errorf("requirement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Create(ctx, tx, Requirement{
		ID:          s.idGenerator(),
		CustomerID:  params.Actor.ID,
		Category:    category,
		Title:       strings.TrimSpace(params.Title),
		Location:    strings.TrimSpace(params.Location),
		BudgetMin:   params.BudgetMin,
		BudgetMax:   params.BudgetMax,
		EventDate:   params.EventDate,
		BidDeadline: params.BidDeadline,
		State:       StateOpen,
	})
	if err != nil {
		return Requirement{}, err
	}

	payload := map[string]any{
		"requirement_id": created.ID,
		"category":       created.Category,
		"bid_deadline":   created.BidDeadline.UTC(),
	}
	if err := s.record(ctx, tx, created.ID, params.Actor.ID, "REQUIREMENT_CREATED", outbox.TopicRequirementCreated, "", payload); err != nil {
		return Requirement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Requirement{}, fmt.Errorf("requirement: commit tx: %w", err)
	}
	metrics.Transition("requirement", "created")
	return created, nil
}

type CloseParams struct {
	RequirementID string
	Actor         auth.Actor
}

// Close ends a requirement. Permitted from finalized, or from open once the
// bid deadline has passed; the latter is the "no vendor selected" outcome.
func (s *Service) Close(ctx context.Context, params CloseParams) (_ Requirement, err error) {
	ctx, span := telemetry.Start(ctx, "requirement.Close")
	defer func() { telemetry.End(span, err) }()

	if err := auth.Require(params.Actor, auth.RoleCustomer, auth.RoleAdmin); err != nil {
		return Requirement{}, err
	}
	if params.RequirementID == "" {
		return Requirement{}, apperr.Validation("requirement_id_required", "requirement: missing requirement id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Requirement{}, fmt.Errorf("requirement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.GetForUpdate(ctx, tx, params.RequirementID)
	if err != nil {
		return Requirement{}, err
	}
	if params.Actor.Is(auth.RoleCustomer) && req.CustomerID != params.Actor.ID {
		return Requirement{}, ErrNotOwner
	}

	now := s.now()
	switch {
	case req.State == StateClosed:
		return Requirement{}, ErrAlreadyClosed
	case req.State == StateFinalized:
	case req.State == StateOpen && !now.Before(req.BidDeadline):
	default:
		return Requirement{}, ErrCloseNotAllowed
	}

	ok, err := s.repo.CompareAndSetState(ctx, tx, req.ID, req.State, StateClosed)
	if err != nil {
		return Requirement{}, err
	}
	if !ok {
		return Requirement{}, ErrCloseNotAllowed
	}

	var expired int64
	if req.State == StateOpen && s.bids != nil {
		expired, err = s.bids.ExpireSubmitted(ctx, tx, req.ID)
		if err != nil {
			return Requirement{}, err
		}
	}

	payload := map[string]any{
		"requirement_id": req.ID,
		"previous_state": req.State,
		"expired_bids":   expired,
	}
	if err := s.record(ctx, tx, req.ID, params.Actor.ID, "REQUIREMENT_CLOSED", outbox.TopicRequirementClosed, req.CustomerID, payload); err != nil {
		return Requirement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Requirement{}, fmt.Errorf("requirement: commit tx: %w", err)
	}
	metrics.Transition("requirement", "closed")
	s.logger.InfoContext(ctx, "requirement closed", "requirement_id", req.ID, "from", req.State, "expired_bids", expired)

	req.State = StateClosed
	closedAt := now
	req.ClosedAt = &closedAt
	return req, nil
}

func (s *Service) Get(ctx context.Context, id string) (Requirement, error) {
	return s.repo.Get(ctx, s.pool, id)
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	items, total, err := s.repo.List(ctx, s.pool, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, id, actorID, eventType, topic, partyID string, payload map[string]any) error {
	if s.timeline != nil {
		ev := timeline.Event{EntityKind: timeline.KindRequirement, EntityID: id, Type: eventType, ActorID: actorID, Payload: payload}
		if err := s.timeline.Append(ctx, tx, ev); err != nil {
			return fmt.Errorf("requirement: append timeline: %w", err)
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, outbox.Message{Topic: topic, PartyID: partyID, Payload: payload}); err != nil {
			return fmt.Errorf("requirement: enqueue outbox: %w", err)
		}
	}
	return nil
}
