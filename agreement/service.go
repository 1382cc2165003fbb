package agreement

import (
	"context"
	"fmt"
	"log/slog"
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

type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, ev timeline.Event) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, msg outbox.Message) error
}

// PolicySource supplies the slab-generation rules for a requirement category.
type PolicySource interface {
	SlabPolicy(category string) []SlabRule
}

// DocumentGenerator renders a finalized agreement and returns an opaque
// reference to the rendering.
type DocumentGenerator interface {
	Generate(ctx context.Context, a Agreement) (string, error)
}

var ErrNotParty = apperr.Forbidden("not_agreement_party", "agreement: caller is not a party to the agreement")

type Service struct {
	pool        db.Pool
	repo        Repository
	policy      PolicySource
	timeline    TimelineWriter
	outbox      OutboxWriter
	documents   DocumentGenerator
	logger      *slog.Logger
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool db.Pool, repo Repository, policy PolicySource, timeline TimelineWriter, outbox OutboxWriter) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		policy:      policy,
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

func (s *Service) WithDocumentGenerator(gen DocumentGenerator) *Service {
	s.documents = gen
	return s
}

// MaterializeParams carries the winning bid's terms into the agreement.
type MaterializeParams struct {
	RequirementID string
	BidID         string
	CustomerID    string
	VendorID      string
	Category      string
	EventDate     time.Time
	Price         int64
	Terms         string
	AcceptedAt    time.Time
	ActorID       string
}

// MaterializeTx creates the agreement and its payment schedule inside the
// caller's transaction. The schedule is computed and validated before any row
// is written; on error the caller must roll back.
func (s *Service) MaterializeTx(ctx context.Context, tx pgx.Tx, params MaterializeParams) (_ Agreement, err error) {
	ctx, span := telemetry.Start(ctx, "agreement.MaterializeTx")
	defer func() { telemetry.End(span, err) }()

	if params.RequirementID == "" || params.BidID == "" {
		return Agreement{}, apperr.Validation("materialize_ids_required", "agreement: requirement and bid ids required")
	}
	if s.policy == nil {
		return Agreement{}, fmt.Errorf("%w: no slab policy configured", ErrInvalidScheduleDefinition)
	}

	acceptedAt := params.AcceptedAt
	if acceptedAt.IsZero() {
		acceptedAt = s.now()
	}
	slabs, err := BuildSchedule(params.Price, s.policy.SlabPolicy(params.Category), acceptedAt, params.EventDate)
	if err != nil {
		return Agreement{}, err
	}

	created, err := s.repo.Insert(ctx, tx, Agreement{
		ID:            s.idGenerator(),
		RequirementID: params.RequirementID,
		BidID:         params.BidID,
		CustomerID:    params.CustomerID,
		VendorID:      params.VendorID,
		Price:         params.Price,
		Terms:         params.Terms,
		State:         StateDraft,
	})
	if err != nil {
		return Agreement{}, err
	}

	for i := range slabs {
		slabs[i].ID = s.idGenerator()
		slabs[i].AgreementID = created.ID
		slabs[i].UpdatedAt = acceptedAt
	}
	if err := s.repo.InsertSlabs(ctx, tx, slabs); err != nil {
		return Agreement{}, err
	}
	created.Slabs = slabs

	payload := map[string]any{
		"agreement_id":   created.ID,
		"requirement_id": created.RequirementID,
		"bid_id":         created.BidID,
		"price":          created.Price,
		"slabs":          len(slabs),
	}
	if err := s.record(ctx, tx, created.ID, params.ActorID, "AGREEMENT_CREATED", payload); err != nil {
		return Agreement{}, err
	}
	if err := s.notifyParties(ctx, tx, created, outbox.TopicAgreementCreated, payload); err != nil {
		return Agreement{}, err
	}

	metrics.Transition("agreement", "created")
	return created, nil
}

// Get returns the agreement with its schedule. Only the two parties and
// admins may read it.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (Agreement, error) {
	a, err := s.repo.Get(ctx, s.pool, id)
	if err != nil {
		return Agreement{}, err
	}
	if !actor.Is(auth.RoleAdmin) && !a.Party(actor.ID) {
		return Agreement{}, ErrNotParty
	}
	a.Slabs, err = s.repo.ListSlabs(ctx, s.pool, a.ID)
	if err != nil {
		return Agreement{}, err
	}
	return a, nil
}

func (s *Service) GetByRequirement(ctx context.Context, actor auth.Actor, requirementID string) (Agreement, error) {
	a, err := s.repo.GetByRequirement(ctx, s.pool, requirementID)
	if err != nil {
		return Agreement{}, err
	}
	return s.Get(ctx, actor, a.ID)
}

func (s *Service) List(ctx context.Context, actor auth.Actor) ([]Agreement, error) {
	if err := auth.Require(actor, auth.RoleCustomer, auth.RoleVendor); err != nil {
		return nil, err
	}
	return s.repo.ListForParty(ctx, s.pool, actor.ID)
}

// GenerateDocument asks the document generator for a rendering of the
// agreement and stores the returned reference. A reference already stored is
// kept, so the call is safe to retry.
func (s *Service) GenerateDocument(ctx context.Context, id string) (string, error) {
	if s.documents == nil {
		return "", apperr.Policy("documents_disabled", "agreement: no document generator configured")
	}
	a, err := s.repo.Get(ctx, s.pool, id)
	if err != nil {
		return "", err
	}
	if a.DocumentRef != nil {
		return *a.DocumentRef, nil
	}
	a.Slabs, err = s.repo.ListSlabs(ctx, s.pool, id)
	if err != nil {
		return "", err
	}
	ref, err := s.documents.Generate(ctx, a)
	if err != nil {
		return "", fmt.Errorf("agreement: generate document: %w", err)
	}
	return s.AttachDocument(ctx, id, ref)
}

// AttachDocument stores an opaque document reference on the agreement.
func (s *Service) AttachDocument(ctx context.Context, id, ref string) (string, error) {
	if ref == "" {
		return "", apperr.Validation("document_ref_required", "agreement: empty document reference")
	}
	return s.repo.SetDocumentRef(ctx, s.pool, id, ref)
}

// GenerateDocumentBestEffort is the post-commit hook used after acceptance.
// Failures are logged and left for a later retry.
func (s *Service) GenerateDocumentBestEffort(ctx context.Context, id string) {
	if s.documents == nil {
		return
	}
	if _, err := s.GenerateDocument(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "agreement document generation failed", "agreement_id", id, "error", err)
	}
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, id, actorID, eventType string, payload map[string]any) error {
	if s.timeline == nil {
		return nil
	}
	ev := timeline.Event{EntityKind: timeline.KindAgreement, EntityID: id, Type: eventType, ActorID: actorID, Payload: payload}
	if err := s.timeline.Append(ctx, tx, ev); err != nil {
		return fmt.Errorf("agreement: append timeline: %w", err)
	}
	return nil
}

func (s *Service) notifyParties(ctx context.Context, tx pgx.Tx, a Agreement, topic string, payload map[string]any) error {
	if s.outbox == nil {
		return nil
	}
	for _, party := range []string{a.CustomerID, a.VendorID} {
		if err := s.outbox.Enqueue(ctx, tx, outbox.Message{Topic: topic, PartyID: party, Payload: payload}); err != nil {
			return fmt.Errorf("agreement: enqueue outbox: %w", err)
		}
	}
	return nil
}
