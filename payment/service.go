// Package payment tracks the payment schedule of an agreement: gateway
// callbacks mark slabs paid and a periodic sweep flags overdue slabs.
package payment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"vendorflow/agreement"
	"vendorflow/apperr"
	"vendorflow/db"
	"vendorflow/metrics"
	"vendorflow/outbox"
	"vendorflow/telemetry"
	"vendorflow/timeline"

	"github.com/jackc/pgx/v5"
)

var (
	ErrSlabAlreadyPaid = apperr.Conflict("slab_already_paid", "payment: slab already paid at a different time")
	ErrAmountMismatch  = apperr.Validation("amount_mismatch", "payment: paid amount does not match the slab amount")
	ErrPaidAtRequired  = apperr.Validation("paid_at_required", "payment: paid timestamp required")
)

const overdueBatch = 500

type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, ev timeline.Event) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, msg outbox.Message) error
}

type Service struct {
	pool     db.Pool
	repo     Repository
	timeline TimelineWriter
	outbox   OutboxWriter
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(pool db.Pool, repo Repository, timeline TimelineWriter, outbox OutboxWriter) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:     pool,
		repo:     repo,
		timeline: timeline,
		outbox:   outbox,
		logger:   slog.Default(),
		now:      time.Now,
	}
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

// MarkPaidParams is a gateway callback. Amount is checked against the slab
// when non-zero.
type MarkPaidParams struct {
	SlabID string
	PaidAt time.Time
	Amount int64
}

// MarkSlabPaid records a gateway payment. A replay carrying the same paid
// timestamp returns the stored slab unchanged; a different timestamp fails
// with ErrSlabAlreadyPaid. Payments against a disputed agreement are refused
// until the dispute is resolved.
func (s *Service) MarkSlabPaid(ctx context.Context, params MarkPaidParams) (_ agreement.Slab, err error) {
	ctx, span := telemetry.Start(ctx, "payment.MarkSlabPaid")
	defer func() { telemetry.End(span, err) }()

	if params.SlabID == "" {
		return agreement.Slab{}, apperr.Validation("slab_id_required", "payment: missing slab id")
	}
	if params.PaidAt.IsZero() {
		return agreement.Slab{}, ErrPaidAtRequired
	}
	// timestamptz keeps microseconds; compare at the precision that is stored.
	paidAt := params.PaidAt.UTC().Truncate(time.Microsecond)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return agreement.Slab{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	entry, err := s.repo.GetForUpdate(ctx, tx, params.SlabID)
	if err != nil {
		return agreement.Slab{}, err
	}
	slab := entry.Slab

	if slab.State == agreement.SlabPaid {
		if slab.PaidAt != nil && slab.PaidAt.Equal(paidAt) {
			metrics.WebhookReplays.Inc()
			s.logger.InfoContext(ctx, "payment replay absorbed", "slab_id", slab.ID, "paid_at", paidAt)
			return slab, nil
		}
		return agreement.Slab{}, ErrSlabAlreadyPaid
	}
	switch {
	case entry.AgreementState.Terminal():
		return agreement.Slab{}, fmt.Errorf("%w: agreement %s is %s", agreement.ErrTerminal, slab.AgreementID, entry.AgreementState)
	case entry.AgreementState == agreement.StateDisputed:
		// held until the ruling; the gateway retries the callback
		return agreement.Slab{}, fmt.Errorf("%w: agreement %s", agreement.ErrDisputed, slab.AgreementID)
	}
	if params.Amount != 0 && params.Amount != slab.Amount {
		return agreement.Slab{}, fmt.Errorf("%w: got %d, slab is %d", ErrAmountMismatch, params.Amount, slab.Amount)
	}

	ok, err := s.repo.MarkPaid(ctx, tx, slab.ID, paidAt)
	if err != nil {
		return agreement.Slab{}, err
	}
	if !ok {
		return agreement.Slab{}, ErrSlabAlreadyPaid
	}
	from := slab.State
	slab.State = agreement.SlabPaid
	slab.PaidAt = &paidAt

	payload := map[string]any{
		"slab_id":      slab.ID,
		"agreement_id": slab.AgreementID,
		"seq":          slab.Seq,
		"amount":       slab.Amount,
		"paid_at":      paidAt,
		"from":         from,
	}
	if err := s.record(ctx, tx, entry, "SLAB_PAID", outbox.TopicSlabPaid, payload); err != nil {
		return agreement.Slab{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return agreement.Slab{}, fmt.Errorf("payment: commit tx: %w", err)
	}
	metrics.Transition("payment_slab", string(agreement.SlabPaid))
	return slab, nil
}

// MarkOverdue flags pending slabs past their due date. Overdue is advisory:
// it blocks nothing and an overdue slab can still be paid.
func (s *Service) MarkOverdue(ctx context.Context) (_ int, err error) {
	ctx, span := telemetry.Start(ctx, "payment.MarkOverdue")
	defer func() { telemetry.End(span, err) }()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	entries, err := s.repo.MarkOverdue(ctx, tx, s.now(), overdueBatch)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		payload := map[string]any{
			"slab_id":      e.Slab.ID,
			"agreement_id": e.Slab.AgreementID,
			"seq":          e.Slab.Seq,
			"amount":       e.Slab.Amount,
			"due_date":     e.Slab.DueDate.UTC(),
		}
		if err := s.record(ctx, tx, e, "SLAB_OVERDUE", outbox.TopicSlabOverdue, payload); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("payment: commit tx: %w", err)
	}
	if len(entries) > 0 {
		metrics.SweepAffected.WithLabelValues("slab_overdue").Add(float64(len(entries)))
		s.logger.InfoContext(ctx, "payment slabs marked overdue", "count", len(entries))
	}
	return len(entries), nil
}

func (s *Service) record(ctx context.Context, tx pgx.Tx, e Entry, eventType, topic string, payload map[string]any) error {
	if s.timeline != nil {
		ev := timeline.Event{EntityKind: timeline.KindPaymentSlab, EntityID: e.Slab.ID, Type: eventType, Payload: payload}
		if err := s.timeline.Append(ctx, tx, ev); err != nil {
			return fmt.Errorf("payment: append timeline: %w", err)
		}
	}
	if s.outbox == nil {
		return nil
	}
	for _, party := range []string{e.CustomerID, e.VendorID} {
		if err := s.outbox.Enqueue(ctx, tx, outbox.Message{Topic: topic, PartyID: party, Payload: payload}); err != nil {
			return fmt.Errorf("payment: enqueue outbox: %w", err)
		}
	}
	return nil
}
