package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vendorflow/db"
	"vendorflow/metrics"

	"github.com/jackc/pgx/v5"
)

// Notifier delivers one message to a party. Delivery is at-least-once;
// receivers must tolerate duplicates.
type Notifier interface {
	Notify(ctx context.Context, partyID, kind string, payload []byte) error
}

// Pending is a claimed outbox row.
type Pending struct {
	ID       string
	Topic    string
	PartyID  string
	Payload  []byte
	Attempts int
}

// Store is the persistence surface the relay needs.
type Store interface {
	Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Pending, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id, reason string, dead bool) error
}

const (
	defaultBatchSize   = 20
	defaultMaxAttempts = 5
)

// Relay drains the outbox into a Notifier. Several relays may run against the
// same table; rows are claimed with SKIP LOCKED so each is handled once per pass.
type Relay struct {
	pool        db.Pool
	store       Store
	notifier    Notifier
	logger      *slog.Logger
	batchSize   int
	maxAttempts int
}

func NewRelay(pool db.Pool, store Store, notifier Notifier) *Relay {
	if store == nil {
		store = NewPGStore()
	}
	return &Relay{
		pool:        pool,
		store:       store,
		notifier:    notifier,
		logger:      slog.Default(),
		batchSize:   defaultBatchSize,
		maxAttempts: defaultMaxAttempts,
	}
}

func (r *Relay) WithLogger(logger *slog.Logger) *Relay {
	if logger != nil {
		r.logger = logger
	}
	return r
}

func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// Result summarizes one relay pass.
type Result struct {
	Delivered int
	Retried   int
	Dead      int
}

// RunOnce claims one batch and attempts delivery of each message.
func (r *Relay) RunOnce(ctx context.Context) (Result, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch, err := r.store.Claim(ctx, tx, r.batchSize)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, msg := range batch {
		notifyErr := r.notifier.Notify(ctx, msg.PartyID, msg.Topic, msg.Payload)
		if notifyErr == nil {
			if err := r.store.MarkProcessed(ctx, tx, msg.ID); err != nil {
				return Result{}, err
			}
			res.Delivered++
			metrics.RelayDeliveries.WithLabelValues("delivered").Inc()
			continue
		}

		dead := msg.Attempts+1 >= r.maxAttempts
		if err := r.store.MarkFailed(ctx, tx, msg.ID, notifyErr.Error(), dead); err != nil {
			return Result{}, err
		}
		if dead {
			res.Dead++
			metrics.RelayDeliveries.WithLabelValues("dead").Inc()
			r.logger.Error("outbox message dead-lettered", "id", msg.ID, "topic", msg.Topic, "error", notifyErr)
		} else {
			res.Retried++
			metrics.RelayDeliveries.WithLabelValues("retry").Inc()
			r.logger.Warn("outbox delivery failed", "id", msg.ID, "topic", msg.Topic, "attempt", msg.Attempts+1, "error", notifyErr)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("outbox: commit tx: %w", err)
	}
	return res, nil
}

// Run repeats RunOnce every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			r.logger.Error("outbox relay pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type PGStore struct{}

func NewPGStore() *PGStore {
	return &PGStore{}
}

func (s *PGStore) Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Pending, error) {
	const claimSQL = `
SELECT id::text, topic, COALESCE(party_id::text, ''), payload, attempts
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
FOR UPDATE SKIP LOCKED
LIMIT $1;
`
	rows, err := tx.Query(ctx, claimSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	var out []Pending
	for rows.Next() {
		var p Pending
		if err := rows.Scan(&p.ID, &p.Topic, &p.PartyID, &p.Payload, &p.Attempts); err != nil {
			return nil, fmt.Errorf("outbox: scan claimed: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate claimed: %w", err)
	}
	return out, nil
}

func (s *PGStore) MarkProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, tx pgx.Tx, id, reason string, dead bool) error {
	status := "pending"
	if dead {
		status = "dead"
	}
	const failSQL = `
UPDATE outbox
SET status = $2, attempts = attempts + 1, last_error = $3, last_attempt = now()
WHERE id = $1;
`
	if _, err := tx.Exec(ctx, failSQL, id, status, reason); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}
