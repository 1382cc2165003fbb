package finalization

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vendorflow/apperr"
	"vendorflow/db"

	"github.com/jackc/pgx/v5"
)

var (
	ErrNotFound = apperr.NotFound("finalization_not_found", "finalization: not found")
	// ErrAlreadyFinalizing is the single-pending guarantee surfaced to the second proposer.
	ErrAlreadyFinalizing = apperr.Conflict("already_finalizing", "finalization: requirement already has a pending finalization request")
)

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, req Request) (Request, error)
	Get(ctx context.Context, q db.Querier, id string) (Request, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error)
	PendingForRequirement(ctx context.Context, tx pgx.Tx, requirementID string) (Request, error)
	Resolve(ctx context.Context, tx pgx.Tx, id string, to State, at time.Time) (bool, error)
	DuePending(ctx context.Context, q db.Querier, now time.Time, limit int) ([]string, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const selectSQL = `
SELECT fr.id, fr.requirement_id, fr.bid_id, fr.proposed_by, b.vendor_id, fr.proposed_at, fr.response_deadline, fr.state, fr.responded_at
FROM finalization_requests fr
JOIN bids b ON b.id = fr.bid_id
`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, req Request) (Request, error) {
	const insertSQL = `
        INSERT INTO finalization_requests (id, requirement_id, bid_id, proposed_by, proposed_at, response_deadline, state)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `
	if _, err := tx.Exec(ctx, insertSQL, req.ID, req.RequirementID, req.BidID, req.CustomerID, req.ProposedAt, req.ResponseDeadline, req.State); err != nil {
		if db.IsUniqueViolation(err) {
			return Request{}, ErrAlreadyFinalizing
		}
		return Request{}, fmt.Errorf("finalization: insert: %w", err)
	}
	return req, nil
}

func (r *PGRepository) Get(ctx context.Context, q db.Querier, id string) (Request, error) {
	return r.one(ctx, q, selectSQL+` WHERE fr.id = $1`, id)
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error) {
	return r.one(ctx, tx, selectSQL+` WHERE fr.id = $1 FOR UPDATE OF fr`, id)
}

func (r *PGRepository) PendingForRequirement(ctx context.Context, tx pgx.Tx, requirementID string) (Request, error) {
	return r.one(ctx, tx, selectSQL+` WHERE fr.requirement_id = $1 AND fr.state = 'pending' FOR UPDATE OF fr`, requirementID)
}

func (r *PGRepository) one(ctx context.Context, q db.Querier, query, arg string) (Request, error) {
	var req Request
	err := q.QueryRow(ctx, query, arg).Scan(
		&req.ID,
		&req.RequirementID,
		&req.BidID,
		&req.CustomerID,
		&req.VendorID,
		&req.ProposedAt,
		&req.ResponseDeadline,
		&req.State,
		&req.RespondedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("finalization: get: %w", err)
	}
	return req, nil
}

// Resolve moves a pending request to a final state.
func (r *PGRepository) Resolve(ctx context.Context, tx pgx.Tx, id string, to State, at time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `UPDATE finalization_requests SET state = $2, responded_at = $3 WHERE id = $1 AND state = 'pending'`, id, to, at)
	if err != nil {
		return false, fmt.Errorf("finalization: resolve: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DuePending lists pending requests whose response deadline has passed.
func (r *PGRepository) DuePending(ctx context.Context, q db.Querier, now time.Time, limit int) ([]string, error) {
	rows, err := q.Query(ctx, `SELECT id FROM finalization_requests WHERE state = 'pending' AND response_deadline <= $1 ORDER BY response_deadline LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("finalization: due pending: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("finalization: scan due: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
