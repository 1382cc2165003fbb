package bid

import (
	"context"
	"errors"
	"fmt"

	"vendorflow/apperr"
	"vendorflow/db"

	"github.com/jackc/pgx/v5"
)

var (
	ErrNotFound  = apperr.NotFound("bid_not_found", "bid: not found")
	ErrDuplicate = apperr.Conflict("duplicate_bid", "bid: vendor already has a submitted bid on this requirement")
)

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, b Bid) (Bid, error)
	Get(ctx context.Context, q db.Querier, id string) (Bid, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Bid, error)
	ListForRequirement(ctx context.Context, q db.Querier, requirementID, vendorID string) ([]Bid, error)
	CompareAndSetState(ctx context.Context, tx pgx.Tx, id string, from, to State) (bool, error)
	HasFinalizationHistory(ctx context.Context, tx pgx.Tx, requirementID string) (bool, error)
	ExpireSubmitted(ctx context.Context, tx pgx.Tx, requirementID string) (int64, error)
	SelectWinner(ctx context.Context, tx pgx.Tx, requirementID, bidID string) (int64, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const selectColumns = `id, requirement_id, vendor_id, price, package_terms, submitted_at, state, updated_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, b Bid) (Bid, error) {
	query := `
        INSERT INTO bids (id, requirement_id, vendor_id, price, package_terms, submitted_at, state)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING ` + selectColumns
	created, err := scanBid(tx.QueryRow(ctx, query, b.ID, b.RequirementID, b.VendorID, b.Price, b.PackageTerms, b.SubmittedAt, b.State))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Bid{}, ErrDuplicate
		}
		return Bid{}, fmt.Errorf("bid: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, q db.Querier, id string) (Bid, error) {
	return r.getWith(ctx, q, id, "")
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Bid, error) {
	return r.getWith(ctx, tx, id, "FOR UPDATE")
}

func (r *PGRepository) getWith(ctx context.Context, q db.Querier, id, lock string) (Bid, error) {
	b, err := scanBid(q.QueryRow(ctx, `SELECT `+selectColumns+` FROM bids WHERE id = $1 `+lock, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, ErrNotFound
		}
		return Bid{}, fmt.Errorf("bid: get: %w", err)
	}
	return b, nil
}

// ListForRequirement returns the requirement's bids, optionally narrowed to one vendor.
func (r *PGRepository) ListForRequirement(ctx context.Context, q db.Querier, requirementID, vendorID string) ([]Bid, error) {
	query := `SELECT ` + selectColumns + ` FROM bids WHERE requirement_id = $1 AND ($2 = '' OR vendor_id::text = $2) ORDER BY submitted_at, id`
	rows, err := q.Query(ctx, query, requirementID, vendorID)
	if err != nil {
		return nil, fmt.Errorf("bid: list: %w", err)
	}
	defer rows.Close()

	list := []Bid{}
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("bid: scan list: %w", err)
		}
		list = append(list, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bid: iterate list: %w", err)
	}
	return list, nil
}

func (r *PGRepository) CompareAndSetState(ctx context.Context, tx pgx.Tx, id string, from, to State) (bool, error) {
	tag, err := tx.Exec(ctx, `UPDATE bids SET state = $3, updated_at = now() WHERE id = $1 AND state = $2`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("bid: update state: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// HasFinalizationHistory reports whether any finalization request, in any
// state, has ever referenced a bid on the requirement.
func (r *PGRepository) HasFinalizationHistory(ctx context.Context, tx pgx.Tx, requirementID string) (bool, error) {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM finalization_requests WHERE requirement_id = $1)`, requirementID).Scan(&exists); err != nil {
		return false, fmt.Errorf("bid: finalization history: %w", err)
	}
	return exists, nil
}

func (r *PGRepository) ExpireSubmitted(ctx context.Context, tx pgx.Tx, requirementID string) (int64, error) {
	tag, err := tx.Exec(ctx, `UPDATE bids SET state = 'expired', updated_at = now() WHERE requirement_id = $1 AND state = 'submitted'`, requirementID)
	if err != nil {
		return 0, fmt.Errorf("bid: expire submitted: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SelectWinner flips bidID to selected and every other submitted bid on the
// requirement to rejected. It returns the number of rejected siblings.
func (r *PGRepository) SelectWinner(ctx context.Context, tx pgx.Tx, requirementID, bidID string) (int64, error) {
	tag, err := tx.Exec(ctx, `UPDATE bids SET state = 'selected', updated_at = now() WHERE id = $1 AND requirement_id = $2 AND state = 'submitted'`, bidID, requirementID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return 0, fmt.Errorf("bid: second winner for requirement %s: %w", requirementID, err)
		}
		return 0, fmt.Errorf("bid: select winner: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return 0, ErrNotSubmitted
	}

	tag, err = tx.Exec(ctx, `UPDATE bids SET state = 'rejected', updated_at = now() WHERE requirement_id = $1 AND id <> $2 AND state = 'submitted'`, requirementID, bidID)
	if err != nil {
		return 0, fmt.Errorf("bid: reject siblings: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanBid(row pgx.Row) (Bid, error) {
	var b Bid
	err := row.Scan(&b.ID, &b.RequirementID, &b.VendorID, &b.Price, &b.PackageTerms, &b.SubmittedAt, &b.State, &b.UpdatedAt)
	return b, err
}
