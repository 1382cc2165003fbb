package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vendorflow/apperr"
	"vendorflow/db"

	"github.com/jackc/pgx/v5"
)

var (
	ErrNotFound   = apperr.NotFound("dispute_not_found", "dispute: not found")
	ErrOpenExists = apperr.Conflict("dispute_already_open", "dispute: target already has an unresolved dispute")
)

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, d Dispute) error
	Get(ctx context.Context, q db.Querier, id string) (Dispute, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error)
	List(ctx context.Context, q db.Querier, filters Filters) ([]Dispute, error)
	SetState(ctx context.Context, tx pgx.Tx, id string, from, to State) (bool, error)
	Resolve(ctx context.Context, tx pgx.Tx, d Dispute) (bool, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const selectSQL = `
SELECT d.id, d.target_kind, d.agreement_id, d.execution_id, d.raised_by, d.raised_by_role, d.description,
       d.state, COALESCE(d.outcome, ''), COALESCE(d.admin_note, ''), d.settlement_amount, d.resolved_by,
       a.customer_id, a.vendor_id, d.created_at, d.updated_at, d.resolved_at
FROM disputes d
JOIN agreements a ON a.id = d.agreement_id
`

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(&d.ID, &d.TargetKind, &d.AgreementID, &d.ExecutionID, &d.RaisedBy, &d.RaisedByRole, &d.Description,
		&d.State, &d.Outcome, &d.AdminNote, &d.SettlementAmount, &d.ResolvedBy,
		&d.CustomerID, &d.VendorID, &d.CreatedAt, &d.UpdatedAt, &d.ResolvedAt)
	return d, err
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, d Dispute) error {
	const query = `
        INSERT INTO disputes (id, target_kind, agreement_id, execution_id, raised_by, raised_by_role, description, state, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
    `
	_, err := tx.Exec(ctx, query, d.ID, d.TargetKind, d.AgreementID, d.ExecutionID, d.RaisedBy, d.RaisedByRole, d.Description, d.State, d.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrOpenExists
		}
		return fmt.Errorf("dispute: insert: %w", err)
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, q db.Querier, id string) (Dispute, error) {
	return r.one(ctx, q, selectSQL+` WHERE d.id = $1`, id)
}

// GetForUpdate locks the dispute row only; the agreement is read, not locked.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	return r.one(ctx, tx, selectSQL+` WHERE d.id = $1 FOR UPDATE OF d`, id)
}

func (r *PGRepository) one(ctx context.Context, q db.Querier, query, id string) (Dispute, error) {
	d, err := scanDispute(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}
	return d, nil
}

func (r *PGRepository) List(ctx context.Context, q db.Querier, filters Filters) ([]Dispute, error) {
	var (
		where []string
		args  []any
	)
	if filters.State != "" {
		args = append(args, filters.State)
		where = append(where, fmt.Sprintf("d.state = $%d", len(args)))
	}
	if filters.AgreementID != "" {
		args = append(args, filters.AgreementID)
		where = append(where, fmt.Sprintf("d.agreement_id = $%d", len(args)))
	}
	if filters.PartyID != "" {
		args = append(args, filters.PartyID)
		where = append(where, fmt.Sprintf("(a.customer_id = $%d OR a.vendor_id = $%d)", len(args), len(args)))
	}
	query := selectSQL
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY d.created_at DESC, d.id"

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 8)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func (r *PGRepository) SetState(ctx context.Context, tx pgx.Tx, id string, from, to State) (bool, error) {
	tag, err := tx.Exec(ctx, `UPDATE disputes SET state = $3, updated_at = now() WHERE id = $1 AND state = $2`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("dispute: set state: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Resolve writes the ruling carried by d. It never touches a resolved row.
func (r *PGRepository) Resolve(ctx context.Context, tx pgx.Tx, d Dispute) (bool, error) {
	var resolvedAt time.Time
	if d.ResolvedAt != nil {
		resolvedAt = *d.ResolvedAt
	}
	tag, err := tx.Exec(ctx, `
        UPDATE disputes
        SET state = 'resolved',
            outcome = $2,
            admin_note = $3,
            settlement_amount = $4,
            resolved_by = $5,
            resolved_at = $6,
            updated_at = $6
        WHERE id = $1 AND state <> 'resolved'
    `, d.ID, d.Outcome, d.AdminNote, d.SettlementAmount, d.ResolvedBy, resolvedAt)
	if err != nil {
		return false, fmt.Errorf("dispute: resolve: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
