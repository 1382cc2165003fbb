package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vendorflow/agreement"
	"vendorflow/apperr"
	"vendorflow/db"

	"github.com/jackc/pgx/v5"
)

var ErrNotFound = apperr.NotFound("slab_not_found", "payment: slab not found")

// Entry is a slab together with the agreement fields the tracker needs to
// route notifications and refuse payments on voided agreements.
type Entry struct {
	Slab           agreement.Slab
	CustomerID     string
	VendorID       string
	AgreementState agreement.State
}

type Repository interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, slabID string) (Entry, error)
	MarkPaid(ctx context.Context, tx pgx.Tx, slabID string, paidAt time.Time) (bool, error)
	MarkOverdue(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Entry, error)
	PendingTotal(ctx context.Context, q db.Querier, agreementID string) (int64, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const entryColumns = `s.id, s.agreement_id, s.seq, s.label, s.percentage, s.amount, s.due_date, s.state, s.paid_at, s.updated_at, a.customer_id, a.vendor_id, a.state`

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	s := &e.Slab
	err := row.Scan(&s.ID, &s.AgreementID, &s.Seq, &s.Label, &s.Percentage, &s.Amount, &s.DueDate, &s.State, &s.PaidAt, &s.UpdatedAt, &e.CustomerID, &e.VendorID, &e.AgreementState)
	return e, err
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, slabID string) (Entry, error) {
	query := `SELECT ` + entryColumns + `
        FROM payment_slabs s
        JOIN agreements a ON a.id = s.agreement_id
        WHERE s.id = $1
        FOR UPDATE OF s
        FOR SHARE OF a`
	e, err := scanEntry(tx.QueryRow(ctx, query, slabID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("payment: get slab: %w", err)
	}
	return e, nil
}

// MarkPaid moves a pending or overdue slab to paid. Already-paid slabs are
// left alone and reported as false.
func (r *PGRepository) MarkPaid(ctx context.Context, tx pgx.Tx, slabID string, paidAt time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
        UPDATE payment_slabs
        SET state = 'paid', paid_at = $2, updated_at = now()
        WHERE id = $1 AND state <> 'paid'
    `, slabID, paidAt)
	if err != nil {
		return false, fmt.Errorf("payment: mark paid: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkOverdue flips up to limit pending slabs whose due date is before now.
// Slabs of voided agreements are skipped. Rows locked by a concurrent payment
// are skipped too and picked up by the next pass.
func (r *PGRepository) MarkOverdue(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Entry, error) {
	query := `
        WITH due AS (
            SELECT s.id
            FROM payment_slabs s
            JOIN agreements a ON a.id = s.agreement_id
            WHERE s.state = 'pending' AND s.due_date < $1 AND a.state <> 'voided'
            ORDER BY s.due_date
            LIMIT $2
            FOR UPDATE OF s SKIP LOCKED
        )
        UPDATE payment_slabs s
        SET state = 'overdue', updated_at = now()
        FROM due, agreements a
        WHERE s.id = due.id AND a.id = s.agreement_id
        RETURNING ` + entryColumns
	rows, err := tx.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("payment: mark overdue: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("payment: scan overdue: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payment: iterate overdue: %w", err)
	}
	return entries, nil
}

// PendingTotal sums the amounts of every slab on the agreement that is not yet paid.
func (r *PGRepository) PendingTotal(ctx context.Context, q db.Querier, agreementID string) (int64, error) {
	var total int64
	err := q.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM payment_slabs WHERE agreement_id = $1 AND state <> 'paid'`, agreementID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("payment: pending total: %w", err)
	}
	return total, nil
}
