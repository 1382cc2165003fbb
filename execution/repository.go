package execution

import (
	"context"
	"errors"
	"fmt"

	"vendorflow/apperr"
	"vendorflow/db"

	"github.com/jackc/pgx/v5"
)

var ErrNotFound = apperr.NotFound("execution_not_found", "execution: record not found")

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, r Record) (Record, error)
	Get(ctx context.Context, q db.Querier, id string) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	ListForAgreement(ctx context.Context, q db.Querier, agreementID string) ([]Record, error)
	// Update writes r if the stored state is still from.
	Update(ctx context.Context, tx pgx.Tx, r Record, from State) (bool, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const recordColumns = `id, agreement_id, vendor_id, customer_id, expected_start, expected_end,
    proposed_make_in, proposed_mark_out, confirmed_make_in, confirmed_mark_out,
    state, COALESCE(issue_leg, ''), created_at, updated_at`

func scanRecord(row pgx.Row) (Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.AgreementID, &r.VendorID, &r.CustomerID, &r.ExpectedStart, &r.ExpectedEnd,
		&r.ProposedMakeIn, &r.ProposedMarkOut, &r.ConfirmedMakeIn, &r.ConfirmedMarkOut,
		&r.State, &r.IssueLeg, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (p *PGRepository) Insert(ctx context.Context, tx pgx.Tx, r Record) (Record, error) {
	query := `
        INSERT INTO execution_records (id, agreement_id, vendor_id, customer_id, expected_start, expected_end, state)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING ` + recordColumns
	created, err := scanRecord(tx.QueryRow(ctx, query, r.ID, r.AgreementID, r.VendorID, r.CustomerID, r.ExpectedStart, r.ExpectedEnd, r.State))
	if err != nil {
		return Record{}, fmt.Errorf("execution: insert: %w", err)
	}
	return created, nil
}

func (p *PGRepository) Get(ctx context.Context, q db.Querier, id string) (Record, error) {
	return p.one(ctx, q, `SELECT `+recordColumns+` FROM execution_records WHERE id = $1`, id)
}

func (p *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	return p.one(ctx, tx, `SELECT `+recordColumns+` FROM execution_records WHERE id = $1 FOR UPDATE`, id)
}

func (p *PGRepository) one(ctx context.Context, q db.Querier, query, id string) (Record, error) {
	r, err := scanRecord(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("execution: get: %w", err)
	}
	return r, nil
}

func (p *PGRepository) ListForAgreement(ctx context.Context, q db.Querier, agreementID string) ([]Record, error) {
	rows, err := q.Query(ctx, `SELECT `+recordColumns+` FROM execution_records WHERE agreement_id = $1 ORDER BY expected_start, id`, agreementID)
	if err != nil {
		return nil, fmt.Errorf("execution: list: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("execution: scan: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execution: iterate: %w", err)
	}
	return records, nil
}

func (p *PGRepository) Update(ctx context.Context, tx pgx.Tx, r Record, from State) (bool, error) {
	var leg *string
	if r.IssueLeg != "" {
		s := string(r.IssueLeg)
		leg = &s
	}
	tag, err := tx.Exec(ctx, `
        UPDATE execution_records
        SET state = $3,
            proposed_make_in = $4,
            proposed_mark_out = $5,
            confirmed_make_in = $6,
            confirmed_mark_out = $7,
            issue_leg = $8,
            updated_at = now()
        WHERE id = $1 AND state = $2
    `, r.ID, from, r.State, r.ProposedMakeIn, r.ProposedMarkOut, r.ConfirmedMakeIn, r.ConfirmedMarkOut, leg)
	if err != nil {
		if db.IsCheckViolation(err) {
			return false, ErrAlreadyConfirmed
		}
		return false, fmt.Errorf("execution: update: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
