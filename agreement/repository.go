package agreement

import (
	"context"
	"errors"
	"fmt"

	"vendorflow/apperr"
	"vendorflow/db"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrNotFound is returned when no agreement row exists for the provided identifier.
	ErrNotFound = apperr.NotFound("agreement_not_found", "agreement: not found")
	// ErrAlreadyExists signals a second agreement for the same requirement or bid.
	ErrAlreadyExists = apperr.Conflict("agreement_exists", "agreement: already materialized for this requirement")
)

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, a Agreement) (Agreement, error)
	InsertSlabs(ctx context.Context, tx pgx.Tx, slabs []Slab) error
	Get(ctx context.Context, q db.Querier, id string) (Agreement, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Agreement, error)
	GetByRequirement(ctx context.Context, q db.Querier, requirementID string) (Agreement, error)
	ListForParty(ctx context.Context, q db.Querier, partyID string) ([]Agreement, error)
	ListSlabs(ctx context.Context, q db.Querier, agreementID string) ([]Slab, error)
	CompareAndSetState(ctx context.Context, tx pgx.Tx, id string, from, to State) (bool, error)
	MarkSigned(ctx context.Context, tx pgx.Tx, id string, customer, vendor bool) (Agreement, error)
	Outstanding(ctx context.Context, tx pgx.Tx, id string) (unpaidSlabs, openDisputes int, err error)
	SetDocumentRef(ctx context.Context, q db.Querier, id, ref string) (string, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const agreementColumns = `id, requirement_id, bid_id, customer_id, vendor_id, price, terms, customer_signed, vendor_signed, state, document_ref, created_at, updated_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, a Agreement) (Agreement, error) {
	query := `
        INSERT INTO agreements (id, requirement_id, bid_id, customer_id, vendor_id, price, terms, state)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING ` + agreementColumns
	created, err := scanAgreement(tx.QueryRow(ctx, query, a.ID, a.RequirementID, a.BidID, a.CustomerID, a.VendorID, a.Price, a.Terms, a.State))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Agreement{}, ErrAlreadyExists
		}
		return Agreement{}, fmt.Errorf("agreement: insert: %w", err)
	}
	return created, nil
}

// InsertSlabs writes the whole schedule. The deferred payment_schedule_totals
// trigger re-checks both sums at commit.
func (r *PGRepository) InsertSlabs(ctx context.Context, tx pgx.Tx, slabs []Slab) error {
	const insertSQL = `
        INSERT INTO payment_slabs (id, agreement_id, seq, label, percentage, amount, due_date, state)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `
	batch := &pgx.Batch{}
	for _, s := range slabs {
		batch.Queue(insertSQL, s.ID, s.AgreementID, s.Seq, s.Label, s.Percentage, s.Amount, s.DueDate, s.State)
	}
	results := tx.SendBatch(ctx, batch)
	for range slabs {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("agreement: insert slab: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("agreement: insert slabs: %w", err)
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, q db.Querier, id string) (Agreement, error) {
	return r.getWhere(ctx, q, "id = $1", id, "")
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Agreement, error) {
	return r.getWhere(ctx, tx, "id = $1", id, "FOR UPDATE")
}

func (r *PGRepository) GetByRequirement(ctx context.Context, q db.Querier, requirementID string) (Agreement, error) {
	return r.getWhere(ctx, q, "requirement_id = $1", requirementID, "")
}

func (r *PGRepository) getWhere(ctx context.Context, q db.Querier, where, arg, lock string) (Agreement, error) {
	a, err := scanAgreement(q.QueryRow(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE `+where+` `+lock, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("agreement: get: %w", err)
	}
	return a, nil
}

func (r *PGRepository) ListForParty(ctx context.Context, q db.Querier, partyID string) ([]Agreement, error) {
	rows, err := q.Query(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE customer_id = $1 OR vendor_id = $1 ORDER BY created_at DESC LIMIT 200`, partyID)
	if err != nil {
		return nil, fmt.Errorf("agreement: list: %w", err)
	}
	defer rows.Close()

	list := []Agreement{}
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, fmt.Errorf("agreement: scan list: %w", err)
		}
		list = append(list, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: iterate list: %w", err)
	}
	return list, nil
}

func (r *PGRepository) ListSlabs(ctx context.Context, q db.Querier, agreementID string) ([]Slab, error) {
	const query = `
        SELECT id, agreement_id, seq, label, percentage, amount, due_date, state, paid_at, updated_at
        FROM payment_slabs
        WHERE agreement_id = $1
        ORDER BY seq
    `
	rows, err := q.Query(ctx, query, agreementID)
	if err != nil {
		return nil, fmt.Errorf("agreement: list slabs: %w", err)
	}
	defer rows.Close()

	slabs := []Slab{}
	for rows.Next() {
		var s Slab
		if err := rows.Scan(&s.ID, &s.AgreementID, &s.Seq, &s.Label, &s.Percentage, &s.Amount, &s.DueDate, &s.State, &s.PaidAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("agreement: scan slab: %w", err)
		}
		slabs = append(slabs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agreement: iterate slabs: %w", err)
	}
	return slabs, nil
}

func (r *PGRepository) CompareAndSetState(ctx context.Context, tx pgx.Tx, id string, from, to State) (bool, error) {
	tag, err := tx.Exec(ctx, `UPDATE agreements SET state = $3, updated_at = now() WHERE id = $1 AND state = $2`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("agreement: update state: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkSigned sets the given signature flags; flags already set stay set.
func (r *PGRepository) MarkSigned(ctx context.Context, tx pgx.Tx, id string, customer, vendor bool) (Agreement, error) {
	query := `
        UPDATE agreements
        SET customer_signed = customer_signed OR $2,
            vendor_signed = vendor_signed OR $3,
            updated_at = now()
        WHERE id = $1
        RETURNING ` + agreementColumns
	a, err := scanAgreement(tx.QueryRow(ctx, query, id, customer, vendor))
	if err != nil {
		return Agreement{}, fmt.Errorf("agreement: mark signed: %w", err)
	}
	return a, nil
}

// Outstanding counts unpaid slabs and unresolved disputes of any target on the agreement.
func (r *PGRepository) Outstanding(ctx context.Context, tx pgx.Tx, id string) (int, int, error) {
	const query = `
        SELECT
            (SELECT COUNT(*) FROM payment_slabs WHERE agreement_id = $1 AND state <> 'paid'),
            (SELECT COUNT(*) FROM disputes WHERE agreement_id = $1 AND state <> 'resolved')
    `
	var unpaid, disputes int
	if err := tx.QueryRow(ctx, query, id).Scan(&unpaid, &disputes); err != nil {
		return 0, 0, fmt.Errorf("agreement: outstanding: %w", err)
	}
	return unpaid, disputes, nil
}

// SetDocumentRef stores ref unless a reference is already present, and
// returns whichever reference is stored afterwards.
func (r *PGRepository) SetDocumentRef(ctx context.Context, q db.Querier, id, ref string) (string, error) {
	var stored string
	err := q.QueryRow(ctx, `UPDATE agreements SET document_ref = COALESCE(document_ref, $2), updated_at = now() WHERE id = $1 RETURNING document_ref`, id, ref).Scan(&stored)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("agreement: set document ref: %w", err)
	}
	return stored, nil
}

func scanAgreement(row pgx.Row) (Agreement, error) {
	var a Agreement
	err := row.Scan(
		&a.ID,
		&a.RequirementID,
		&a.BidID,
		&a.CustomerID,
		&a.VendorID,
		&a.Price,
		&a.Terms,
		&a.CustomerSigned,
		&a.VendorSigned,
		&a.State,
		&a.DocumentRef,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	return a, err
}
