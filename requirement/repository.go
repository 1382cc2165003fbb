package requirement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"vendorflow/apperr"
	"vendorflow/db"

	"github.com/jackc/pgx/v5"
)

var ErrNotFound = apperr.NotFound("requirement_not_found", "requirement: not found")

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, req Requirement) (Requirement, error)
	Get(ctx context.Context, q db.Querier, id string) (Requirement, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Requirement, error)
	GetForShare(ctx context.Context, tx pgx.Tx, id string) (Requirement, error)
	CompareAndSetState(ctx context.Context, tx pgx.Tx, id string, from, to State) (bool, error)
	List(ctx context.Context, q db.Querier, filters Filters) ([]Requirement, int, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const selectColumns = `id, customer_id, category, title, location, budget_min, budget_max, event_date, bid_deadline, state, created_at, updated_at, closed_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, req Requirement) (Requirement, error) {
	query := `
        INSERT INTO requirements (id, customer_id, category, title, location, budget_min, budget_max, event_date, bid_deadline, state)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        RETURNING ` + selectColumns

	row := tx.QueryRow(ctx, query,
		req.ID,
		req.CustomerID,
		req.Category,
		req.Title,
		req.Location,
		req.BudgetMin,
		req.BudgetMax,
		req.EventDate,
		req.BidDeadline,
		req.State,
	)
	created, err := scanRequirement(row)
	if err != nil {
		return Requirement{}, fmt.Errorf("requirement: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, q db.Querier, id string) (Requirement, error) {
	return r.getWith(ctx, q, id, "")
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Requirement, error) {
	return r.getWith(ctx, tx, id, "FOR UPDATE")
}

// GetForShare locks the row against state changes while letting other bidders
// take the same shared lock.
func (r *PGRepository) GetForShare(ctx context.Context, tx pgx.Tx, id string) (Requirement, error) {
	return r.getWith(ctx, tx, id, "FOR SHARE")
}

func (r *PGRepository) getWith(ctx context.Context, q db.Querier, id, lock string) (Requirement, error) {
	query := `SELECT ` + selectColumns + ` FROM requirements WHERE id = $1 ` + lock
	req, err := scanRequirement(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Requirement{}, ErrNotFound
		}
		return Requirement{}, fmt.Errorf("requirement: get: %w", err)
	}
	return req, nil
}

// CompareAndSetState moves the requirement from one state to another and
// reports whether the row was in the expected state.
func (r *PGRepository) CompareAndSetState(ctx context.Context, tx pgx.Tx, id string, from, to State) (bool, error) {
	const query = `
		UPDATE requirements
		SET state = $3,
		    updated_at = now(),
		    closed_at = CASE WHEN $3 = 'closed' THEN now() ELSE closed_at END
		WHERE id = $1 AND state = $2
	`
	tag, err := tx.Exec(ctx, query, id, from, to)
	if err != nil {
		return false, fmt.Errorf("requirement: update state: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGRepository) List(ctx context.Context, q db.Querier, filters Filters) ([]Requirement, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}
	if filters.CustomerID != "" {
		where = append(where, fmt.Sprintf("customer_id=$%d", len(args)+1))
		args = append(args, filters.CustomerID)
	}
	if filters.State != "" {
		where = append(where, fmt.Sprintf("state=$%d", len(args)+1))
		args = append(args, filters.State)
	}
	if filters.Category != "" {
		where = append(where, fmt.Sprintf("category=$%d", len(args)+1))
		args = append(args, filters.Category)
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	offset := (filters.Page - 1) * filters.PageSize
	query := fmt.Sprintf(`SELECT %s FROM requirements%s ORDER BY created_at DESC LIMIT %d OFFSET %d`, selectColumns, whereClause, filters.PageSize, offset)
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("requirement: query list: %w", err)
	}
	defer rows.Close()

	list := []Requirement{}
	for rows.Next() {
		req, err := scanRequirement(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("requirement: scan list: %w", err)
		}
		list = append(list, req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("requirement: iterate list: %w", err)
	}

	var total int
	if err := q.QueryRow(ctx, "SELECT COUNT(*) FROM requirements"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("requirement: count list: %w", err)
	}
	return list, total, nil
}

func scanRequirement(row pgx.Row) (Requirement, error) {
	var req Requirement
	err := row.Scan(
		&req.ID,
		&req.CustomerID,
		&req.Category,
		&req.Title,
		&req.Location,
		&req.BudgetMin,
		&req.BudgetMax,
		&req.EventDate,
		&req.BidDeadline,
		&req.State,
		&req.CreatedAt,
		&req.UpdatedAt,
		&req.ClosedAt,
	)
	return req, err
}
