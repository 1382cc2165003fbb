package vendors

import (
	"context"
	"errors"
	"fmt"

	"vendorflow/apperr"
	"vendorflow/db"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound signals the requested vendor does not exist.
var ErrNotFound = apperr.NotFound("vendor_not_found", "vendor: not found")

// Repository provides read access to vendor profiles.
type Repository struct {
	q db.Querier
}

func NewRepository(q db.Querier) *Repository {
	return &Repository{q: q}
}

// UpheldDisputes counts resolved disputes that went against the vendor:
// favor-customer rulings and warnings.
const profileSQL = `
    SELECT u.id, u.full_name, u.created_at,
        (SELECT COUNT(*) FROM agreements a WHERE a.vendor_id = u.id AND a.state IN ('draft', 'active', 'disputed')),
        (SELECT COUNT(*) FROM agreements a WHERE a.vendor_id = u.id AND a.state = 'completed'),
        (SELECT COUNT(*) FROM disputes d JOIN agreements a ON a.id = d.agreement_id
            WHERE a.vendor_id = u.id AND d.outcome IN ('favor-customer', 'warning-issued'))
    FROM users u
    WHERE u.role = 'vendor'
`

// GetByID fetches a vendor profile by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Profile, error) {
	var p Profile
	err := r.q.QueryRow(ctx, profileSQL+` AND u.id = $1`, id).Scan(
		&p.ID,
		&p.FullName,
		&p.CreatedAt,
		&p.ActiveAgreements,
		&p.CompletedAgreements,
		&p.UpheldDisputes,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("vendor: query by id: %w", err)
	}
	return p, nil
}

// List fetches up to limit vendor profiles ordered by name.
func (r *Repository) List(ctx context.Context, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	rows, err := r.q.Query(ctx, profileSQL+` ORDER BY u.full_name ASC, u.id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("vendor: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, limit)
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.FullName, &p.CreatedAt, &p.ActiveAgreements, &p.CompletedAgreements, &p.UpheldDisputes); err != nil {
			return nil, fmt.Errorf("vendor: scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vendor: iterate profiles: %w", err)
	}
	return profiles, nil
}
