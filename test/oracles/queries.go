package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the lifecycle is healthy.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_accepted_finalization",
			SQL: `SELECT requirement_id, COUNT(*) FROM finalization_requests
                  WHERE state = 'accepted'
                  GROUP BY requirement_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_finalizing_has_one_pending",
			SQL: `SELECT r.id FROM requirements r
                  WHERE r.state = 'finalizing'
                    AND NOT EXISTS (SELECT 1 FROM finalization_requests fr
                                    WHERE fr.requirement_id = r.id AND fr.state = 'pending')
                  UNION ALL
                  SELECT fr.requirement_id FROM finalization_requests fr
                  JOIN requirements r ON r.id = fr.requirement_id
                  WHERE fr.state = 'pending' AND r.state <> 'finalizing'`,
		},
		{
			Name: "O3_finalized_iff_agreement",
			SQL: `SELECT r.id, r.state, a.id FROM requirements r
                  LEFT JOIN agreements a ON a.requirement_id = r.id
                  WHERE (r.state = 'finalized' AND a.id IS NULL)
                     OR (a.id IS NOT NULL AND r.state NOT IN ('finalized', 'closed'))`,
		},
		{
			Name: "O4_agreement_bid_selected",
			SQL: `SELECT a.id, b.state FROM agreements a
                  JOIN bids b ON b.id = a.bid_id
                  WHERE b.state <> 'selected' OR a.price <> b.price OR a.vendor_id <> b.vendor_id
                  UNION ALL
                  SELECT b.id, b.state FROM bids b
                  WHERE b.state = 'selected'
                    AND NOT EXISTS (SELECT 1 FROM agreements a WHERE a.bid_id = b.id)`,
		},
		{
			Name: "O5_finalized_siblings_closed",
			SQL: `SELECT b.id FROM bids b
                  JOIN requirements r ON r.id = b.requirement_id
                  WHERE r.state = 'finalized' AND b.state = 'submitted'`,
		},
		{
			Name: "O6_schedule_totals",
			SQL: `SELECT s.agreement_id FROM payment_slabs s
                  JOIN agreements a ON a.id = s.agreement_id
                  GROUP BY s.agreement_id, a.price
                  HAVING SUM(s.percentage) <> 100 OR SUM(s.amount) <> a.price`,
		},
		{
			Name: "O7_paid_slab_timestamp",
			SQL: `SELECT id FROM payment_slabs
                  WHERE (state = 'paid') <> (paid_at IS NOT NULL)`,
		},
		{
			Name: "O8_disputed_has_open_dispute",
			SQL: `SELECT a.id FROM agreements a
                  WHERE a.state = 'disputed'
                    AND NOT EXISTS (SELECT 1 FROM disputes d
                                    WHERE d.agreement_id = a.id AND d.target_kind = 'agreement'
                                      AND d.state <> 'resolved')
                  UNION ALL
                  SELECT d.agreement_id FROM disputes d
                  JOIN agreements a ON a.id = d.agreement_id
                  WHERE d.target_kind = 'agreement' AND d.state <> 'resolved' AND a.state <> 'disputed'`,
		},
		{
			Name: "O9_settlement_only_on_mutual",
			SQL: `SELECT id FROM disputes
                  WHERE settlement_amount IS NOT NULL AND outcome IS DISTINCT FROM 'mutual-settlement'`,
		},
		{
			Name: "O10_outbox_stale",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O11_timeline_guard_present",
			SQL: `SELECT 'missing_timeline_append_only' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'timeline_append_only')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
