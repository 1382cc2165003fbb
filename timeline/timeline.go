// Package timeline appends audit rows for lifecycle transitions. Rows are
// written inside the caller's transaction and are never updated.
package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"vendorflow/db"

	"github.com/jackc/pgx/v5"
)

// Entity kinds recorded on timeline rows.
const (
	KindRequirement  = "requirement"
	KindBid          = "bid"
	KindFinalization = "finalization"
	KindAgreement    = "agreement"
	KindPaymentSlab  = "payment_slab"
	KindExecution    = "execution"
	KindDispute      = "dispute"
)

// Event is one immutable business event.
type Event struct {
	ID         int64
	EntityKind string
	EntityID   string
	Type       string
	ActorID    string
	Payload    map[string]any
	CreatedAt  time.Time
}

type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Append inserts ev inside tx.
func (w *Writer) Append(ctx context.Context, tx pgx.Tx, ev Event) error {
	if ev.EntityKind == "" || ev.EntityID == "" || ev.Type == "" {
		return fmt.Errorf("timeline: event missing entity or type")
	}
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("timeline: marshal payload: %w", err)
	}

	var actorID any
	if ev.ActorID != "" {
		actorID = ev.ActorID
	}

	const insertSQL = `
INSERT INTO timeline_events (entity_kind, entity_id, type, actor_id, payload)
VALUES ($1, $2, $3, $4, $5::jsonb);
`
	if _, err := tx.Exec(ctx, insertSQL, ev.EntityKind, ev.EntityID, ev.Type, actorID, payloadBytes); err != nil {
		return fmt.Errorf("timeline: insert event: %w", err)
	}
	return nil
}

// List returns the events for one entity in insertion order.
func List(ctx context.Context, q db.Querier, entityKind, entityID string) ([]Event, error) {
	const listSQL = `
SELECT id, entity_kind, entity_id::text, type, COALESCE(actor_id::text, ''), payload, created_at
FROM timeline_events
WHERE entity_kind = $1 AND entity_id = $2
ORDER BY id;
`
	rows, err := q.Query(ctx, listSQL, entityKind, entityID)
	if err != nil {
		return nil, fmt.Errorf("timeline: list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev  Event
			raw []byte
		)
		if err := rows.Scan(&ev.ID, &ev.EntityKind, &ev.EntityID, &ev.Type, &ev.ActorID, &raw, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("timeline: scan event: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &ev.Payload); err != nil {
				return nil, fmt.Errorf("timeline: decode payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("timeline: iterate events: %w", err)
	}
	return events, nil
}
