// Package outbox implements the transactional outbox: messages are written in
// the same transaction as the state change that caused them and delivered later
// by Relay.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Topics emitted by the lifecycle engine.
const (
	TopicRequirementCreated    = "requirement.created"
	TopicRequirementClosed     = "requirement.closed"
	TopicBidSubmitted          = "bid.submitted"
	TopicBidWithdrawn          = "bid.withdrawn"
	TopicFinalizationProposed  = "finalization.proposed"
	TopicFinalizationAccepted  = "finalization.accepted"
	TopicFinalizationDeclined  = "finalization.declined"
	TopicFinalizationTimedOut  = "finalization.timed_out"
	TopicAgreementCreated      = "agreement.created"
	TopicAgreementStateChanged = "agreement.state_changed"
	TopicSlabPaid              = "payment.slab_paid"
	TopicSlabOverdue           = "payment.slab_overdue"
	TopicExecutionChanged      = "execution.state_changed"
	TopicDisputeRaised         = "dispute.raised"
	TopicDisputeResolved       = "dispute.resolved"
)

// Message is one pending notification. PartyID is the user to notify; an empty
// PartyID means the message is a broadcast for downstream consumers.
type Message struct {
	Topic   string
	PartyID string
	Payload map[string]any
}

type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Enqueue inserts msg inside tx.
func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, msg Message) error {
	if msg.Topic == "" {
		return fmt.Errorf("outbox: missing topic")
	}
	payload := msg.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	var partyID any
	if msg.PartyID != "" {
		partyID = msg.PartyID
	}

	const insertSQL = `
INSERT INTO outbox (topic, party_id, payload)
VALUES ($1, $2, $3::jsonb);
`
	if _, err := tx.Exec(ctx, insertSQL, msg.Topic, partyID, payloadBytes); err != nil {
		return fmt.Errorf("outbox: insert message: %w", err)
	}
	return nil
}
