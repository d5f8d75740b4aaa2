// Package event implements the notification side channel: each successful
// transition enqueues an outbox row inside its own transaction, and a
// dispatcher delivers the rows to external observers afterwards. No core
// logic depends on delivery.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Topics emitted by the trading core.
const (
	TopicPlatformInitialized = "platform.initialized"
	TopicPlatformPaused      = "platform.paused"
	TopicPlatformResumed     = "platform.resumed"
	TopicOrderCreated        = "order.created"
	TopicOrderTaken          = "order.taken"
	TopicPaymentConfirmed    = "payment.confirmed"
	TopicTokensReleased      = "tokens.released"
	TopicOrderCompleted      = "order.completed"
	TopicOrderCancelled      = "order.cancelled"
	TopicEscrowLocked        = "escrow.locked"
	TopicEscrowReleased      = "escrow.released"
	TopicEscrowRefunded      = "escrow.refunded"
	TopicDisputeOpened       = "dispute.opened"
	TopicDisputeResolved     = "dispute.resolved"
)

// Message is a pending outbox entry handed to a Sink.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// Enqueue writes an outbox row within the caller's transaction so the
// notification commits if and only if the transition does.
func Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event: marshal payload: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`,
		topic, body,
	); err != nil {
		return fmt.Errorf("event: enqueue outbox: %w", err)
	}
	return nil
}
