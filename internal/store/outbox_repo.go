// Package store provides the OutboxRepo interface and model for restart-safe
// outgoing sends.
package store

import (
	"time"
)

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued  OutboxStatus = "queued"
	OutboxStatusSending OutboxStatus = "sending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

// Outbox message kinds.
const (
	// OutboxKindText is a plain text outbound message.
	OutboxKindText = "text"
)

// maxOutboundAttempts bounds send retries before a message is marked failed.
const maxOutboundAttempts = 8

// OutboxMessage represents a durable outgoing message record. Rows are
// written inside CommitTransition, so a send exists exactly when the step
// transition that produced it committed.
type OutboxMessage struct {
	ID            string       `json:"id"`
	ContactID     string       `json:"contact_id"`
	Recipient     string       `json:"recipient"`
	Kind          string       `json:"kind"`
	Body          string       `json:"body"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at,omitempty"`
	LockedAt      *time.Time   `json:"locked_at,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo defines the interface for durable outbound message persistence.
type OutboxRepo interface {
	// EnqueueOutbound inserts a new outbox message and returns its id.
	EnqueueOutbound(msg OutboxMessage) (string, error)

	// ClaimDueOutbound marks up to limit queued messages whose
	// next_attempt_at <= now (or is NULL) as sending and returns them in
	// enqueue order.
	ClaimDueOutbound(now time.Time, limit int) ([]OutboxMessage, error)

	// MarkOutboundSent marks a message as successfully sent.
	MarkOutboundSent(id string) error

	// FailOutbound records a send failure and schedules a retry at
	// nextAttemptAt, or marks the message failed when attempts are spent.
	FailOutbound(id string, errMsg string, nextAttemptAt time.Time) error

	// RequeueStaleOutbound resets messages stuck in sending since before
	// staleBefore back to queued (crash recovery).
	RequeueStaleOutbound(staleBefore time.Time) (int, error)
}
