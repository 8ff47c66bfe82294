// Package store provides the ContinuationRepo interface and model for the
// durable flow continuation queue.
package store

import (
	"time"
)

// ContinuationStatus represents the lifecycle state of a continuation.
type ContinuationStatus string

const (
	ContinuationStatusQueued  ContinuationStatus = "queued"
	ContinuationStatusClaimed ContinuationStatus = "claimed"
	ContinuationStatusDone    ContinuationStatus = "done"
	// ContinuationStatusDead marks a continuation that exhausted its retry
	// budget. Dead rows stay visible so the gap is never silent.
	ContinuationStatusDead ContinuationStatus = "dead"
)

// Continuation is one durable "re-evaluate this contact's flow" queue entry,
// created when a committed write updated the contact's flow context.
type Continuation struct {
	ID          string             `json:"id"`
	ContactID   string             `json:"contact_id"`
	MessageID   string             `json:"message_id"` // triggering inbound message
	RunAt       time.Time          `json:"run_at"`
	Status      ContinuationStatus `json:"status"`
	Attempt     int                `json:"attempt"`
	MaxAttempts int                `json:"max_attempts"`
	LastError   string             `json:"last_error,omitempty"`
	LockedAt    *time.Time         `json:"locked_at,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// ContinuationRepo defines the interface for durable continuation persistence.
// Execution is at-least-once: the interpreter must tolerate re-delivery.
type ContinuationRepo interface {
	// EnqueueContinuation inserts a new continuation for the given contact
	// and triggering message. At most one continuation exists per message
	// id; enqueueing the same message again returns the existing id.
	EnqueueContinuation(contactID, messageID string, runAt time.Time) (string, error)

	// ClaimDueContinuations marks up to limit queued continuations whose
	// run_at <= now as claimed and returns them, ordered by enqueue time so
	// continuations for the same contact are delivered FIFO.
	ClaimDueContinuations(now time.Time, limit int) ([]Continuation, error)

	// CompleteContinuation marks a continuation as done.
	CompleteContinuation(id string) error

	// FailContinuation records a failed attempt. The continuation is
	// requeued for nextRunAt while attempts remain, otherwise dead-lettered.
	FailContinuation(id string, errMsg string, nextRunAt time.Time) error

	// RequeueStaleContinuations resets continuations claimed before
	// staleBefore back to queued (crash recovery).
	RequeueStaleContinuations(staleBefore time.Time) (int, error)

	// ListDeadContinuations returns up to limit dead-lettered continuations,
	// newest first, for operator inspection.
	ListDeadContinuations(limit int) ([]Continuation, error)
}
