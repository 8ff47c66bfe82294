// Package store provides storage backends for the HANNA flow engine.
//
// A Store persists inbound messages, per-contact flow run states, the durable
// continuation queue and the outgoing message outbox. SQLite and PostgreSQL
// backends share one schema; an in-memory backend backs the tests.
//
// The two transactional operations are the load-bearing pieces:
//
//   - ApplyInbound records an inbound message, merges its context
//     contribution into the run state and enqueues a continuation in a single
//     transaction. A continuation therefore never observes a partially
//     committed context update, and there is no window where the context
//     committed but the continuation was lost.
//   - CommitTransition persists the advanced step pointer together with the
//     outbox rows produced by the step's actions, guarded by the run state
//     version the interpreter read. A duplicate continuation pass either
//     hits the idempotence guard or fails the version check; it never
//     duplicates side effects.
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/hanna-crm/flowengine/internal/models"
)

// Error variables shared by all store backends.
var (
	// ErrVersionConflict is returned when a run state write presents a stale
	// version. The caller lost the race to a concurrent continuation.
	ErrVersionConflict = errors.New("flow run state version conflict")
)

// ApplyResult reports the outcome of ApplyInbound.
type ApplyResult struct {
	// Duplicate is true when the provider message id was already recorded.
	// Nothing was written in that case.
	Duplicate bool `json:"duplicate"`
	// ContinuationID is the id of the enqueued continuation.
	ContinuationID string `json:"continuation_id,omitempty"`
	// ContextVersion is the run state version after the context merge.
	ContextVersion int64 `json:"context_version,omitempty"`
}

// Store is the persistence interface consumed by the webhook handler and the
// flow interpreter.
type Store interface {
	ContinuationRepo
	OutboxRepo

	// RecordInboundMessage inserts an inbound message record. Returns false
	// if the provider message id was already recorded.
	RecordInboundMessage(msg models.InboundMessage) (bool, error)

	// GetInboundMessage retrieves an inbound message by provider id.
	// Returns nil if not found.
	GetInboundMessage(id string) (*models.InboundMessage, error)

	// GetRunState retrieves the run state for a contact in a flow.
	// Returns nil if the contact has no run yet.
	GetRunState(contactID, flowID string) (*models.FlowRunState, error)

	// SaveRunState persists a run state. expectedVersion must match the
	// stored version (0 for a new run); on mismatch ErrVersionConflict is
	// returned and nothing is written. The stored version becomes
	// expectedVersion+1.
	SaveRunState(state models.FlowRunState, expectedVersion int64) error

	// DeleteRunState removes the run state for a contact in a flow.
	DeleteRunState(contactID, flowID string) error

	// ApplyInbound atomically records msg, merges merge into the run context
	// (creating the run at startStep on first contact) and enqueues a
	// continuation for the triggering message.
	ApplyInbound(msg models.InboundMessage, flowID, startStep string, merge map[string]any) (ApplyResult, error)

	// CommitTransition atomically persists the advanced run state and the
	// outbox rows produced by the entered step's actions. expectedVersion
	// semantics match SaveRunState.
	CommitTransition(state models.FlowRunState, expectedVersion int64, sends []OutboxMessage) error

	// Close releases the underlying database resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType classifies a DSN as postgres or sqlite. PostgreSQL DSNs use
// URL or key=value form; anything else is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite"
}

// MergeContext applies merge onto the run state context in place and bumps
// UpdatedAt. Shared by all backends so merge semantics stay identical.
func MergeContext(state *models.FlowRunState, merge map[string]any, now time.Time) {
	if state.Context == nil {
		state.Context = make(map[string]any, len(merge))
	}
	for k, v := range merge {
		state.Context[k] = v
	}
	state.UpdatedAt = now
}
