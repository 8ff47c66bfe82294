// Package store provides storage backends for the HANNA flow engine.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/hanna-crm/flowengine/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run PostgreSQL migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied")

	return &PostgresStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// RecordInboundMessage inserts an inbound message. Returns false on duplicate.
func (s *PostgresStore) RecordInboundMessage(msg models.InboundMessage) (bool, error) {
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	res, err := s.db.Exec(
		`INSERT INTO inbound_messages (id, contact_id, type, raw_payload, received_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.ContactID, msg.Type, nilIfEmpty(msg.RawPayload), receivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert inbound message failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert inbound message rows failed: %w", err)
	}
	slog.Debug("PostgresStore.RecordInboundMessage", "id", msg.ID, "contactID", msg.ContactID, "inserted", n > 0)
	return n > 0, nil
}

// GetInboundMessage retrieves an inbound message by provider id.
func (s *PostgresStore) GetInboundMessage(id string) (*models.InboundMessage, error) {
	row := s.db.QueryRow(
		`SELECT id, contact_id, type, raw_payload, received_at FROM inbound_messages WHERE id = $1`, id,
	)
	var m models.InboundMessage
	var raw sql.NullString
	err := row.Scan(&m.ID, &m.ContactID, &m.Type, &raw, &m.ReceivedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get inbound message failed: %w", err)
	}
	m.RawPayload = raw.String
	return &m, nil
}

// GetRunState retrieves the run state for a contact in a flow.
func (s *PostgresStore) GetRunState(contactID, flowID string) (*models.FlowRunState, error) {
	return getRunState(s.db.QueryRow(
		`SELECT contact_id, flow_id, current_step, context_json, last_message_id, completed, version, created_at, updated_at
		 FROM flow_run_states WHERE contact_id = $1 AND flow_id = $2`,
		contactID, flowID,
	))
}

// SaveRunState persists a run state guarded by expectedVersion.
func (s *PostgresStore) SaveRunState(state models.FlowRunState, expectedVersion int64) error {
	if err := saveRunStateTx(s.db, state, expectedVersion, postgresPlaceholders); err != nil {
		return err
	}
	slog.Debug("PostgresStore.SaveRunState", "contactID", state.ContactID, "flowID", state.FlowID, "step", state.CurrentStep, "version", expectedVersion+1)
	return nil
}

// DeleteRunState removes the run state for a contact in a flow.
func (s *PostgresStore) DeleteRunState(contactID, flowID string) error {
	_, err := s.db.Exec(`DELETE FROM flow_run_states WHERE contact_id = $1 AND flow_id = $2`, contactID, flowID)
	if err != nil {
		return fmt.Errorf("delete run state failed: %w", err)
	}
	slog.Debug("PostgresStore.DeleteRunState", "contactID", contactID, "flowID", flowID)
	return nil
}

// ApplyInbound records msg, merges the context contribution and enqueues a
// continuation in a single transaction. The run state row is locked for the
// duration of the transaction so concurrent webhooks for the same contact
// serialize on the merge.
func (s *PostgresStore) ApplyInbound(msg models.InboundMessage, flowID, startStep string, merge map[string]any) (ApplyResult, error) {
	var result ApplyResult

	tx, err := s.db.Begin()
	if err != nil {
		return result, fmt.Errorf("begin apply inbound failed: %w", err)
	}
	defer tx.Rollback()

	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	res, err := tx.Exec(
		`INSERT INTO inbound_messages (id, contact_id, type, raw_payload, received_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.ContactID, msg.Type, nilIfEmpty(msg.RawPayload), receivedAt,
	)
	if err != nil {
		return result, fmt.Errorf("insert inbound message failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		result.Duplicate = true
		slog.Debug("PostgresStore.ApplyInbound: duplicate message", "id", msg.ID, "contactID", msg.ContactID)
		return result, nil
	}

	now := time.Now()
	state, err := getRunState(tx.QueryRow(
		`SELECT contact_id, flow_id, current_step, context_json, last_message_id, completed, version, created_at, updated_at
		 FROM flow_run_states WHERE contact_id = $1 AND flow_id = $2 FOR UPDATE`,
		msg.ContactID, flowID,
	))
	if err != nil {
		return result, err
	}

	var expectedVersion int64
	if state == nil {
		state = &models.FlowRunState{
			ContactID:   msg.ContactID,
			FlowID:      flowID,
			CurrentStep: startStep,
			CreatedAt:   now,
		}
	} else {
		expectedVersion = state.Version
	}
	MergeContext(state, merge, now)

	if err := saveRunStateTx(tx, *state, expectedVersion, postgresPlaceholders); err != nil {
		return result, err
	}

	contID, err := enqueueContinuationTx(tx, msg.ContactID, msg.ID, now, postgresPlaceholders)
	if err != nil {
		return result, err
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("commit apply inbound failed: %w", err)
	}

	result.ContinuationID = contID
	result.ContextVersion = expectedVersion + 1
	slog.Debug("PostgresStore.ApplyInbound", "id", msg.ID, "contactID", msg.ContactID, "continuationID", contID, "contextVersion", result.ContextVersion)
	return result, nil
}

// CommitTransition persists the advanced run state and its outbox rows in a
// single transaction.
func (s *PostgresStore) CommitTransition(state models.FlowRunState, expectedVersion int64, sends []OutboxMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin commit transition failed: %w", err)
	}
	defer tx.Rollback()

	if err := saveRunStateTx(tx, state, expectedVersion, postgresPlaceholders); err != nil {
		return err
	}
	for i := range sends {
		if err := enqueueOutboundTx(tx, &sends[i], postgresPlaceholders); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition failed: %w", err)
	}
	slog.Debug("PostgresStore.CommitTransition", "contactID", state.ContactID, "flowID", state.FlowID, "step", state.CurrentStep, "sends", len(sends))
	return nil
}
