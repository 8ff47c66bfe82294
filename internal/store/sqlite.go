// Package store provides storage backends for the HANNA flow engine.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/hanna-crm/flowengine/internal/models"
	"github.com/hanna-crm/flowengine/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a local SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN (a file path).
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied")

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordInboundMessage inserts an inbound message. Returns false on duplicate.
func (s *SQLiteStore) RecordInboundMessage(msg models.InboundMessage) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin record inbound failed: %w", err)
	}
	defer tx.Rollback()

	inserted, err := insertInboundTx(tx, msg)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit record inbound failed: %w", err)
	}
	slog.Debug("SQLiteStore.RecordInboundMessage", "id", msg.ID, "contactID", msg.ContactID, "inserted", inserted)
	return inserted, nil
}

// GetInboundMessage retrieves an inbound message by provider id.
func (s *SQLiteStore) GetInboundMessage(id string) (*models.InboundMessage, error) {
	row := s.db.QueryRow(
		`SELECT id, contact_id, type, raw_payload, received_at FROM inbound_messages WHERE id = ?`, id,
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
func (s *SQLiteStore) GetRunState(contactID, flowID string) (*models.FlowRunState, error) {
	return getRunState(s.db.QueryRow(
		`SELECT contact_id, flow_id, current_step, context_json, last_message_id, completed, version, created_at, updated_at
		 FROM flow_run_states WHERE contact_id = ? AND flow_id = ?`,
		contactID, flowID,
	))
}

// SaveRunState persists a run state guarded by expectedVersion.
func (s *SQLiteStore) SaveRunState(state models.FlowRunState, expectedVersion int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save run state failed: %w", err)
	}
	defer tx.Rollback()

	if err := saveRunStateTx(tx, state, expectedVersion, sqlitePlaceholders); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save run state failed: %w", err)
	}
	slog.Debug("SQLiteStore.SaveRunState", "contactID", state.ContactID, "flowID", state.FlowID, "step", state.CurrentStep, "version", expectedVersion+1)
	return nil
}

// DeleteRunState removes the run state for a contact in a flow.
func (s *SQLiteStore) DeleteRunState(contactID, flowID string) error {
	_, err := s.db.Exec(`DELETE FROM flow_run_states WHERE contact_id = ? AND flow_id = ?`, contactID, flowID)
	if err != nil {
		return fmt.Errorf("delete run state failed: %w", err)
	}
	slog.Debug("SQLiteStore.DeleteRunState", "contactID", contactID, "flowID", flowID)
	return nil
}

// ApplyInbound records msg, merges the context contribution and enqueues a
// continuation in a single transaction.
func (s *SQLiteStore) ApplyInbound(msg models.InboundMessage, flowID, startStep string, merge map[string]any) (ApplyResult, error) {
	var result ApplyResult

	tx, err := s.db.Begin()
	if err != nil {
		return result, fmt.Errorf("begin apply inbound failed: %w", err)
	}
	defer tx.Rollback()

	inserted, err := insertInboundTx(tx, msg)
	if err != nil {
		return result, err
	}
	if !inserted {
		result.Duplicate = true
		slog.Debug("SQLiteStore.ApplyInbound: duplicate message", "id", msg.ID, "contactID", msg.ContactID)
		return result, nil
	}

	now := time.Now()
	state, err := getRunState(tx.QueryRow(
		`SELECT contact_id, flow_id, current_step, context_json, last_message_id, completed, version, created_at, updated_at
		 FROM flow_run_states WHERE contact_id = ? AND flow_id = ?`,
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

	if err := saveRunStateTx(tx, *state, expectedVersion, sqlitePlaceholders); err != nil {
		return result, err
	}

	contID, err := enqueueContinuationTx(tx, msg.ContactID, msg.ID, now, sqlitePlaceholders)
	if err != nil {
		return result, err
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("commit apply inbound failed: %w", err)
	}

	result.ContinuationID = contID
	result.ContextVersion = expectedVersion + 1
	slog.Debug("SQLiteStore.ApplyInbound", "id", msg.ID, "contactID", msg.ContactID, "continuationID", contID, "contextVersion", result.ContextVersion)
	return result, nil
}

// CommitTransition persists the advanced run state and its outbox rows in a
// single transaction.
func (s *SQLiteStore) CommitTransition(state models.FlowRunState, expectedVersion int64, sends []OutboxMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin commit transition failed: %w", err)
	}
	defer tx.Rollback()

	if err := saveRunStateTx(tx, state, expectedVersion, sqlitePlaceholders); err != nil {
		return err
	}
	for i := range sends {
		if err := enqueueOutboundTx(tx, &sends[i], sqlitePlaceholders); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition failed: %w", err)
	}
	slog.Debug("SQLiteStore.CommitTransition", "contactID", state.ContactID, "flowID", state.FlowID, "step", state.CurrentStep, "sends", len(sends))
	return nil
}

// insertInboundTx inserts an inbound message inside tx. Returns false when
// the provider message id was already recorded.
func insertInboundTx(tx *sql.Tx, msg models.InboundMessage) (bool, error) {
	var existing string
	err := tx.QueryRow(`SELECT id FROM inbound_messages WHERE id = ?`, msg.ID).Scan(&existing)
	if err == nil {
		return false, nil
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("inbound dedup check failed: %w", err)
	}

	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	_, err = tx.Exec(
		`INSERT INTO inbound_messages (id, contact_id, type, raw_payload, received_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ContactID, msg.Type, nilIfEmpty(msg.RawPayload), receivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert inbound message failed: %w", err)
	}
	return true, nil
}

// execer abstracts *sql.Tx and *sql.DB for shared statement helpers.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// placeholders rewrites $1..$n placeholders for the target backend.
type placeholders func(query string) string

func sqlitePlaceholders(query string) string {
	return rewritePlaceholders(query, false)
}

func postgresPlaceholders(query string) string {
	return query
}

// saveRunStateTx writes a run state guarded by expectedVersion. A new run
// (expectedVersion 0) is inserted; an existing run is updated only when the
// stored version still matches.
func saveRunStateTx(e execer, state models.FlowRunState, expectedVersion int64, ph placeholders) error {
	ctxJSON, err := json.Marshal(state.Context)
	if err != nil {
		return fmt.Errorf("marshal run context failed: %w", err)
	}
	now := time.Now()

	if expectedVersion == 0 {
		createdAt := state.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		_, err := e.Exec(ph(
			`INSERT INTO flow_run_states (contact_id, flow_id, current_step, context_json, last_message_id, completed, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8)`),
			state.ContactID, state.FlowID, state.CurrentStep, string(ctxJSON), nilIfEmpty(state.LastMessageID), state.Completed, createdAt, now,
		)
		if err != nil {
			// A concurrent writer created the run first.
			return fmt.Errorf("%w: %v", ErrVersionConflict, err)
		}
		return nil
	}

	res, err := e.Exec(ph(
		`UPDATE flow_run_states
		 SET current_step = $1, context_json = $2, last_message_id = $3, completed = $4, version = version + 1, updated_at = $5
		 WHERE contact_id = $6 AND flow_id = $7 AND version = $8`),
		state.CurrentStep, string(ctxJSON), nilIfEmpty(state.LastMessageID), state.Completed, now,
		state.ContactID, state.FlowID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update run state failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run state rows failed: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// enqueueContinuationTx inserts a continuation, deduplicating on the
// triggering message id. The unique index on message_id makes the insert
// race-safe; on conflict the existing id is returned.
func enqueueContinuationTx(e execer, contactID, messageID string, runAt time.Time, ph placeholders) (string, error) {
	id := util.GenerateContinuationID()
	now := time.Now()
	res, err := e.Exec(ph(
		`INSERT INTO continuations (id, contact_id, message_id, run_at, status, attempt, max_attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'queued', 0, 5, $5, $6) ON CONFLICT (message_id) DO NOTHING`),
		id, contactID, messageID, runAt, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue continuation failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var existingID string
		if err := e.QueryRow(ph(`SELECT id FROM continuations WHERE message_id = $1`), messageID).Scan(&existingID); err != nil {
			return "", fmt.Errorf("continuation dedup lookup failed: %w", err)
		}
		return existingID, nil
	}
	return id, nil
}

// enqueueOutboundTx inserts an outbox row inside tx, filling defaults.
func enqueueOutboundTx(e execer, msg *OutboxMessage, ph placeholders) error {
	if msg.ID == "" {
		msg.ID = util.GenerateOutboxID()
	}
	if msg.Kind == "" {
		msg.Kind = OutboxKindText
	}
	now := time.Now()
	_, err := e.Exec(ph(
		`INSERT INTO outbound_messages (id, contact_id, recipient, kind, body, status, attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 'queued', 0, $6, $7)`),
		msg.ID, msg.ContactID, msg.Recipient, msg.Kind, nilIfEmpty(msg.Body), now, now,
	)
	if err != nil {
		return fmt.Errorf("enqueue outbound failed: %w", err)
	}
	return nil
}
