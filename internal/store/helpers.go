package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hanna-crm/flowengine/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rewritePlaceholders converts $1..$n placeholders to ? for SQLite. Shared
// statements are written in postgres form and rewritten per backend.
func rewritePlaceholders(query string, keep bool) string {
	if keep {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// getRunState scans a FlowRunState from a single row. Returns nil, nil when
// the row does not exist.
func getRunState(row *sql.Row) (*models.FlowRunState, error) {
	var state models.FlowRunState
	var ctxJSON, lastMessageID sql.NullString
	err := row.Scan(
		&state.ContactID, &state.FlowID, &state.CurrentStep, &ctxJSON, &lastMessageID,
		&state.Completed, &state.Version, &state.CreatedAt, &state.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan run state failed: %w", err)
	}
	state.LastMessageID = lastMessageID.String
	if ctxJSON.Valid && ctxJSON.String != "" && ctxJSON.String != "null" {
		if err := json.Unmarshal([]byte(ctxJSON.String), &state.Context); err != nil {
			return nil, fmt.Errorf("unmarshal run context failed: %w", err)
		}
	}
	return &state, nil
}

// scanContinuation scans a Continuation from sql.Rows.
func scanContinuation(rows *sql.Rows) (Continuation, error) {
	var c Continuation
	var lastError sql.NullString
	var lockedAt sql.NullTime
	err := rows.Scan(
		&c.ID, &c.ContactID, &c.MessageID, &c.RunAt, &c.Status, &c.Attempt, &c.MaxAttempts,
		&lastError, &lockedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return c, fmt.Errorf("scan continuation failed: %w", err)
	}
	c.LastError = lastError.String
	if lockedAt.Valid {
		c.LockedAt = &lockedAt.Time
	}
	return c, nil
}

// scanOutboxMessage scans an OutboxMessage from sql.Rows.
func scanOutboxMessage(rows *sql.Rows) (OutboxMessage, error) {
	var m OutboxMessage
	var body, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := rows.Scan(
		&m.ID, &m.ContactID, &m.Recipient, &m.Kind, &body, &m.Status, &m.Attempts,
		&nextAttemptAt, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.Body = body.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}
