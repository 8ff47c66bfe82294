package store

import (
	"fmt"
	"log/slog"
	"time"
)

// EnqueueContinuation inserts a continuation, deduplicating on message id.
func (s *SQLiteStore) EnqueueContinuation(contactID, messageID string, runAt time.Time) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin enqueue continuation failed: %w", err)
	}
	defer tx.Rollback()

	id, err := enqueueContinuationTx(tx, contactID, messageID, runAt, sqlitePlaceholders)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit enqueue continuation failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueContinuation", "id", id, "contactID", contactID, "messageID", messageID)
	return id, nil
}

// ClaimDueContinuations marks due queued continuations as claimed and
// returns them in enqueue order.
func (s *SQLiteStore) ClaimDueContinuations(now time.Time, limit int) ([]Continuation, error) {
	rows, err := s.db.Query(
		`SELECT id, contact_id, message_id, run_at, status, attempt, max_attempts, last_error, locked_at, created_at, updated_at
		 FROM continuations WHERE status = 'queued' AND run_at <= ? ORDER BY created_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due continuations query failed: %w", err)
	}
	defer rows.Close()

	var conts []Continuation
	for rows.Next() {
		c, err := scanContinuation(rows)
		if err != nil {
			return nil, err
		}
		conts = append(conts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due continuations iteration failed: %w", err)
	}

	for i := range conts {
		_, err := s.db.Exec(
			`UPDATE continuations SET status = 'claimed', locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, conts[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark continuation claimed failed: %w", err)
		}
		conts[i].Status = ContinuationStatusClaimed
		conts[i].LockedAt = &now
	}

	return conts, nil
}

// CompleteContinuation marks a continuation as done.
func (s *SQLiteStore) CompleteContinuation(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE continuations SET status = 'done', locked_at = NULL, updated_at = ? WHERE id = ?`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("complete continuation failed: %w", err)
	}
	return nil
}

// FailContinuation requeues a continuation for retry, dead-lettering it once
// attempts are spent.
func (s *SQLiteStore) FailContinuation(id string, errMsg string, nextRunAt time.Time) error {
	now := time.Now()

	var attempt, maxAttempts int
	err := s.db.QueryRow(`SELECT attempt, max_attempts FROM continuations WHERE id = ?`, id).Scan(&attempt, &maxAttempts)
	if err != nil {
		return fmt.Errorf("fail continuation lookup failed: %w", err)
	}

	attempt++
	if attempt >= maxAttempts {
		_, err = s.db.Exec(
			`UPDATE continuations SET status = 'dead', attempt = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			attempt, errMsg, now, id,
		)
		if err == nil {
			slog.Warn("SQLiteStore.FailContinuation: dead-lettered", "id", id, "attempts", attempt, "error", errMsg)
		}
	} else {
		_, err = s.db.Exec(
			`UPDATE continuations SET status = 'queued', attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			attempt, errMsg, nextRunAt, now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail continuation update failed: %w", err)
	}
	return nil
}

// RequeueStaleContinuations resets continuations claimed before staleBefore
// back to queued (crash recovery).
func (s *SQLiteStore) RequeueStaleContinuations(staleBefore time.Time) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE continuations SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'claimed' AND locked_at < ?`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale continuations failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleContinuations", "requeued", n)
	}
	return int(n), nil
}

// ListDeadContinuations returns dead-lettered continuations, newest first.
func (s *SQLiteStore) ListDeadContinuations(limit int) ([]Continuation, error) {
	rows, err := s.db.Query(
		`SELECT id, contact_id, message_id, run_at, status, attempt, max_attempts, last_error, locked_at, created_at, updated_at
		 FROM continuations WHERE status = 'dead' ORDER BY updated_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead continuations query failed: %w", err)
	}
	defer rows.Close()

	var conts []Continuation
	for rows.Next() {
		c, err := scanContinuation(rows)
		if err != nil {
			return nil, err
		}
		conts = append(conts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dead continuations iteration failed: %w", err)
	}
	return conts, nil
}
