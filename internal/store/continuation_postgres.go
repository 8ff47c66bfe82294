package store

import (
	"fmt"
	"log/slog"
	"time"
)

// EnqueueContinuation inserts a continuation, deduplicating on message id.
func (s *PostgresStore) EnqueueContinuation(contactID, messageID string, runAt time.Time) (string, error) {
	id, err := enqueueContinuationTx(s.db, contactID, messageID, runAt, postgresPlaceholders)
	if err != nil {
		return "", err
	}
	slog.Debug("PostgresStore.EnqueueContinuation", "id", id, "contactID", contactID, "messageID", messageID)
	return id, nil
}

// ClaimDueContinuations atomically claims due queued continuations in enqueue
// order. SKIP LOCKED lets multiple workers poll without blocking each other.
func (s *PostgresStore) ClaimDueContinuations(now time.Time, limit int) ([]Continuation, error) {
	rows, err := s.db.Query(
		`UPDATE continuations SET status = 'claimed', locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM continuations WHERE status = 'queued' AND run_at <= $1
		   ORDER BY created_at ASC LIMIT $2 FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, contact_id, message_id, run_at, status, attempt, max_attempts, last_error, locked_at, created_at, updated_at`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due continuations failed: %w", err)
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
	return conts, nil
}

// CompleteContinuation marks a continuation as done.
func (s *PostgresStore) CompleteContinuation(id string) error {
	_, err := s.db.Exec(
		`UPDATE continuations SET status = 'done', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("complete continuation failed: %w", err)
	}
	return nil
}

// FailContinuation requeues a continuation for retry, dead-lettering it once
// attempts are spent.
func (s *PostgresStore) FailContinuation(id string, errMsg string, nextRunAt time.Time) error {
	now := time.Now()

	var attempt, maxAttempts int
	err := s.db.QueryRow(`SELECT attempt, max_attempts FROM continuations WHERE id = $1`, id).Scan(&attempt, &maxAttempts)
	if err != nil {
		return fmt.Errorf("fail continuation lookup failed: %w", err)
	}

	attempt++
	if attempt >= maxAttempts {
		_, err = s.db.Exec(
			`UPDATE continuations SET status = 'dead', attempt = $1, last_error = $2, locked_at = NULL, updated_at = $3 WHERE id = $4`,
			attempt, errMsg, now, id,
		)
		if err == nil {
			slog.Warn("PostgresStore.FailContinuation: dead-lettered", "id", id, "attempts", attempt, "error", errMsg)
		}
	} else {
		_, err = s.db.Exec(
			`UPDATE continuations SET status = 'queued', attempt = $1, last_error = $2, run_at = $3, locked_at = NULL, updated_at = $4 WHERE id = $5`,
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
func (s *PostgresStore) RequeueStaleContinuations(staleBefore time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE continuations SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'claimed' AND locked_at < $2`,
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale continuations failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleContinuations", "requeued", n)
	}
	return int(n), nil
}

// ListDeadContinuations returns dead-lettered continuations, newest first.
func (s *PostgresStore) ListDeadContinuations(limit int) ([]Continuation, error) {
	rows, err := s.db.Query(
		`SELECT id, contact_id, message_id, run_at, status, attempt, max_attempts, last_error, locked_at, created_at, updated_at
		 FROM continuations WHERE status = 'dead' ORDER BY updated_at DESC LIMIT $1`,
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
