package store

import (
	"fmt"
	"log/slog"
	"time"
)

// EnqueueOutbound inserts a new outbox message and returns its id.
func (s *SQLiteStore) EnqueueOutbound(msg OutboxMessage) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin enqueue outbound failed: %w", err)
	}
	defer tx.Rollback()

	if err := enqueueOutboundTx(tx, &msg, sqlitePlaceholders); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit enqueue outbound failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueOutbound", "id", msg.ID, "contactID", msg.ContactID, "kind", msg.Kind)
	return msg.ID, nil
}

// ClaimDueOutbound marks due queued messages as sending and returns them in
// enqueue order.
func (s *SQLiteStore) ClaimDueOutbound(now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, contact_id, recipient, kind, body, status, attempts, next_attempt_at, locked_at, last_error, created_at, updated_at
		 FROM outbound_messages
		 WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbound query failed: %w", err)
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due outbound iteration failed: %w", err)
	}

	for i := range msgs {
		_, err := s.db.Exec(
			`UPDATE outbound_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, msgs[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark outbound sending failed: %w", err)
		}
		msgs[i].Status = OutboxStatusSending
		msgs[i].LockedAt = &now
	}

	return msgs, nil
}

// MarkOutboundSent marks a message as successfully sent.
func (s *SQLiteStore) MarkOutboundSent(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE outbound_messages SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("mark outbound sent failed: %w", err)
	}
	return nil
}

// FailOutbound records a send failure and schedules a retry, marking the
// message failed once attempts are spent.
func (s *SQLiteStore) FailOutbound(id string, errMsg string, nextAttemptAt time.Time) error {
	now := time.Now()

	var attempts int
	err := s.db.QueryRow(`SELECT attempts FROM outbound_messages WHERE id = ?`, id).Scan(&attempts)
	if err != nil {
		return fmt.Errorf("fail outbound lookup failed: %w", err)
	}

	attempts++
	if attempts >= maxOutboundAttempts {
		_, err = s.db.Exec(
			`UPDATE outbound_messages SET status = 'failed', attempts = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now, id,
		)
		if err == nil {
			slog.Warn("SQLiteStore.FailOutbound: giving up", "id", id, "attempts", attempts, "error", errMsg)
		}
	} else {
		_, err = s.db.Exec(
			`UPDATE outbound_messages SET status = 'queued', attempts = ?, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			attempts, errMsg, nextAttemptAt, now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail outbound update failed: %w", err)
	}
	return nil
}

// RequeueStaleOutbound resets messages stuck in sending since before
// staleBefore back to queued (crash recovery).
func (s *SQLiteStore) RequeueStaleOutbound(staleBefore time.Time) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE outbound_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbound failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleOutbound", "requeued", n)
	}
	return int(n), nil
}
