package store

import (
	"fmt"
	"log/slog"
	"time"
)

// EnqueueOutbound inserts a new outbox message and returns its id.
func (s *PostgresStore) EnqueueOutbound(msg OutboxMessage) (string, error) {
	if err := enqueueOutboundTx(s.db, &msg, postgresPlaceholders); err != nil {
		return "", err
	}
	slog.Debug("PostgresStore.EnqueueOutbound", "id", msg.ID, "contactID", msg.ContactID, "kind", msg.Kind)
	return msg.ID, nil
}

// ClaimDueOutbound atomically claims due queued messages in enqueue order.
func (s *PostgresStore) ClaimDueOutbound(now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.Query(
		`UPDATE outbound_messages SET status = 'sending', locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM outbound_messages
		   WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		   ORDER BY created_at ASC LIMIT $2 FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, contact_id, recipient, kind, body, status, attempts, next_attempt_at, locked_at, last_error, created_at, updated_at`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbound failed: %w", err)
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
	return msgs, nil
}

// MarkOutboundSent marks a message as successfully sent.
func (s *PostgresStore) MarkOutboundSent(id string) error {
	_, err := s.db.Exec(
		`UPDATE outbound_messages SET status = 'sent', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbound sent failed: %w", err)
	}
	return nil
}

// FailOutbound records a send failure and schedules a retry, marking the
// message failed once attempts are spent.
func (s *PostgresStore) FailOutbound(id string, errMsg string, nextAttemptAt time.Time) error {
	now := time.Now()

	var attempts int
	err := s.db.QueryRow(`SELECT attempts FROM outbound_messages WHERE id = $1`, id).Scan(&attempts)
	if err != nil {
		return fmt.Errorf("fail outbound lookup failed: %w", err)
	}

	attempts++
	if attempts >= maxOutboundAttempts {
		_, err = s.db.Exec(
			`UPDATE outbound_messages SET status = 'failed', attempts = $1, last_error = $2, locked_at = NULL, updated_at = $3 WHERE id = $4`,
			attempts, errMsg, now, id,
		)
		if err == nil {
			slog.Warn("PostgresStore.FailOutbound: giving up", "id", id, "attempts", attempts, "error", errMsg)
		}
	} else {
		_, err = s.db.Exec(
			`UPDATE outbound_messages SET status = 'queued', attempts = $1, last_error = $2, next_attempt_at = $3, locked_at = NULL, updated_at = $4 WHERE id = $5`,
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
func (s *PostgresStore) RequeueStaleOutbound(staleBefore time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE outbound_messages SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'sending' AND locked_at < $2`,
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbound failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleOutbound", "requeued", n)
	}
	return int(n), nil
}
