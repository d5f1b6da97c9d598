package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/util"
)

func (s *PostgresStore) EnqueueNotification(recipient, kind, body, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM notification_outbox WHERE dedupe_key = $1 AND status IN ('queued', 'sending')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("PostgresStore.EnqueueNotification: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	id := util.GenerateNotificationID()
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO notification_outbox (id, recipient, kind, body, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $7)`,
		id, recipient, kind, body, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue notification failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueNotification", "id", id, "recipient", recipient, "kind", kind)
	return id, nil
}

func (s *PostgresStore) ClaimDueNotifications(now time.Time, limit int) ([]Notification, error) {
	rows, err := s.db.Query(
		`UPDATE notification_outbox SET status = 'sending', locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM notification_outbox WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		   ORDER BY created_at ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+notificationColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due notifications failed: %w", err)
	}
	defer rows.Close()

	var batch []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim notifications iteration failed: %w", err)
	}
	return batch, nil
}

func (s *PostgresStore) MarkNotificationSent(id string) error {
	_, err := s.db.Exec(
		`UPDATE notification_outbox SET status = 'sent', updated_at = $1 WHERE id = $2`,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark notification sent failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailNotification(id string, errMsg string, nextAttemptAt time.Time) error {
	now := time.Now()
	status := "queued"
	var next interface{} = nextAttemptAt
	if nextAttemptAt.IsZero() {
		status = "failed"
		next = nil
	}
	_, err := s.db.Exec(
		`UPDATE notification_outbox SET status = $1, attempts = attempts + 1, last_error = $2, next_attempt_at = $3, locked_at = NULL, updated_at = $4 WHERE id = $5`,
		status, errMsg, next, now, id,
	)
	if err != nil {
		return fmt.Errorf("fail notification failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleNotifications(staleBefore time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE notification_outbox SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'sending' AND locked_at < $2`,
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale notifications failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleNotifications", "requeued", n)
	}
	return int(n), nil
}
