package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/util"
)

func (s *SQLiteStore) EnqueueNotification(recipient, kind, body, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM notification_outbox WHERE dedupe_key = ? AND status IN ('queued', 'sending')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("SQLiteStore.EnqueueNotification: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	id := util.GenerateNotificationID()
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO notification_outbox (id, recipient, kind, body, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`,
		id, recipient, kind, body, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue notification failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueNotification", "id", id, "recipient", recipient, "kind", kind)
	return id, nil
}

func (s *SQLiteStore) ClaimDueNotifications(now time.Time, limit int) ([]Notification, error) {
	now = now.UTC()
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("claim notifications begin failed: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT `+notificationColumns+` FROM notification_outbox
		 WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due notifications failed: %w", err)
	}
	var batch []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		batch = append(batch, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim notifications iteration failed: %w", err)
	}

	for i := range batch {
		if _, err := tx.Exec(
			`UPDATE notification_outbox SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, batch[i].ID,
		); err != nil {
			return nil, fmt.Errorf("mark notification sending failed: %w", err)
		}
		locked := now
		batch[i].Status = OutboxStatusSending
		batch[i].LockedAt = &locked
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim notifications commit failed: %w", err)
	}
	return batch, nil
}

func (s *SQLiteStore) MarkNotificationSent(id string) error {
	_, err := s.db.Exec(
		`UPDATE notification_outbox SET status = 'sent', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark notification sent failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailNotification(id string, errMsg string, nextAttemptAt time.Time) error {
	now := time.Now().UTC()
	var err error
	if nextAttemptAt.IsZero() {
		_, err = s.db.Exec(
			`UPDATE notification_outbox SET status = 'failed', attempts = attempts + 1, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			errMsg, now, id,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE notification_outbox SET status = 'queued', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			errMsg, nextAttemptAt.UTC(), now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail notification failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueStaleNotifications(staleBefore time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE notification_outbox SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale notifications failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleNotifications", "requeued", n)
	}
	return int(n), nil
}
