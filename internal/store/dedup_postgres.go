package store

import (
	"fmt"
	"log/slog"
	"time"
)

func (s *PostgresStore) RecordInbound(messageID, identity string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_id, participant_id, received_at) VALUES ($1, $2, $3)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, identity, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound %s: %w", messageID, err)
	}
	if n == 0 {
		slog.Debug("PostgresStore.RecordInbound: redelivery", "messageID", messageID, "identity", identity)
	}
	return n > 0, nil
}

func (s *PostgresStore) MarkProcessed(messageID string) error {
	res, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`, time.Now(), messageID)
	if err != nil {
		return fmt.Errorf("mark %s processed: %w", messageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ForgetInbound(messageID string) error {
	if _, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE message_id = $1 AND processed_at IS NULL`, messageID); err != nil {
		return fmt.Errorf("forget inbound %s: %w", messageID, err)
	}
	return nil
}

func (s *PostgresStore) PurgeInboundBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge inbound ids: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
