package store

import (
	"fmt"
	"log/slog"
	"time"
)

func (s *SQLiteStore) RecordInbound(messageID, identity string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_id, participant_id, received_at) VALUES (?, ?, ?)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, identity, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound %s: %w", messageID, err)
	}
	if n == 0 {
		slog.Debug("SQLiteStore.RecordInbound: redelivery", "messageID", messageID, "identity", identity)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkProcessed(messageID string) error {
	res, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark %s processed: %w", messageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ForgetInbound(messageID string) error {
	if _, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE message_id = ? AND processed_at IS NULL`, messageID); err != nil {
		return fmt.Errorf("forget inbound %s: %w", messageID, err)
	}
	return nil
}

func (s *SQLiteStore) PurgeInboundBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE received_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge inbound ids: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
