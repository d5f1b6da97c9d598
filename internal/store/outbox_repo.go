// Package store provides the OutboxRepo interface for restart-safe staff notifications.
package store

import (
	"time"
)

// OutboxStatus represents the lifecycle state of an outbox notification.
type OutboxStatus string

const (
	OutboxStatusQueued  OutboxStatus = "queued"
	OutboxStatusSending OutboxStatus = "sending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

// Notification kinds.
const (
	NotificationKindAgentForward      = "agent_forward"
	NotificationKindOrderConfirmation = "order_confirmation"
)

// Notification is a durable outgoing text message.
type Notification struct {
	ID            string       `json:"id"`
	Recipient     string       `json:"recipient"`
	Kind          string       `json:"kind"`
	Body          string       `json:"body"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo defines the interface for durable notification persistence.
type OutboxRepo interface {
	// EnqueueNotification inserts a new notification. If dedupeKey is non-empty
	// and a non-terminal notification with that key exists, returns the existing ID.
	EnqueueNotification(recipient, kind, body, dedupeKey string) (string, error)

	// ClaimDueNotifications marks up to limit queued notifications whose
	// next_attempt_at <= now (or is NULL) as sending and returns them.
	ClaimDueNotifications(now time.Time, limit int) ([]Notification, error)

	// MarkNotificationSent marks a notification as delivered.
	MarkNotificationSent(id string) error

	// FailNotification records a send failure. A zero nextAttemptAt marks the
	// notification as permanently failed; otherwise it is retried then.
	FailNotification(id string, errMsg string, nextAttemptAt time.Time) error

	// RequeueStaleNotifications resets notifications stuck in sending since
	// before staleBefore back to queued.
	RequeueStaleNotifications(staleBefore time.Time) (int, error)
}
