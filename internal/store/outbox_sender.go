// Package store provides the OutboxSender for delivering queued notifications.
package store

import (
	"context"
	"log/slog"
	"time"
)

// DefaultMaxNotificationAttempts bounds delivery attempts before a notification is marked failed.
const DefaultMaxNotificationAttempts = 6

// OutboxSendFunc performs the actual delivery of a notification.
type OutboxSendFunc func(ctx context.Context, n Notification) error

// OutboxSender periodically claims due notifications and attempts to send them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		maxAttempts:    DefaultMaxNotificationAttempts,
	}
}

// RecoverStaleNotifications requeues notifications stuck in sending state.
// Should be called once at startup.
func (s *OutboxSender) RecoverStaleNotifications() error {
	staleBefore := time.Now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleNotifications(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleNotifications: requeued stale notifications", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll runs a single claim-and-send pass.
func (s *OutboxSender) Poll(ctx context.Context) {
	now := time.Now()
	batch, err := s.repo.ClaimDueNotifications(now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.Poll: claim failed", "error", err)
		return
	}

	for _, n := range batch {
		slog.Debug("OutboxSender.Poll: sending notification", "id", n.ID, "recipient", n.Recipient, "kind", n.Kind)
		if err := s.sendFunc(ctx, n); err != nil {
			var next time.Time
			if n.Attempts+1 < s.maxAttempts {
				// 10s, 20s, 40s, ...
				next = now.Add(time.Duration(10*(1<<n.Attempts)) * time.Second)
			}
			slog.Error("OutboxSender.Poll: send failed", "id", n.ID, "attempt", n.Attempts+1, "error", err)
			if err := s.repo.FailNotification(n.ID, err.Error(), next); err != nil {
				slog.Error("OutboxSender.Poll: fail notification error", "id", n.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkNotificationSent(n.ID); err != nil {
			slog.Error("OutboxSender.Poll: mark sent error", "id", n.ID, "error", err)
		}
		slog.Debug("OutboxSender.Poll: notification sent", "id", n.ID, "recipient", n.Recipient)
	}
}
