package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/util"
	"github.com/google/uuid"
)

// InMemoryStore keeps everything in process memory. It is used when no
// database DSN is configured and in tests.
type InMemoryStore struct {
	mu            sync.RWMutex
	orders        []models.Order
	nextOrderID   int64
	flowStates    map[string]models.FlowState
	inbound       map[string]InboundRecord
	notifications map[string]*Notification
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flowStates:    make(map[string]models.FlowState),
		inbound:       make(map[string]InboundRecord),
		notifications: make(map[string]*Notification),
	}
}

func flowKey(participantID, flowType string) string {
	return flowType + "|" + participantID
}

func (s *InMemoryStore) SaveOrder(o *models.Order) error {
	if o == nil {
		return fmt.Errorf("order cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.Reference == "" {
		o.Reference = uuid.NewString()
	}
	for _, existing := range s.orders {
		if existing.Reference == o.Reference {
			return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.Reference)
		}
	}
	now := time.Now().UTC()
	s.nextOrderID++
	o.ID = s.nextOrderID
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	s.orders = append(s.orders, *o)
	return nil
}

func (s *InMemoryStore) ListOrders(limit, offset int) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(s.orders) {
		return []models.Order{}, nil
	}
	end := len(s.orders)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]models.Order, end-offset)
	copy(out, s.orders[offset:end])
	return out, nil
}

func (s *InMemoryStore) OrdersSince(since time.Time) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Order
	for _, o := range s.orders {
		if !o.CreatedAt.Before(since) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Ping() error { return nil }

func (s *InMemoryStore) SaveFlowState(state models.FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := make(map[string]string, len(state.StateData))
	for k, v := range state.StateData {
		data[k] = v
	}
	state.StateData = data
	key := flowKey(state.ParticipantID, state.FlowType)
	if existing, ok := s.flowStates[key]; ok && !existing.CreatedAt.IsZero() {
		state.CreatedAt = existing.CreatedAt
	}
	s.flowStates[key] = state
	return nil
}

func (s *InMemoryStore) GetFlowState(participantID, flowType string) (*models.FlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.flowStates[flowKey(participantID, flowType)]
	if !ok {
		return nil, nil
	}
	data := make(map[string]string, len(state.StateData))
	for k, v := range state.StateData {
		data[k] = v
	}
	state.StateData = data
	return &state, nil
}

func (s *InMemoryStore) DeleteFlowState(participantID, flowType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flowStates, flowKey(participantID, flowType))
	return nil
}

func (s *InMemoryStore) ListFlowStates(flowType string) ([]models.FlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.FlowState
	for _, st := range s.flowStates {
		if st.FlowType == flowType {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

func (s *InMemoryStore) DeleteFlowStatesBefore(flowType string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, st := range s.flowStates {
		if st.FlowType == flowType && st.UpdatedAt.Before(cutoff) {
			delete(s.flowStates, key)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) RecordInbound(messageID, identity string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.inbound[messageID]; seen {
		return false, nil
	}
	s.inbound[messageID] = InboundRecord{MessageID: messageID, Identity: identity, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbound[messageID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.inbound[messageID] = rec
	return nil
}

func (s *InMemoryStore) ForgetInbound(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.inbound[messageID]; ok && rec.ProcessedAt == nil {
		delete(s.inbound, messageID)
	}
	return nil
}

func (s *InMemoryStore) PurgeInboundBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.inbound {
		if rec.ReceivedAt.Before(cutoff) {
			delete(s.inbound, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) EnqueueNotification(recipient, kind, body, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for id, n := range s.notifications {
			if n.DedupeKey == dedupeKey && n.Status != OutboxStatusSent && n.Status != OutboxStatusFailed {
				return id, nil
			}
		}
	}
	now := time.Now()
	id := util.GenerateNotificationID()
	s.notifications[id] = &Notification{
		ID:        id,
		Recipient: recipient,
		Kind:      kind,
		Body:      body,
		Status:    OutboxStatusQueued,
		DedupeKey: dedupeKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id, nil
}

func (s *InMemoryStore) ClaimDueNotifications(now time.Time, limit int) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Notification
	for _, n := range s.notifications {
		if n.Status == OutboxStatusQueued && (n.NextAttemptAt == nil || !n.NextAttemptAt.After(now)) {
			due = append(due, n)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]Notification, 0, len(due))
	for _, n := range due {
		locked := now
		n.Status = OutboxStatusSending
		n.LockedAt = &locked
		n.UpdatedAt = now
		out = append(out, *n)
	}
	return out, nil
}

func (s *InMemoryStore) MarkNotificationSent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return ErrNotFound
	}
	n.Status = OutboxStatusSent
	n.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) FailNotification(id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return ErrNotFound
	}
	n.Attempts++
	n.LastError = errMsg
	n.LockedAt = nil
	n.UpdatedAt = time.Now()
	if nextAttemptAt.IsZero() {
		n.Status = OutboxStatusFailed
		n.NextAttemptAt = nil
		return nil
	}
	next := nextAttemptAt
	n.Status = OutboxStatusQueued
	n.NextAttemptAt = &next
	return nil
}

func (s *InMemoryStore) RequeueStaleNotifications(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.notifications {
		if n.Status == OutboxStatusSending && n.LockedAt != nil && n.LockedAt.Before(staleBefore) {
			n.Status = OutboxStatusQueued
			n.LockedAt = nil
			n.UpdatedAt = time.Now()
			count++
		}
	}
	return count, nil
}

// Notifications returns a snapshot of all notifications (for tests).
func (s *InMemoryStore) Notifications() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *InMemoryStore) Close() error { return nil }
