package flow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/receipt"
	"github.com/BTreeMap/OrderPipe/internal/session"
	"github.com/BTreeMap/OrderPipe/internal/store"
)

type sentDocument struct {
	To       string
	Filename string
	Caption  string
}

// mockNotifier records every outbound call.
type mockNotifier struct {
	mu        sync.Mutex
	messages  map[string][]string
	documents []sentDocument
	typing    []bool
	sendErr   error
}

func newMockNotifier() *mockNotifier {
	return &mockNotifier{messages: make(map[string][]string)}
}

func (m *mockNotifier) SendMessage(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.messages[to] = append(m.messages[to], body)
	return nil
}

func (m *mockNotifier) SendTypingIndicator(ctx context.Context, to string, typing bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing = append(m.typing, typing)
	return nil
}

func (m *mockNotifier) SendDocument(ctx context.Context, to, filename string, data []byte, caption string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents = append(m.documents, sentDocument{To: to, Filename: filename, Caption: caption})
	return nil
}

func (m *mockNotifier) sent(to string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.messages[to]...)
}

func (m *mockNotifier) last(to string) string {
	msgs := m.sent(to)
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

// mockResponder returns a fixed reply or error and records the turns it saw.
type mockResponder struct {
	mu    sync.Mutex
	reply string
	err   error
	calls [][]models.ConversationTurn
}

func (m *mockResponder) Complete(ctx context.Context, turns []models.ConversationTurn) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, turns)
	return m.reply, m.err
}

type mockRenderer struct {
	err      error
	rendered []models.Order
}

func (m *mockRenderer) Render(o models.Order) (receipt.Document, error) {
	if m.err != nil {
		return receipt.Document{}, m.err
	}
	m.rendered = append(m.rendered, o)
	return receipt.Document{Filename: "receipt_" + o.PhoneNumber + ".pdf", Data: []byte("%PDF")}, nil
}

// failingOrderStore fails SaveOrder while failing is set.
type failingOrderStore struct {
	*store.InMemoryStore
	mu      sync.Mutex
	failing bool
}

func (f *failingOrderStore) SaveOrder(o *models.Order) error {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return errors.New("database unavailable")
	}
	return f.InMemoryStore.SaveOrder(o)
}

func (f *failingOrderStore) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

type testEnv struct {
	def      *Definition
	store    *store.InMemoryStore
	sessions *session.Store
	notifier *mockNotifier
	flow     *OrderFlow
}

func mustDefaultDefinition(t *testing.T) *Definition {
	t.Helper()
	def, err := DefaultDefinition()
	if err != nil {
		t.Fatalf("DefaultDefinition() error = %v", err)
	}
	return def
}

func newTestEnv(t *testing.T, opts ...OrderFlowOption) *testEnv {
	t.Helper()
	def := mustDefaultDefinition(t)
	st := store.NewInMemoryStore()
	sessions := session.NewStore()
	n := newMockNotifier()
	opts = append([]OrderFlowOption{WithNameResolver(sessions)}, opts...)
	f := NewOrderFlow(def, NewDraftStore(st, def), st, n, opts...)
	return &testEnv{def: def, store: st, sessions: sessions, notifier: n, flow: f}
}

var sampleAnswers = []string{"Beef", "12kg", "steak", "Choice", "8233 Glenview 8", "Morning", "Ecocash"}

func containsAny(msgs []string, sub string) bool {
	for _, m := range msgs {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

func hasDraft(t *testing.T, f *OrderFlow, identity string) bool {
	t.Helper()
	ok, err := f.HasDraft(identity)
	if err != nil {
		t.Fatalf("HasDraft(%s) error = %v", identity, err)
	}
	return ok
}

// flakyStates fails the next failGets, failSaves or failDeletes calls and
// otherwise delegates to the in-memory store.
type flakyStates struct {
	*store.InMemoryStore
	mu          sync.Mutex
	failGets    int
	failSaves   int
	failDeletes int
}

func (f *flakyStates) take(n *int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if *n > 0 {
		*n--
		return true
	}
	return false
}

func (f *flakyStates) set(gets, saves, deletes int) {
	f.mu.Lock()
	f.failGets, f.failSaves, f.failDeletes = gets, saves, deletes
	f.mu.Unlock()
}

func (f *flakyStates) GetFlowState(participantID, flowType string) (*models.FlowState, error) {
	if f.take(&f.failGets) {
		return nil, errors.New("flow state read failed")
	}
	return f.InMemoryStore.GetFlowState(participantID, flowType)
}

func (f *flakyStates) SaveFlowState(state models.FlowState) error {
	if f.take(&f.failSaves) {
		return errors.New("flow state write failed")
	}
	return f.InMemoryStore.SaveFlowState(state)
}

func (f *flakyStates) DeleteFlowState(participantID, flowType string) error {
	if f.take(&f.failDeletes) {
		return errors.New("flow state delete failed")
	}
	return f.InMemoryStore.DeleteFlowState(participantID, flowType)
}

// useFlakyStates routes the env's drafts through a flakyStates over the same store.
func (e *testEnv) useFlakyStates() *flakyStates {
	fs := &flakyStates{InMemoryStore: e.store}
	e.flow.drafts = NewDraftStore(fs, e.def)
	return fs
}
