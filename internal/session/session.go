// Package session keeps a bounded per-customer transcript in memory along
// with the customer's display name and token accounting.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

const (
	// DefaultWindow is the number of turns retained per identity.
	DefaultWindow = 10
	// TokenLimitThreshold is the transcript size above which a summary is advised.
	TokenLimitThreshold = 3000
)

// ErrNoHistory is returned when summarizing an identity without turns.
var ErrNoHistory = errors.New("no conversation history")

// Summarizer condenses a transcript.
type Summarizer interface {
	Summarize(ctx context.Context, turns []models.ConversationTurn) (string, error)
}

type entry struct {
	turns        []models.ConversationTurn
	name         string
	lastActivity time.Time
}

// Store is a concurrency-safe map of identity to sliding-window transcript.
type Store struct {
	mu      sync.RWMutex
	window  int
	entries map[string]*entry
	tokens  *TokenCounter
}

// Option configures a Store.
type Option func(*Store)

// WithWindow sets the per-identity history capacity.
func WithWindow(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.window = n
		}
	}
}

// WithTokenCounter overrides the counter used by TokenCount.
func WithTokenCounter(tc *TokenCounter) Option {
	return func(s *Store) { s.tokens = tc }
}

// NewStore creates an empty session store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		window:  DefaultWindow,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tokens == nil {
		s.tokens = NewTokenCounter()
	}
	return s
}

func (s *Store) entryLocked(id string) *entry {
	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}
	return e
}

// History returns a copy of the identity's turns, oldest first.
func (s *Store) History(id string) []models.ConversationTurn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	out := make([]models.ConversationTurn, len(e.turns))
	copy(out, e.turns)
	return out
}

// Append adds a turn, evicting the oldest turns beyond the window.
func (s *Store) Append(id string, turn models.ConversationTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(id)
	e.turns = append(e.turns, turn)
	if over := len(e.turns) - s.window; over > 0 {
		e.turns = append([]models.ConversationTurn(nil), e.turns[over:]...)
	}
	e.lastActivity = time.Now()
}

// SetDisplayName records the customer's display name. Blank names are ignored.
func (s *Store) SetDisplayName(id, name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(id)
	e.name = name
	e.lastActivity = time.Now()
}

// DisplayName returns the cached display name or "".
func (s *Store) DisplayName(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[id]; ok {
		return e.name
	}
	return ""
}

// Names returns all cached display names keyed by identity.
func (s *Store) Names() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string)
	for id, e := range s.entries {
		if e.name != "" {
			out[id] = e.name
		}
	}
	return out
}

// Snapshot returns copies of all transcripts that have at least one turn.
func (s *Store) Snapshot() map[string][]models.ConversationTurn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]models.ConversationTurn, len(s.entries))
	for id, e := range s.entries {
		if len(e.turns) == 0 {
			continue
		}
		turns := make([]models.ConversationTurn, len(e.turns))
		copy(turns, e.turns)
		out[id] = turns
	}
	return out
}

// Identities returns identities with a transcript, sorted.
func (s *Store) Identities() []string {
	snap := s.Snapshot()
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of identities with a transcript.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if len(e.turns) > 0 {
			n++
		}
	}
	return n
}

// MessageCount returns the number of turns across all transcripts.
func (s *Store) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		n += len(e.turns)
	}
	return n
}

// ActiveSince counts identities with activity at or after t.
func (s *Store) ActiveSince(t time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if !e.lastActivity.Before(t) {
			n++
		}
	}
	return n
}

// TokenCount returns the approximate token size of the identity's transcript.
func (s *Store) TokenCount(id string) int {
	total := 0
	for _, t := range s.History(id) {
		total += s.tokens.Count(t.Content)
	}
	return total
}

// NeedsSummary reports whether the transcript exceeds TokenLimitThreshold.
func (s *Store) NeedsSummary(id string) bool {
	return s.TokenCount(id) > TokenLimitThreshold
}

// Summarize asks summarizer to condense the identity's transcript.
// The stored history is left unchanged.
func (s *Store) Summarize(ctx context.Context, id string, summarizer Summarizer) (string, error) {
	turns := s.History(id)
	if len(turns) == 0 {
		return "", ErrNoHistory
	}
	summary, err := summarizer.Summarize(ctx, turns)
	if err != nil {
		slog.Error("Store.Summarize: summarizer failed", "identity", id, "error", err)
		return "", err
	}
	slog.Debug("Store.Summarize: summary produced", "identity", id, "turns", len(turns))
	return summary, nil
}
