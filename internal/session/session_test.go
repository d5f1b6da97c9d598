package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

func userTurn(s string) models.ConversationTurn {
	return models.ConversationTurn{Role: models.RoleUser, Content: s}
}

func TestStore_WindowEvictsOldest(t *testing.T) {
	s := NewStore(WithWindow(3))
	for i := 0; i < 5; i++ {
		s.Append("263771111111", userTurn(fmt.Sprintf("m%d", i)))
	}
	h := s.History("263771111111")
	if len(h) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(h))
	}
	if h[0].Content != "m2" || h[2].Content != "m4" {
		t.Errorf("expected m2..m4, got %+v", h)
	}
}

func TestStore_HistoryIsCopy(t *testing.T) {
	s := NewStore()
	s.Append("a", userTurn("hello"))
	h := s.History("a")
	h[0].Content = "mutated"
	if got := s.History("a")[0].Content; got != "hello" {
		t.Errorf("stored turn mutated through copy: %q", got)
	}
	if s.History("unknown") != nil {
		t.Error("expected nil history for unknown identity")
	}
}

func TestStore_DisplayNames(t *testing.T) {
	s := NewStore()
	s.SetDisplayName("a", "Tendai")
	s.SetDisplayName("a", "   ")
	s.SetDisplayName("b", "Rudo")
	s.SetDisplayName("b", "Rudo M")

	if got := s.DisplayName("a"); got != "Tendai" {
		t.Errorf("blank name should not overwrite, got %q", got)
	}
	if got := s.DisplayName("b"); got != "Rudo M" {
		t.Errorf("expected last write to win, got %q", got)
	}
	names := s.Names()
	if len(names) != 2 {
		t.Errorf("expected 2 names, got %v", names)
	}
	if s.Count() != 0 {
		t.Errorf("names alone should not count as conversations, got %d", s.Count())
	}
}

func TestStore_Counts(t *testing.T) {
	s := NewStore()
	s.Append("a", userTurn("1"))
	s.Append("a", models.ConversationTurn{Role: models.RoleAssistant, Content: "2"})
	s.Append("b", userTurn("3"))

	if s.Count() != 2 {
		t.Errorf("expected 2 conversations, got %d", s.Count())
	}
	if s.MessageCount() != 3 {
		t.Errorf("expected 3 messages, got %d", s.MessageCount())
	}
	if got := s.Identities(); len(got) != 2 || got[0] != "a" {
		t.Errorf("unexpected identities %v", got)
	}
	if s.ActiveSince(time.Now().Add(-time.Minute)) != 2 {
		t.Error("expected both identities active in the last minute")
	}
	if s.ActiveSince(time.Now().Add(time.Minute)) != 0 {
		t.Error("expected no identities active in the future")
	}
}

func TestStore_ConcurrentAppend(t *testing.T) {
	s := NewStore(WithWindow(1000))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Append("a", userTurn(fmt.Sprint(i)))
		}(i)
	}
	wg.Wait()
	if got := len(s.History("a")); got != 50 {
		t.Errorf("expected 50 turns, got %d", got)
	}
}

func TestStore_TokenAccounting(t *testing.T) {
	s := NewStore(WithTokenCounter(&TokenCounter{}))
	s.Append("a", userTurn(strings.Repeat("abcd", 10)))
	if got := s.TokenCount("a"); got != 10 {
		t.Errorf("expected fallback estimate of 10 tokens, got %d", got)
	}
	if s.NeedsSummary("a") {
		t.Error("short transcript should not need a summary")
	}
	s.Append("a", userTurn(strings.Repeat("abcd", TokenLimitThreshold)))
	if !s.NeedsSummary("a") {
		t.Error("long transcript should need a summary")
	}
}

func TestTokenCounter_Codec(t *testing.T) {
	tc := NewTokenCounter()
	if n := tc.Count("hello world"); n <= 0 || n > 5 {
		t.Errorf("unexpected token count %d", n)
	}
}

type fakeSummarizer struct {
	out string
	err error
	got []models.ConversationTurn
}

func (f *fakeSummarizer) Summarize(ctx context.Context, turns []models.ConversationTurn) (string, error) {
	f.got = turns
	return f.out, f.err
}

func TestStore_Summarize(t *testing.T) {
	s := NewStore()
	if _, err := s.Summarize(context.Background(), "a", &fakeSummarizer{}); !errors.Is(err, ErrNoHistory) {
		t.Errorf("expected ErrNoHistory, got %v", err)
	}

	s.Append("a", userTurn("I want beef"))
	sum := &fakeSummarizer{out: "wants beef"}
	out, err := s.Summarize(context.Background(), "a", sum)
	if err != nil || out != "wants beef" {
		t.Fatalf("unexpected summary %q err=%v", out, err)
	}
	if len(sum.got) != 1 {
		t.Errorf("expected transcript passed to summarizer, got %+v", sum.got)
	}
	if len(s.History("a")) != 1 {
		t.Error("summarize must not modify history")
	}

	if _, err := s.Summarize(context.Background(), "a", &fakeSummarizer{err: errors.New("down")}); err == nil {
		t.Error("expected summarizer error to propagate")
	}
}
