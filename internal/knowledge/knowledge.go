// Package knowledge holds the assistant's persona prompt and the free-text
// knowledge base fed to the language model, plus loaders that ingest CSV,
// Excel and website content into it.
package knowledge

import (
	_ "embed"
	"log/slog"
	"strings"
	"sync"
)

//go:embed default_prompt.txt
var defaultPrompt string

// DefaultPrompt returns the built-in Para Meats persona prompt.
func DefaultPrompt() string {
	return strings.TrimSpace(defaultPrompt)
}

// Base is a concurrency-safe prompt and knowledge text holder.
type Base struct {
	mu        sync.RWMutex
	prompt    string
	knowledge string
}

// NewBase creates a Base seeded with prompt. An empty prompt selects DefaultPrompt.
func NewBase(prompt string) *Base {
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultPrompt()
	}
	return &Base{prompt: prompt}
}

// Append adds text to the knowledge base on a new line. Blank text is ignored.
func (b *Base) Append(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.knowledge == "" {
		b.knowledge = text
	} else {
		b.knowledge += "\n" + text
	}
	slog.Debug("Base.Append: knowledge updated", "added", len(text), "total", len(b.knowledge))
}

// Knowledge returns the accumulated knowledge text.
func (b *Base) Knowledge() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.knowledge
}

// SetPrompt replaces the persona prompt. Blank prompts are rejected and false is returned.
func (b *Base) SetPrompt(prompt string) bool {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return false
	}
	b.mu.Lock()
	b.prompt = prompt
	b.mu.Unlock()
	return true
}

// Prompt returns the persona prompt.
func (b *Base) Prompt() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.prompt
}

// SystemInstruction renders the prompt and knowledge into one system message.
func (b *Base) SystemInstruction() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.prompt == "" && b.knowledge == "" {
		return "You are a helpful assistant for Para Meats butchery."
	}
	return b.prompt + "\n\nKnowledge base:\n" + b.knowledge
}
