package session

import (
	"log/slog"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts tokens with the GPT-4 encoding, falling back to a
// four-characters-per-token estimate if the codec is unavailable.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter loads the GPT-4 codec.
func NewTokenCounter() *TokenCounter {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		slog.Warn("session.NewTokenCounter: codec unavailable, estimating", "error", err)
		return &TokenCounter{}
	}
	return &TokenCounter{codec: codec}
}

// Count returns the number of tokens in text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	n, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}
