// Package genai provides the language-model responder used for free-form
// customer questions, backed by the OpenAI chat completions API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default client settings.
const (
	DefaultModel       = string(openai.ChatModelGPT4oMini)
	DefaultTemperature = 0.7
	DefaultTimeout     = 30 * time.Second
	DefaultAttempts    = 2
	DefaultBackoff     = time.Second
)

var (
	// ErrNoChoicesReturned is returned when the API response carries no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrEmptyCompletion is returned when the model answered with blank content.
	ErrEmptyCompletion = errors.New("empty completion")
	// ErrAPIKeyNotSet is returned by NewClient without an API key.
	ErrAPIKeyNotSet = errors.New("OpenAI API key not set")
)

const summarizeInstruction = "Summarize the following conversation between a customer and a meat shop assistant. " +
	"Keep order details, delivery locations and open questions. Reply with the summary only."

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK's completion service to chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Attempts    int
	Backoff     time.Duration
	DebugMode   bool
	StateDir    string
}

// Option configures a Client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps completion length. Zero leaves it to the API default.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithRetry sets the attempt count and the fixed delay between attempts.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(o *Opts) {
		o.Attempts = attempts
		o.Backoff = backoff
	}
}

// WithDebugMode writes every request/response pair under stateDir/debug.
func WithDebugMode(enabled bool, stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
		o.StateDir = stateDir
	}
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	attempts    int
	backoff     time.Duration
	debugMode   bool
	stateDir    string
}

// NewClient creates a client from the given options. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		Timeout:     DefaultTimeout,
		Attempts:    DefaultAttempts,
		Backoff:     DefaultBackoff,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: client initialized", "model", cfg.Model, "timeout", cfg.Timeout, "attempts", cfg.Attempts)
	return &Client{
		chat:        completionsAdapter{svc: &cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		attempts:    cfg.Attempts,
		backoff:     cfg.Backoff,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Complete sends the ordered turns to the model and returns its reply.
// Each attempt has its own timeout; a failed attempt is retried after a fixed backoff.
func (c *Client) Complete(ctx context.Context, turns []models.ConversationTurn) (string, error) {
	return c.completeWithRetry(ctx, "Complete", toMessages(turns))
}

// Summarize condenses a transcript into a short summary.
func (c *Client) Summarize(ctx context.Context, turns []models.ConversationTurn) (string, error) {
	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "%s: %s\n", t.Role, t.Content)
	}
	msgs := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(summarizeInstruction),
		openai.UserMessage(sb.String()),
	}
	return c.completeWithRetry(ctx, "Summarize", msgs)
}

func (c *Client) completeWithRetry(ctx context.Context, method string, msgs []openai.ChatCompletionMessageParamUnion) (string, error) {
	attempts := c.attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.backoff):
			}
		}
		out, err := c.completeOnce(ctx, method, msgs)
		if err == nil {
			return out, nil
		}
		lastErr = err
		slog.Warn("genai.Client: completion attempt failed", "method", method, "attempt", attempt, "error", err)
	}
	return "", fmt.Errorf("completion failed after %d attempts: %w", attempts, lastErr)
}

func (c *Client) completeOnce(ctx context.Context, method string, msgs []openai.ChatCompletionMessageParamUnion) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    msgs,
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(c.maxTokens))
	}

	resp, err := c.chat.Create(ctx, params)
	c.writeDebugLog(method, params, resp, err)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyCompletion
	}
	return content, nil
}

func toMessages(turns []models.ConversationTurn) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case models.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(t.Content))
		case models.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		default:
			msgs = append(msgs, openai.UserMessage(t.Content))
		}
	}
	return msgs
}

type debugEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	Method    string      `json:"method"`
	Model     string      `json:"model"`
	Params    interface{} `json:"params"`
	Response  interface{} `json:"response"`
	Error     string      `json:"error,omitempty"`
}

// writeDebugLog stores one request/response pair as JSON when debug mode is on.
func (c *Client) writeDebugLog(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion, callErr error) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("genai.Client.writeDebugLog: mkdir failed", "dir", dir, "error", err)
		return
	}
	entry := debugEntry{
		Timestamp: time.Now(),
		Method:    method,
		Model:     c.model,
		Params:    params,
		Response:  resp,
	}
	if callErr != nil {
		entry.Error = callErr.Error()
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("genai.Client.writeDebugLog: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", time.Now().Format("20060102T150405.000000000"), method)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		slog.Warn("genai.Client.writeDebugLog: write failed", "error", err)
	}
}
