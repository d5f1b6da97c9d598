// Package messaging provides the transports OrderPipe talks to customers
// through: the WhatsApp Cloud API, Twilio and a linked WhatsApp device.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

// Constants for channel-backed services.
const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
	// DefaultSendTimeout bounds a single outbound HTTP call.
	DefaultSendTimeout = 15 * time.Second
	// BusyReply is sent to a customer whose message could not be queued.
	BusyReply = "Sorry, we're receiving a lot of messages right now. Please resend your last message in a minute."
)

var (
	// ErrServiceStopped is returned by send methods after Stop.
	ErrServiceStopped = errors.New("messaging service stopped")
	// ErrDocumentsUnsupported is returned by transports that cannot send file attachments.
	ErrDocumentsUnsupported = errors.New("transport does not support documents")
	// ErrInboundBacklog is returned when the responses channel stays full.
	ErrInboundBacklog = errors.New("inbound message backlog full")
)

var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message delivery abstraction.
// It supports sending messages, and provides channels for receipt and response events.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// SendTypingIndicator turns the typing indicator on or off where supported.
	SendTypingIndicator(ctx context.Context, to string, typing bool) error

	// SendDocument sends a file attachment with an optional caption.
	SendDocument(ctx context.Context, to, filename string, data []byte, caption string) error

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of incoming customer messages.
	Responses() <-chan models.Response
}

// CanonicalizePhone strips every non-digit and requires at least 6 digits.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != recipient {
		slog.Debug("messaging.CanonicalizePhone: canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// channels holds the receipt and response channels shared by every service.
// Emitters hold the read lock so Stop never closes a channel mid-send.
type channels struct {
	mu        sync.RWMutex
	stopped   bool
	timeout   time.Duration
	receipts  chan models.Receipt
	responses chan models.Response
}

func newChannels() *channels {
	return &channels{
		timeout:   DefaultChannelTimeout,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
}

func (c *channels) isStopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped
}

// stop closes both channels once. It reports whether this call stopped them.
func (c *channels) stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.stopped = true
	close(c.receipts)
	close(c.responses)
	return true
}

func (c *channels) emitReceipt(r models.Receipt) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return
	}
	select {
	case c.receipts <- r:
	case <-time.After(c.timeout):
		slog.Debug("messaging: receipts channel blocked, dropping receipt", "to", r.To, "status", r.Status)
	}
}

// emitResponse queues an inbound message. It returns ErrServiceStopped after
// stop and ErrInboundBacklog when the consumer has not drained the channel
// within the timeout.
func (c *channels) emitResponse(r models.Response) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		slog.Warn("messaging: dropping inbound message, service stopped", "from", r.From)
		return ErrServiceStopped
	}
	select {
	case c.responses <- r:
		return nil
	case <-time.After(c.timeout):
		slog.Error("messaging: responses channel blocked, message not queued", "from", r.From, "id", r.ID, "timeout", c.timeout)
		return ErrInboundBacklog
	}
}

// replyBusy asks a customer whose message hit the backlog to resend it, so
// the message still gets a reply.
func replyBusy(send func(ctx context.Context, to, body string) error, to string) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultSendTimeout)
	defer cancel()
	if err := send(ctx, to, BusyReply); err != nil {
		slog.Error("messaging: busy reply failed", "to", to, "error", err)
	}
}
