// Package flow implements the conversational core of OrderPipe: the order
// collection state machine, the intent router with its side commands, and
// the language-model fallback.
package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/receipt"
)

// DefaultSendTimeout bounds each outbound transport call.
const DefaultSendTimeout = 15 * time.Second

// Notifier delivers outbound messages to a user.
type Notifier interface {
	SendMessage(ctx context.Context, to, body string) error
	SendTypingIndicator(ctx context.Context, to string, typing bool) error
	SendDocument(ctx context.Context, to, filename string, data []byte, caption string) error
}

// Responder produces a language-model reply for an ordered list of turns.
type Responder interface {
	Complete(ctx context.Context, turns []models.ConversationTurn) (string, error)
}

// ReceiptRenderer renders a persisted order as a document.
type ReceiptRenderer interface {
	Render(o models.Order) (receipt.Document, error)
}

// NameResolver looks up a cached display name.
type NameResolver interface {
	DisplayName(identity string) string
}

// outbound wraps a Notifier with a per-call timeout. Failures are logged and
// never propagated.
type outbound struct {
	n       Notifier
	timeout time.Duration
}

func (o outbound) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	if o.timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, o.timeout)
}

func (o outbound) text(ctx context.Context, to, body string) bool {
	if o.n == nil || body == "" {
		return false
	}
	cctx, cancel := o.ctx(ctx)
	defer cancel()
	if err := o.n.SendMessage(cctx, to, body); err != nil {
		slog.Error("flow.outbound: send failed", "identity", to, "error", err)
		return false
	}
	return true
}

func (o outbound) typing(ctx context.Context, to string, on bool) {
	if o.n == nil {
		return
	}
	cctx, cancel := o.ctx(ctx)
	defer cancel()
	if err := o.n.SendTypingIndicator(cctx, to, on); err != nil {
		slog.Debug("flow.outbound: typing indicator failed", "identity", to, "on", on, "error", err)
	}
}

func (o outbound) document(ctx context.Context, to string, doc receipt.Document, caption string) bool {
	if o.n == nil {
		return false
	}
	cctx, cancel := o.ctx(ctx)
	defer cancel()
	if err := o.n.SendDocument(cctx, to, doc.Filename, doc.Data, caption); err != nil {
		slog.Error("flow.outbound: document send failed", "identity", to, "filename", doc.Filename, "error", err)
		return false
	}
	return true
}
