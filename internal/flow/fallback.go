package flow

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/knowledge"
	"github.com/BTreeMap/OrderPipe/internal/metrics"
	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/session"
)

// Fallback answers free-form messages by delegating to the Responder with
// the customer's recent history.
type Fallback struct {
	def       *Definition
	sessions  *session.Store
	kb        *knowledge.Base
	responder Responder
	out       outbound
	metrics   *metrics.Recorder
	now       func() time.Time
}

// NewFallback creates a Fallback. A nil responder always yields the apology.
func NewFallback(def *Definition, sessions *session.Store, kb *knowledge.Base, responder Responder, notifier Notifier, m *metrics.Recorder) *Fallback {
	return &Fallback{
		def:       def,
		sessions:  sessions,
		kb:        kb,
		responder: responder,
		out:       outbound{n: notifier, timeout: DefaultSendTimeout},
		metrics:   m,
		now:       time.Now,
	}
}

// SystemInstruction assembles the prompt sent ahead of the history.
func (f *Fallback) SystemInstruction(identity string, now time.Time) string {
	var b strings.Builder
	if f.kb != nil {
		b.WriteString(f.kb.SystemInstruction())
	}
	if name := f.sessions.DisplayName(identity); name != "" {
		b.WriteString("\n\nCustomer name: ")
		b.WriteString(name)
		b.WriteString(". Use their name naturally in responses when appropriate.")
	}
	if h := f.def.Hours(); h != nil {
		local := h.Local(now)
		b.WriteString("\n\nCurrent local time: ")
		b.WriteString(local.Format("Monday 15:04"))
		b.WriteString(".\n")
		b.WriteString(h.Greeting(now))
		b.WriteString("! ")
		b.WriteString(h.Status(now))
	}
	return b.String()
}

// Reply records the user's turn and returns the text to send back. It never
// fails; responder errors produce the apology message.
func (f *Fallback) Reply(ctx context.Context, identity, text string) string {
	f.sessions.Append(identity, models.ConversationTurn{Role: models.RoleUser, Content: text})
	name := f.sessions.DisplayName(identity)
	apology := f.def.Render("fallback_apology", MessageData{Name: name, Identity: identity})
	if f.responder == nil {
		return apology
	}

	turns := append([]models.ConversationTurn{{
		Role:    models.RoleSystem,
		Content: f.SystemInstruction(identity, f.now()),
	}}, f.sessions.History(identity)...)

	f.out.typing(ctx, identity, true)
	start := time.Now()
	reply, err := f.responder.Complete(ctx, turns)
	f.out.typing(ctx, identity, false)

	reply = strings.TrimSpace(reply)
	ok := err == nil && reply != ""
	f.metrics.ObserveResponder(ok, time.Since(start))
	if !ok {
		slog.Error("Fallback.Reply: responder failed", "identity", identity, "error", err)
		return apology
	}
	f.sessions.Append(identity, models.ConversationTurn{Role: models.RoleAssistant, Content: reply})
	return reply
}
