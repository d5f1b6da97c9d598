package flow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/BTreeMap/OrderPipe/internal/metrics"
	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/session"
	"github.com/BTreeMap/OrderPipe/internal/store"
)

// Router routes each inbound message to exactly one handler, in priority
// order: active draft, side command, order-start trigger, fallback.
type Router struct {
	def      *Definition
	sessions *session.Store
	flow     *OrderFlow
	commands *CommandTable
	fallback *Fallback
	out      outbound
	dedup    store.DedupRepo
	locks    *KeyedMutex
	metrics  *metrics.Recorder
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithDedup drops redelivered messages already recorded in repo.
func WithDedup(repo store.DedupRepo) RouterOption {
	return func(r *Router) { r.dedup = repo }
}

// WithRouterMetrics sets the metrics recorder.
func WithRouterMetrics(m *metrics.Recorder) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// NewRouter creates a Router. A nil command table disables side commands.
func NewRouter(def *Definition, sessions *session.Store, flow *OrderFlow, commands *CommandTable, fallback *Fallback, notifier Notifier, opts ...RouterOption) *Router {
	if commands == nil {
		commands = &CommandTable{}
	}
	r := &Router{
		def:      def,
		sessions: sessions,
		flow:     flow,
		commands: commands,
		fallback: fallback,
		out:      outbound{n: notifier, timeout: DefaultSendTimeout},
		locks:    NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle processes one inbound message. Messages from the same identity are
// handled one at a time in call order. Any failure after routing results in
// the generic error reply and is returned to the caller.
func (r *Router) Handle(ctx context.Context, msg models.InboundMessage) (err error) {
	identity := msg.Identity
	if identity == "" {
		return fmt.Errorf("inbound message has no identity")
	}

	if r.dedup != nil && msg.ID != "" {
		fresh, derr := r.dedup.RecordInbound(msg.ID, identity)
		if derr != nil {
			slog.Warn("Router.Handle: dedup record failed, processing anyway", "messageID", msg.ID, "error", derr)
		} else if !fresh {
			slog.Info("Router.Handle: duplicate delivery dropped", "messageID", msg.ID, "identity", identity)
			r.metrics.ObserveRoute(metrics.RouteDuplicate)
			return nil
		}
	}

	unlock := r.locks.Lock(identity)
	defer unlock()

	defer func() {
		if p := recover(); p != nil {
			slog.Error("Router.Handle: panic while handling message", "identity", identity, "panic", p, "stack", string(debug.Stack()))
			r.replyGenericError(ctx, identity)
			r.forgetInbound(msg.ID)
			err = fmt.Errorf("panic handling message from %s: %v", identity, p)
		}
	}()

	r.sessions.SetDisplayName(identity, msg.Name)

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		slog.Debug("Router.Handle: empty message ignored", "identity", identity)
		return nil
	}

	if err := r.route(ctx, identity, text); err != nil {
		slog.Error("Router.Handle: handling failed", "identity", identity, "error", err)
		r.replyGenericError(ctx, identity)
		r.forgetInbound(msg.ID)
		return err
	}

	if r.dedup != nil && msg.ID != "" {
		if err := r.dedup.MarkProcessed(msg.ID); err != nil {
			slog.Warn("Router.Handle: mark processed failed", "messageID", msg.ID, "error", err)
		}
	}
	return nil
}

// forgetInbound lets a redelivery of a message that failed be handled again.
func (r *Router) forgetInbound(messageID string) {
	if r.dedup == nil || messageID == "" {
		return
	}
	if err := r.dedup.ForgetInbound(messageID); err != nil {
		slog.Warn("Router.forgetInbound: release failed", "messageID", messageID, "error", err)
	}
}

func (r *Router) route(ctx context.Context, identity, text string) error {
	d, err := r.flow.Draft(identity)
	if err != nil {
		return err
	}
	if d != nil {
		r.metrics.ObserveRoute(metrics.RouteDraft)
		// Only a bare start token is treated as a restart, and never at
		// confirmation, where every reply either commits or cancels.
		if d.StepIndex < r.def.ConfirmationIndex() && r.def.IsStartToken(text) {
			return r.flow.Start(ctx, identity, r.sessions.DisplayName(identity))
		}
		handled, err := r.flow.Advance(ctx, identity, text)
		if err != nil || handled {
			return err
		}
		// The draft closed between the check and the advance; route normally.
	}

	if cmd, req, ok := r.commands.Lookup(identity, text); ok {
		r.metrics.ObserveRoute(metrics.RouteCommand)
		slog.Info("Router.route: side command", "identity", identity, "command", cmd.Name)
		r.out.text(ctx, identity, cmd.Run(ctx, req))
		return nil
	}

	if r.def.IsStart(text) {
		r.metrics.ObserveRoute(metrics.RouteStart)
		return r.flow.Start(ctx, identity, r.sessions.DisplayName(identity))
	}

	r.metrics.ObserveRoute(metrics.RouteFallback)
	r.out.text(ctx, identity, r.fallback.Reply(ctx, identity, text))
	return nil
}

func (r *Router) replyGenericError(ctx context.Context, identity string) {
	r.out.text(ctx, identity, r.def.Render("generic_error", MessageData{
		Name:     r.sessions.DisplayName(identity),
		Identity: identity,
	}))
}
