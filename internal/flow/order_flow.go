package flow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/delivery"
	"github.com/BTreeMap/OrderPipe/internal/metrics"
	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/receipt"
	"github.com/BTreeMap/OrderPipe/internal/store"
	"github.com/google/uuid"
)

// OrderFlow drives one order draft per identity through the configured steps
// to the confirmation gate, then commits or cancels it.
type OrderFlow struct {
	def      *Definition
	drafts   *DraftStore
	orders   store.OrderStore
	out      outbound
	outbox   store.OutboxRepo
	agent    string
	receipts ReceiptRenderer
	names    NameResolver
	targets  *delivery.LatestTargets
	metrics  *metrics.Recorder
	locks    *KeyedMutex
}

// OrderFlowOption configures an OrderFlow.
type OrderFlowOption func(*OrderFlow)

// WithAgentForwarding forwards committed orders to agent through outbox.
// A nil outbox sends directly through the notifier.
func WithAgentForwarding(agent string, outbox store.OutboxRepo) OrderFlowOption {
	return func(f *OrderFlow) {
		f.agent = strings.TrimSpace(agent)
		f.outbox = outbox
	}
}

// WithReceipts enables PDF receipts.
func WithReceipts(r ReceiptRenderer) OrderFlowOption {
	return func(f *OrderFlow) { f.receipts = r }
}

// WithNameResolver sets where customer names are looked up at commit time.
func WithNameResolver(n NameResolver) OrderFlowOption {
	return func(f *OrderFlow) { f.names = n }
}

// WithDeliveryTargets records each draft's address and weight for distance questions.
func WithDeliveryTargets(t *delivery.LatestTargets) OrderFlowOption {
	return func(f *OrderFlow) { f.targets = t }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) OrderFlowOption {
	return func(f *OrderFlow) { f.metrics = m }
}

// WithSendTimeout overrides DefaultSendTimeout.
func WithSendTimeout(d time.Duration) OrderFlowOption {
	return func(f *OrderFlow) { f.out.timeout = d }
}

// NewOrderFlow creates an OrderFlow.
func NewOrderFlow(def *Definition, drafts *DraftStore, orders store.OrderStore, notifier Notifier, opts ...OrderFlowOption) *OrderFlow {
	f := &OrderFlow{
		def:    def,
		drafts: drafts,
		orders: orders,
		out:    outbound{n: notifier, timeout: DefaultSendTimeout},
		locks:  NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Draft returns the identity's draft or nil.
func (f *OrderFlow) Draft(identity string) (*models.OrderDraft, error) {
	return f.drafts.Get(identity)
}

// HasDraft reports whether the identity has an order in progress.
func (f *OrderFlow) HasDraft(identity string) (bool, error) {
	d, err := f.drafts.Get(identity)
	if err != nil {
		return false, err
	}
	return d != nil, nil
}

// PendingCount returns the number of drafts in progress.
func (f *OrderFlow) PendingCount() int {
	drafts, err := f.drafts.List()
	if err != nil {
		slog.Error("OrderFlow.PendingCount: list failed", "error", err)
		return 0
	}
	return len(drafts)
}

// Start opens a draft and sends the welcome and first prompt. When a draft
// already exists it is left untouched and the customer is reminded of the
// current step.
func (f *OrderFlow) Start(ctx context.Context, identity, name string) error {
	unlock := f.locks.Lock(identity)
	defer unlock()

	existing, err := f.drafts.Get(identity)
	if err != nil {
		return err
	}
	data := MessageData{Name: name, Identity: identity}
	if existing != nil {
		slog.Info("OrderFlow.Start: draft already in progress", "identity", identity, "step", existing.StepIndex)
		f.out.text(ctx, identity, f.def.Render("already_in_progress", data)+"\n\n"+f.promptFor(*existing))
		return nil
	}

	d := &models.OrderDraft{
		Identity:     identity,
		StepIndex:    0,
		Answers:      make(map[string]string),
		CustomerName: name,
	}
	if err := f.drafts.Save(d); err != nil {
		return err
	}
	slog.Info("OrderFlow.Start: draft created", "identity", identity)
	f.out.text(ctx, identity, f.def.Render("welcome", data))
	f.out.text(ctx, identity, f.def.Steps[0].Prompt)
	return nil
}

// Advance applies one inbound message to the identity's draft. It returns
// false when no draft exists.
func (f *OrderFlow) Advance(ctx context.Context, identity, text string) (bool, error) {
	unlock := f.locks.Lock(identity)
	defer unlock()

	d, err := f.drafts.Get(identity)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}
	if d.CustomerName == "" && f.names != nil {
		d.CustomerName = f.names.DisplayName(identity)
	}
	data := MessageData{Name: d.CustomerName, Identity: identity, Answers: d.Answers}

	if d.StepIndex == f.def.ConfirmationIndex() {
		if f.def.IsAffirmative(text) {
			return true, f.commit(ctx, d)
		}
		return true, f.cancel(ctx, d, data)
	}

	if f.def.IsCancel(text) {
		return true, f.cancel(ctx, d, data)
	}

	step := f.def.Steps[d.StepIndex].Name
	d.Answers[step] = strings.TrimSpace(text)
	d.StepIndex++
	if d.StepIndex == f.def.ConfirmationIndex() && d.OrderReference == "" {
		d.OrderReference = uuid.NewString()
	}
	if err := f.drafts.Save(d); err != nil {
		return true, err
	}
	slog.Debug("OrderFlow.Advance: step recorded", "identity", identity, "step", step, "next", d.StepIndex)
	f.rememberTarget(d)
	f.out.text(ctx, identity, f.promptFor(*d))
	return true, nil
}

// promptFor returns the prompt for the draft's current step, rendering the
// summary at the confirmation step.
func (f *OrderFlow) promptFor(d models.OrderDraft) string {
	if d.StepIndex == f.def.ConfirmationIndex() {
		return f.def.Render("summary", MessageData{Name: d.CustomerName, Identity: d.Identity, Answers: d.Answers})
	}
	return f.def.Steps[d.StepIndex].Prompt
}

func (f *OrderFlow) rememberTarget(d *models.OrderDraft) {
	if f.targets == nil {
		return
	}
	addr, okAddr := d.Answers[models.StepDeliveryAddress]
	qty, okQty := d.Answers[models.StepQuantity]
	if !okAddr || !okQty || addr == "" {
		return
	}
	f.targets.Remember(d.Identity, delivery.Target{Location: addr, WeightKg: delivery.ParseWeight(qty)})
}

func (f *OrderFlow) cancel(ctx context.Context, d *models.OrderDraft, data MessageData) error {
	if err := f.drafts.Delete(d.Identity); err != nil {
		return err
	}
	slog.Info("OrderFlow.cancel: draft discarded", "identity", d.Identity, "step", d.StepIndex)
	f.metrics.ObserveDraftClosed("cancelled", 1)
	f.out.text(ctx, d.Identity, f.def.Render("cancelled", data))
	return nil
}

// commit persists the order and then notifies the customer, the agent and
// sends the receipt. A persistence failure keeps the draft at confirmation.
func (f *OrderFlow) commit(ctx context.Context, d *models.OrderDraft) error {
	if f.names != nil {
		if n := f.names.DisplayName(d.Identity); n != "" {
			d.CustomerName = n
		}
	}
	data := MessageData{Name: d.CustomerName, Identity: d.Identity, Answers: d.Answers}

	order := d.ToOrder()
	err := f.orders.SaveOrder(&order)
	if errors.Is(err, store.ErrDuplicateOrder) {
		// An earlier confirmation stored the order but could not clear the draft.
		slog.Warn("OrderFlow.commit: order already stored", "identity", d.Identity, "reference", order.Reference)
		if err := f.drafts.Delete(d.Identity); err != nil {
			return err
		}
		f.out.text(ctx, d.Identity, f.def.Render("confirmed", data))
		return nil
	}
	if err != nil {
		slog.Error("OrderFlow.commit: persist failed", "identity", d.Identity, "error", err)
		f.metrics.ObserveOrder(string(models.OrderSourceChat), false)
		if serr := f.drafts.Save(d); serr != nil {
			slog.Error("OrderFlow.commit: draft save failed", "identity", d.Identity, "error", serr)
		}
		f.out.text(ctx, d.Identity, f.def.Render("persist_failed", data))
		return nil
	}
	f.metrics.ObserveOrder(string(models.OrderSourceChat), true)
	slog.Info("OrderFlow.commit: order persisted", "identity", d.Identity, "orderID", order.ID, "reference", order.Reference)

	f.out.text(ctx, d.Identity, f.def.Render("confirmed", data))
	f.forwardToAgent(ctx, order, data)

	if f.receipts != nil {
		doc, err := f.receipts.Render(order)
		if err != nil {
			slog.Error("OrderFlow.commit: receipt render failed", "identity", d.Identity, "orderID", order.ID, "error", err)
		} else {
			f.out.document(ctx, d.Identity, doc, receipt.Caption)
		}
	}

	if err := f.drafts.Delete(d.Identity); err != nil {
		slog.Error("OrderFlow.commit: order persisted but draft not cleared", "identity", d.Identity, "orderID", order.ID, "reference", order.Reference, "error", err)
	}
	return nil
}

func (f *OrderFlow) forwardToAgent(ctx context.Context, order models.Order, data MessageData) {
	if f.agent == "" {
		return
	}
	body := f.def.Render("agent_forward", data)
	if f.outbox != nil {
		id, err := f.outbox.EnqueueNotification(f.agent, store.NotificationKindAgentForward, body, "order-"+order.Reference)
		if err != nil {
			slog.Error("OrderFlow.forwardToAgent: enqueue failed", "orderID", order.ID, "error", err)
			return
		}
		slog.Debug("OrderFlow.forwardToAgent: queued", "orderID", order.ID, "notificationID", id)
		return
	}
	ok := f.out.text(ctx, f.agent, body)
	f.metrics.ObserveNotification(store.NotificationKindAgentForward, ok)
}
