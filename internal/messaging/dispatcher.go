package messaging

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/BTreeMap/OrderPipe/internal/metrics"
	"github.com/BTreeMap/OrderPipe/internal/models"
)

// Dispatcher defaults.
const (
	DefaultDispatchWorkers   = 4
	DefaultDispatchQueueSize = 64
)

// Handler processes one normalized inbound message.
type Handler interface {
	Handle(ctx context.Context, msg models.InboundMessage) error
}

// Dispatcher moves inbound messages from a Service onto a bounded pool of
// workers. Messages are sharded by identity, so one sender's messages are
// handled in arrival order by a single worker.
type Dispatcher struct {
	handler   Handler
	workers   int
	queueSize int
	metrics   *metrics.Recorder
	depth     atomic.Int64
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWorkers sets the number of workers. Values below 1 are ignored.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithQueueSize sets the per-worker queue capacity. Values below 1 are ignored.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithDispatchMetrics reports the queue depth to m.
func WithDispatchMetrics(m *metrics.Recorder) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// NewDispatcher creates a Dispatcher for handler.
func NewDispatcher(handler Handler, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handler:   handler,
		workers:   DefaultDispatchWorkers,
		queueSize: DefaultDispatchQueueSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Depth returns the number of queued or in-flight messages.
func (d *Dispatcher) Depth() int {
	return int(d.depth.Load())
}

func (d *Dispatcher) shard(identity string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return int(h.Sum32() % uint32(d.workers))
}

// Run consumes svc's responses and receipts until both channels close or
// ctx is cancelled. Queued messages are drained before Run returns.
func (d *Dispatcher) Run(ctx context.Context, svc Service) error {
	queues := make([]chan models.InboundMessage, d.workers)
	var wg sync.WaitGroup
	// In-flight work outlives cancellation so a reply is never cut off mid-send.
	workCtx := context.WithoutCancel(ctx)
	for i := range queues {
		queues[i] = make(chan models.InboundMessage, d.queueSize)
		wg.Add(1)
		go func(q <-chan models.InboundMessage) {
			defer wg.Done()
			for msg := range q {
				d.handle(workCtx, msg)
			}
		}(queues[i])
	}
	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
		slog.Info("Dispatcher.Run: workers stopped")
	}()

	slog.Info("Dispatcher.Run: started", "workers", d.workers, "queue_size", d.queueSize)
	responses := svc.Responses()
	receipts := svc.Receipts()
	for responses != nil || receipts != nil {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-responses:
			if !ok {
				responses = nil
				continue
			}
			msg := models.InboundFromResponse(r)
			d.depth.Add(1)
			d.metrics.SetQueueDepth(d.Depth())
			select {
			case queues[d.shard(msg.Identity)] <- msg:
			case <-ctx.Done():
				d.depth.Add(-1)
				return nil
			}
		case rc, ok := <-receipts:
			if !ok {
				receipts = nil
				continue
			}
			slog.Debug("Dispatcher.Run: receipt", "to", rc.To, "status", rc.Status)
		}
	}
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, msg models.InboundMessage) {
	defer func() {
		d.depth.Add(-1)
		d.metrics.SetQueueDepth(d.Depth())
	}()
	if err := d.handler.Handle(ctx, msg); err != nil {
		slog.Error("Dispatcher.handle: handler failed", "identity", msg.Identity, "id", msg.ID, "error", err)
	}
}
