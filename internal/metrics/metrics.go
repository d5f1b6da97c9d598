// Package metrics provides Prometheus metrics for message routing, orders and
// outbound notifications.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Route labels.
const (
	RouteDraft     = "draft"
	RouteCommand   = "command"
	RouteStart     = "start"
	RouteFallback  = "fallback"
	RouteDuplicate = "duplicate"
)

// Recorder records OrderPipe metrics. A nil *Recorder is a no-op.
type Recorder struct {
	messagesTotal      *prometheus.CounterVec
	ordersTotal        *prometheus.CounterVec
	draftsClosed       *prometheus.CounterVec
	responderTotal     *prometheus.CounterVec
	responderDuration  prometheus.Histogram
	notificationsTotal *prometheus.CounterVec
	queueDepth         prometheus.Gauge
}

// NewRecorder registers the metrics with reg. A nil reg uses the default registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		messagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderpipe_inbound_messages_total",
				Help: "Inbound messages by routing decision",
			},
			[]string{"route"},
		),
		ordersTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderpipe_orders_total",
				Help: "Persisted orders by source and status",
			},
			[]string{"source", "status"},
		),
		draftsClosed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderpipe_order_drafts_closed_total",
				Help: "Order drafts closed without an order, by reason",
			},
			[]string{"reason"},
		),
		responderTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderpipe_responder_requests_total",
				Help: "Language model fallback requests by status",
			},
			[]string{"status"},
		),
		responderDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orderpipe_responder_duration_seconds",
				Help:    "Duration of language model fallback requests",
				Buckets: prometheus.DefBuckets,
			},
		),
		notificationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderpipe_notifications_total",
				Help: "Outbound notifications by kind and status",
			},
			[]string{"kind", "status"},
		),
		queueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "orderpipe_dispatch_queue_depth",
				Help: "Inbound messages waiting for a dispatch worker",
			},
		),
	}
}

// ObserveRoute counts one inbound message handled by route.
func (r *Recorder) ObserveRoute(route string) {
	if r == nil {
		return
	}
	r.messagesTotal.WithLabelValues(route).Inc()
}

// ObserveOrder counts a persist attempt.
func (r *Recorder) ObserveOrder(source string, success bool) {
	if r == nil {
		return
	}
	r.ordersTotal.WithLabelValues(source, statusLabel(success)).Inc()
}

// ObserveDraftClosed counts a draft closed for reason ("cancelled", "expired").
func (r *Recorder) ObserveDraftClosed(reason string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.draftsClosed.WithLabelValues(reason).Add(float64(n))
}

// ObserveResponder records a fallback completion.
func (r *Recorder) ObserveResponder(success bool, d time.Duration) {
	if r == nil {
		return
	}
	r.responderTotal.WithLabelValues(statusLabel(success)).Inc()
	r.responderDuration.Observe(d.Seconds())
}

// ObserveNotification counts an outbound notification attempt.
func (r *Recorder) ObserveNotification(kind string, success bool) {
	if r == nil {
		return
	}
	r.notificationsTotal.WithLabelValues(kind, statusLabel(success)).Inc()
}

// SetQueueDepth reports the dispatch backlog.
func (r *Recorder) SetQueueDepth(n int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(n))
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
