// Package api provides the HTTP server for OrderPipe: messaging webhooks,
// direct order submission, dashboard endpoints and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/delivery"
	"github.com/BTreeMap/OrderPipe/internal/messaging"
	"github.com/BTreeMap/OrderPipe/internal/metrics"
	"github.com/BTreeMap/OrderPipe/internal/session"
	"github.com/BTreeMap/OrderPipe/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// Server defaults.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultReadTimeout     = 15 * time.Second
	DefaultOrdersLimit     = 50
)

// PendingCounter reports the number of open order drafts.
type PendingCounter interface {
	PendingCount() int
}

// Server serves OrderPipe's HTTP endpoints.
type Server struct {
	addr       string
	msgService messaging.Service
	orders     store.OrderStore
	outbox     store.OutboxRepo
	sessions   *session.Store
	pending    PendingCounter
	quotes     *delivery.Calculator
	summarizer session.Summarizer
	cloud      *messaging.CloudService
	twilio     *messaging.TwilioService
	gatherer   prometheus.Gatherer
	metrics    *metrics.Recorder

	transportReady func() bool
	aiConfigured   bool

	now func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithCloudWebhook serves /webhook from the Cloud API service.
func WithCloudWebhook(svc *messaging.CloudService) Option {
	return func(s *Server) { s.cloud = svc }
}

// WithTwilioWebhook serves /twilio/webhook from the Twilio service.
func WithTwilioWebhook(svc *messaging.TwilioService) Option {
	return func(s *Server) { s.twilio = svc }
}

// WithSessions exposes transcripts and display names.
func WithSessions(st *session.Store) Option {
	return func(s *Server) { s.sessions = st }
}

// WithPendingCounter reports open drafts in /system-status.
func WithPendingCounter(p PendingCounter) Option {
	return func(s *Server) { s.pending = p }
}

// WithDeliveryQuotes enables /calculate-delivery.
func WithDeliveryQuotes(c *delivery.Calculator) Option {
	return func(s *Server) { s.quotes = c }
}

// WithSummarizer enables the session summarization debug endpoint.
func WithSummarizer(sum session.Summarizer) Option {
	return func(s *Server) { s.summarizer = sum }
}

// WithOutbox queues order confirmations instead of sending them inline.
func WithOutbox(repo store.OutboxRepo) Option {
	return func(s *Server) { s.outbox = repo }
}

// WithMetrics serves /metrics from g and records order metrics on m.
func WithMetrics(g prometheus.Gatherer, m *metrics.Recorder) Option {
	return func(s *Server) {
		s.gatherer = g
		s.metrics = m
	}
}

// WithStatus sets the integration state reported by /system-status.
// transportReady is polled on every request.
func WithStatus(transportReady func() bool, aiConfigured bool) Option {
	return func(s *Server) {
		s.transportReady = transportReady
		s.aiConfigured = aiConfigured
	}
}

// NewServer creates a Server. msgService sends order confirmations; orders
// backs /orders, /analytics and /submit-order.
func NewServer(msgService messaging.Service, orders store.OrderStore, opts ...Option) *Server {
	s := &Server{
		addr:       DefaultAddr,
		msgService: msgService,
		orders:     orders,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterRoutes adds every endpoint to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if s.cloud != nil {
		mux.HandleFunc("/webhook", s.cloud.WebhookHandler)
	}
	if s.twilio != nil {
		mux.HandleFunc("/twilio/webhook", s.twilio.TwilioWebhookHandler)
	}
	mux.HandleFunc("/submit-order", s.submitOrderHandler)
	mux.HandleFunc("/orders", s.ordersHandler)
	mux.HandleFunc("/analytics", s.analyticsHandler)
	mux.HandleFunc("/system-status", s.systemStatusHandler)
	mux.HandleFunc("/customer-names", s.customerNamesHandler)
	mux.HandleFunc("/chats", s.chatsHandler)
	mux.HandleFunc("/debug/session-store", s.debugSessionStoreHandler)
	mux.HandleFunc("/debug/session-store/summarize", s.summarizeHandler)
	mux.HandleFunc("/calculate-delivery", s.calculateDeliveryHandler)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the routed handler wrapped in the request-id middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return withRequestID(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server.Run: listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		slog.Info("Server.Run: shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
