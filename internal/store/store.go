// Package store provides storage backends for OrderPipe.
//
// It includes an in-memory store and SQL-backed stores (SQLite and PostgreSQL)
// for persisted orders, order-flow state, inbound deduplication and the
// notification outbox.
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateOrder is returned by SaveOrder when the order's reference is already stored.
var ErrDuplicateOrder = errors.New("order reference already stored")

// OrderStore persists committed orders.
type OrderStore interface {
	// SaveOrder inserts o with a single write, filling in ID, Reference and timestamps.
	SaveOrder(o *models.Order) error
	// ListOrders returns orders ordered by id, paged by limit and offset.
	ListOrders(limit, offset int) ([]models.Order, error)
	// OrdersSince returns all orders created at or after since.
	OrdersSince(since time.Time) ([]models.Order, error)
	// Ping reports whether the backing database is reachable.
	Ping() error
}

// FlowStateStore persists per-participant flow state.
// GetFlowState returns (nil, nil) when no state exists.
type FlowStateStore interface {
	SaveFlowState(state models.FlowState) error
	GetFlowState(participantID, flowType string) (*models.FlowState, error)
	DeleteFlowState(participantID, flowType string) error
	ListFlowStates(flowType string) ([]models.FlowState, error)
	// DeleteFlowStatesBefore removes states of flowType not updated since cutoff.
	DeleteFlowStatesBefore(flowType string, cutoff time.Time) (int, error)
}

// Store is the full set of persistence capabilities used by OrderPipe.
type Store interface {
	OrderStore
	FlowStateStore
	DedupRepo
	OutboxRepo
	Close() error
}

// Opts holds configuration options for SQL-backed stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") && strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open selects a backend for dsn: in-memory when empty, PostgreSQL or SQLite otherwise.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
