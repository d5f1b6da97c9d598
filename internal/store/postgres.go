// Package store provides storage backends for OrderPipe.
//
// This file implements a PostgreSQL-backed store for orders and flow state.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// SaveOrder inserts a new order row.
func (s *PostgresStore) SaveOrder(o *models.Order) error {
	if o == nil {
		return fmt.Errorf("order cannot be nil")
	}
	now := time.Now()
	if o.Reference == "" {
		o.Reference = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	err := s.db.QueryRow(`INSERT INTO orders (reference, customer_name, phone_number, meat_type, price_option, quantity,
		custom_cuts, payment_method, delivery_time, delivery_address, source, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING id`,
		o.Reference, nilIfEmpty(o.CustomerName), o.PhoneNumber, o.Item, o.PriceOption, o.Quantity,
		o.Portion, o.PaymentMethod, o.DeliveryTime, o.DeliveryAddress, string(o.Source), o.CreatedAt, o.UpdatedAt,
	).Scan(&o.ID)
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.Reference)
	}
	if err != nil {
		slog.Error("PostgresStore SaveOrder failed", "error", err, "phone", o.PhoneNumber)
		return fmt.Errorf("failed to insert order for %s: %w", o.PhoneNumber, err)
	}
	slog.Debug("PostgresStore SaveOrder succeeded", "id", o.ID, "reference", o.Reference)
	return nil
}

// ListOrders returns a page of orders ordered by id.
func (s *PostgresStore) ListOrders(limit, offset int) ([]models.Order, error) {
	var limitArg interface{}
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.Query(`SELECT `+orderColumns+` FROM orders ORDER BY id ASC LIMIT $1 OFFSET $2`, limitArg, offset)
	if err != nil {
		slog.Error("PostgresStore ListOrders query failed", "error", err)
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	return collectOrders(rows)
}

// OrdersSince returns orders created at or after since.
func (s *PostgresStore) OrdersSince(since time.Time) ([]models.Order, error) {
	rows, err := s.db.Query(`SELECT `+orderColumns+` FROM orders WHERE created_at >= $1 ORDER BY id ASC`, since)
	if err != nil {
		slog.Error("PostgresStore OrdersSince query failed", "error", err)
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	return collectOrders(rows)
}

func (s *PostgresStore) Ping() error {
	return s.db.Ping()
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

// SaveFlowState stores or updates flow state for a participant.
func (s *PostgresStore) SaveFlowState(state models.FlowState) error {
	query := `
		INSERT INTO flow_states (participant_id, flow_type, current_state, state_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (participant_id, flow_type)
		DO UPDATE SET
			current_state = EXCLUDED.current_state,
			state_data = EXCLUDED.state_data,
			updated_at = EXCLUDED.updated_at`

	raw, err := encodeStateData(state.StateData)
	if err != nil {
		slog.Error("PostgresStore SaveFlowState JSON marshal failed", "error", err, "participantID", state.ParticipantID)
		return fmt.Errorf("failed to encode flow state: %w", err)
	}

	_, err = s.db.Exec(query, state.ParticipantID, state.FlowType, state.CurrentState,
		nilIfEmpty(string(raw)), state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveFlowState failed", "error", err, "participantID", state.ParticipantID, "flowType", state.FlowType)
		return fmt.Errorf("failed to save flow state: %w", err)
	}
	slog.Debug("PostgresStore SaveFlowState succeeded", "participantID", state.ParticipantID, "flowType", state.FlowType, "state", state.CurrentState)
	return nil
}

// GetFlowState retrieves flow state for a participant.
func (s *PostgresStore) GetFlowState(participantID, flowType string) (*models.FlowState, error) {
	row := s.db.QueryRow(`SELECT participant_id, flow_type, current_state, state_data, created_at, updated_at
		FROM flow_states WHERE participant_id = $1 AND flow_type = $2`, participantID, flowType)
	state, err := scanFlowState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFlowState failed", "error", err, "participantID", participantID, "flowType", flowType)
		return nil, fmt.Errorf("failed to load flow state: %w", err)
	}
	return &state, nil
}

// DeleteFlowState removes flow state for a participant.
func (s *PostgresStore) DeleteFlowState(participantID, flowType string) error {
	_, err := s.db.Exec(`DELETE FROM flow_states WHERE participant_id = $1 AND flow_type = $2`, participantID, flowType)
	if err != nil {
		slog.Error("PostgresStore DeleteFlowState failed", "error", err, "participantID", participantID, "flowType", flowType)
		return fmt.Errorf("failed to delete flow state: %w", err)
	}
	return nil
}

// ListFlowStates returns all states for flowType.
func (s *PostgresStore) ListFlowStates(flowType string) ([]models.FlowState, error) {
	rows, err := s.db.Query(`SELECT participant_id, flow_type, current_state, state_data, created_at, updated_at
		FROM flow_states WHERE flow_type = $1 ORDER BY participant_id`, flowType)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow states: %w", err)
	}
	defer rows.Close()
	var out []models.FlowState
	for rows.Next() {
		st, err := scanFlowState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// DeleteFlowStatesBefore removes flowType states not updated since cutoff.
func (s *PostgresStore) DeleteFlowStatesBefore(flowType string, cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM flow_states WHERE flow_type = $1 AND updated_at < $2`, flowType, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale flow states: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
