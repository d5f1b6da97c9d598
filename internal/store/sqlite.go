// Package store provides storage backends for OrderPipe.
//
// This file implements an SQLite-backed store for orders and flow state.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection serializes writers and avoids SQLITE_BUSY under the worker pool.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// SaveOrder inserts a new order row.
func (s *SQLiteStore) SaveOrder(o *models.Order) error {
	if o == nil {
		return fmt.Errorf("order cannot be nil")
	}
	now := time.Now().UTC()
	if o.Reference == "" {
		o.Reference = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = now

	res, err := s.db.Exec(`INSERT INTO orders (reference, customer_name, phone_number, meat_type, price_option, quantity,
		custom_cuts, payment_method, delivery_time, delivery_address, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.Reference, nilIfEmpty(o.CustomerName), o.PhoneNumber, o.Item, o.PriceOption, o.Quantity,
		o.Portion, o.PaymentMethod, o.DeliveryTime, o.DeliveryAddress, string(o.Source), o.CreatedAt, o.UpdatedAt)
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.Reference)
	}
	if err != nil {
		slog.Error("SQLiteStore SaveOrder failed", "error", err, "phone", o.PhoneNumber)
		return fmt.Errorf("failed to insert order for %s: %w", o.PhoneNumber, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read order id: %w", err)
	}
	o.ID = id
	slog.Debug("SQLiteStore SaveOrder succeeded", "id", o.ID, "reference", o.Reference)
	return nil
}

// ListOrders returns a page of orders ordered by id.
func (s *SQLiteStore) ListOrders(limit, offset int) ([]models.Order, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.Query(`SELECT `+orderColumns+` FROM orders ORDER BY id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		slog.Error("SQLiteStore ListOrders query failed", "error", err)
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	return collectOrders(rows)
}

// OrdersSince returns orders created at or after since.
func (s *SQLiteStore) OrdersSince(since time.Time) ([]models.Order, error) {
	rows, err := s.db.Query(`SELECT `+orderColumns+` FROM orders WHERE created_at >= ? ORDER BY id ASC`, since.UTC())
	if err != nil {
		slog.Error("SQLiteStore OrdersSince query failed", "error", err)
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	return collectOrders(rows)
}

func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

// SaveFlowState stores or updates flow state for a participant.
func (s *SQLiteStore) SaveFlowState(state models.FlowState) error {
	query := `
		INSERT INTO flow_states (participant_id, flow_type, current_state, state_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (participant_id, flow_type)
		DO UPDATE SET current_state = excluded.current_state, state_data = excluded.state_data, updated_at = excluded.updated_at`

	raw, err := encodeStateData(state.StateData)
	if err != nil {
		slog.Error("SQLiteStore SaveFlowState JSON marshal failed", "error", err, "participantID", state.ParticipantID)
		return fmt.Errorf("failed to encode flow state: %w", err)
	}

	_, err = s.db.Exec(query, state.ParticipantID, state.FlowType, state.CurrentState,
		nilIfEmpty(string(raw)), state.CreatedAt.UTC(), state.UpdatedAt.UTC())
	if err != nil {
		slog.Error("SQLiteStore SaveFlowState failed", "error", err, "participantID", state.ParticipantID, "flowType", state.FlowType)
		return fmt.Errorf("failed to save flow state: %w", err)
	}
	slog.Debug("SQLiteStore SaveFlowState succeeded", "participantID", state.ParticipantID, "flowType", state.FlowType, "state", state.CurrentState)
	return nil
}

// GetFlowState retrieves flow state for a participant.
func (s *SQLiteStore) GetFlowState(participantID, flowType string) (*models.FlowState, error) {
	row := s.db.QueryRow(`SELECT participant_id, flow_type, current_state, state_data, created_at, updated_at
		FROM flow_states WHERE participant_id = ? AND flow_type = ?`, participantID, flowType)
	state, err := scanFlowState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlowState failed", "error", err, "participantID", participantID, "flowType", flowType)
		return nil, fmt.Errorf("failed to load flow state: %w", err)
	}
	return &state, nil
}

// DeleteFlowState removes flow state for a participant.
func (s *SQLiteStore) DeleteFlowState(participantID, flowType string) error {
	_, err := s.db.Exec(`DELETE FROM flow_states WHERE participant_id = ? AND flow_type = ?`, participantID, flowType)
	if err != nil {
		slog.Error("SQLiteStore DeleteFlowState failed", "error", err, "participantID", participantID, "flowType", flowType)
		return fmt.Errorf("failed to delete flow state: %w", err)
	}
	slog.Debug("SQLiteStore DeleteFlowState succeeded", "participantID", participantID, "flowType", flowType)
	return nil
}

// ListFlowStates returns all states for flowType.
func (s *SQLiteStore) ListFlowStates(flowType string) ([]models.FlowState, error) {
	rows, err := s.db.Query(`SELECT participant_id, flow_type, current_state, state_data, created_at, updated_at
		FROM flow_states WHERE flow_type = ? ORDER BY participant_id`, flowType)
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
func (s *SQLiteStore) DeleteFlowStatesBefore(flowType string, cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM flow_states WHERE flow_type = ? AND updated_at < ?`, flowType, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale flow states: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
