package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

const orderColumns = `id, reference, customer_name, phone_number, meat_type, price_option, quantity,
	custom_cuts, payment_method, delivery_time, delivery_address, source, created_at, updated_at`

const notificationColumns = `id, recipient, kind, body, status, attempts, next_attempt_at, dedupe_key,
	locked_at, last_error, created_at, updated_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func scanOrder(row rowScanner) (models.Order, error) {
	var o models.Order
	var name, item, price, qty, cuts, payment, dtime, addr, source sql.NullString
	err := row.Scan(
		&o.ID, &o.Reference, &name, &o.PhoneNumber, &item, &price, &qty,
		&cuts, &payment, &dtime, &addr, &source, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return o, fmt.Errorf("scan order failed: %w", err)
	}
	o.CustomerName = name.String
	o.Item = item.String
	o.PriceOption = price.String
	o.Quantity = qty.String
	o.Portion = cuts.String
	o.PaymentMethod = payment.String
	o.DeliveryTime = dtime.String
	o.DeliveryAddress = addr.String
	o.Source = models.OrderSource(source.String)
	return o, nil
}

func collectOrders(rows *sql.Rows) ([]models.Order, error) {
	defer rows.Close()
	orders := []models.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate order rows: %w", err)
	}
	return orders, nil
}

func scanNotification(row rowScanner) (Notification, error) {
	var n Notification
	var dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&n.ID, &n.Recipient, &n.Kind, &n.Body, &n.Status, &n.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return n, fmt.Errorf("scan notification failed: %w", err)
	}
	n.DedupeKey = dedupeKey.String
	n.LastError = lastError.String
	if nextAttemptAt.Valid {
		n.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		n.LockedAt = &lockedAt.Time
	}
	return n, nil
}

// encodeStateData converts a state data map to JSON; empty maps encode as nil.
func encodeStateData(data map[string]string) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return json.Marshal(data)
}

// decodeStateData converts stored JSON back into a map. Corrupt data yields an empty map.
func decodeStateData(raw []byte, participantID string) map[string]string {
	data := make(map[string]string)
	if len(raw) == 0 {
		return data
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		slog.Error("store: flow state JSON unmarshal failed", "error", err, "participantID", participantID)
		return make(map[string]string)
	}
	return data
}

func scanFlowState(row rowScanner) (models.FlowState, error) {
	var state models.FlowState
	var raw []byte
	if err := row.Scan(&state.ParticipantID, &state.FlowType, &state.CurrentState, &raw, &state.CreatedAt, &state.UpdatedAt); err != nil {
		return state, err
	}
	state.StateData = decodeStateData(raw, state.ParticipantID)
	return state, nil
}
