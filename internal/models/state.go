// Package models defines state management structures for OrderPipe flows.
package models

import "time"

// FlowType identifies a flow whose per-participant state is persisted.
type FlowType string

// FlowTypeOrder is the order collection flow.
const FlowTypeOrder FlowType = "order"

// Data keys stored alongside answers in an order flow state.
const (
	DataKeyCustomerName   = "_customer_name"
	DataKeyStepIndex      = "_step_index"
	DataKeyOrderReference = "_order_reference"
)

// FlowState represents the current state of a participant in a flow.
type FlowState struct {
	ParticipantID string            `json:"participant_id"`
	FlowType      string            `json:"flow_type"`
	CurrentState  string            `json:"current_state"`
	StateData     map[string]string `json:"state_data,omitempty"` // Additional state-specific data
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}
