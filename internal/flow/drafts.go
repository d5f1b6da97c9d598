package flow

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/store"
)

// DraftStore persists order drafts as flow states so an interrupted
// conversation resumes at the same step after a restart.
type DraftStore struct {
	states store.FlowStateStore
	def    *Definition
}

// NewDraftStore creates a DraftStore.
func NewDraftStore(states store.FlowStateStore, def *Definition) *DraftStore {
	return &DraftStore{states: states, def: def}
}

// Get returns the identity's draft or nil when none exists.
func (s *DraftStore) Get(identity string) (*models.OrderDraft, error) {
	fs, err := s.states.GetFlowState(identity, string(models.FlowTypeOrder))
	if err != nil {
		return nil, fmt.Errorf("failed to load draft for %s: %w", identity, err)
	}
	if fs == nil {
		return nil, nil
	}
	d := s.fromState(*fs)
	return &d, nil
}

// Save writes the draft, replacing any previous one for the identity.
func (s *DraftStore) Save(d *models.OrderDraft) error {
	if d.StepIndex < 0 || d.StepIndex >= s.def.StepCount() {
		return fmt.Errorf("draft for %s has step index %d out of range", d.Identity, d.StepIndex)
	}
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	data := make(map[string]string, len(d.Answers)+2)
	for k, v := range d.Answers {
		data[k] = v
	}
	data[models.DataKeyStepIndex] = strconv.Itoa(d.StepIndex)
	if d.CustomerName != "" {
		data[models.DataKeyCustomerName] = d.CustomerName
	}
	if d.OrderReference != "" {
		data[models.DataKeyOrderReference] = d.OrderReference
	}
	err := s.states.SaveFlowState(models.FlowState{
		ParticipantID: d.Identity,
		FlowType:      string(models.FlowTypeOrder),
		CurrentState:  s.def.Steps[d.StepIndex].Name,
		StateData:     data,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to save draft for %s: %w", d.Identity, err)
	}
	return nil
}

// Delete removes the identity's draft.
func (s *DraftStore) Delete(identity string) error {
	if err := s.states.DeleteFlowState(identity, string(models.FlowTypeOrder)); err != nil {
		return fmt.Errorf("failed to delete draft for %s: %w", identity, err)
	}
	return nil
}

// List returns every stored draft.
func (s *DraftStore) List() ([]models.OrderDraft, error) {
	states, err := s.states.ListFlowStates(string(models.FlowTypeOrder))
	if err != nil {
		return nil, fmt.Errorf("failed to list drafts: %w", err)
	}
	out := make([]models.OrderDraft, 0, len(states))
	for _, fs := range states {
		out = append(out, s.fromState(fs))
	}
	return out, nil
}

// DeleteIdleSince removes drafts not updated since cutoff.
func (s *DraftStore) DeleteIdleSince(cutoff time.Time) (int, error) {
	return s.states.DeleteFlowStatesBefore(string(models.FlowTypeOrder), cutoff)
}

// fromState rebuilds a draft. The step index comes from the stored index,
// or from the step name when the index is missing or unreadable.
func (s *DraftStore) fromState(fs models.FlowState) models.OrderDraft {
	d := models.OrderDraft{
		Identity:  fs.ParticipantID,
		Answers:   make(map[string]string),
		CreatedAt: fs.CreatedAt,
		UpdatedAt: fs.UpdatedAt,
	}
	idx := -1
	for k, v := range fs.StateData {
		switch {
		case k == models.DataKeyStepIndex:
			if n, err := strconv.Atoi(v); err == nil {
				idx = n
			}
		case k == models.DataKeyCustomerName:
			d.CustomerName = v
		case k == models.DataKeyOrderReference:
			d.OrderReference = v
		case strings.HasPrefix(k, "_"):
		default:
			d.Answers[k] = v
		}
	}
	if idx < 0 || idx >= s.def.StepCount() {
		if i, ok := s.def.StepIndex(fs.CurrentState); ok {
			idx = i
		} else {
			slog.Warn("DraftStore.fromState: unknown step, restarting draft", "identity", fs.ParticipantID, "state", fs.CurrentState)
			idx = 0
		}
	}
	d.StepIndex = idx
	return d
}
