package flow

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultDefinition(t *testing.T) {
	def := mustDefaultDefinition(t)

	want := []string{"item", "quantity", "portion", "price", "delivery_address", "delivery_time", "payment_method", "confirmation"}
	if def.StepCount() != len(want) {
		t.Fatalf("StepCount() = %d, want %d", def.StepCount(), len(want))
	}
	for i, name := range want {
		if def.Steps[i].Name != name {
			t.Errorf("step %d = %q, want %q", i, def.Steps[i].Name, name)
		}
	}
	if def.ConfirmationIndex() != len(want)-1 {
		t.Errorf("ConfirmationIndex() = %d", def.ConfirmationIndex())
	}
	if i, ok := def.StepIndex("price"); !ok || i != 3 {
		t.Errorf("StepIndex(price) = %d, %v", i, ok)
	}
	if def.Hours() == nil {
		t.Error("Hours() is nil")
	}
}

func TestDefinition_TokenMatching(t *testing.T) {
	def := mustDefaultDefinition(t)

	tests := []struct {
		text        string
		start       bool
		affirmative bool
		cancel      bool
	}{
		{"order", true, false, false},
		{"Order 5kg beef please", true, false, false},
		{"  ORDER", true, false, false},
		{"I want to order", false, false, false},
		{"yes", false, true, false},
		{" Y ", false, true, false},
		{"confirm_order", false, true, false},
		{"yes please", false, false, false},
		{"cancel", false, false, true},
		{"Cancel_Order", false, false, true},
		{"no", false, false, false},
	}
	for _, tt := range tests {
		if got := def.IsStart(tt.text); got != tt.start {
			t.Errorf("IsStart(%q) = %v, want %v", tt.text, got, tt.start)
		}
		if got := def.IsAffirmative(tt.text); got != tt.affirmative {
			t.Errorf("IsAffirmative(%q) = %v, want %v", tt.text, got, tt.affirmative)
		}
		if got := def.IsCancel(tt.text); got != tt.cancel {
			t.Errorf("IsCancel(%q) = %v, want %v", tt.text, got, tt.cancel)
		}
	}
}

func TestDefinition_Render(t *testing.T) {
	def := mustDefaultDefinition(t)

	if got := def.Render("confirmed", MessageData{Name: "Tendai"}); got != "✅ Your order has been confirmed, Tendai. Thank you!" {
		t.Errorf("confirmed = %q", got)
	}
	if got := def.Render("confirmed", MessageData{}); got != "✅ Your order has been confirmed. Thank you!" {
		t.Errorf("confirmed without name = %q", got)
	}
	summary := def.Render("summary", MessageData{
		Name:     "Tendai",
		Identity: "263771111111",
		Answers:  map[string]string{"item": "Beef", "payment_method": "Cash"},
	})
	for _, want := range []string{"Name: Tendai", "Phone: 263771111111", "Meat: Beef", "Payment: Cash", "Quantity: \n"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}
	if got := def.Render("nope", MessageData{}); got != "" {
		t.Errorf("unknown message = %q, want empty", got)
	}
}

func TestParseDefinition_Invalid(t *testing.T) {
	valid := `
steps:
  - name: item
    prompt: "What?"
  - name: confirmation
start_triggers: [order]
affirmative_tokens: [yes]
messages: {welcome: w, already_in_progress: a, summary: s, confirmed: c, cancelled: x, persist_failed: p, agent_forward: f, generic_error: g, fallback_apology: b}
store_hours: {timezone: UTC, open: "08:00", close: {monday: "17:00"}}
`
	if _, err := ParseDefinition([]byte(valid)); err != nil {
		t.Fatalf("valid definition rejected: %v", err)
	}

	tests := []struct {
		name string
		yaml string
	}{
		{"single step", strings.Replace(valid, "  - name: item\n    prompt: \"What?\"\n", "", 1)},
		{"confirmation not last", strings.Replace(valid, "  - name: confirmation", "  - name: item2\n    prompt: x", 1)},
		{"duplicate step", strings.Replace(valid, "  - name: confirmation", "  - name: item\n    prompt: x\n  - name: confirmation", 1)},
		{"missing prompt", strings.Replace(valid, `prompt: "What?"`, `prompt: ""`, 1)},
		{"no triggers", strings.Replace(valid, "start_triggers: [order]", "start_triggers: []", 1)},
		{"no affirmative", strings.Replace(valid, "affirmative_tokens: [yes]", "affirmative_tokens: []", 1)},
		{"empty message", strings.Replace(valid, "welcome: w,", "welcome: '',", 1)},
		{"bad template", strings.Replace(valid, "welcome: w,", "welcome: '{{.Name',", 1)},
		{"bad timezone", strings.Replace(valid, "timezone: UTC", "timezone: Mars/Olympus", 1)},
		{"bad close", strings.Replace(valid, `monday: "17:00"`, `funday: "17:00"`, 1)},
		{"malformed yaml", "steps: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.name != "malformed yaml" && !errors.Is(err, ErrInvalidDefinition) {
				t.Errorf("error %v is not ErrInvalidDefinition", err)
			}
		})
	}
}

func TestLoadDefinition(t *testing.T) {
	def, err := LoadDefinition("")
	if err != nil {
		t.Fatalf("LoadDefinition(\"\") error = %v", err)
	}
	if def.StepCount() != 8 {
		t.Errorf("embedded StepCount() = %d", def.StepCount())
	}

	if _, err := LoadDefinition(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "flow.yaml")
	data, err := os.ReadFile("default_flow.yaml")
	if err != nil {
		t.Fatal(err)
	}
	custom := strings.Replace(string(data), `start_triggers: ["order"]`, `start_triggers: ["order", "buy"]`, 1)
	if err := os.WriteFile(path, []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}
	def, err = LoadDefinition(path)
	if err != nil {
		t.Fatalf("LoadDefinition(custom) error = %v", err)
	}
	if !def.IsStart("buy beef") {
		t.Error("custom trigger not honoured")
	}
}

func TestStoreHours(t *testing.T) {
	def := mustDefaultDefinition(t)
	h := def.Hours()
	harare := time.FixedZone("CAT", 2*60*60)

	tests := []struct {
		name     string
		at       time.Time
		open     bool
		status   string
		greeting string
	}{
		{
			name:     "monday morning open",
			at:       time.Date(2025, 6, 2, 10, 0, 0, 0, harare),
			open:     true,
			status:   "We’re currently open. Today’s hours: 8:00 AM to 19:00.",
			greeting: "Good morning",
		},
		{
			name:     "monday before opening",
			at:       time.Date(2025, 6, 2, 7, 30, 0, 0, harare),
			status:   "We’re currently closed. Our hours today will be from 8:00 AM to 19:00.",
			greeting: "Good morning",
		},
		{
			name:     "tuesday after close",
			at:       time.Date(2025, 6, 3, 17, 30, 0, 0, harare),
			status:   "We’re currently closed. Our hours today were from 8:00 AM to 17:30.",
			greeting: "Good evening",
		},
		{
			name:     "sunday closed",
			at:       time.Date(2025, 6, 1, 12, 0, 0, 0, harare),
			status:   "We are closed today (Sunday).",
			greeting: "Good afternoon",
		},
		{
			name:     "late night utc input",
			at:       time.Date(2025, 6, 4, 21, 0, 0, 0, time.UTC),
			status:   "We’re currently closed. Our hours today were from 8:00 AM to 19:00.",
			greeting: "It's late night – hope you're doing well",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.IsOpen(tt.at); got != tt.open {
				t.Errorf("IsOpen = %v, want %v", got, tt.open)
			}
			if got := h.Status(tt.at); got != tt.status {
				t.Errorf("Status = %q, want %q", got, tt.status)
			}
			if got := h.Greeting(tt.at); got != tt.greeting {
				t.Errorf("Greeting = %q, want %q", got, tt.greeting)
			}
		})
	}
}
