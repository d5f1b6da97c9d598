package flow

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed default_flow.yaml
var defaultFlowYAML []byte

// ConfirmationStep is the name of the mandatory final step.
const ConfirmationStep = "confirmation"

// ErrInvalidDefinition is returned when a flow definition fails validation.
var ErrInvalidDefinition = errors.New("invalid flow definition")

// Step is one data-collection step of the order flow.
type Step struct {
	Name   string `yaml:"name"`
	Prompt string `yaml:"prompt"`
}

// Messages holds the templates for fixed replies. Templates receive a
// MessageData value.
type Messages struct {
	Welcome           string `yaml:"welcome"`
	AlreadyInProgress string `yaml:"already_in_progress"`
	Summary           string `yaml:"summary"`
	Confirmed         string `yaml:"confirmed"`
	Cancelled         string `yaml:"cancelled"`
	PersistFailed     string `yaml:"persist_failed"`
	AgentForward      string `yaml:"agent_forward"`
	GenericError      string `yaml:"generic_error"`
	FallbackApology   string `yaml:"fallback_apology"`
}

// MessageData is the data passed to message templates.
type MessageData struct {
	Name       string
	NameSuffix string
	Identity   string
	Answers    map[string]string
}

// Definition is the configured order flow.
type Definition struct {
	Steps             []Step      `yaml:"steps"`
	StartTriggers     []string    `yaml:"start_triggers"`
	AffirmativeTokens []string    `yaml:"affirmative_tokens"`
	CancelTokens      []string    `yaml:"cancel_tokens"`
	Messages          Messages    `yaml:"messages"`
	StoreHours        HoursConfig `yaml:"store_hours"`

	templates map[string]*template.Template
	index     map[string]int
	hours     *StoreHours
}

// DefaultDefinition parses the embedded flow definition.
func DefaultDefinition() (*Definition, error) {
	return ParseDefinition(defaultFlowYAML)
}

// LoadDefinition reads a definition from path, or the embedded default when path is empty.
func LoadDefinition(path string) (*Definition, error) {
	if path == "" {
		return DefaultDefinition()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow definition %s: %w", path, err)
	}
	slog.Debug("flow.LoadDefinition: loaded file", "path", path, "bytes", len(data))
	return ParseDefinition(data)
}

// ParseDefinition decodes and validates a YAML definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := d.init(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *Definition) init() error {
	if len(d.Steps) < 2 {
		return fmt.Errorf("%w: at least one collection step and the confirmation step are required", ErrInvalidDefinition)
	}
	if last := d.Steps[len(d.Steps)-1].Name; last != ConfirmationStep {
		return fmt.Errorf("%w: last step must be %q, got %q", ErrInvalidDefinition, ConfirmationStep, last)
	}
	d.index = make(map[string]int, len(d.Steps))
	for i, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("%w: step %d has no name", ErrInvalidDefinition, i)
		}
		if _, dup := d.index[s.Name]; dup {
			return fmt.Errorf("%w: duplicate step %q", ErrInvalidDefinition, s.Name)
		}
		if s.Name == ConfirmationStep && i != len(d.Steps)-1 {
			return fmt.Errorf("%w: %q must be the last step", ErrInvalidDefinition, ConfirmationStep)
		}
		if i < len(d.Steps)-1 && strings.TrimSpace(s.Prompt) == "" {
			return fmt.Errorf("%w: step %q has no prompt", ErrInvalidDefinition, s.Name)
		}
		d.index[s.Name] = i
	}
	d.StartTriggers = normalizeTokens(d.StartTriggers)
	d.AffirmativeTokens = normalizeTokens(d.AffirmativeTokens)
	d.CancelTokens = normalizeTokens(d.CancelTokens)
	if len(d.StartTriggers) == 0 {
		return fmt.Errorf("%w: no start triggers", ErrInvalidDefinition)
	}
	if len(d.AffirmativeTokens) == 0 {
		return fmt.Errorf("%w: no affirmative tokens", ErrInvalidDefinition)
	}

	d.templates = make(map[string]*template.Template)
	for name, text := range map[string]string{
		"welcome":             d.Messages.Welcome,
		"already_in_progress": d.Messages.AlreadyInProgress,
		"summary":             d.Messages.Summary,
		"confirmed":           d.Messages.Confirmed,
		"cancelled":           d.Messages.Cancelled,
		"persist_failed":      d.Messages.PersistFailed,
		"agent_forward":       d.Messages.AgentForward,
		"generic_error":       d.Messages.GenericError,
		"fallback_apology":    d.Messages.FallbackApology,
	} {
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("%w: message %q is empty", ErrInvalidDefinition, name)
		}
		tmpl, err := template.New(name).Option("missingkey=zero").Parse(text)
		if err != nil {
			return fmt.Errorf("%w: message %q: %v", ErrInvalidDefinition, name, err)
		}
		d.templates[name] = tmpl
	}
	hours, err := d.StoreHours.Build()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	d.hours = hours
	return nil
}

func normalizeTokens(in []string) []string {
	out := make([]string, 0, len(in))
	for _, t := range in {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Hours returns the parsed store schedule.
func (d *Definition) Hours() *StoreHours {
	return d.hours
}

// StepCount returns the number of steps including confirmation.
func (d *Definition) StepCount() int {
	return len(d.Steps)
}

// ConfirmationIndex returns the index of the confirmation step.
func (d *Definition) ConfirmationIndex() int {
	return len(d.Steps) - 1
}

// StepIndex returns the position of the named step.
func (d *Definition) StepIndex(name string) (int, bool) {
	i, ok := d.index[name]
	return i, ok
}

// IsStart reports whether text begins with a start trigger.
func (d *Definition) IsStart(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, t := range d.StartTriggers {
		if strings.HasPrefix(lower, t) {
			return true
		}
	}
	return false
}

// IsStartToken reports whether text is exactly a start trigger.
func (d *Definition) IsStartToken(text string) bool {
	return matchesToken(d.StartTriggers, text)
}

// IsAffirmative reports whether text is exactly an affirmative token.
func (d *Definition) IsAffirmative(text string) bool {
	return matchesToken(d.AffirmativeTokens, text)
}

// IsCancel reports whether text is exactly a cancel token.
func (d *Definition) IsCancel(text string) bool {
	return matchesToken(d.CancelTokens, text)
}

func matchesToken(tokens []string, text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, t := range tokens {
		if lower == t {
			return true
		}
	}
	return false
}

// Render executes the named message template. A template failure yields the raw template text.
func (d *Definition) Render(name string, data MessageData) string {
	tmpl, ok := d.templates[name]
	if !ok {
		slog.Error("Definition.Render: unknown message", "name", name)
		return ""
	}
	if data.NameSuffix == "" && data.Name != "" {
		data.NameSuffix = ", " + data.Name
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		slog.Error("Definition.Render: template failed", "name", name, "error", err)
		return tmpl.Root.String()
	}
	return buf.String()
}
