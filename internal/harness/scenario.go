package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/decisioning/internal/idempotency"
	"github.com/roach88/decisioning/internal/target"
)

// Scenario is a scripted sequence of guard and ledger calls.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step holds exactly one of its fields.
type Step struct {
	Execute *ExecuteStep `yaml:"execute,omitempty"`

	// Advance moves the clock forward, e.g. "10m".
	Advance string `yaml:"advance,omitempty"`

	Record   *RecordStep   `yaml:"record,omitempty"`
	Finalize *FinalizeStep `yaml:"finalize,omitempty"`
}

// ExecuteStep runs a guarded operation. The operation inserts an effect row
// and then returns Result, or fails with Fail after the insert (so the
// insert is rolled back).
type ExecuteStep struct {
	Scope  string         `yaml:"scope"`
	Key    string         `yaml:"key"`
	Result map[string]any `yaml:"result,omitempty"`
	Fail   string         `yaml:"fail,omitempty"`
}

// RecordStep appends a decision.
type RecordStep struct {
	Actor      string         `yaml:"actor"`
	OnBehalfOf string         `yaml:"on_behalf_of,omitempty"`
	Target     string         `yaml:"target"`
	Action     string         `yaml:"action"`
	Snapshot   map[string]any `yaml:"snapshot"`

	// EffectiveAt is RFC 3339 or an offset from the clock ("-168h").
	// Empty means now.
	EffectiveAt string `yaml:"effective_at,omitempty"`
}

// FinalizeStep closes a decision. Reject expects the call to fail with
// decision.ErrAlreadyFinal.
type FinalizeStep struct {
	Decision string         `yaml:"decision"`
	Outcome  map[string]any `yaml:"outcome"`
	Reject   bool           `yaml:"reject,omitempty"`
}

// Assertion checks the final state.
type Assertion struct {
	Type string `yaml:"type"`

	// Scope and Key select an idempotency record (effects, key_state).
	Scope string `yaml:"scope,omitempty"`
	Key   string `yaml:"key,omitempty"`

	// Count is the expected number of effects or decisions.
	Count *int `yaml:"count,omitempty"`

	// State is the expected record state (key_state) or decision status
	// (decision_status).
	State string `yaml:"state,omitempty"`

	// At is the as-of point for decisions_as_of, RFC 3339 or an offset.
	At string `yaml:"at,omitempty"`

	Decision string `yaml:"decision,omitempty"`
}

// Assertion types.
const (
	AssertEffects        = "effects"
	AssertKeyState       = "key_state"
	AssertDecisionsAsOf  = "decisions_as_of"
	AssertDecisionStatus = "decision_status"
	AssertVerified       = "verified"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so that typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	set := 0
	if step.Execute != nil {
		set++
	}
	if step.Advance != "" {
		set++
	}
	if step.Record != nil {
		set++
	}
	if step.Finalize != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one of execute, advance, record, finalize is required")
	}

	switch {
	case step.Execute != nil:
		if step.Execute.Scope == "" || step.Execute.Key == "" {
			return fmt.Errorf("execute: scope and key are required")
		}
		if step.Execute.Fail != "" && step.Execute.Result != nil {
			return fmt.Errorf("execute: result and fail are exclusive")
		}
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return fmt.Errorf("advance: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("advance: clock cannot move backwards")
		}
	case step.Record != nil:
		r := step.Record
		if r.Actor == "" || r.Action == "" {
			return fmt.Errorf("record: actor and action are required")
		}
		if _, err := target.ParseRef(r.Target); err != nil {
			return fmt.Errorf("record: %w", err)
		}
		if r.Snapshot == nil {
			return fmt.Errorf("record: snapshot is required (use {} for none)")
		}
	case step.Finalize != nil:
		if step.Finalize.Decision == "" {
			return fmt.Errorf("finalize: decision is required")
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertEffects:
		if a.Scope == "" || a.Key == "" || a.Count == nil {
			return fmt.Errorf("effects: scope, key and count are required")
		}
	case AssertKeyState:
		if a.Scope == "" || a.Key == "" {
			return fmt.Errorf("key_state: scope and key are required")
		}
		if !idempotency.State(a.State).Valid() {
			return fmt.Errorf("key_state: unknown state %q", a.State)
		}
	case AssertDecisionsAsOf:
		if a.At == "" || a.Count == nil {
			return fmt.Errorf("decisions_as_of: at and count are required")
		}
	case AssertDecisionStatus:
		if a.Decision == "" || a.State == "" {
			return fmt.Errorf("decision_status: decision and state are required")
		}
	case AssertVerified:
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// resolveTime parses an RFC 3339 timestamp or an offset from now.
func resolveTime(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(d), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither a duration nor RFC 3339", s)
	}
	return t.UTC(), nil
}
