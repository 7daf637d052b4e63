package harness

import (
	"github.com/roach88/decisioning/internal/ir"
)

// Trace event types.
const (
	EventExecute  = "execute"
	EventAdvance  = "advance"
	EventRecord   = "record"
	EventFinalize = "finalize"
)

// TraceEvent is one executed step.
type TraceEvent struct {
	Step     int       `json:"step"`
	Type     string    `json:"type"`
	At       string    `json:"at"`
	Scope    string    `json:"scope,omitempty"`
	Key      string    `json:"key,omitempty"`
	Outcome  string    `json:"outcome,omitempty"`
	Result   ir.Object `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`
	Decision string    `json:"decision,omitempty"`
	Action   string    `json:"action,omitempty"`
}

// canonical returns the event as a map for ir.MarshalCanonical, leaving
// out empty fields.
func (e TraceEvent) canonical() map[string]any {
	m := map[string]any{
		"step": e.Step,
		"type": e.Type,
		"at":   e.At,
	}
	optional := map[string]string{
		"scope":    e.Scope,
		"key":      e.Key,
		"outcome":  e.Outcome,
		"error":    e.Error,
		"decision": e.Decision,
		"action":   e.Action,
	}
	for k, v := range optional {
		if v != "" {
			m[k] = v
		}
	}
	if e.Result != nil {
		m["result"] = e.Result
	}
	return m
}

// Result is the outcome of running a scenario.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult creates a passing result with an empty trace.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failed assertion.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
