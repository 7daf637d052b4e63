package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/decisioning/internal/ir"
)

// Snapshot renders a scenario's trace as canonical JSON. This is the
// content of its golden file.
func Snapshot(scenarioName string, result *Result) ([]byte, error) {
	trace := make([]any, len(result.Trace))
	for i, event := range result.Trace {
		trace[i] = event.canonical()
	}
	return ir.MarshalCanonical(map[string]any{
		"scenario_name": scenarioName,
		"trace":         trace,
	})
}

// RunWithGolden runs scenario and compares its trace with
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	data, err := Snapshot(scenario.Name, result)
	if err != nil {
		return nil, err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
	return result, nil
}
