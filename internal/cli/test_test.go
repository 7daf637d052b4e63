package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const replayScenario = `name: order-creation-replay
description: A retried request replays the stored result.
steps:
  - execute:
      scope: order_creation
      key: req-123
  - advance: 1m
  - execute:
      scope: order_creation
      key: req-123
assertions:
  - type: effects
    scope: order_creation
    key: req-123
    count: 1
`

const replayGolden = `{"scenario_name":"order-creation-replay","trace":[{"at":"2025-01-15T09:00:00Z","key":"req-123","outcome":"executed","result":{"effect_id":1},"scope":"order_creation","step":1,"type":"execute"},{"at":"2025-01-15T09:01:00Z","step":2,"type":"advance"},{"at":"2025-01-15T09:01:00Z","key":"req-123","outcome":"replayed","result":{"effect_id":1},"scope":"order_creation","step":3,"type":"execute"}]}`

func writeScenario(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func runTestCommand(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := runTestCommand(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentScenariosDir(t *testing.T) {
	_, err := runTestCommand(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenarios directory not found")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandEmptyScenariosDir(t *testing.T) {
	out, err := runTestCommand(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")
}

func TestTestCommandEmptyScenariosDirJSON(t *testing.T) {
	out, err := runTestCommand(t, "json", t.TempDir())
	require.NoError(t, err)

	var response CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	assert.Equal(t, "ok", response.Status)
}

func TestTestCommandPassingScenario(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "replay.yaml", replayScenario)

	out, err := runTestCommand(t, "text", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "PASS order-creation-replay")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommandFailingAssertion(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "twice.yaml", `name: twice
steps:
  - execute:
      scope: s
      key: k
assertions:
  - type: effects
    scope: s
    key: k
    count: 2
`)

	out, err := runTestCommand(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "FAIL twice")
	assert.Contains(t, out, "expected 2 committed effects for s/k, got 1")
}

func TestTestCommandLoadError(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "broken.yaml", "name: broken\nbogus: true\n")

	out, err := runTestCommand(t, "json", dir)
	require.Error(t, err)

	var response struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	assert.Equal(t, "error", response.Status)
	require.Len(t, response.Data.Scenarios, 1)
	assert.Equal(t, "broken.yaml", response.Data.Scenarios[0].Name)
	assert.Contains(t, response.Data.Scenarios[0].Errors[0], "failed to load scenario")
}

func TestTestCommandGoldenMatch(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "replay.yaml", replayScenario)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "replay.golden"), []byte(replayGolden), 0644))

	out, err := runTestCommand(t, "text", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "PASS order-creation-replay")
}

func TestTestCommandGoldenMismatch(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "replay.yaml", replayScenario)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "replay.golden"), []byte(`{}`), 0644))

	out, err := runTestCommand(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommandUpdateWritesGolden(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "replay.yaml", replayScenario)

	out, err := runTestCommand(t, "text", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "golden updated")

	data, err := os.ReadFile(filepath.Join(dir, "golden", "replay.golden"))
	require.NoError(t, err)
	assert.Equal(t, replayGolden, string(data))

	// The regenerated golden is picked up on the next run.
	_, err = runTestCommand(t, "text", dir)
	require.NoError(t, err)
}

func TestTestCommandWritesMetricsFile(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "replay.yaml", replayScenario)
	metricsPath := filepath.Join(t.TempDir(), "decisioning.prom")

	out, err := runRoot(t, "--metrics-file", metricsPath, "test", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "PASS order-creation-replay")

	data, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `decisioning_idempotency_outcomes_total{outcome="executed",scope="order_creation"} 1`)
	assert.Contains(t, string(data), `decisioning_idempotency_outcomes_total{outcome="replayed",scope="order_creation"} 1`)
	assert.Contains(t, string(data), `decisioning_idempotency_operation_seconds_count{scope="order_creation"} 1`)
}

func TestTestCommandMetricsFileUnwritable(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "replay.yaml", replayScenario)

	_, err := runRoot(t, "--metrics-file", filepath.Join(t.TempDir(), "missing", "m.prom"), "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to write metrics file")
}

func TestTestHelpText(t *testing.T) {
	out, err := runTestCommand(t, "text", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "--update")
	assert.Contains(t, out, "--filter")
	assert.Contains(t, out, "scenarios-dir")
}

func TestFindScenarioFiles(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "test1.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "test2.yml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "ignore.txt"), []byte(""), 0644))

	files, err := findScenarioFiles(tmpDir, "")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestFindScenarioFilesWithFilter(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "retry-once.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "retry-twice.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "ledger-as-of.yaml"), []byte(""), 0644))

	files, err := findScenarioFiles(tmpDir, "retry-*")
	require.NoError(t, err)
	assert.Len(t, files, 2)
	for _, f := range files {
		assert.Contains(t, filepath.Base(f), "retry-")
	}

	_, err = findScenarioFiles(tmpDir, "[")
	assert.Error(t, err)
}

func TestFindScenarioFilesSkipsGoldenDir(t *testing.T) {
	tmpDir := t.TempDir()
	subDir := filepath.Join(tmpDir, "subdir")
	goldenDir := filepath.Join(tmpDir, "golden")
	require.NoError(t, os.MkdirAll(subDir, 0755))
	require.NoError(t, os.MkdirAll(goldenDir, 0755))

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "root.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(subDir, "sub.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(goldenDir, "stray.yaml"), []byte(""), 0644))

	files, err := findScenarioFiles(tmpDir, "")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestGoldenFilePath(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{"/path/to/scenario.yaml", "/path/to/golden/scenario.golden"},
		{"/path/to/scenario.yml", "/path/to/golden/scenario.golden"},
		{"scenarios/test.yaml", "scenarios/golden/test.golden"},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.expected, goldenFilePath(tc.input))
	}
}
