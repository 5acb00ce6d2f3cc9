package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	harnessScenarios = "../harness/testdata/scenarios"
	harnessGolden    = "../harness/testdata/golden"
)

func TestScenarioRun_Directory(t *testing.T) {
	cfg, _ := writeConfig(t)

	out, err := execute(t, "scenario", "run", harnessScenarios, "--golden", harnessGolden, "--config", cfg)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ glossary_edit_conflict")
	assert.Contains(t, out, "5 passed, 0 failed, 5 total")
}

func TestScenarioRun_TraceAndMetrics(t *testing.T) {
	cfg, _ := writeConfig(t)
	file := filepath.Join(harnessScenarios, "glossary_edit_applied.yaml")

	out, err := execute(t, "scenario", "run", file, "--trace", "--metrics", "--config", cfg, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Data ScenarioReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Scenarios, 1)

	s := resp.Data.Scenarios[0]
	assert.True(t, s.Pass)
	assert.Equal(t, "scenario glossary_edit_applied", s.Trace[0])
	assert.Equal(t, 1.0, resp.Data.Metrics["offsync_sync_passes_total{outcome=success,resource_type=glossary-entry}"])
	assert.Equal(t, 1.0, resp.Data.Metrics["offsync_sync_passes_total{outcome=deferred,resource_type=glossary-entry}"])
	assert.Equal(t, 1.0, resp.Data.Metrics["offsync_sync_mutations_total{resource_type=glossary-entry,result=applied}"])
}

func TestScenarioRun_Failure(t *testing.T) {
	cfg, _ := writeConfig(t)
	file := filepath.Join(t.TempDir(), "wrong.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
name: wrong
description: expects a conflict that never happens
steps:
  - queue: {type: assign-submission, resource: a1, instance: u5, action: update}
  - sync: {type: assign-submission, resource: a1}
    expect: {outcome: partial_failure}
`), 0o644))

	out, err := execute(t, "scenario", "run", file, "--config", cfg)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong")
	assert.Contains(t, out, "outcome = success, want partial_failure")
}

func TestScenarioRun_UpdateGolden(t *testing.T) {
	cfg, _ := writeConfig(t)
	golden := t.TempDir()
	file := filepath.Join(harnessScenarios, "rejections.yaml")

	_, err := execute(t, "scenario", "run", file, "--golden", golden, "--update", "--config", cfg)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(golden, "rejections.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join(harnessGolden, "rejections.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))

	_, err = execute(t, "scenario", "run", file, "--golden", golden, "--config", cfg)
	require.NoError(t, err)
}

func TestScenarioRun_UpdateRequiresGolden(t *testing.T) {
	_, err := execute(t, "scenario", "run", harnessScenarios, "--update")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestScenarioRun_MissingPath(t *testing.T) {
	cfg, _ := writeConfig(t)

	_, err := execute(t, "scenario", "run", filepath.Join(t.TempDir(), "nope"), "--config", cfg)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
