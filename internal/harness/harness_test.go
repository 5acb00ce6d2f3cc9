package harness

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/metrics"
)

func TestGoldenScenarios(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, path := range files {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			require.Equal(t, name, scenario.Name, "scenario name must match its file name")

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/forum_reply_follows_new_discussion.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, first.Trace, second.Trace)
}

func TestRun_CacheTTL(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/glossary_edit_conflict.yaml")
	require.NoError(t, err)

	result, err := Run(scenario, WithCacheTTL(time.Hour))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	// The marker read on open expires before the edit is queued, so the
	// edit has no baseline and overwrites the remote change.
	result, err = Run(scenario, WithCacheTTL(time.Nanosecond))
	require.NoError(t, err)
	assert.False(t, result.Pass)
}

func TestRun_RecordsMetrics(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/rejections.yaml")
	require.NoError(t, err)

	m := metrics.New("scenario")
	_, err = Run(scenario, WithMetrics(m))
	require.NoError(t, err)

	assert.Equal(t, 1.0, promtest.ToFloat64(m.Mutations.WithLabelValues("glossary-entry", "rejected_discarded")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Mutations.WithLabelValues("assign-submission", "rejected_kept")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Passes.WithLabelValues("assign-submission", "partial_failure")))
}

func TestRun_FailedExpectationsAreReported(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: wrong_expectations
description: expectations that do not hold
remote:
  - {type: glossary-entry, resource: g1, instance: apple, fields: {definition: a fruit}}
steps:
  - queue: {type: glossary-entry, resource: g1, instance: apple, action: update, payload: {definition: pear}}
  - sync: {type: glossary-entry, resource: g1}
    expect: {outcome: deferred, warnings: 2}
expect:
  pending: 3
  remote:
    - {type: glossary-entry, resource: g1, instance: apple, fields: {definition: a fruit}}
    - {type: glossary-entry, resource: g1, instance: banana}
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	assert.Len(t, result.Errors, 5)
	assert.Contains(t, result.Errors[0], "outcome = success, want deferred")
	assert.Contains(t, result.Errors[1], "0 warnings, want 2")
	assert.Contains(t, result.Errors[2], "pending = 0, want 3")
	assert.Contains(t, result.Errors[3], `definition = "pear", want "a fruit"`)
	assert.Contains(t, result.Errors[4], "does not exist")
}

func TestRun_BlockedResource(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: blocked
description: an open editor holds the resource
steps:
  - queue: {type: assign-submission, resource: a1, instance: u5, action: update, payload: {text: draft}}
  - block: {type: assign-submission, resource: a1}
  - sync: {type: assign-submission, resource: a1}
    expect: {outcome: blocked}
  - unblock: {type: assign-submission, resource: a1}
  - sync: {type: assign-submission, resource: a1}
    expect: {outcome: success}
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Contains(t, result.Trace, "block s1/assign-submission/a1")
	assert.Contains(t, result.Trace, "sync s1/assign-submission/a1 outcome=blocked applied=0 conflicts=0 discarded=0 remaining=0")
}

func TestRun_CancelledCreate(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: cancelled
description: deleting an unsent entry cancels it
steps:
  - queue: {type: glossary-entry, resource: g1, action: create, as: pear, payload: {concept: pear}}
  - queue: {type: glossary-entry, resource: g1, instance: $pear, action: delete}
  - sync: {type: glossary-entry, resource: g1}
    expect: {outcome: noop}
expect:
  pending: 0
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "queue delete s1/glossary-entry/g1/new:m-0001 cancelled", result.Trace[2])
}

func TestParseScenario_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: "description: d\nsteps: [{offline: true}]",
			want: "name is required",
		},
		{
			name: "missing description",
			yaml: "name: n\nsteps: [{offline: true}]",
			want: "description is required",
		},
		{
			name: "no steps",
			yaml: "name: n\ndescription: d\nsteps: []",
			want: "steps list is required",
		},
		{
			name: "two actions in one step",
			yaml: "name: n\ndescription: d\nsteps: [{offline: true, online: true}]",
			want: "exactly one action is required, got 2",
		},
		{
			name: "expect without sync",
			yaml: "name: n\ndescription: d\nsteps: [{offline: true, expect: {outcome: noop}}]",
			want: "expect is only allowed on sync steps",
		},
		{
			name: "sync with type only",
			yaml: "name: n\ndescription: d\nsteps: [{sync: {type: glossary-entry}}]",
			want: "type and resource go together",
		},
		{
			name: "queue without action",
			yaml: "name: n\ndescription: d\nsteps: [{queue: {type: glossary-entry, resource: g1}}]",
			want: "type, resource and action are required",
		},
		{
			name: "unknown fail status",
			yaml: "name: n\ndescription: d\nsteps: [{fail_next: {type: glossary-entry, status: flaky}}]",
			want: `unknown status "flaky"`,
		},
		{
			name: "incomplete remote item",
			yaml: "name: n\ndescription: d\nremote: [{type: glossary-entry}]\nsteps: [{offline: true}]",
			want: "remote[0]",
		},
		{
			name: "unknown field",
			yaml: "name: n\ndescription: d\nsteps: [{offline: true}]\nflow: []",
			want: "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseScenario_DefaultSite(t *testing.T) {
	scenario, err := ParseScenario([]byte("name: n\ndescription: d\nsteps: [{sync: {}}]"))
	require.NoError(t, err)
	assert.Equal(t, "s1", scenario.Site)
	require.NotNil(t, scenario.Steps[0].Sync)
	assert.Empty(t, scenario.Steps[0].Sync.Type)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("testdata/scenarios/does_not_exist.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}
