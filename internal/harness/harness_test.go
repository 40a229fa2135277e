package harness

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = "testdata/catalog.cue"

func intp(n int) *int    { return &n }
func boolp(b bool) *bool { return &b }

func requirePass(t *testing.T, result *Result) {
	t.Helper()
	require.True(t, result.Pass, strings.Join(result.Errors, "\n"))
	assert.Empty(t, result.Errors)
}

func TestRun_LastSlotRace(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/last_slot_race.yaml")
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	requirePass(t, result)

	require.Len(t, result.Trace, len(scenario.Steps))
	sync := result.Trace[9]
	assert.Equal(t, "s2", sync.Device)
	assert.Equal(t, 3, sync.Detail["failed"])
	assert.Equal(t, 1, sync.Detail["notifications"])
}

func TestRun_PaidAccess(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/paid_access.yaml")
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	requirePass(t, result)

	var submit TraceEvent
	for _, ev := range result.Trace {
		if ev.Action == ActionSubmit {
			submit = ev
		}
	}
	assert.Equal(t, 2, submit.Detail["score"])
	assert.Equal(t, 2, submit.Detail["max_score"])
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/paid_access.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	a, err := MarshalTrace(scenario.Name, first.Trace)
	require.NoError(t, err)
	b, err := MarshalTrace(scenario.Name, second.Trace)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_RefusedRedemptionIsTraced(t *testing.T) {
	result, err := Run(&Scenario{
		Name:    "refused",
		Catalog: testCatalog,
		Devices: []string{"s1"},
		Steps: []Step{
			{Device: "s1", Action: ActionSync},
			{Device: "s1", Action: ActionRedeem, Code: "LAST"},
			{Device: "s1", Action: ActionRedeem, Code: "LAST", Expect: &Expect{Outcome: OutcomeRefused, Reason: "already redeemed"}},
			{Device: "s1", Action: ActionRedeem, Code: "NOPE", Expect: &Expect{Outcome: OutcomeRefused, Reason: "not found"}},
		},
		Assertions: []Assertion{
			{Type: AssertOutboxCounts, Device: "s1", Queued: intp(3)},
			{Type: AssertGrants, Device: "s1", Count: intp(1)},
		},
	})
	require.NoError(t, err)
	requirePass(t, result)
	assert.Equal(t, "Code already redeemed by you.", result.Trace[2].Detail["reason"])
}

func TestRun_ExpectationMismatchFails(t *testing.T) {
	result, err := Run(&Scenario{
		Name:    "mismatch",
		Catalog: testCatalog,
		Devices: []string{"s1"},
		Steps: []Step{
			{Device: "s1", Action: ActionSync, Expect: &Expect{Pushed: intp(1)}},
			{Device: "s1", Action: ActionAccess, Lesson: "l-plants", Expect: &Expect{Outcome: OutcomeAllowed}},
		},
	})
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "steps[0] sync: expected pushed=1, got 0")
	assert.Contains(t, result.Errors[1], "steps[1] access: expected outcome allowed, got denied")
}

func TestRun_UnexpectedErrorFails(t *testing.T) {
	result, err := Run(&Scenario{
		Name:    "offline",
		Catalog: testCatalog,
		Devices: []string{"s1"},
		Steps: []Step{
			{Action: ActionOffline},
			{Device: "s1", Action: ActionSync},
		},
	})
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "unexpected error: You are offline")
	assert.Equal(t, OutcomeError, result.Trace[1].Outcome)
	assert.Equal(t, "push", result.Trace[1].Detail["phase"])
}

func TestRun_AssertionFailuresReported(t *testing.T) {
	result, err := Run(&Scenario{
		Name:    "diverged",
		Catalog: testCatalog,
		Devices: []string{"s1", "s2"},
		Steps: []Step{
			{Device: "s1", Action: ActionSync},
		},
		Assertions: []Assertion{
			{Type: AssertConverged, Devices: []string{"s1", "s2"}},
			{Type: AssertAccess, Device: "s1", Lesson: "l-intro", Allowed: boolp(false)},
			{Type: AssertRemoteRedemptions, Code: "LAST", Students: []string{"s1"}},
		},
	})
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "s2 differs in")
	assert.NotContains(t, result.Errors[0], "s1 differs")
	assert.Contains(t, result.Errors[1], "Assertion failed: access")
	assert.Contains(t, result.Errors[2], "LAST redeemed by [s1]")
}

func TestRun_BadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.cue")
	require.NoError(t, os.WriteFile(path, []byte(`lessons: "l1": {title: 42}`), 0644))

	_, err := Run(&Scenario{
		Name:    "bad",
		Catalog: path,
		Devices: []string{"s1"},
		Steps:   []Step{{Action: ActionOnline}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load catalog")
}

func TestResult_AddError(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)

	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}

func TestResult_AddTrace(t *testing.T) {
	r := NewResult()
	first := r.AddTrace(TraceEvent{Action: ActionOffline, Outcome: OutcomeOK})
	second := r.AddTrace(TraceEvent{Device: "s1", Action: ActionSync, Outcome: OutcomeOK})

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.Len(t, r.Trace, 2)
}
