package cli

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulate_Pass(t *testing.T) {
	out, err := execute(t, "simulate", "testdata/line.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "PASS line (epidemic, simulated)")
	assert.Contains(t, out, "network: sent=")
}

func TestSimulate_FailedExpectation(t *testing.T) {
	out, err := execute(t, "simulate", "testdata/unmet.yaml")
	requireExitCode(t, err, ExitFailure)
	assert.Contains(t, out, "FAIL unmet")
	assert.Contains(t, out, "expect[0] contains")
}

func TestSimulate_InvalidScenario(t *testing.T) {
	out, err := execute(t, "simulate", "testdata/invalid.yaml")
	requireExitCode(t, err, ExitCommandError)
	assert.Contains(t, out, "Error [E001]")
	assert.Contains(t, out, "not a declared node")
}

func TestSimulate_JSON(t *testing.T) {
	out, err := execute(t, "simulate", "--format", "json", "--trace", "testdata/line.yaml")
	require.NoError(t, err)

	var resp struct {
		Status string         `json:"status"`
		Data   SimulateResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Pass)
	assert.Equal(t, "epidemic", resp.Data.Protocol)
	assert.Equal(t, len(resp.Data.Trace), resp.Data.Events)
	assert.Len(t, resp.Data.State["10.0.0.3"]["tMessage"], 1)
}

func TestSimulate_SeedChangesRandomness(t *testing.T) {
	run := func(seed string) SimulateResult {
		out, err := execute(t, "simulate", "--format", "json", "--trace", "--seed", seed, "testdata/line.yaml")
		require.NoError(t, err)
		var resp struct {
			Data SimulateResult `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		return resp.Data
	}
	a, b := run("1"), run("2")
	assert.True(t, a.Pass)
	assert.True(t, b.Pass)
	assert.NotEqual(t, a.State["10.0.0.1"]["tMessage"], b.State["10.0.0.1"]["tMessage"], "message ids come from the seeded random source")
}

func TestSimulate_Metrics(t *testing.T) {
	out, err := execute(t, "simulate", "--metrics", "testdata/line.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "# TYPE ndrt_node_events_dispatched_total counter")
	assert.Contains(t, out, `ndrt_node_events_dispatched_total{kind="recv",node="10.0.0.3",tag="eMessageEnd"} 1`)
	assert.Contains(t, out, "ndrt_network_tuples{outcome=\"delivered\"}")
}

func TestSimulateThenTrace(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ndrt.db")

	out, err := execute(t, "simulate", "--db", db, "testdata/line.yaml")
	require.NoError(t, err)
	require.Contains(t, out, "run: ")

	out, err = execute(t, "trace", "--db", db, "--node", "10.0.0.3", "--kind", "dispatch", "--tag", "eMessageEnd")
	require.NoError(t, err)
	got := lines(out)
	require.Len(t, got, 2, out)
	assert.True(t, strings.HasPrefix(got[0], "run "), got[0])
	assert.Contains(t, got[0], "line (epidemic), 1 records")
	assert.Contains(t, got[1], "recv eMessageEnd(")

	out, err = execute(t, "trace", "--db", db, "--kind", "send", "--count")
	require.NoError(t, err)
	assert.NotEqual(t, "0\n", out)

	out, err = execute(t, "trace", "--db", db, "--format", "json", "--kind", "drop")
	require.NoError(t, err)
	var resp struct {
		Data TraceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "line", resp.Data.Scenario)
	assert.Equal(t, "epidemic", resp.Data.Protocol)
	assert.Len(t, resp.Data.Entries, resp.Data.Count)
	for _, e := range resp.Data.Entries {
		assert.Equal(t, "drop", e.Kind)
		assert.NotEmpty(t, e.Reason)
	}
}

func TestTrace_BadFlags(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ndrt.db")
	_, err := execute(t, "simulate", "--db", db, "testdata/line.yaml")
	require.NoError(t, err)

	_, err = execute(t, "trace", "--db", db, "--kind", "explode")
	requireExitCode(t, err, ExitCommandError)

	_, err = execute(t, "trace", "--db", db, "--node", "not-an-address")
	requireExitCode(t, err, ExitCommandError)

	_, err = execute(t, "trace", "--db", db, "--run", "0190-missing")
	requireExitCode(t, err, ExitCommandError)
}

func TestTrace_EmptyLog(t *testing.T) {
	_, err := execute(t, "trace", "--db", filepath.Join(t.TempDir(), "empty.db"))
	requireExitCode(t, err, ExitCommandError)
	assert.Contains(t, err.Error(), "no runs")
}
