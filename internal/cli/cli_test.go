package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyd/internal/notify"
)

func testConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "notifyd.yaml")
	body := "storage:\n  path: " + filepath.Join(dir, "notifyd.db") + "\n" +
		"logging:\n  level: error\n  console: false\n" +
		"admin:\n  jwt_secret: cli-secret\n"
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmdForTest()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "notifyd dev")
}

func TestScheduleCommands(t *testing.T) {
	cfg := testConfig(t)

	out, err := run(t, "-c", cfg, "schedule", "create", "--json",
		"--name", "digest", "--trigger", "weekly_digest",
		"--selector", "static", "--param", "users=ann:90,bob:80",
		"--frequency", "weekly", "--day-of-week", "1", "--time", "09:00", "--owner", "ops")
	require.NoError(t, err)
	var sc notify.Schedule
	require.NoError(t, json.Unmarshal([]byte(out), &sc))
	require.NotEmpty(t, sc.ID)
	assert.True(t, sc.Enabled)
	assert.Equal(t, "ops", sc.Owner)
	require.NotNil(t, sc.NextDueAt)

	out, err = run(t, "-c", cfg, "schedule", "list", "--json", "--owner", "ops")
	require.NoError(t, err)
	var list []notify.Schedule
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	assert.Equal(t, sc.ID, list[0].ID)

	out, err = run(t, "-c", cfg, "schedule", "list", "--enabled", "false", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	out, err = run(t, "-c", cfg, "schedule", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "digest")
	assert.Contains(t, out, "NEXT DUE")

	out, err = run(t, "-c", cfg, "schedule", "disable", sc.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "enabled=false")

	out, err = run(t, "-c", cfg, "schedule", "run", sc.ID)
	require.NoError(t, err)
	assert.Contains(t, out, string(notify.ExecutionSuccess))

	out, err = run(t, "-c", cfg, "executions", "list", "--json", "--schedule", sc.ID)
	require.NoError(t, err)
	var execs []notify.Execution
	require.NoError(t, json.Unmarshal([]byte(out), &execs))
	require.Len(t, execs, 1)
	assert.Equal(t, notify.TriggeredByManual, execs[0].TriggeredBy)
	assert.Equal(t, 2, execs[0].Counters.Matched)

	out, err = run(t, "-c", cfg, "executions", "purge", "--id", execs[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 1 executions")

	out, err = run(t, "-c", cfg, "schedule", "delete", sc.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted "+sc.ID)

	_, err = run(t, "-c", cfg, "schedule", "delete", sc.ID)
	assert.Error(t, err)
}

func TestScheduleCreateRejectsBadInput(t *testing.T) {
	cfg := testConfig(t)

	_, err := run(t, "-c", cfg, "schedule", "create", "--name", "x", "--trigger", "nope", "--selector", "static")
	assert.Error(t, err)

	_, err = run(t, "-c", cfg, "schedule", "create", "--name", "x", "--trigger", "weekly_digest",
		"--selector", "static", "--type", "one_time", "--due-at", "tomorrow")
	assert.ErrorContains(t, err, "--due-at")

	_, err = run(t, "-c", cfg, "schedule", "list", "--enabled", "maybe")
	assert.Error(t, err)
}

func TestExecutionsPurgeNeedsOneTarget(t *testing.T) {
	cfg := testConfig(t)

	_, err := run(t, "-c", cfg, "executions", "purge")
	assert.ErrorContains(t, err, "exactly one")

	_, err = run(t, "-c", cfg, "executions", "purge", "--id", "x", "--older-than", "1h")
	assert.ErrorContains(t, err, "exactly one")

	out, err := run(t, "-c", cfg, "executions", "purge", "--older-than", "720h")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 0 executions")
}

func TestJobsCommands(t *testing.T) {
	cfg := testConfig(t)

	out, err := run(t, "-c", cfg, "jobs", "failed", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	_, err = run(t, "-c", cfg, "jobs", "retry", "missing")
	assert.Error(t, err)
}

func TestToken(t *testing.T) {
	cfg := testConfig(t)

	out, err := run(t, "-c", cfg, "token", "--subject", "ops")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "."), 3)

	out, err = run(t, "token", "--secret", "s", "--ttl", "1m")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "."), 3)
}
