package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string, perm os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
}

func TestLoad_DefaultsWhenNoFiles(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(LoadOptions{ConfigPath: filepath.Join(dir, "missing.yaml")})
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Eval.CoverageThreshold, cfg.Eval.CoverageThreshold)
	assert.Equal(t, 1800, cfg.Scheduler.SnapshotMinSeconds)
	assert.Equal(t, 120*time.Second, cfg.Scheduler.Interval.Duration())
	assert.Equal(t, "dir", cfg.Session.Allocator)
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	userPath := filepath.Join(dir, "config.yaml")
	repo := filepath.Join(dir, "repo")

	writeFile(t, userPath, `
eval:
  coverage_threshold: 0.5
scheduler:
  interval: 30s
  budget_tokens: 900
rehydrate:
  type_weights:
    event: 2.5
`, 0600)
	writeFile(t, filepath.Join(repo, RepoConfigName), `
[scheduler]
budget_tokens = 700

[typed]
half_life = "48h"
`, 0644)

	t.Setenv("CTXD_EVAL_COVERAGE_THRESHOLD", "0.9")

	cfg, err := Load(LoadOptions{ConfigPath: userPath, RepoRoot: repo})
	require.NoError(t, err)

	assert.InDelta(t, 0.9, cfg.Eval.CoverageThreshold, 1e-9, "env wins over yaml")
	assert.Equal(t, 700, cfg.Scheduler.BudgetTokens, "repo toml wins over yaml")
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval.Duration())
	assert.Equal(t, 48*time.Hour, cfg.Typed.HalfLife.Duration())
	assert.InDelta(t, 2.5, cfg.Rehydrate.TypeWeights["event"], 1e-9)
	assert.InDelta(t, 3.0, cfg.Rehydrate.TypeWeights["task-note"], 1e-9, "unset weights keep defaults")
}

func TestLoad_RejectsInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	userPath := filepath.Join(dir, "config.yaml")
	writeFile(t, userPath, "eval:\n  coverage_threshold: 0.5\n", 0644)

	_, err := Load(LoadOptions{ConfigPath: userPath})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoad_ValidationFailure(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CTXD_SCHEDULER_INTERVAL", "1s")

	_, err := Load(LoadOptions{ConfigPath: filepath.Join(dir, "none.yaml")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.interval")
}

func TestEnvKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"CTXD_EVENTS_LEASE_TIMEOUT", "events.lease_timeout"},
		{"CTXD_MEMORY_HOME", "memory.home"},
		{"CTXD_METRICS", "metrics"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, envKey(tt.in))
		})
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90")))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestTOMLParser_RoundTrip(t *testing.T) {
	p := TOMLParser()
	m, err := p.Unmarshal([]byte("[eval]\ncoverage_threshold = 0.6\n"))
	require.NoError(t, err)
	eval, ok := m["eval"].(map[string]interface{})
	require.True(t, ok)
	assert.InDelta(t, 0.6, eval["coverage_threshold"], 1e-9)

	out, err := p.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(out), "coverage_threshold")
}
