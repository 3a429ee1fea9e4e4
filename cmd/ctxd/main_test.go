package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/continuity/internal/autocycle"
	"github.com/fyrsmithlabs/continuity/internal/contextver"
	"github.com/fyrsmithlabs/continuity/internal/eval"
	"github.com/fyrsmithlabs/continuity/internal/eventstore"
	"github.com/fyrsmithlabs/continuity/internal/memerr"
	"github.com/fyrsmithlabs/continuity/internal/session"
)

// testEnv isolates memory home, config and repository per test.
type testEnv struct {
	t    *testing.T
	home string
	repo string
	cfg  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		t:    t,
		home: t.TempDir(),
		repo: t.TempDir(),
	}
	env.cfg = filepath.Join(t.TempDir(), "missing.yaml")
	t.Setenv("CTXD_MEMORY_HOME", env.home)
	t.Setenv("CTXD_SECRETS_ENABLED", "false")
	t.Setenv("CTXD_LOGGING_LEVEL", "error")
	return env
}

// run executes ctxd with stdin and returns stdout and the exit code.
func (e *testEnv) run(stdin string, args ...string) (string, int) {
	e.t.Helper()
	a := newApp()
	a.getenv = func(string) string { return "" }
	root := newRootCmd(a)

	var out, errOut bytes.Buffer
	root.SetArgs(append([]string{"--repo", e.repo, "--config", e.cfg}, args...))
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))

	err := root.ExecuteContext(context.Background())
	a.close(context.Background())
	if err != nil {
		e.t.Logf("ctxd %s: %v", strings.Join(args, " "), err)
	}
	return out.String(), exitCode(err)
}

func (e *testEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, code := e.run("", args...)
	require.Equal(e.t, 0, code, "ctxd %s\n%s", strings.Join(args, " "), out)
	return out
}

func (e *testEnv) runJSON(v any, args ...string) {
	e.t.Helper()
	out := e.mustRun(append([]string{"--json"}, args...)...)
	require.NoError(e.t, json.Unmarshal([]byte(out), v), out)
}

func TestRootCmd_Commands(t *testing.T) {
	root := newRootCmd(newApp())
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
		assert.NotEmpty(t, c.Short, "command %s should have Short description", c.Name())
	}
	for _, want := range []string{
		"init", "where", "capture", "rebuild", "rehydrate", "eval", "verify",
		"backup", "repair", "scrub", "context", "session", "cycle", "mcp",
	} {
		assert.True(t, names[want], "command %s not registered", want)
	}

	for _, flag := range []string{"repo", "config", "json"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), "global flag %s", flag)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"generic", errors.New("boom"), 1},
		{"eval failed", &exitError{code: exitEvalFailed, msg: "evaluation failed"}, 3},
		{"write conflict", memerr.New(memerr.KindWriteConflict, "op", ""), 10},
		{"chain break", memerr.ChainBreak("op", 4, "hash mismatch"), 11},
		{"lock unavailable", fmt.Errorf("wrapped: %w", memerr.New(memerr.KindLockUnavailable, "op", "")), 12},
		{"budget too small", memerr.New(memerr.KindBudgetTooSmall, "op", ""), 13},
		{"merge conflict", memerr.MergeConflict("op", []string{"decision"}), 14},
		{"repo unknown", memerr.New(memerr.KindRepoIdentityUnknown, "op", ""), 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestRun_PrintsErrors(t *testing.T) {
	env := newTestEnv(t)
	var stdout, stderr bytes.Buffer
	code := run([]string{"--repo", env.repo, "--config", env.cfg, "context", "switch", "nope"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "Error:")
	assert.Contains(t, stderr.String(), "nope")
}

func TestRun_RepoIdentityUnknown(t *testing.T) {
	env := newTestEnv(t)
	var stdout, stderr bytes.Buffer
	missing := filepath.Join(env.repo, "does-not-exist")
	code := run([]string{"--repo", missing, "--config", env.cfg, "where"}, &stdout, &stderr)
	assert.Equal(t, 15, code)
}

func TestWhere_DoesNotCreate(t *testing.T) {
	env := newTestEnv(t)
	out := strings.TrimSpace(env.mustRun("where"))
	assert.True(t, strings.HasPrefix(out, env.home), out)
	assert.NoDirExists(t, out)
}

func TestInit_Idempotent(t *testing.T) {
	env := newTestEnv(t)

	var first struct {
		RepoID  string   `json:"repoId"`
		Root    string   `json:"root"`
		Created []string `json:"created"`
	}
	env.runJSON(&first, "init")
	assert.NotEmpty(t, first.RepoID)
	assert.NotEmpty(t, first.Created)
	assert.FileExists(t, filepath.Join(first.Root, "ACTIVE_TASK.md"))
	assert.FileExists(t, filepath.Join(first.Root, "context", "refs.json"))

	var second struct {
		Created []string `json:"created"`
		Existed []string `json:"existed"`
	}
	env.runJSON(&second, "init")
	assert.Empty(t, second.Created)
	assert.Len(t, second.Existed, len(first.Created))
}

func captureSamples(t *testing.T, env *testEnv) {
	t.Helper()
	env.mustRun("capture", "--kind", "decision", "--task", "repair", "Chose BLAKE3 for the chain")
	env.mustRun("capture", "--kind", "test", "--status", "failure", "--path", "internal/eventstore/repair.go", "TestRepair failed on torn tail")
	env.mustRun("capture", "--kind", "edit", "--status", "success", "--task", "repair",
		"--path", "internal/eventstore/repair.go", "--summary", "staging trimmed after backup")
}

func TestCapture_VerifyAndIdempotency(t *testing.T) {
	env := newTestEnv(t)
	captureSamples(t, env)

	var ev eventstore.Event
	env.runJSON(&ev, "capture", "--idempotency-key", "build-42", "build finished")
	assert.Equal(t, int64(3), ev.Seq)
	assert.Equal(t, "note", ev.Kind)
	assert.Equal(t, "cli", ev.Source)

	var again eventstore.Event
	env.runJSON(&again, "capture", "--idempotency-key", "build-42", "build finished")
	assert.Equal(t, ev.ID, again.ID)

	var rep eventstore.VerifyReport
	env.runJSON(&rep, "verify", "--strict")
	assert.True(t, rep.OK)
	assert.Equal(t, 4, rep.Events)
	assert.Equal(t, int64(3), rep.TipSeq)

	_, code := env.run("", "capture", "--status", "bogus", "x")
	assert.Equal(t, 1, code)
}

func TestRebuildRehydrateEval(t *testing.T) {
	env := newTestEnv(t)
	captureSamples(t, env)

	out := env.mustRun("rebuild")
	assert.Contains(t, out, "signals from 3 events")

	var pkg struct {
		Path     string `json:"path"`
		Markdown string `json:"markdown"`
		Trace    struct {
			BudgetTokens    int `json:"budgetTokens"`
			TotalTokensUsed int `json:"totalTokensUsed"`
		} `json:"trace"`
	}
	env.runJSON(&pkg, "rehydrate", "--budget-tokens", "800", "--query", "repair torn tail")
	assert.Equal(t, 800, pkg.Trace.BudgetTokens)
	assert.LessOrEqual(t, pkg.Trace.TotalTokensUsed, 800)
	assert.FileExists(t, pkg.Path)
	assert.Contains(t, pkg.Markdown, "TestRepair failed on torn tail")

	evalOut, code := env.run("", "--json", "eval")
	var rep eval.Report
	require.NoError(t, json.Unmarshal([]byte(evalOut), &rep), evalOut)
	if rep.Pass {
		assert.Equal(t, 0, code)
	} else {
		assert.Equal(t, exitEvalFailed, code)
	}
	assert.Equal(t, pkg.Trace.TotalTokensUsed, rep.TokensUsed)

	_, code = env.run("", "rehydrate", "--budget-tokens", "1")
	assert.Equal(t, 13, code)
}

func TestBackupAndRepair(t *testing.T) {
	env := newTestEnv(t)
	captureSamples(t, env)

	var info eventstore.BackupInfo
	env.runJSON(&info, "backup")
	assert.Equal(t, int64(2), info.ThroughSeq)

	root := strings.TrimSpace(env.mustRun("where"))
	log := filepath.Join(root, "events", "events.jsonl")
	data, err := os.ReadFile(log)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(log, bytes.Replace(data, []byte("torn tail"), []byte("torn tale"), 1), 0o644))

	_, code := env.run("", "verify", "--strict")
	assert.Equal(t, 11, code)

	var rep eventstore.RepairReport
	env.runJSON(&rep, "repair")
	assert.True(t, rep.Changed)

	var after eventstore.VerifyReport
	env.runJSON(&after, "verify", "--strict")
	assert.True(t, after.OK)
	assert.Equal(t, int64(2), after.TipSeq)
}

func TestContextCommands(t *testing.T) {
	env := newTestEnv(t)
	captureSamples(t, env)

	var st contextver.Status
	env.runJSON(&st, "context", "status")
	assert.Equal(t, contextver.DefaultRef, st.CurrentRef)
	assert.True(t, st.Dirty)

	var c contextver.Commit
	env.runJSON(&c, "context", "commit", "-m", "first snapshot")
	assert.Equal(t, "first snapshot", c.Message)
	assert.Equal(t, contextver.DefaultRef, c.Ref)

	env.runJSON(&st, "context", "status")
	assert.False(t, st.Dirty)
	assert.Equal(t, c.ID, st.Head)

	env.mustRun("context", "branch", "spike")
	env.mustRun("context", "switch", "spike")

	var refs contextver.RefTable
	env.runJSON(&refs, "context", "refs")
	assert.Equal(t, "spike", refs.Current)
	assert.Equal(t, c.ID, refs.Refs["spike"])

	var merge contextver.MergeResult
	env.runJSON(&merge, "context", "merge", "main")
	assert.True(t, merge.NoOp)

	var log []contextver.Commit
	env.runJSON(&log, "context", "log", "main")
	require.Len(t, log, 1)
	assert.Equal(t, c.ID, log[0].ID)

	_, code := env.run("", "context", "merge", "main", "--resolution", "sideways")
	assert.Equal(t, 1, code)
}

func TestSessionCommands(t *testing.T) {
	env := newTestEnv(t)

	var a, b struct {
		session.Mapping
		Created bool `json:"created"`
	}
	env.runJSON(&a, "session", "ensure", "--session-id", "A")
	env.runJSON(&b, "session", "ensure", "--session-id", "B")
	assert.True(t, a.Created)
	assert.NotEqual(t, a.Workspace, b.Workspace)
	assert.DirExists(t, a.Workspace)

	var again struct {
		session.Mapping
		Created bool `json:"created"`
	}
	env.runJSON(&again, "session", "ensure", "--session-id", "A")
	assert.False(t, again.Created)
	assert.Equal(t, a.Workspace, again.Workspace)

	var list []session.Mapping
	env.runJSON(&list, "session", "list")
	require.Len(t, list, 2)

	var rep session.PruneReport
	env.runJSON(&rep, "session", "prune", "--max-age", "1h")
	assert.Empty(t, rep.Removed)
}

func TestCycleOnce(t *testing.T) {
	env := newTestEnv(t)
	captureSamples(t, env)

	var first autocycle.TickResult
	env.runJSON(&first, "cycle", "once", "--snapshot-min-seconds", "0", "--budget-tokens", "800")
	assert.Equal(t, autocycle.ResultCommitted, first.Result)
	assert.NotEmpty(t, first.CommitID)

	var second autocycle.TickResult
	env.runJSON(&second, "cycle", "once", "--snapshot-min-seconds", "0", "--budget-tokens", "800")
	assert.Equal(t, autocycle.ResultUnchanged, second.Result)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)

	_, code := env.run("", "cycle", "once", "--interval-seconds", "1")
	assert.Equal(t, 1, code, "intervals below the minimum are rejected")
}

func TestScrub_Stdin(t *testing.T) {
	env := newTestEnv(t)
	out, code := env.run("ran go test ./internal/eventstore", "scrub", "-")
	assert.Equal(t, 0, code)
	assert.Equal(t, "ran go test ./internal/eventstore", out)

	_, code = env.run("", "scrub")
	assert.Equal(t, 1, code)
}

func TestStyles_PlainForNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	st := stylesFor(&buf)
	assert.Equal(t, "PASS", st.good.Render("PASS"))
	assert.Equal(t, "FAIL", st.bad.Render("FAIL"))
}

func TestVerify_TextOutput(t *testing.T) {
	env := newTestEnv(t)
	captureSamples(t, env)
	out := env.mustRun("verify")
	assert.Equal(t, "OK 3 events, tip seq 2\n", out)
}
