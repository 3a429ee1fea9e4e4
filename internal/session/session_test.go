package session

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/continuity/internal/layout"
)

type memRefs struct {
	mu   sync.Mutex
	refs map[string]bool
	// pinned refs refuse deletion, like the current context ref.
	pinned map[string]bool
}

func (m *memRefs) EnsureRef(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[name] = true
	return nil
}

func (m *memRefs) DeleteRef(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pinned[name] {
		return errors.New("cannot delete the current ref " + name)
	}
	delete(m.refs, name)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newDirRegistry(t *testing.T) (*Registry, *memRefs, *clock) {
	t.Helper()
	root := t.TempDir()
	refs := &memRefs{refs: map[string]bool{}}
	clk := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	alloc := &DirAllocator{Root: filepath.Join(root, "worktrees"), Refs: refs}
	return NewRegistry(layout.New(filepath.Join(root, "mem")), alloc, Options{Now: clk.Now}), refs, clk
}

func TestEnsure_ConcurrentSessionsBothRecorded(t *testing.T) {
	reg, refs, _ := newDirRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{"A", "B"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, _, errs[i] = reg.Ensure(ctx, id)
		}(i, id)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	ids := []string{list[0].SessionID, list[1].SessionID}
	assert.ElementsMatch(t, []string{"A", "B"}, ids)
	assert.NotEqual(t, list[0].Workspace, list[1].Workspace)
	assert.True(t, refs.refs["session/a"])
	assert.True(t, refs.refs["session/b"])
}

func TestEnsure_ReusesAndRefreshes(t *testing.T) {
	reg, _, clk := newDirRegistry(t)
	ctx := context.Background()

	first, created, err := reg.Ensure(ctx, "codex-42")
	require.NoError(t, err)
	assert.True(t, created)

	clk.Advance(time.Hour)
	second, created, err := reg.Ensure(ctx, "codex-42")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Workspace, second.Workspace)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.LastSeenAt.After(first.LastSeenAt))

	require.NoError(t, os.RemoveAll(first.Workspace))
	third, created, err := reg.Ensure(ctx, "codex-42")
	require.NoError(t, err)
	assert.True(t, created, "invalid mapping is reallocated")
	assert.DirExists(t, third.Workspace)
}

func TestPrune(t *testing.T) {
	reg, refs, clk := newDirRegistry(t)
	ctx := context.Background()

	idle, _, err := reg.Ensure(ctx, "idle")
	require.NoError(t, err)
	busy, _, err := reg.Ensure(ctx, "busy")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(busy.Workspace, "notes.txt"), []byte("wip"), 0o644))

	clk.Advance(48 * time.Hour)
	_, _, err = reg.Ensure(ctx, "fresh")
	require.NoError(t, err)

	rep, err := reg.Prune(ctx, 24*time.Hour, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"idle"}, rep.Removed)
	require.Len(t, rep.Skipped, 1)
	assert.Equal(t, "busy", rep.Skipped[0].SessionID)
	assert.NoDirExists(t, idle.Workspace)
	assert.False(t, refs.refs["session/idle"])

	rep, err = reg.Prune(ctx, 24*time.Hour, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"busy"}, rep.Removed)

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "fresh", list[0].SessionID)
}

func TestPrune_RefDeleteFailureKeepsWorkspace(t *testing.T) {
	reg, refs, clk := newDirRegistry(t)
	ctx := context.Background()

	m, _, err := reg.Ensure(ctx, "pinned")
	require.NoError(t, err)
	refs.pinned = map[string]bool{"session/pinned": true}

	clk.Advance(48 * time.Hour)
	rep, err := reg.Prune(ctx, 24*time.Hour, true)
	require.NoError(t, err)
	assert.Empty(t, rep.Removed)
	require.Len(t, rep.Skipped, 1)
	assert.Contains(t, rep.Skipped[0].Reason, "current ref")
	assert.DirExists(t, m.Workspace)
	assert.True(t, refs.refs["session/pinned"])

	list, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestResolveID(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	env := map[string]string{"SESSION_ID": "generic", "CODEX_THREAD_ID": "thread-9"}
	getenv := func(k string) string { return env[k] }

	assert.Equal(t, "explicit", ResolveID(" explicit ", getenv, now))
	assert.Equal(t, "thread-9", ResolveID("", getenv, now))

	id := ResolveID("", func(string) string { return "" }, now)
	assert.True(t, strings.HasPrefix(id, "manual-20260501T120000Z-"), id)
	assert.Len(t, id, len("manual-20260501T120000Z-")+8)
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Codex Thread #7", "codex-thread-7"},
		{"a.b_c", "a.b_c"},
		{"///", "session"},
		{"UPPER--case", "upper-case"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Slug(tt.in))
		})
	}

	long := strings.Repeat("x", 80)
	s := Slug(long)
	assert.LessOrEqual(t, len(s), MaxSlugLen)
	assert.NotEqual(t, s, Slug(long+"y"), "truncated slugs keep a distinguishing suffix")
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("init", &git.CommitOptions{
		Author: &object.Signature{Name: "t", Email: "t@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir
}

func TestGitAllocator(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available for local clone transport")
	}
	repoDir := initRepo(t)
	alloc := &GitAllocator{
		RepoRoot:     repoDir,
		Root:         filepath.Join(t.TempDir(), "wt"),
		BranchPrefix: "ctxd/session",
		BaseRef:      "HEAD",
	}
	ctx := context.Background()

	ws, err := alloc.Allocate(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "ctxd/session/alpha", ws.Ref)

	repo, err := git.PlainOpen(repoDir)
	require.NoError(t, err)
	_, err = repo.Reference(plumbing.NewBranchReferenceName("ctxd/session/alpha"), true)
	require.NoError(t, err)

	m := Mapping{Workspace: ws.Path, Ref: ws.Ref, Allocator: "git"}
	assert.True(t, alloc.Valid(ctx, m))
	dirty, err := alloc.Dirty(ctx, m)
	require.NoError(t, err)
	assert.False(t, dirty)

	require.NoError(t, os.WriteFile(filepath.Join(ws.Path, "scratch.go"), []byte("package x\n"), 0o644))
	dirty, err = alloc.Dirty(ctx, m)
	require.NoError(t, err)
	assert.True(t, dirty)

	require.NoError(t, alloc.Release(ctx, m))
	assert.NoDirExists(t, ws.Path)
	_, err = repo.Reference(plumbing.NewBranchReferenceName("ctxd/session/alpha"), true)
	assert.ErrorIs(t, err, plumbing.ErrReferenceNotFound)
}

func commitFile(t *testing.T, dir, name, msg string) {
	t.Helper()
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(msg+"\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)
	_, err = wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "t", Email: "t@example.com", When: time.Now()},
	})
	require.NoError(t, err)
}

func TestPrune_GitKeepsUnsharedWork(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available for local clone transport")
	}
	repoDir := initRepo(t)
	root := t.TempDir()
	alloc := &GitAllocator{
		RepoRoot:     repoDir,
		Root:         filepath.Join(root, "wt"),
		BranchPrefix: "ctxd/session",
		BaseRef:      "HEAD",
	}
	clk := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	reg := NewRegistry(layout.New(filepath.Join(root, "mem")), alloc, Options{Now: clk.Now})
	ctx := context.Background()

	// alpha commits in its clone and goes idle; the commit never reaches repoDir.
	alpha, _, err := reg.Ensure(ctx, "alpha")
	require.NoError(t, err)
	commitFile(t, alpha.Workspace, "feature.go", "add feature")
	dirty, err := alloc.Dirty(ctx, alpha)
	require.NoError(t, err)
	assert.True(t, dirty, "commits missing from the base repo count as work")

	idle, _, err := reg.Ensure(ctx, "idle")
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)

	// beta is fresh but has moved to another branch with an untracked file.
	beta, _, err := reg.Ensure(ctx, "beta")
	require.NoError(t, err)
	repo, err := git.PlainOpen(beta.Workspace)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName("feature"),
		Create: true,
	}))
	require.NoError(t, os.WriteFile(filepath.Join(beta.Workspace, "uncommitted.go"), []byte("package x\n"), 0o644))
	assert.True(t, alloc.Valid(ctx, beta), "switching branch keeps the workspace valid")

	rep, err := reg.Prune(ctx, time.Hour, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"idle"}, rep.Removed)
	require.Len(t, rep.Skipped, 1)
	assert.Equal(t, "alpha", rep.Skipped[0].SessionID)
	assert.DirExists(t, alpha.Workspace)
	assert.DirExists(t, beta.Workspace)
	assert.FileExists(t, filepath.Join(beta.Workspace, "uncommitted.go"))
	assert.NoDirExists(t, idle.Workspace)
}
