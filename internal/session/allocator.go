package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Workspace is what an Allocator hands out for a session.
type Workspace struct {
	Path     string
	Ref      string
	Metadata map[string]string
}

// Allocator provisions and reclaims per-session workspaces.
type Allocator interface {
	Name() string
	Allocate(ctx context.Context, slug string) (Workspace, error)
	// Valid reports whether a previously allocated workspace still exists.
	Valid(ctx context.Context, m Mapping) bool
	// Dirty reports whether reclaiming would lose work. A missing
	// workspace is never dirty.
	Dirty(ctx context.Context, m Mapping) (bool, error)
	// Release reclaims the workspace. It must not remove anything when
	// it returns an error.
	Release(ctx context.Context, m Mapping) error
}

// RefManager creates and removes named context refs.
type RefManager interface {
	EnsureRef(ctx context.Context, name string) error
	DeleteRef(ctx context.Context, name string) error
}

// DirAllocator gives each session a plain directory and a context ref
// named session/<slug>.
type DirAllocator struct {
	Root string
	Refs RefManager
}

func (a *DirAllocator) Name() string { return "dir" }

func (a *DirAllocator) Allocate(ctx context.Context, slug string) (Workspace, error) {
	path := filepath.Join(a.Root, slug)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return Workspace{}, fmt.Errorf("failed to create session workspace: %w", err)
	}
	ref := "session/" + slug
	if a.Refs != nil {
		if err := a.Refs.EnsureRef(ctx, ref); err != nil {
			return Workspace{}, fmt.Errorf("failed to create context ref %s: %w", ref, err)
		}
	}
	return Workspace{Path: path, Ref: ref}, nil
}

func (a *DirAllocator) Valid(_ context.Context, m Mapping) bool {
	info, err := os.Stat(m.Workspace)
	return err == nil && info.IsDir()
}

// Dirty is true when the directory holds anything.
func (a *DirAllocator) Dirty(_ context.Context, m Mapping) (bool, error) {
	entries, err := os.ReadDir(m.Workspace)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// Release drops the context ref before the directory, so a ref that
// cannot be deleted (the current one) keeps its workspace too.
func (a *DirAllocator) Release(ctx context.Context, m Mapping) error {
	if a.Refs != nil && m.Ref != "" {
		if err := a.Refs.DeleteRef(ctx, m.Ref); err != nil {
			return err
		}
	}
	return os.RemoveAll(m.Workspace)
}

// GitAllocator creates a branch <prefix>/<slug> from BaseRef in the
// repository at RepoRoot and clones it into Root/<slug>.
type GitAllocator struct {
	RepoRoot     string
	Root         string
	BranchPrefix string
	BaseRef      string
}

func (a *GitAllocator) Name() string { return "git" }

func (a *GitAllocator) open() (*git.Repository, error) {
	return git.PlainOpenWithOptions(a.RepoRoot, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
}

func (a *GitAllocator) branch(slug string) plumbing.ReferenceName {
	prefix := strings.Trim(a.BranchPrefix, "/")
	if prefix == "" {
		return plumbing.NewBranchReferenceName(slug)
	}
	return plumbing.NewBranchReferenceName(prefix + "/" + slug)
}

func (a *GitAllocator) Allocate(ctx context.Context, slug string) (Workspace, error) {
	repo, err := a.open()
	if err != nil {
		return Workspace{}, fmt.Errorf("failed to open repository: %w", err)
	}
	name := a.branch(slug)
	base := a.BaseRef
	if base == "" {
		base = "HEAD"
	}
	if _, err := repo.Reference(name, true); errors.Is(err, plumbing.ErrReferenceNotFound) {
		hash, err := repo.ResolveRevision(plumbing.Revision(base))
		if err != nil {
			return Workspace{}, fmt.Errorf("failed to resolve base %s: %w", base, err)
		}
		if err := repo.Storer.SetReference(plumbing.NewHashReference(name, *hash)); err != nil {
			return Workspace{}, fmt.Errorf("failed to create branch %s: %w", name.Short(), err)
		}
	} else if err != nil {
		return Workspace{}, err
	}

	path := filepath.Join(a.Root, slug)
	if _, err := git.PlainOpen(path); err != nil {
		if err := os.MkdirAll(a.Root, 0o755); err != nil {
			return Workspace{}, err
		}
		_, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
			URL:           a.RepoRoot,
			ReferenceName: name,
			SingleBranch:  true,
		})
		if err != nil {
			os.RemoveAll(path)
			return Workspace{}, fmt.Errorf("failed to clone session workspace: %w", err)
		}
	}
	return Workspace{
		Path:     path,
		Ref:      name.Short(),
		Metadata: map[string]string{"baseRef": base, "repoRoot": a.RepoRoot},
	}, nil
}

// Valid only checks that the clone still exists; a session may check out
// other branches in its workspace.
func (a *GitAllocator) Valid(_ context.Context, m Mapping) bool {
	_, err := git.PlainOpen(m.Workspace)
	return err == nil
}

// Dirty is true when the clone has uncommitted changes or holds commits
// the base repository does not have.
func (a *GitAllocator) Dirty(_ context.Context, m Mapping) (bool, error) {
	repo, err := git.PlainOpen(m.Workspace)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, err
	}
	st, err := wt.Status()
	if err != nil {
		return false, err
	}
	if !st.IsClean() {
		return true, nil
	}
	base, err := a.open()
	if err != nil {
		return false, fmt.Errorf("failed to open repository: %w", err)
	}
	return unshared(repo, base)
}

// unshared reports whether any branch tip or the HEAD of ws is missing
// from base.
func unshared(ws, base *git.Repository) (bool, error) {
	var tips []plumbing.Hash
	head, err := ws.Head()
	switch {
	case err == nil:
		tips = append(tips, head.Hash())
	case !errors.Is(err, plumbing.ErrReferenceNotFound):
		return false, err
	}
	branches, err := ws.Branches()
	if err != nil {
		return false, err
	}
	err = branches.ForEach(func(ref *plumbing.Reference) error {
		tips = append(tips, ref.Hash())
		return nil
	})
	if err != nil {
		return false, err
	}
	for _, h := range tips {
		_, err := base.CommitObject(h)
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
	}
	return false, nil
}

func (a *GitAllocator) Release(_ context.Context, m Mapping) error {
	if err := os.RemoveAll(m.Workspace); err != nil {
		return err
	}
	repo, err := a.open()
	if err != nil {
		return err
	}
	err = repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(m.Ref))
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil
	}
	return err
}
