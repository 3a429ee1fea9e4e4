// Package repoid derives the canonical repository identity that keys a
// memory root. Linked git worktrees resolve to the same identity as the
// main checkout so every session of one repository shares one store.
package repoid

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/zeebo/blake3"

	"github.com/fyrsmithlabs/continuity/internal/memerr"
)

// Identity describes where a repository's memory lives.
type Identity struct {
	// WorkRoot is the top of the current working tree.
	WorkRoot string `json:"work_root"`
	// IdentityRoot is shared by all worktrees of one repository.
	IdentityRoot string `json:"identity_root"`
	// ID is slug(identity root name) + "--" + 10 hex chars of its path hash.
	ID string `json:"repo_id"`
	// IsGit is false when the directory is not inside a git repository.
	IsGit bool `json:"is_git"`
}

// MemoryRoot returns the per-repository memory directory under home.
func (i Identity) MemoryRoot(home string) string {
	return filepath.Join(home, i.ID)
}

var slugInvalid = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Slugify maps text to [a-zA-Z0-9._-], falling back to "entry".
func Slugify(text string) string {
	v := slugInvalid.ReplaceAllString(strings.TrimSpace(text), "-")
	v = strings.Trim(v, "-")
	if v == "" {
		return "entry"
	}
	return v
}

// HashHex returns the first n hex characters of the BLAKE3 digest of s.
func HashHex(s string, n int) string {
	sum := blake3.Sum256([]byte(s))
	h := hex.EncodeToString(sum[:])
	if n > 0 && n < len(h) {
		return h[:n]
	}
	return h
}

// Resolve derives the identity for the directory containing start.
func Resolve(start string) (Identity, error) {
	const op = "repoid.resolve"
	if start == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Identity{}, memerr.Wrap(memerr.KindRepoIdentityUnknown, op, err)
		}
		start = wd
	}
	abs, err := filepath.Abs(start)
	if err != nil {
		return Identity{}, memerr.Wrap(memerr.KindRepoIdentityUnknown, op, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Identity{}, memerr.Wrap(memerr.KindRepoIdentityUnknown, op, err)
	}
	if !info.IsDir() {
		abs = filepath.Dir(abs)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	id := Identity{WorkRoot: abs, IdentityRoot: abs}
	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	switch {
	case err == nil:
		wt, werr := repo.Worktree()
		if werr == nil {
			id.WorkRoot = wt.Filesystem.Root()
		}
		id.IsGit = true
		id.IdentityRoot = identityRoot(id.WorkRoot)
	case errors.Is(err, git.ErrRepositoryNotExists):
		// Plain directories key their own store.
	default:
		return Identity{}, memerr.Wrap(memerr.KindRepoIdentityUnknown, op, err)
	}

	name := filepath.Base(id.IdentityRoot)
	if name == "" || name == string(filepath.Separator) || name == "." {
		return Identity{}, memerr.New(memerr.KindRepoIdentityUnknown, op,
			"cannot derive a stable name for "+id.IdentityRoot)
	}
	id.ID = Slugify(name) + "--" + HashHex(id.IdentityRoot, 10)
	return id, nil
}

// identityRoot follows a linked worktree's .git file to the common dir and
// returns the main checkout. Bare or unusual layouts key on the common dir.
func identityRoot(workRoot string) string {
	dotGit := filepath.Join(workRoot, ".git")
	info, err := os.Stat(dotGit)
	if err != nil {
		return workRoot
	}
	if info.IsDir() {
		return workRoot
	}

	data, err := os.ReadFile(dotGit)
	if err != nil {
		return workRoot
	}
	line := strings.TrimSpace(string(data))
	if !strings.HasPrefix(line, "gitdir:") {
		return workRoot
	}
	gitDir := strings.TrimSpace(strings.TrimPrefix(line, "gitdir:"))
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(workRoot, gitDir)
	}

	commonDir := gitDir
	if raw, err := os.ReadFile(filepath.Join(gitDir, "commondir")); err == nil {
		c := strings.TrimSpace(string(raw))
		if !filepath.IsAbs(c) {
			c = filepath.Join(gitDir, c)
		}
		commonDir = filepath.Clean(c)
	}
	if resolved, err := filepath.EvalSymlinks(commonDir); err == nil {
		commonDir = resolved
	}
	if filepath.Base(commonDir) == ".git" {
		return filepath.Dir(commonDir)
	}
	return commonDir
}
