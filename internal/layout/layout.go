// Package layout names every file in a per-repository memory root and
// bootstraps a fresh root with its directories and template notes.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Artifact names registered by convention.
const (
	ActiveTaskName    = "ACTIVE_TASK.md"
	DecisionsName     = "DECISIONS.md"
	ProjectMemoryName = "PROJECT_MEMORY.md"
	RepoPointerName   = "REPO_POINTER.txt"
)

// Layout resolves paths inside one memory root.
type Layout struct {
	Root string
}

// New returns the layout rooted at root.
func New(root string) Layout { return Layout{Root: root} }

func (l Layout) path(parts ...string) string {
	return filepath.Join(append([]string{l.Root}, parts...)...)
}

func (l Layout) EventsDir() string     { return l.path("events") }
func (l Layout) EventsFile() string    { return l.path("events", "events.jsonl") }
func (l Layout) EventsLock() string    { return l.path("events", "events.jsonl.lock") }
func (l Layout) GapsFile() string      { return l.path("events", "gaps.json") }
func (l Layout) StagingFile() string   { return l.path("events", "staging.jsonl") }
func (l Layout) BackupDir() string     { return l.path("events", "backup") }
func (l Layout) BackupFile() string    { return l.path("events", "backup", "events.jsonl") }
func (l Layout) BackupMeta() string    { return l.path("events", "backup", "backup.json") }
func (l Layout) TypedIndex() string    { return l.path("typed-memory.json") }
func (l Layout) TypedMarkdown() string { return l.path("typed-memory.md") }

func (l Layout) ContextDir() string   { return l.path("context") }
func (l Layout) RefsFile() string     { return l.path("context", "refs.json") }
func (l Layout) RefsLock() string     { return l.path("context", "refs.lock") }
func (l Layout) CommitsDir() string   { return l.path("context", "commits") }
func (l Layout) SnapshotsDir() string { return l.path("context", "snapshots") }

func (l Layout) RehydratedLatest() string { return l.path("rehydrated", "latest.md") }
func (l Layout) TraceLatest() string      { return l.path("rehydrated", "traces", "latest-trace.json") }
func (l Layout) EvalLatest() string       { return l.path("rehydrated", "evals", "latest-eval.json") }

func (l Layout) AutomationDir() string  { return l.path("automation") }
func (l Layout) AutoCycleState() string { return l.path("automation", "auto-cycle-state.json") }
func (l Layout) AutoCycleLock() string  { return l.path("automation", "auto-cycle.lock") }
func (l Layout) SessionTable() string   { return l.path("automation", "session-isolation.json") }
func (l Layout) SessionLock() string    { return l.path("automation", "session-isolation.lock") }

func (l Layout) ActiveTask() string    { return l.path(ActiveTaskName) }
func (l Layout) Decisions() string     { return l.path(DecisionsName) }
func (l Layout) ProjectMemory() string { return l.path(ProjectMemoryName) }
func (l Layout) RepoPointer() string   { return l.path(RepoPointerName) }

// Dirs lists the directories a bootstrapped root contains.
func (l Layout) Dirs() []string {
	return []string{
		l.EventsDir(),
		l.BackupDir(),
		l.CommitsDir(),
		l.SnapshotsDir(),
		filepath.Dir(l.TraceLatest()),
		filepath.Dir(l.EvalLatest()),
		l.AutomationDir(),
	}
}

// BootstrapResult reports what Bootstrap created.
type BootstrapResult struct {
	Root    string   `json:"root"`
	Created []string `json:"created"`
	Existed []string `json:"existed"`
}

// Bootstrap creates missing directories and template notes. Existing files
// are never overwritten.
func (l Layout) Bootstrap(repoID, identityRoot, workRoot string, now time.Time) (BootstrapResult, error) {
	res := BootstrapResult{Root: l.Root}
	for _, dir := range l.Dirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return res, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	pointer := fmt.Sprintf("repo_id: %s\nidentity_root: %s\nwork_root: %s\ncreated_at: %s\n",
		repoID, identityRoot, workRoot, now.UTC().Format(time.RFC3339))
	files := []struct {
		path    string
		content string
	}{
		{l.ProjectMemory(), projectMemoryTemplate},
		{l.ActiveTask(), activeTaskTemplate},
		{l.Decisions(), decisionsTemplate},
		{l.RepoPointer(), pointer},
	}
	for _, f := range files {
		created, err := ensureFile(f.path, f.content)
		if err != nil {
			return res, err
		}
		if created {
			res.Created = append(res.Created, f.path)
		} else {
			res.Existed = append(res.Existed, f.path)
		}
	}
	return res, nil
}

func ensureFile(path, content string) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}

const projectMemoryTemplate = `# Project Memory (Durable)

Keep this small and stable. Facts that should remain true across many tasks.

## Repo

- Purpose:
- Primary packages/apps:

## Architecture

- Data flow:
- Invariants:

## Conventions

- Testing:
- Tooling:
`

const activeTaskTemplate = `# Active Task

## Objective

- ...

## Acceptance Criteria

- [ ] ...

## Constraints / Non-Goals

- ...

## Key Paths

- ...

## Commands / Verification

` + "```bash\n# Exact commands + results\n```" + `

## Current Status

- Next step:
- Blockers:
`

const decisionsTemplate = `# Decisions (ADR-Light)

Each entry: date, decision, alternatives, consequences.
`
