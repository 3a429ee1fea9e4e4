// Package session maps concurrent agent sessions onto isolated workspaces
// and records the mapping in automation/session-isolation.json.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuity/internal/fslock"
	"github.com/fyrsmithlabs/continuity/internal/layout"
	"github.com/fyrsmithlabs/continuity/internal/memerr"
)

// TableVersion is bumped when the table format changes.
const TableVersion = 1

// Mapping binds a session id to its workspace.
type Mapping struct {
	SessionID  string            `json:"sessionId"`
	Slug       string            `json:"slug"`
	Allocator  string            `json:"allocator"`
	Workspace  string            `json:"workspace"`
	Ref        string            `json:"ref"`
	CreatedAt  time.Time         `json:"createdAt"`
	LastSeenAt time.Time         `json:"lastSeenAt"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type table struct {
	Version  int                `json:"version"`
	Sessions map[string]Mapping `json:"sessions"`
}

// Skipped names a mapping Prune left in place.
type Skipped struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// PruneReport lists what Prune removed and skipped.
type PruneReport struct {
	Removed []string  `json:"removed"`
	Skipped []Skipped `json:"skipped"`
}

// Options configures a Registry.
type Options struct {
	LockTimeout time.Duration
	Logger      *zap.Logger
	Now         func() time.Time
}

// Registry is the lease-guarded session table.
type Registry struct {
	layout layout.Layout
	alloc  Allocator
	opts   Options
}

// NewRegistry returns a Registry allocating workspaces with alloc.
func NewRegistry(l layout.Layout, alloc Allocator, opts Options) *Registry {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{layout: l, alloc: alloc, opts: opts}
}

func (r *Registry) withTable(ctx context.Context, op string, fn func(*table) (bool, error)) error {
	lease, err := fslock.Acquire(ctx, r.layout.SessionLock(), fslock.Options{
		Timeout: r.opts.LockTimeout,
		Backoff: 10 * time.Millisecond,
	})
	if errors.Is(err, fslock.ErrBusy) || errors.Is(err, fslock.ErrTimeout) {
		return memerr.Wrap(memerr.KindLockUnavailable, op, err)
	}
	if err != nil {
		return err
	}
	defer lease.Release()

	t, err := r.load()
	if err != nil {
		return err
	}
	changed, err := fn(t)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return fslock.WriteJSON(r.layout.SessionTable(), t)
}

func (r *Registry) load() (*table, error) {
	t := &table{Version: TableVersion, Sessions: map[string]Mapping{}}
	if _, err := fslock.ReadJSON(r.layout.SessionTable(), t); err != nil {
		return nil, fmt.Errorf("failed to read session table: %w", err)
	}
	if t.Sessions == nil {
		t.Sessions = map[string]Mapping{}
	}
	return t, nil
}

// Ensure returns the mapping for sessionID, allocating a workspace when
// none exists or the recorded one is gone.
func (r *Registry) Ensure(ctx context.Context, sessionID string) (Mapping, bool, error) {
	if sessionID == "" {
		return Mapping{}, false, errors.New("session id is required")
	}
	var out Mapping
	var created bool
	err := r.withTable(ctx, "session.ensure", func(t *table) (bool, error) {
		now := r.opts.Now().UTC()
		if m, ok := t.Sessions[sessionID]; ok && m.Allocator == r.alloc.Name() && r.alloc.Valid(ctx, m) {
			m.LastSeenAt = now
			t.Sessions[sessionID] = m
			out = m
			return true, nil
		}
		slug := Slug(sessionID)
		ws, err := r.alloc.Allocate(ctx, slug)
		if err != nil {
			return false, err
		}
		out = Mapping{
			SessionID:  sessionID,
			Slug:       slug,
			Allocator:  r.alloc.Name(),
			Workspace:  ws.Path,
			Ref:        ws.Ref,
			CreatedAt:  now,
			LastSeenAt: now,
			Metadata:   ws.Metadata,
		}
		t.Sessions[sessionID] = out
		created = true
		return true, nil
	})
	if err != nil {
		return Mapping{}, false, err
	}
	if created {
		r.opts.Logger.Info("session workspace allocated",
			zap.String("session", sessionID), zap.String("workspace", out.Workspace), zap.String("ref", out.Ref))
	}
	return out, created, nil
}

// List returns every mapping, oldest first.
func (r *Registry) List(ctx context.Context) ([]Mapping, error) {
	t, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make([]Mapping, 0, len(t.Sessions))
	for _, m := range t.Sessions {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

// Prune removes mappings idle longer than maxAge or whose workspace is
// gone. Every workspace is checked for work before it is reclaimed;
// dirty ones are skipped unless force is set.
func (r *Registry) Prune(ctx context.Context, maxAge time.Duration, force bool) (PruneReport, error) {
	rep := PruneReport{Removed: []string{}, Skipped: []Skipped{}}
	err := r.withTable(ctx, "session.prune", func(t *table) (bool, error) {
		now := r.opts.Now().UTC()
		ids := make([]string, 0, len(t.Sessions))
		for id := range t.Sessions {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		changed := false
		for _, id := range ids {
			m := t.Sessions[id]
			stale := now.Sub(m.LastSeenAt) > maxAge
			ours := m.Allocator == r.alloc.Name()
			if !stale && ours && r.alloc.Valid(ctx, m) {
				continue
			}
			if ours && !force {
				dirty, err := r.alloc.Dirty(ctx, m)
				if err != nil {
					rep.Skipped = append(rep.Skipped, Skipped{SessionID: id, Reason: err.Error()})
					continue
				}
				if dirty {
					rep.Skipped = append(rep.Skipped, Skipped{SessionID: id, Reason: "workspace has uncommitted or unshared work"})
					continue
				}
			}
			if ours {
				if err := r.alloc.Release(ctx, m); err != nil {
					rep.Skipped = append(rep.Skipped, Skipped{SessionID: id, Reason: err.Error()})
					continue
				}
			}
			delete(t.Sessions, id)
			rep.Removed = append(rep.Removed, id)
			changed = true
		}
		return changed, nil
	})
	if err != nil {
		return rep, err
	}
	r.opts.Logger.Info("sessions pruned", zap.Int("removed", len(rep.Removed)), zap.Int("skipped", len(rep.Skipped)))
	return rep, nil
}
