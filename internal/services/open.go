package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuity/internal/autocycle"
	"github.com/fyrsmithlabs/continuity/internal/config"
	"github.com/fyrsmithlabs/continuity/internal/contextver"
	"github.com/fyrsmithlabs/continuity/internal/eventstore"
	"github.com/fyrsmithlabs/continuity/internal/layout"
	"github.com/fyrsmithlabs/continuity/internal/metrics"
	"github.com/fyrsmithlabs/continuity/internal/refresh"
	"github.com/fyrsmithlabs/continuity/internal/rehydrate"
	"github.com/fyrsmithlabs/continuity/internal/repoid"
	"github.com/fyrsmithlabs/continuity/internal/secrets"
	"github.com/fyrsmithlabs/continuity/internal/session"
	"github.com/fyrsmithlabs/continuity/internal/tokens"
	"github.com/fyrsmithlabs/continuity/internal/typedmem"
)

// OpenOptions carries process-level dependencies into Open.
type OpenOptions struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Source labels events and context ops written through this registry.
	Source string
	Now    func() time.Time
}

// MemoryHome returns the configured memory home, defaulting to
// ~/.local/share/ctxd.
func MemoryHome(cfg *config.Config) (string, error) {
	if cfg.Memory.Home != "" {
		return cfg.Memory.Home, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "ctxd"), nil
}

// Open builds every component for the repository identified by id.
// Nothing is written to disk; call Init to bootstrap a fresh root.
func Open(cfg *config.Config, id repoid.Identity, opts OpenOptions) (Registry, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Source == "" {
		opts.Source = "cli"
	}
	logger := opts.Logger.With(zap.String("repo.id", id.ID))

	home, err := MemoryHome(cfg)
	if err != nil {
		return nil, err
	}
	l := layout.New(id.MemoryRoot(home))

	scrubber, err := secrets.New(secrets.Config{
		Enabled:     cfg.Secrets.Enabled,
		ProjectPath: id.WorkRoot,
		UserPath:    cfg.Secrets.UserAllowlist,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build secret scrubber: %w", err)
	}

	eopts := eventstore.OptionsFromConfig(cfg.Events)
	eopts.Scrubber = scrubber
	eopts.Logger = logger.Named("eventstore")
	eopts.Metrics = opts.Metrics
	eopts.Now = opts.Now
	events, err := eventstore.Open(l, eopts)
	if err != nil {
		return nil, err
	}

	typed := typedmem.OptionsFromConfig(cfg.Typed)
	ctxStore := contextver.New(l, events, contextver.Options{
		Typed:  typed,
		Source: opts.Source,
		Logger: logger.Named("contextver"),
		Now:    opts.Now,
	})

	counter, err := tokens.New(cfg.Rehydrate.Tokenizer)
	if err != nil {
		return nil, err
	}
	compiler := rehydrate.NewCompiler(events, l, rehydrate.Options{
		Policy:    rehydrate.PolicyFromConfig(cfg.Rehydrate),
		MaxEvents: cfg.Rehydrate.MaxEvents,
		Typed:     typed,
		Counter:   counter,
		Snapshots: ctxStore,
		Logger:    logger.Named("rehydrate"),
		Now:       opts.Now,
	})

	ropts := refresh.OptionsFromConfig(cfg)
	ropts.Metrics = opts.Metrics
	ropts.Logger = logger.Named("refresh")
	ropts.Now = opts.Now
	refresher := refresh.New(events, l, compiler, ropts)

	sessions := session.NewRegistry(l, allocator(cfg.Session, id, l, ctxStore), session.Options{
		Logger: logger.Named("session"),
		Now:    opts.Now,
	})

	copts := autocycle.OptionsFromConfig(cfg.Scheduler)
	copts.Metrics = opts.Metrics
	copts.Logger = logger.Named("autocycle")
	copts.Now = opts.Now
	cycle := autocycle.New(events, refresher, ctxStore, l, copts)

	return NewRegistry(Options{
		Config:    cfg,
		Identity:  id,
		Layout:    l,
		Events:    events,
		Compiler:  compiler,
		Refresher: refresher,
		Context:   ctxStore,
		Sessions:  sessions,
		Cycle:     cycle,
		Scrubber:  scrubber,
		Metrics:   opts.Metrics,
	}), nil
}

func allocator(cfg config.SessionConfig, id repoid.Identity, l layout.Layout, refs session.RefManager) session.Allocator {
	root := cfg.WorktreesRoot
	if root == "" {
		root = filepath.Join(l.Root, "worktrees")
	}
	if cfg.Allocator == "git" && id.IsGit {
		return &session.GitAllocator{
			RepoRoot:     id.WorkRoot,
			Root:         root,
			BranchPrefix: cfg.BranchPrefix,
			BaseRef:      cfg.BaseRef,
		}
	}
	return &session.DirAllocator{Root: root, Refs: refs}
}

// Init bootstraps the memory root and the context refs.
func Init(ctx context.Context, r Registry, now time.Time) (layout.BootstrapResult, error) {
	id := r.Identity()
	res, err := r.Layout().Bootstrap(id.ID, id.IdentityRoot, id.WorkRoot, now)
	if err != nil {
		return res, err
	}
	if err := r.Context().Init(ctx); err != nil {
		return res, fmt.Errorf("failed to initialize context refs: %w", err)
	}
	return res, nil
}
