// Package refresh runs the derived-state pipeline: typed memory rebuild,
// rehydration compile and evaluation, persisting each artifact.
package refresh

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuity/internal/config"
	"github.com/fyrsmithlabs/continuity/internal/eval"
	"github.com/fyrsmithlabs/continuity/internal/eventstore"
	"github.com/fyrsmithlabs/continuity/internal/fslock"
	"github.com/fyrsmithlabs/continuity/internal/layout"
	"github.com/fyrsmithlabs/continuity/internal/metrics"
	"github.com/fyrsmithlabs/continuity/internal/rehydrate"
	"github.com/fyrsmithlabs/continuity/internal/typedmem"
)

// Options configures a Refresher.
type Options struct {
	Typed        typedmem.Options
	MarkdownView bool
	Thresholds   eval.Thresholds
	Required     []string
	RiskWindow   int
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	Now          func() time.Time
}

// OptionsFromConfig maps the typed and eval config sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Typed:        typedmem.OptionsFromConfig(cfg.Typed),
		MarkdownView: cfg.Typed.MarkdownView,
		Thresholds:   eval.ThresholdsFromConfig(cfg.Eval),
		Required:     cfg.Eval.RequiredTypes,
		RiskWindow:   cfg.Eval.RiskWindow,
	}
}

// Result is the output of a full refresh.
type Result struct {
	Index   *typedmem.Index
	Package *rehydrate.Package
	Trace   *rehydrate.Trace
	Report  eval.Report
}

// Refresher rebuilds derived state from the event log.
type Refresher struct {
	events   rehydrate.EventSource
	layout   layout.Layout
	compiler *rehydrate.Compiler
	opts     Options
}

// New returns a Refresher. The compiler must read the same log as events.
func New(events rehydrate.EventSource, l layout.Layout, compiler *rehydrate.Compiler, opts Options) *Refresher {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.Required) == 0 {
		opts.Required = []string{"task", "decision", "risk", "path"}
	}
	return &Refresher{events: events, layout: l, compiler: compiler, opts: opts}
}

// Rebuild derives typed memory from the full log and saves it.
func (r *Refresher) Rebuild(ctx context.Context) (*typedmem.Index, error) {
	events, err := r.events.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return r.rebuild(events)
}

func (r *Refresher) rebuild(events []eventstore.Event) (*typedmem.Index, error) {
	idx := typedmem.Rebuild(events, r.opts.Typed)
	if err := idx.Save(r.layout.TypedIndex()); err != nil {
		return nil, fmt.Errorf("failed to save typed memory: %w", err)
	}
	if r.opts.MarkdownView {
		md := idx.RenderMarkdown(r.opts.Typed.MaxPerType)
		if err := fslock.WriteFile(r.layout.TypedMarkdown(), []byte(md), 0o644); err != nil {
			return nil, fmt.Errorf("failed to save typed memory view: %w", err)
		}
	}
	r.opts.Logger.Debug("typed memory rebuilt", zap.Int("signals", len(idx.Signals)), zap.Int64("tip_seq", idx.TipSeq))
	return idx, nil
}

// Rehydrate compiles a package and writes it with its trace.
func (r *Refresher) Rehydrate(ctx context.Context, query string, budget int) (*rehydrate.Package, *rehydrate.Trace, error) {
	pkg, tr, err := r.compiler.Compile(ctx, query, budget)
	if err != nil {
		return nil, nil, err
	}
	if err := rehydrate.Write(r.layout, pkg, tr); err != nil {
		return nil, nil, err
	}
	return pkg, tr, nil
}

// Evaluate scores the last written package and persists the report.
func (r *Refresher) Evaluate(ctx context.Context) (eval.Report, error) {
	md, tr, found, err := rehydrate.LoadLatest(r.layout)
	if err != nil {
		return eval.Report{}, err
	}
	if !found {
		return eval.Report{}, fmt.Errorf("no rehydrated package found; run rehydrate first")
	}
	events, err := r.events.ReadAll(ctx)
	if err != nil {
		return eval.Report{}, err
	}
	return r.evaluate(md, tr, events)
}

func (r *Refresher) evaluate(md string, tr *rehydrate.Trace, events []eventstore.Event) (eval.Report, error) {
	ex, err := eval.ExtrasFrom(r.layout, events, r.opts.RiskWindow)
	if err != nil {
		return eval.Report{}, err
	}
	rep := eval.Score(md, tr, r.opts.Required, r.opts.Thresholds, ex, r.opts.Now())
	if err := eval.Write(r.layout, rep); err != nil {
		return rep, err
	}
	r.opts.Metrics.RecordRehydrate(rep.TokensUsed, rep.Coverage)
	return rep, nil
}

// Refresh runs rebuild, rehydrate and evaluate in order.
func (r *Refresher) Refresh(ctx context.Context, query string, budget int) (*Result, error) {
	events, err := r.events.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	idx, err := r.rebuild(events)
	if err != nil {
		return nil, err
	}
	pkg, tr, err := r.Rehydrate(ctx, query, budget)
	if err != nil {
		return nil, err
	}
	rep, err := r.evaluate(pkg.Markdown, tr, events)
	if err != nil {
		return nil, err
	}
	return &Result{Index: idx, Package: pkg, Trace: tr, Report: rep}, nil
}
