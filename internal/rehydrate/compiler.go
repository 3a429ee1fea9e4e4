package rehydrate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuity/internal/eventstore"
	"github.com/fyrsmithlabs/continuity/internal/layout"
	"github.com/fyrsmithlabs/continuity/internal/tokens"
	"github.com/fyrsmithlabs/continuity/internal/typedmem"
)

const instrumentationName = "github.com/fyrsmithlabs/continuity/internal/rehydrate"

// EventSource supplies the event log.
type EventSource interface {
	ReadAll(ctx context.Context) ([]eventstore.Event, error)
}

// SnapshotNote is the rendered head commit of the active context ref.
type SnapshotNote struct {
	ID        string
	Timestamp time.Time
	Content   string
	Types     []string
}

// SnapshotSource supplies the latest snapshot, if any.
type SnapshotSource interface {
	LatestSnapshot(ctx context.Context) (SnapshotNote, bool, error)
}

// Options configures a Compiler.
type Options struct {
	Policy    Policy
	MaxEvents int
	Typed     typedmem.Options
	Counter   tokens.Counter
	Snapshots SnapshotSource
	Logger    *zap.Logger
	Now       func() time.Time
}

// Compiler gathers candidates and runs Plan.
type Compiler struct {
	events EventSource
	layout layout.Layout
	opts   Options
	tracer trace.Tracer
}

// NewCompiler builds a Compiler over events and the memory root l.
func NewCompiler(events EventSource, l layout.Layout, opts Options) *Compiler {
	if opts.Counter == nil {
		opts.Counter = tokens.Approx{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Compiler{events: events, layout: l, opts: opts, tracer: otel.Tracer(instrumentationName)}
}

// Package is the rehydrated context handed to a new session.
type Package struct {
	Query        string        `json:"query"`
	BudgetTokens int           `json:"budgetTokens"`
	TokensUsed   int           `json:"tokensUsed"`
	Items        []PackageItem `json:"items"`
	Markdown     string        `json:"-"`
	GeneratedAt  time.Time     `json:"generatedAt"`
}

// PackageItem is one accepted candidate.
type PackageItem struct {
	Source    string   `json:"source"`
	ID        string   `json:"id"`
	Types     []string `json:"types,omitempty"`
	TokenCost int      `json:"tokenCost"`
}

// TypesPresent returns the signal types covered by the accepted items.
func (p *Package) TypesPresent() map[string]bool {
	out := map[string]bool{}
	for _, it := range p.Items {
		for _, t := range it.Types {
			out[t] = true
		}
	}
	return out
}

// SelectedItem is the summary line of an accepted candidate.
type SelectedItem struct {
	Source    string  `json:"source"`
	ID        string  `json:"id"`
	Score     float64 `json:"score"`
	TokenCost int     `json:"tokenCost"`
}

// Trace explains a compilation.
type Trace struct {
	Query           string         `json:"query"`
	BudgetTokens    int            `json:"budgetTokens"`
	SelectedItems   []SelectedItem `json:"selectedItems"`
	TotalTokensUsed int            `json:"totalTokensUsed"`
	Candidates      []TraceItem    `json:"candidates"`
	Tokenizer       string         `json:"tokenizer"`
	TipSeq          int64          `json:"tipSeq"`
	GeneratedAt     time.Time      `json:"generatedAt"`
}

// Compile builds a package of at most budget tokens.
func (c *Compiler) Compile(ctx context.Context, query string, budget int) (*Package, *Trace, error) {
	ctx, span := c.tracer.Start(ctx, "rehydrate.Compile")
	defer span.End()
	span.SetAttributes(attribute.Int("rehydrate.budget", budget), attribute.Bool("rehydrate.query", query != ""))

	events, err := c.events.ReadAll(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("failed to read events: %w", err)
	}
	idx, err := c.typedIndex(events)
	if err != nil {
		return nil, nil, err
	}
	candidates, err := c.Candidates(ctx, events, idx)
	if err != nil {
		return nil, nil, err
	}

	policy := c.opts.Policy
	if n := len(events); n > 0 {
		policy.Reference = events[n-1].Timestamp
	} else {
		policy.Reference = c.opts.Now()
	}

	sel, err := Plan(query, budget, candidates, policy)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "plan")
		return nil, nil, err
	}

	now := c.opts.Now().UTC()
	pkg := &Package{Query: query, BudgetTokens: budget, TokensUsed: sel.Used, GeneratedAt: now}
	tr := &Trace{
		Query:           query,
		BudgetTokens:    budget,
		TotalTokensUsed: sel.Used,
		Candidates:      sel.Items,
		Tokenizer:       c.opts.Counter.Name(),
		TipSeq:          idx.TipSeq,
		GeneratedAt:     now,
	}
	blocks := make([]string, 0, len(sel.Accepted))
	for _, cand := range sel.Accepted {
		pkg.Items = append(pkg.Items, PackageItem{Source: cand.Source, ID: cand.ID, Types: cand.Types, TokenCost: cand.Tokens})
		tr.SelectedItems = append(tr.SelectedItems, SelectedItem{Source: cand.Source, ID: cand.ID, Score: cand.Score, TokenCost: cand.Tokens})
		blocks = append(blocks, cand.Content)
	}
	pkg.Markdown = renderPackage(pkg, blocks)

	span.SetAttributes(attribute.Int("rehydrate.used", sel.Used), attribute.Int("rehydrate.selected", len(sel.Accepted)))
	c.opts.Logger.Debug("rehydration compiled",
		zap.Int("budget", budget), zap.Int("used", sel.Used),
		zap.Int("candidates", len(candidates)), zap.Int("selected", len(sel.Accepted)))
	return pkg, tr, nil
}

// typedIndex loads typed-memory.json, rebuilding in memory when it is
// missing or was built from a different log tip or half-life.
func (c *Compiler) typedIndex(events []eventstore.Event) (*typedmem.Index, error) {
	idx, found, err := typedmem.Load(c.layout.TypedIndex())
	if err != nil {
		c.opts.Logger.Warn("typed memory unreadable, rebuilding", zap.Error(err))
		found = false
	}
	tip, tipHash := int64(-1), eventstore.GenesisHash
	if n := len(events); n > 0 {
		tip, tipHash = events[n-1].Seq, events[n-1].Hash
	}
	if !found || idx.TipSeq != tip || idx.TipHash != tipHash ||
		idx.HalfLifeSeconds != c.opts.Typed.HalfLife.Seconds() {
		idx = typedmem.Rebuild(events, c.opts.Typed)
	}
	return idx, nil
}

// Candidates gathers every candidate with token costs and signal types.
func (c *Compiler) Candidates(ctx context.Context, events []eventstore.Event, idx *typedmem.Index) ([]Candidate, error) {
	var out []Candidate

	arts, err := c.layout.Artifacts()
	if err != nil {
		return nil, fmt.Errorf("failed to read memory notes: %w", err)
	}
	for _, a := range arts {
		if !a.Exists() {
			continue
		}
		out = append(out, c.artifactCandidate(a))
	}

	if c.opts.Snapshots != nil {
		note, ok, err := c.opts.Snapshots.LatestSnapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read latest snapshot: %w", err)
		}
		if ok {
			out = append(out, c.candidate(SourceSnapshot, "snapshot:"+note.ID, note.Content, note.Timestamp, note.Types))
		}
	}

	recent := events
	if max := c.opts.MaxEvents; max > 0 && len(recent) > max {
		recent = recent[len(recent)-max:]
	}
	for _, ev := range recent {
		var types []string
		for _, t := range typedmem.Types {
			if _, ok := typedmem.Classify(ev, c.opts.Typed.MaxValueLen)[t]; ok {
				types = append(types, string(t))
			}
		}
		out = append(out, c.candidate(SourceEvent, fmt.Sprintf("event:%d", ev.Seq), renderEvent(ev), ev.Timestamp, types))
	}

	for _, s := range idx.Signals {
		content := fmt.Sprintf("- [%s] %s (w=%.3f, seq %d)", s.Type, s.Value, s.Weight, s.LastSeq)
		out = append(out, c.candidate(SignalSource(string(s.Type)), SignalSource(string(s.Type))+":"+s.Value,
			content, s.LastSeen, []string{string(s.Type)}))
	}
	return out, nil
}

func (c *Compiler) candidate(source, id, content string, ts time.Time, types []string) Candidate {
	return Candidate{
		Source:    source,
		ID:        id,
		Content:   content,
		Tokens:    c.opts.Counter.Count(content),
		Timestamp: ts,
		Types:     types,
	}
}

func (c *Compiler) artifactCandidate(a layout.Artifact) Candidate {
	var source, title string
	var types []string
	sections := layout.Sections(a.Content)
	switch a.Name {
	case layout.ActiveTaskName:
		source, title = SourceTaskNote, "Active Task"
		if len(layout.Bullets(sections["Objective"])) > 0 {
			types = append(types, string(typedmem.TypeTask))
		}
		if len(layout.Bullets(sections["Key Paths"])) > 0 {
			types = append(types, string(typedmem.TypePath))
		}
	case layout.DecisionsName:
		source, title = SourceDecisionLog, "Decisions"
		if len(layout.DecisionTitles(a.Content)) > 0 {
			types = append(types, string(typedmem.TypeDecision))
		}
	default:
		source, title = SourceProjectMemory, "Project Memory"
	}
	content := fmt.Sprintf("## %s (%s)\n\n%s", title, a.Name, stripTitle(a.Content))
	cand := c.candidate(source, source+":"+a.Name, content, a.ModTime, types)
	cand.Mandatory = source == SourceTaskNote
	return cand
}

// stripTitle drops a leading "# " heading line.
func stripTitle(md string) string {
	md = strings.TrimSpace(md)
	if strings.HasPrefix(md, "# ") {
		if i := strings.IndexByte(md, '\n'); i >= 0 {
			return strings.TrimSpace(md[i+1:])
		}
		return ""
	}
	return md
}

func renderEvent(ev eventstore.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- [event %d] %s/%s: %s", ev.Seq, ev.Kind, ev.Status, ev.Summary)
	var meta []string
	if paths := ev.AllPaths(); len(paths) > 0 {
		meta = append(meta, strings.Join(paths, ", "))
	}
	if ev.Task != "" {
		meta = append(meta, "task "+ev.Task)
	}
	if len(meta) > 0 {
		b.WriteString(" (" + strings.Join(meta, "; ") + ")")
	}
	return b.String()
}

func renderPackage(pkg *Package, blocks []string) string {
	var b strings.Builder
	b.WriteString("# Rehydrated Context\n\n")
	fmt.Fprintf(&b, "<!-- budget=%d used=%d items=%d -->\n", pkg.BudgetTokens, pkg.TokensUsed, len(pkg.Items))
	if pkg.Query != "" {
		fmt.Fprintf(&b, "<!-- query=%q -->\n", pkg.Query)
	}
	for _, block := range blocks {
		b.WriteString("\n")
		b.WriteString(block)
		b.WriteString("\n")
	}
	return b.String()
}
