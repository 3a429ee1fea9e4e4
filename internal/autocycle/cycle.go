// Package autocycle keeps derived memory fresh and snapshots it into the
// context store whenever its content fingerprint changes.
package autocycle

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/continuity/internal/config"
	"github.com/fyrsmithlabs/continuity/internal/contextver"
	"github.com/fyrsmithlabs/continuity/internal/eventstore"
	"github.com/fyrsmithlabs/continuity/internal/fslock"
	"github.com/fyrsmithlabs/continuity/internal/layout"
	"github.com/fyrsmithlabs/continuity/internal/memerr"
	"github.com/fyrsmithlabs/continuity/internal/metrics"
	"github.com/fyrsmithlabs/continuity/internal/refresh"
	"github.com/fyrsmithlabs/continuity/internal/typedmem"
)

const instrumentationName = "github.com/fyrsmithlabs/continuity/internal/autocycle"

// Source marks events written by the scheduler.
const Source = "auto-cycle"

// Tick outcomes.
const (
	ResultCommitted = "committed"
	ResultUnchanged = "unchanged"
	ResultThrottled = "throttled"
	ResultError     = "error"
)

// EventLog is the part of the event store a cycle needs.
type EventLog interface {
	ReadAll(ctx context.Context) ([]eventstore.Event, error)
	Append(ctx context.Context, f eventstore.Fields) (eventstore.Event, error)
	Verify(ctx context.Context, strict bool) (eventstore.VerifyReport, error)
}

// Committer snapshots memory.
type Committer interface {
	Commit(ctx context.Context, message string) (*contextver.Commit, error)
}

// Options configures a Cycle.
type Options struct {
	Query       string
	Budget      int
	SnapshotMin time.Duration
	Interval    time.Duration
	TickTimeout time.Duration
	WatchEvents bool
	// TriggerBurst bounds back-to-back ticks caused by log writes.
	TriggerBurst int
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
	Now          func() time.Time
}

// OptionsFromConfig maps the scheduler config section.
func OptionsFromConfig(cfg config.SchedulerConfig) Options {
	return Options{
		Query:        cfg.Query,
		Budget:       cfg.BudgetTokens,
		SnapshotMin:  time.Duration(cfg.SnapshotMinSeconds) * time.Second,
		Interval:     cfg.Interval.Duration(),
		TickTimeout:  cfg.TickTimeout.Duration(),
		WatchEvents:  cfg.WatchEvents,
		TriggerBurst: cfg.TriggerBurst,
	}
}

// TickResult describes one tick.
type TickResult struct {
	Result      string    `json:"result"`
	Fingerprint string    `json:"fingerprint"`
	Changed     bool      `json:"changed"`
	CommitID    string    `json:"commitId,omitempty"`
	TipSeq      int64     `json:"tipSeq"`
	Gaps        int       `json:"toleratedGaps"`
	TokensUsed  int       `json:"tokensUsed"`
	Coverage    float64   `json:"coverage"`
	EvalPass    bool      `json:"evalPass"`
	Ticks       int64     `json:"ticks"`
	At          time.Time `json:"at"`
}

// Cycle runs ticks against one memory root.
type Cycle struct {
	events    EventLog
	refresher *refresh.Refresher
	commits   Committer
	layout    layout.Layout
	opts      Options
	tracer    trace.Tracer
}

// New returns a Cycle.
func New(events EventLog, refresher *refresh.Refresher, commits Committer, l layout.Layout, opts Options) *Cycle {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Interval < config.MinInterval {
		opts.Interval = config.MinInterval
	}
	if opts.TickTimeout <= 0 {
		opts.TickTimeout = time.Minute
	}
	if opts.TriggerBurst <= 0 {
		opts.TriggerBurst = 1
	}
	return &Cycle{
		events:    events,
		refresher: refresher,
		commits:   commits,
		layout:    l,
		opts:      opts,
		tracer:    otel.Tracer(instrumentationName),
	}
}

// Tick runs one verify, refresh and conditional commit pass.
func (c *Cycle) Tick(ctx context.Context) (TickResult, error) {
	ctx, span := c.tracer.Start(ctx, "autocycle.Tick")
	defer span.End()

	res, err := c.tick(ctx)
	if err != nil {
		res.Result = ResultError
		span.RecordError(err)
	}
	span.SetAttributes(attribute.String("tick.result", res.Result))
	c.opts.Metrics.RecordTick(res.Result)
	return res, err
}

func (c *Cycle) tick(ctx context.Context) (TickResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.TickTimeout)
	defer cancel()

	lease, err := fslock.Acquire(ctx, c.layout.AutoCycleLock(), fslock.Options{Timeout: 0})
	if errors.Is(err, fslock.ErrBusy) {
		return TickResult{}, memerr.Wrap(memerr.KindLockUnavailable, "autocycle.tick", err)
	}
	if err != nil {
		return TickResult{}, err
	}
	defer lease.Release()

	res := TickResult{At: c.opts.Now().UTC()}
	report, err := c.events.Verify(ctx, false)
	if err != nil {
		return res, fmt.Errorf("verify before refresh: %w", err)
	}
	res.Gaps = len(report.ToleratedGaps)

	out, err := c.refresher.Refresh(ctx, c.opts.Query, c.opts.Budget)
	if err != nil {
		return res, err
	}
	res.TipSeq = out.Index.TipSeq
	res.TokensUsed = out.Trace.TotalTokensUsed
	res.Coverage = out.Report.Coverage
	res.EvalPass = out.Report.Pass

	events, err := c.events.ReadAll(ctx)
	if err != nil {
		return res, err
	}
	arts, err := c.layout.Artifacts()
	if err != nil {
		return res, err
	}
	fp, err := Fingerprint(events, out.Index, arts, c.opts.Budget, c.opts.Query)
	if err != nil {
		return res, err
	}
	res.Fingerprint = fp

	state, err := LoadState(c.layout.AutoCycleState())
	if err != nil {
		return res, fmt.Errorf("failed to read cycle state: %w", err)
	}
	state.Ticks++
	state.LastTickAt = res.At
	state.LastFingerprint = fp
	res.Ticks = state.Ticks
	res.Changed = fp != state.LastSnapshotFingerprint

	switch {
	case !res.Changed:
		res.Result = ResultUnchanged
	case !state.LastSnapshotAt.IsZero() && res.At.Sub(state.LastSnapshotAt) < c.opts.SnapshotMin:
		res.Result = ResultThrottled
	default:
		// Commit and record even if the caller cancels mid-way.
		commitCtx := context.WithoutCancel(ctx)
		commit, err := c.commits.Commit(commitCtx, "auto-cycle snapshot "+fp[:12])
		if err != nil {
			return res, fmt.Errorf("auto-cycle commit: %w", err)
		}
		res.Result = ResultCommitted
		res.CommitID = commit.ID
		state.LastSnapshotFingerprint = fp
		state.LastSnapshotAt = res.At
		state.LastCommitID = commit.ID

		_, err = c.events.Append(commitCtx, eventstore.Fields{
			Kind:    "automation",
			Status:  eventstore.StatusSuccess,
			Summary: fmt.Sprintf("auto-cycle committed %s (coverage %.2f)", commit.ID[:12], res.Coverage),
			Refs:    []string{commit.ID},
			Source:  Source,
		})
		if err != nil {
			c.opts.Logger.Warn("failed to record auto-cycle event", zap.Error(err))
		}
	}

	if err := saveState(c.layout.AutoCycleState(), state); err != nil {
		return res, fmt.Errorf("failed to save cycle state: %w", err)
	}
	c.opts.Logger.Info("auto-cycle tick",
		zap.String("result", res.Result),
		zap.String("fingerprint", fp[:12]),
		zap.Int64("tip_seq", res.TipSeq),
		zap.Float64("coverage", res.Coverage))
	return res, nil
}

// bookkeeping kinds carry no memory content.
var bookkeeping = map[string]bool{"automation": true, "context-op": true}

type fingerprintSignal struct {
	Type  typedmem.SignalType `json:"type"`
	Value string              `json:"value"`
	Seqs  []int64             `json:"seqs"`
}

type fingerprintInput struct {
	TipSeq    int64               `json:"tipSeq"`
	TipHash   string              `json:"tipHash"`
	Signals   []fingerprintSignal `json:"signals"`
	Artifacts map[string]string   `json:"artifacts"`
	Budget    int                 `json:"budget"`
	Query     string              `json:"query"`
}

// Fingerprint hashes the memory content a snapshot would capture. Events
// written by the scheduler or by context operations do not move it, and
// neither does weight decay.
func Fingerprint(events []eventstore.Event, idx *typedmem.Index, arts []layout.Artifact, budget int, query string) (string, error) {
	in := fingerprintInput{TipSeq: -1, TipHash: eventstore.GenesisHash, Artifacts: map[string]string{}, Budget: budget, Query: query}
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Source == Source || bookkeeping[ev.Kind] {
			continue
		}
		in.TipSeq, in.TipHash = ev.Seq, ev.Hash
		break
	}
	for _, s := range idx.Signals {
		in.Signals = append(in.Signals, fingerprintSignal{Type: s.Type, Value: s.Value, Seqs: s.SupportingSeqs})
	}
	sort.Slice(in.Signals, func(i, j int) bool {
		if in.Signals[i].Type != in.Signals[j].Type {
			return in.Signals[i].Type < in.Signals[j].Type
		}
		return in.Signals[i].Value < in.Signals[j].Value
	})
	for _, a := range arts {
		in.Artifacts[a.Name] = a.Hash
	}
	data, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Run ticks immediately, then on every interval and on log writes until
// ctx is cancelled. onTick may be nil. Tick errors are reported through
// onTick and never stop the loop.
func (c *Cycle) Run(ctx context.Context, onTick func(TickResult, error)) error {
	if onTick == nil {
		onTick = func(TickResult, error) {}
	}
	var changes <-chan struct{}
	if c.opts.WatchEvents {
		w, err := NewLogWatcher(c.layout.EventsFile(), c.opts.Logger)
		if err != nil {
			c.opts.Logger.Warn("event watch disabled", zap.Error(err))
		} else {
			w.Start(ctx)
			defer w.Stop()
			changes = w.Changes()
		}
	}
	limiter := rate.NewLimiter(rate.Every(config.MinInterval), c.opts.TriggerBurst)

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	onTick(c.Tick(ctx))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			onTick(c.Tick(ctx))
		case <-changes:
			if !limiter.Allow() {
				continue
			}
			onTick(c.Tick(ctx))
		}
	}
}
