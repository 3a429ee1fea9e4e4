package autocycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/continuity/internal/config"
	"github.com/fyrsmithlabs/continuity/internal/contextver"
	"github.com/fyrsmithlabs/continuity/internal/eventstore"
	"github.com/fyrsmithlabs/continuity/internal/layout"
	"github.com/fyrsmithlabs/continuity/internal/refresh"
	"github.com/fyrsmithlabs/continuity/internal/rehydrate"
	"github.com/fyrsmithlabs/continuity/internal/typedmem"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	cycle  *Cycle
	events *eventstore.Store
	ctxver *contextver.Store
	layout layout.Layout
	clock  *clock
}

func newHarness(t *testing.T, snapshotMin time.Duration) *harness {
	t.Helper()
	clk := &clock{now: time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)}
	l := layout.New(t.TempDir())
	_, err := l.Bootstrap("demo--0123456789", "/src/demo", "/src/demo", clk.Now())
	require.NoError(t, err)

	cfg := config.Default()
	eopts := eventstore.DefaultOptions()
	eopts.Now = clk.Now
	events, err := eventstore.Open(l, eopts)
	require.NoError(t, err)

	typed := typedmem.OptionsFromConfig(cfg.Typed)
	cv := contextver.New(l, events, contextver.Options{Typed: typed, Source: "test", Now: clk.Now})
	require.NoError(t, cv.Init(context.Background()))

	compiler := rehydrate.NewCompiler(events, l, rehydrate.Options{
		Policy:    rehydrate.PolicyFromConfig(cfg.Rehydrate),
		MaxEvents: cfg.Rehydrate.MaxEvents,
		Typed:     typed,
		Snapshots: cv,
		Now:       clk.Now,
	})
	ropts := refresh.OptionsFromConfig(cfg)
	ropts.Now = clk.Now
	r := refresh.New(events, l, compiler, ropts)

	opts := OptionsFromConfig(cfg.Scheduler)
	opts.SnapshotMin = snapshotMin
	opts.Now = clk.Now
	return &harness{cycle: New(events, r, cv, l, opts), events: events, ctxver: cv, layout: l, clock: clk}
}

func (h *harness) capture(t *testing.T, summary string) {
	t.Helper()
	_, err := h.events.Append(context.Background(), eventstore.Fields{
		Kind: "edit", Status: eventstore.StatusSuccess, Summary: summary,
		Path: "internal/autocycle/cycle.go", Source: "test",
	})
	require.NoError(t, err)
}

func TestTick_CommitsOnlyWhenFingerprintChanges(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.capture(t, "first edit")

	first, err := h.cycle.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResultCommitted, first.Result)
	require.NotEmpty(t, first.CommitID)

	second, err := h.cycle.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResultUnchanged, second.Result, "scheduler and context-op events do not change the fingerprint")
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Empty(t, second.CommitID)

	h.capture(t, "second edit")
	third, err := h.cycle.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResultCommitted, third.Result)
	assert.NotEqual(t, first.Fingerprint, third.Fingerprint)

	log, err := h.ctxver.Log(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, third.CommitID, log[0].ID)

	st, err := LoadState(h.layout.AutoCycleState())
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Ticks)
	assert.Equal(t, third.CommitID, st.LastCommitID)
	assert.Equal(t, third.Fingerprint, st.LastSnapshotFingerprint)

	all, err := h.events.ReadAll(ctx)
	require.NoError(t, err)
	var automation int
	for _, ev := range all {
		if ev.Source == Source {
			automation++
			assert.Equal(t, "automation", ev.Kind)
		}
	}
	assert.Equal(t, 2, automation)
}

func TestTick_ThrottledBySnapshotMin(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	h.capture(t, "first edit")

	res, err := h.cycle.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, ResultCommitted, res.Result)

	h.capture(t, "second edit")
	res, err = h.cycle.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResultThrottled, res.Result)
	assert.True(t, res.Changed)

	h.clock.Advance(2 * time.Hour)
	res, err = h.cycle.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResultCommitted, res.Result)
}

func TestFingerprint_IgnoresBookkeeping(t *testing.T) {
	at := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	base := []eventstore.Event{
		{Seq: 0, Timestamp: at, Kind: "edit", Summary: "edit", Path: "a.go", Hash: "h0"},
	}
	withOps := append(append([]eventstore.Event{}, base...),
		eventstore.Event{Seq: 1, Timestamp: at.Add(time.Hour), Kind: "context-op", Summary: "commit", Hash: "h1"},
		eventstore.Event{Seq: 2, Timestamp: at.Add(2 * time.Hour), Kind: "automation", Source: Source, Summary: "tick", Hash: "h2"},
	)
	opts := typedmem.Options{HalfLife: time.Hour, MaxValueLen: 200}

	a, err := Fingerprint(base, typedmem.Rebuild(base, opts), nil, 1200, "")
	require.NoError(t, err)
	b, err := Fingerprint(withOps, typedmem.Rebuild(withOps, opts), nil, 1200, "")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Fingerprint(base, typedmem.Rebuild(base, opts), nil, 600, "")
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "budget is part of the fingerprint")
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, 0)
	h.capture(t, "edit")
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var results []TickResult
	done := make(chan error, 1)
	go func() {
		done <- h.cycle.Run(ctx, func(r TickResult, err error) {
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				results = append(results, r)
			}
			cancel()
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, results)
	assert.Equal(t, ResultCommitted, results[0].Result)
}
