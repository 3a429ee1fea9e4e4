package refresh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/continuity/internal/config"
	"github.com/fyrsmithlabs/continuity/internal/eventstore"
	"github.com/fyrsmithlabs/continuity/internal/layout"
	"github.com/fyrsmithlabs/continuity/internal/metrics"
	"github.com/fyrsmithlabs/continuity/internal/rehydrate"
	"github.com/fyrsmithlabs/continuity/internal/typedmem"
)

type staticEvents []eventstore.Event

func (s staticEvents) ReadAll(context.Context) ([]eventstore.Event, error) { return s, nil }

func TestRefresh_WritesEveryArtifact(t *testing.T) {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	l := layout.New(t.TempDir())
	_, err := l.Bootstrap("demo--0123456789", "/src/demo", "/src/demo", now)
	require.NoError(t, err)

	events := staticEvents{
		{Seq: 0, Timestamp: now.Add(-2 * time.Hour), Kind: "decision", Status: "success", Summary: "decided to cap slugs at 48", Task: "sessions", Hash: "h0"},
		{Seq: 1, Timestamp: now.Add(-time.Hour), Kind: "test", Status: "failure", Summary: "prune test flaky", Path: "internal/session/registry.go", Hash: "h1"},
	}
	cfg := config.Default()
	compiler := rehydrate.NewCompiler(events, l, rehydrate.Options{
		Policy:    rehydrate.PolicyFromConfig(cfg.Rehydrate),
		MaxEvents: 10,
		Typed:     typedmem.OptionsFromConfig(cfg.Typed),
		Now:       func() time.Time { return now },
	})
	opts := OptionsFromConfig(cfg)
	opts.Metrics = metrics.New()
	opts.Now = func() time.Time { return now }
	r := New(events, l, compiler, opts)

	res, err := r.Refresh(context.Background(), "", 1200)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Index.TipSeq)
	assert.LessOrEqual(t, res.Trace.TotalTokensUsed, 1200)
	assert.Equal(t, res.Trace.TotalTokensUsed, res.Report.TokensUsed)

	for _, p := range []string{l.TypedIndex(), l.TypedMarkdown(), l.RehydratedLatest(), l.TraceLatest(), l.EvalLatest()} {
		assert.FileExists(t, p)
	}

	saved, found, err := typedmem.Load(l.TypedIndex())
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, saved.Signals, len(res.Index.Signals))
	assert.Equal(t, res.Index.TipSeq, saved.TipSeq)

	rep, err := r.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.Report.Coverage, rep.Coverage)
}

func TestEvaluate_RequiresPackage(t *testing.T) {
	l := layout.New(t.TempDir())
	r := New(staticEvents{}, l, rehydrate.NewCompiler(staticEvents{}, l, rehydrate.Options{}), Options{})
	_, err := r.Evaluate(context.Background())
	assert.Error(t, err)
}
