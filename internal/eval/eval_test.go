package eval

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/continuity/internal/eventstore"
	"github.com/fyrsmithlabs/continuity/internal/layout"
	"github.com/fyrsmithlabs/continuity/internal/rehydrate"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func defaults() Thresholds { return Thresholds{Coverage: 0.75, MaxUtilization: 1.0} }

func trace(used, budget int, items ...rehydrate.TraceItem) *rehydrate.Trace {
	return &rehydrate.Trace{BudgetTokens: budget, TotalTokensUsed: used, Candidates: items}
}

func item(id string, accepted bool, types ...string) rehydrate.TraceItem {
	return rehydrate.TraceItem{ID: id, Accepted: accepted, Types: types}
}

func TestScore(t *testing.T) {
	required := []string{"task", "decision", "risk", "path"}
	tests := []struct {
		name     string
		tr       *rehydrate.Trace
		coverage float64
		util     float64
		pass     bool
	}{
		{
			name:     "full coverage",
			tr:       trace(400, 500, item("a", true, "task", "path"), item("b", true, "decision"), item("c", true, "risk")),
			coverage: 1, util: 0.8, pass: true,
		},
		{
			name:     "three of four passes at threshold",
			tr:       trace(500, 500, item("a", true, "task", "path"), item("b", true, "decision"), item("c", false, "risk")),
			coverage: 0.75, util: 1, pass: true,
		},
		{
			name:     "half coverage fails",
			tr:       trace(100, 500, item("a", true, "task", "path")),
			coverage: 0.5, util: 0.2, pass: false,
		},
		{
			name:     "over budget fails",
			tr:       trace(600, 500, item("a", true, "task", "path", "decision", "risk")),
			coverage: 1, util: 1.2, pass: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Score("", tt.tr, required, defaults(), Extras{}, now)
			assert.InDelta(t, tt.coverage, r.Coverage, 1e-9)
			assert.InDelta(t, tt.util, r.TokenUtilization, 1e-9)
			assert.Equal(t, tt.pass, r.Pass)
			if !tt.pass {
				assert.NotEmpty(t, r.Reasons)
			}
		})
	}
}

func TestScore_Extras(t *testing.T) {
	tr := trace(10, 100, item("event:4", true, "risk"))
	ex := Extras{
		KeyPaths: []string{"internal/eventstore/repair.go", "cmd/ctxd/main.go"},
		RecentRisks: []eventstore.Event{
			{Seq: 4, Summary: "repair test failed"},
			{Seq: 7, Summary: "lease timeout in CI"},
		},
	}
	r := Score("- edited internal/eventstore/repair.go", tr, []string{"risk"}, defaults(), ex, now)
	assert.InDelta(t, 0.5, r.KeyPathCoverage, 1e-9)
	assert.Equal(t, []string{"cmd/ctxd/main.go"}, r.KeyPathsMissing)
	assert.InDelta(t, 0.5, r.RiskRecall, 1e-9)
	assert.True(t, r.Pass, "informational metrics never fail an evaluation")
}

func TestExtrasFromAndPersist(t *testing.T) {
	l := layout.New(t.TempDir())
	_, err := l.Bootstrap("demo--0123456789", "/src/demo", "/src/demo", now)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(l.ActiveTask(), []byte("# Active Task\n\n## Key Paths\n\n- `a.go`\n- ...\n"), 0o644))

	events := []eventstore.Event{
		{Seq: 0, Status: "failure"},
		{Seq: 1, Status: "success"},
		{Seq: 2, Status: "warning"},
	}
	ex, err := ExtrasFrom(l, events, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, ex.KeyPaths)
	require.Len(t, ex.RecentRisks, 1)
	assert.Equal(t, int64(2), ex.RecentRisks[0].Seq)

	r := Score("", trace(1, 10), nil, defaults(), ex, now)
	require.NoError(t, Write(l, r))
	loaded, found, err := Load(l)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, r.Coverage, loaded.Coverage)
	assert.Equal(t, r.Pass, loaded.Pass)
}
