// Package eval scores rehydrated packages. It never mutates state.
package eval

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/continuity/internal/config"
	"github.com/fyrsmithlabs/continuity/internal/eventstore"
	"github.com/fyrsmithlabs/continuity/internal/fslock"
	"github.com/fyrsmithlabs/continuity/internal/layout"
	"github.com/fyrsmithlabs/continuity/internal/rehydrate"
)

// Thresholds decide pass/fail.
type Thresholds struct {
	Coverage       float64 `json:"coverage"`
	MaxUtilization float64 `json:"maxUtilization"`
}

// ThresholdsFromConfig maps the eval config section.
func ThresholdsFromConfig(cfg config.EvalConfig) Thresholds {
	return Thresholds{Coverage: cfg.CoverageThreshold, MaxUtilization: cfg.MaxTokenUtilization}
}

// Extras feed the informational metrics.
type Extras struct {
	// KeyPaths come from the "Key Paths" section of the active task note.
	KeyPaths []string
	// RecentRisks are failure or warning events in the risk window.
	RecentRisks []eventstore.Event
}

// Report is the evaluation of one package.
type Report struct {
	Pass             bool       `json:"pass"`
	Coverage         float64    `json:"coverage"`
	TokenUtilization float64    `json:"tokenUtilization"`
	TokensUsed       int        `json:"tokensUsed"`
	BudgetTokens     int        `json:"budgetTokens"`
	RequiredTypes    []string   `json:"requiredTypes"`
	PresentTypes     []string   `json:"presentTypes"`
	MissingTypes     []string   `json:"missingTypes,omitempty"`
	Thresholds       Thresholds `json:"thresholds"`
	Reasons          []string   `json:"reasons,omitempty"`

	KeyPathCoverage float64  `json:"keyPathCoverage"`
	KeyPathsMissing []string `json:"keyPathsMissing,omitempty"`
	RiskRecall      float64  `json:"riskRecall"`
	RisksExpected   int      `json:"risksExpected"`

	EvaluatedAt time.Time `json:"evaluatedAt"`
}

// Score evaluates a package from its markdown and trace against the
// required signal types.
func Score(markdown string, tr *rehydrate.Trace, required []string, th Thresholds, ex Extras, now time.Time) Report {
	r := Report{
		TokensUsed:    tr.TotalTokensUsed,
		BudgetTokens:  tr.BudgetTokens,
		RequiredTypes: append([]string(nil), required...),
		Thresholds:    th,
		EvaluatedAt:   now.UTC(),
	}

	present := map[string]bool{}
	selected := map[string]bool{}
	for _, c := range tr.Candidates {
		if !c.Accepted {
			continue
		}
		selected[c.ID] = true
		for _, t := range c.Types {
			present[t] = true
		}
	}
	for t := range present {
		r.PresentTypes = append(r.PresentTypes, t)
	}
	sort.Strings(r.PresentTypes)

	r.Coverage = 1
	if len(required) > 0 {
		hits := 0
		for _, t := range required {
			if present[t] {
				hits++
			} else {
				r.MissingTypes = append(r.MissingTypes, t)
			}
		}
		r.Coverage = round4(float64(hits) / float64(len(required)))
	}

	if tr.BudgetTokens > 0 {
		r.TokenUtilization = round4(float64(tr.TotalTokensUsed) / float64(tr.BudgetTokens))
	} else {
		r.Reasons = append(r.Reasons, "trace has no token budget")
	}

	r.KeyPathCoverage = 1
	if len(ex.KeyPaths) > 0 {
		hits := 0
		for _, p := range ex.KeyPaths {
			if strings.Contains(markdown, p) {
				hits++
			} else {
				r.KeyPathsMissing = append(r.KeyPathsMissing, p)
			}
		}
		r.KeyPathCoverage = round4(float64(hits) / float64(len(ex.KeyPaths)))
	}

	r.RiskRecall = 1
	r.RisksExpected = len(ex.RecentRisks)
	if r.RisksExpected > 0 {
		hits := 0
		for _, ev := range ex.RecentRisks {
			if selected[fmt.Sprintf("event:%d", ev.Seq)] || strings.Contains(markdown, ev.Summary) {
				hits++
			}
		}
		r.RiskRecall = round4(float64(hits) / float64(r.RisksExpected))
	}

	if r.Coverage < th.Coverage {
		r.Reasons = append(r.Reasons, fmt.Sprintf("coverage %.2f below threshold %.2f", r.Coverage, th.Coverage))
	}
	if r.TokenUtilization > th.MaxUtilization {
		r.Reasons = append(r.Reasons, fmt.Sprintf("token utilization %.2f above %.2f", r.TokenUtilization, th.MaxUtilization))
	}
	r.Pass = len(r.Reasons) == 0
	return r
}

func round4(f float64) float64 { return math.Round(f*1e4) / 1e4 }

// ExtrasFrom reads key paths from the active task note and picks the
// failure/warning events among the last window events.
func ExtrasFrom(l layout.Layout, events []eventstore.Event, window int) (Extras, error) {
	var ex Extras
	task, err := layout.ReadArtifact(layout.ActiveTaskName, l.ActiveTask())
	if err != nil {
		return ex, err
	}
	ex.KeyPaths = layout.Bullets(layout.Sections(task.Content)["Key Paths"])

	recent := events
	if window > 0 && len(recent) > window {
		recent = recent[len(recent)-window:]
	}
	for _, ev := range recent {
		if ev.Status == eventstore.StatusFailure || ev.Status == eventstore.StatusWarning {
			ex.RecentRisks = append(ex.RecentRisks, ev)
		}
	}
	return ex, nil
}

// Write persists the report as rehydrated/evals/latest-eval.json.
func Write(l layout.Layout, r Report) error {
	return fslock.WriteJSON(l.EvalLatest(), r)
}

// Load reads the latest report.
func Load(l layout.Layout) (Report, bool, error) {
	var r Report
	found, err := fslock.ReadJSON(l.EvalLatest(), &r)
	return r, found, err
}
