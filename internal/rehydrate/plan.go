// Package rehydrate compiles a token-budgeted context package from the
// event log, typed memory and the conventional memory notes.
//
// Selection is greedy by descending score over a fixed candidate order.
// Mandatory items (the active task note) are taken first; then
// candidates are accepted while they fit, and the first one that does
// not fit closes selection. Because the order never depends on the
// budget, a smaller budget always selects a prefix of what a larger one
// selects.
package rehydrate

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/fyrsmithlabs/continuity/internal/config"
	"github.com/fyrsmithlabs/continuity/internal/memerr"
)

// Candidate sources. Typed signals use "signal-<type>".
const (
	SourceTaskNote      = "task-note"
	SourceDecisionLog   = "decision-log"
	SourceProjectMemory = "project-memory"
	SourceSnapshot      = "snapshot"
	SourceEvent         = "event"
)

// Trace reasons.
const (
	ReasonMandatory    = "mandatory"
	ReasonSelected     = "selected"
	ReasonInsufficient = "insufficient remaining budget"
	ReasonClosed       = "budget closed"
)

// SignalSource returns the candidate source name of a typed signal.
func SignalSource(signalType string) string { return "signal-" + signalType }

// Candidate is one piece of content competing for the budget.
type Candidate struct {
	Source    string
	ID        string
	Content   string
	Tokens    int
	Timestamp time.Time
	Mandatory bool
	// Types are the signal types this content covers.
	Types []string

	Relevance  float64
	Recency    float64
	TypeWeight float64
	Score      float64
}

// Policy holds the tunable scoring parameters.
type Policy struct {
	HalfLife       time.Duration
	RelevanceFloor float64
	TypeWeights    map[string]float64
	// Reference is the "now" for recency; usually the newest event time.
	Reference time.Time
}

// PolicyFromConfig maps the rehydrate config section onto a Policy.
func PolicyFromConfig(cfg config.RehydrateConfig) Policy {
	weights := make(map[string]float64, len(cfg.TypeWeights))
	for k, v := range cfg.TypeWeights {
		weights[k] = v
	}
	return Policy{
		HalfLife:       cfg.HalfLife.Duration(),
		RelevanceFloor: cfg.RelevanceFloor,
		TypeWeights:    weights,
	}
}

func (p Policy) typeWeight(source string) float64 {
	if w, ok := p.TypeWeights[source]; ok {
		return w
	}
	return 1.0
}

func (p Policy) recency(ts time.Time) float64 {
	if ts.IsZero() || p.Reference.IsZero() || p.HalfLife <= 0 {
		return 1
	}
	age := p.Reference.Sub(ts)
	if age <= 0 {
		return 1
	}
	return math.Pow(0.5, age.Seconds()/p.HalfLife.Seconds())
}

// TraceItem records the decision taken for one candidate.
type TraceItem struct {
	Source    string   `json:"source"`
	ID        string   `json:"id"`
	Score     float64  `json:"score"`
	TokenCost int      `json:"tokenCost"`
	Accepted  bool     `json:"accepted"`
	Reason    string   `json:"reason"`
	Types     []string `json:"types,omitempty"`
}

// Selection is the outcome of Plan.
type Selection struct {
	Accepted []Candidate
	Items    []TraceItem
	Used     int
	Budget   int
}

// Plan scores candidates and selects them under budget. It is a pure
// function of its inputs.
func Plan(query string, budget int, candidates []Candidate, p Policy) (Selection, error) {
	sel := Selection{Budget: budget}
	if budget <= 0 {
		return sel, memerr.New(memerr.KindBudgetTooSmall, "rehydrate.plan",
			fmt.Sprintf("budget must be positive, got %d", budget))
	}

	terms := Terms(query)
	scored := make([]Candidate, len(candidates))
	for i, c := range candidates {
		c.Relevance = Relevance(terms, c.Content, p.RelevanceFloor)
		c.Recency = p.recency(c.Timestamp)
		c.TypeWeight = p.typeWeight(c.Source)
		c.Score = round6(c.Relevance * c.Recency * c.TypeWeight)
		scored[i] = c
	}

	var mandatory, rest []Candidate
	for _, c := range scored {
		if c.Mandatory {
			mandatory = append(mandatory, c)
		} else {
			rest = append(rest, c)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		a, b := rest[i], rest[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.ID < b.ID
	})

	for _, c := range mandatory {
		if sel.Used+c.Tokens > budget {
			return sel, memerr.New(memerr.KindBudgetTooSmall, "rehydrate.plan",
				fmt.Sprintf("%s needs %d tokens, budget is %d", c.ID, sel.Used+c.Tokens, budget))
		}
		sel.Used += c.Tokens
		sel.Accepted = append(sel.Accepted, c)
		sel.Items = append(sel.Items, traceItem(c, true, ReasonMandatory))
	}

	closed := false
	for _, c := range rest {
		switch {
		case closed:
			sel.Items = append(sel.Items, traceItem(c, false, ReasonClosed))
		case sel.Used+c.Tokens <= budget:
			sel.Used += c.Tokens
			sel.Accepted = append(sel.Accepted, c)
			sel.Items = append(sel.Items, traceItem(c, true, ReasonSelected))
		default:
			closed = true
			sel.Items = append(sel.Items, traceItem(c, false, ReasonInsufficient))
		}
	}
	return sel, nil
}

func traceItem(c Candidate, accepted bool, reason string) TraceItem {
	return TraceItem{
		Source:    c.Source,
		ID:        c.ID,
		Score:     c.Score,
		TokenCost: c.Tokens,
		Accepted:  accepted,
		Reason:    reason,
		Types:     c.Types,
	}
}

func round6(f float64) float64 { return math.Round(f*1e6) / 1e6 }
