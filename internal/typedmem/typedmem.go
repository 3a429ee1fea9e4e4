// Package typedmem derives typed memory signals (paths, tasks, risks,
// decisions) from the event log. The index is a pure function of the
// events: rebuilding the same log always yields byte-identical output.
package typedmem

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fyrsmithlabs/continuity/internal/config"
	"github.com/fyrsmithlabs/continuity/internal/eventstore"
	"github.com/fyrsmithlabs/continuity/internal/fslock"
)

// SignalType is one of the four typed memory categories.
type SignalType string

const (
	TypeTask     SignalType = "task"
	TypeDecision SignalType = "decision"
	TypeRisk     SignalType = "risk"
	TypePath     SignalType = "path"
)

// Types lists every signal type in display order.
var Types = []SignalType{TypeTask, TypeDecision, TypeRisk, TypePath}

// IndexVersion is bumped when the serialized form changes.
const IndexVersion = 1

// Signal is one derived fact and the events that support it.
type Signal struct {
	Type           SignalType `json:"type"`
	Value          string     `json:"value"`
	SupportingSeqs []int64    `json:"supportingEventSeqs"`
	Weight         float64    `json:"weight"`
	LastSeq        int64      `json:"lastSeq"`
	LastSeen       time.Time  `json:"lastSeen"`
	// Contexts are the tasks and paths of the supporting events.
	Contexts []string `json:"contexts,omitempty"`
}

// Key identifies a signal across indexes.
func (s Signal) Key() string { return string(s.Type) + "\x00" + s.Value }

// Index is the typed memory of one event log.
type Index struct {
	Version         int       `json:"version"`
	EventCount      int       `json:"eventCount"`
	TipSeq          int64     `json:"tipSeq"`
	TipHash         string    `json:"tipHash"`
	ReferenceTime   time.Time `json:"referenceTime"`
	HalfLifeSeconds float64   `json:"halfLifeSeconds"`
	Signals         []Signal  `json:"signals"`
}

// Options tunes derivation.
type Options struct {
	HalfLife    time.Duration
	MaxValueLen int
	// MaxPerType caps signals kept per type; 0 keeps all.
	MaxPerType int
}

// OptionsFromConfig maps the typed config section onto Options.
func OptionsFromConfig(cfg config.TypedConfig) Options {
	return Options{
		HalfLife:    cfg.HalfLife.Duration(),
		MaxValueLen: cfg.MaxValueLen,
		MaxPerType:  cfg.MaxPerType,
	}
}

var (
	decisionKinds   = map[string]bool{"decision": true, "adr": true, "architecture-decision": true}
	riskKinds       = map[string]bool{"risk": true, "incident": true, "bug": true, "failure": true}
	riskStatuses    = map[string]bool{eventstore.StatusFailure: true, eventstore.StatusWarning: true}
	decisionMarkers = []string{"decided", "decision:", "we will", "chose"}
	riskMarkers     = []string{"risk", "regression", "flaky", "broken"}
	// Bookkeeping kinds written by ctxd itself.
	ignoredKinds = map[string]bool{"automation": true, "context-op": true}
)

// Classify returns the signal types an event contributes to, with values.
func Classify(ev eventstore.Event, maxValueLen int) map[SignalType][]string {
	out := map[SignalType][]string{}
	if ignoredKinds[ev.Kind] {
		return out
	}
	summary := strings.ToLower(ev.Summary)

	if decisionKinds[ev.Kind] || containsAny(summary, decisionMarkers) {
		out[TypeDecision] = []string{NormalizeValue(ev.Summary, maxValueLen)}
	}
	if riskStatuses[ev.Status] || riskKinds[ev.Kind] || containsAny(summary, riskMarkers) {
		out[TypeRisk] = []string{NormalizeValue(ev.Summary, maxValueLen)}
	}
	if paths := ev.AllPaths(); len(paths) > 0 {
		out[TypePath] = paths
	}
	if ev.Task != "" {
		out[TypeTask] = []string{NormalizeValue(ev.Task, maxValueLen)}
	}
	return out
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// NormalizeValue collapses whitespace and truncates to max runes.
func NormalizeValue(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if max > 0 && utf8.RuneCountInString(s) > max {
		s = string([]rune(s)[:max-1]) + "…"
	}
	return s
}

// Decay returns 0.5^(age/halfLife), clamped to 1 for future timestamps.
func Decay(age, halfLife time.Duration) float64 {
	if age <= 0 || halfLife <= 0 {
		return 1
	}
	return math.Pow(0.5, age.Seconds()/halfLife.Seconds())
}

// Rebuild folds events into an index. The decay reference time is the
// timestamp of the last event, never the wall clock.
func Rebuild(events []eventstore.Event, opts Options) *Index {
	idx := &Index{
		Version:         IndexVersion,
		TipSeq:          -1,
		TipHash:         eventstore.GenesisHash,
		HalfLifeSeconds: opts.HalfLife.Seconds(),
		Signals:         []Signal{},
	}
	if len(events) == 0 {
		return idx
	}
	last := events[len(events)-1]
	idx.EventCount = len(events)
	idx.TipSeq = last.Seq
	idx.TipHash = last.Hash
	idx.ReferenceTime = last.Timestamp.UTC()

	type acc struct {
		sig      Signal
		contexts map[string]bool
	}
	byKey := map[string]*acc{}
	for _, ev := range events {
		w := Decay(idx.ReferenceTime.Sub(ev.Timestamp), opts.HalfLife)
		for typ, values := range Classify(ev, opts.MaxValueLen) {
			for _, v := range values {
				if v == "" {
					continue
				}
				k := string(typ) + "\x00" + v
				a, ok := byKey[k]
				if !ok {
					a = &acc{sig: Signal{Type: typ, Value: v}, contexts: map[string]bool{}}
					byKey[k] = a
				}
				a.sig.SupportingSeqs = append(a.sig.SupportingSeqs, ev.Seq)
				a.sig.Weight += w
				a.sig.LastSeq = ev.Seq
				a.sig.LastSeen = ev.Timestamp.UTC()
				if ev.Task != "" && typ != TypeTask {
					a.contexts["task:"+ev.Task] = true
				}
				for _, p := range ev.AllPaths() {
					if typ != TypePath {
						a.contexts["path:"+p] = true
					}
				}
			}
		}
	}

	for _, a := range byKey {
		a.sig.Weight = round6(a.sig.Weight)
		for c := range a.contexts {
			a.sig.Contexts = append(a.sig.Contexts, c)
		}
		sort.Strings(a.sig.Contexts)
		idx.Signals = append(idx.Signals, a.sig)
	}
	SortSignals(idx.Signals)
	idx.Signals = capPerType(idx.Signals, opts.MaxPerType)
	return idx
}

func round6(f float64) float64 { return math.Round(f*1e6) / 1e6 }

// SortSignals orders by weight desc, then lastSeq desc, then type and value.
func SortSignals(s []Signal) {
	sort.SliceStable(s, func(i, j int) bool {
		a, b := s[i], s[j]
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		if a.LastSeq != b.LastSeq {
			return a.LastSeq > b.LastSeq
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Value < b.Value
	})
}

func capPerType(s []Signal, max int) []Signal {
	if max <= 0 {
		return s
	}
	counts := map[SignalType]int{}
	out := s[:0]
	for _, sig := range s {
		if counts[sig.Type] >= max {
			continue
		}
		counts[sig.Type]++
		out = append(out, sig)
	}
	return out
}

// ByType returns the signals of one type in index order.
func (idx *Index) ByType(t SignalType) []Signal {
	var out []Signal
	for _, s := range idx.Signals {
		if s.Type == t {
			out = append(out, s)
		}
	}
	return out
}

// Present reports which types have at least one signal.
func (idx *Index) Present() map[SignalType]bool {
	out := map[SignalType]bool{}
	for _, s := range idx.Signals {
		out[s.Type] = true
	}
	return out
}

// Marshal returns the canonical serialized form.
func (idx *Index) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode typed memory: %w", err)
	}
	return append(data, '\n'), nil
}

// Save writes the index atomically.
func (idx *Index) Save(path string) error {
	data, err := idx.Marshal()
	if err != nil {
		return err
	}
	return fslock.WriteFile(path, data, 0o644)
}

// Load reads an index; a missing file yields an empty index and found=false.
func Load(path string) (*Index, bool, error) {
	idx := &Index{Version: IndexVersion, TipSeq: -1, TipHash: eventstore.GenesisHash, Signals: []Signal{}}
	found, err := fslock.ReadJSON(path, idx)
	if err != nil {
		return nil, found, err
	}
	return idx, found, nil
}
