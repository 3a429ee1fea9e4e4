package eventstore

import (
	"sort"
	"time"

	"github.com/fyrsmithlabs/continuity/internal/fslock"
)

// Gap is a log line flagged as an interrupted write.
type Gap struct {
	Line      int       `json:"line"`
	Reason    string    `json:"reason"`
	FlaggedAt time.Time `json:"flaggedAt"`
}

type gapFile struct {
	Gaps []Gap `json:"gaps"`
}

type gapSet map[int]Gap

func (g gapSet) has(line int) bool {
	_, ok := g[line]
	return ok
}

func (g gapSet) add(line int, reason string, at time.Time) {
	g[line] = Gap{Line: line, Reason: reason, FlaggedAt: at.UTC()}
}

func (g gapSet) sorted() []Gap {
	out := make([]Gap, 0, len(g))
	for _, gap := range g {
		out = append(out, gap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Line < out[j].Line })
	return out
}

func (s *Store) loadGaps() (gapSet, error) {
	var f gapFile
	if _, err := fslock.ReadJSON(s.layout.GapsFile(), &f); err != nil {
		return nil, err
	}
	set := gapSet{}
	for _, g := range f.Gaps {
		set[g.Line] = g
	}
	return set, nil
}

func (s *Store) saveGaps(g gapSet) error {
	return fslock.WriteJSON(s.layout.GapsFile(), gapFile{Gaps: g.sorted()})
}

// Gaps lists the flagged interrupted writes.
func (s *Store) Gaps() ([]Gap, error) {
	g, err := s.loadGaps()
	if err != nil {
		return nil, err
	}
	return g.sorted(), nil
}
