package contextver

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/continuity/internal/rehydrate"
	"github.com/fyrsmithlabs/continuity/internal/typedmem"
)

const noteSignalsPerType = 3

// LatestSnapshot renders the current ref's head as a rehydration candidate.
func (s *Store) LatestSnapshot(ctx context.Context) (rehydrate.SnapshotNote, bool, error) {
	c, ok, err := s.Head(ctx, "")
	if err != nil || !ok {
		return rehydrate.SnapshotNote{}, false, err
	}
	snap, err := s.snapshotOf(c)
	if err != nil {
		return rehydrate.SnapshotNote{}, false, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Snapshot %s (%s)\n\n", short(c.ID), c.Ref)
	fmt.Fprintf(&b, "- message: %s\n", c.Message)
	fmt.Fprintf(&b, "- captured: seq %d, %d events\n", snap.TipSeq, snap.EventCount)

	byType := map[typedmem.SignalType][]string{}
	var types []string
	for _, sig := range snap.Signals {
		if len(byType[sig.Type]) >= noteSignalsPerType {
			continue
		}
		if len(byType[sig.Type]) == 0 {
			types = append(types, string(sig.Type))
		}
		byType[sig.Type] = append(byType[sig.Type], sig.Value)
	}
	for _, t := range typedmem.Types {
		if vals := byType[t]; len(vals) > 0 {
			fmt.Fprintf(&b, "- %s: %s\n", t, strings.Join(vals, "; "))
		}
	}

	return rehydrate.SnapshotNote{
		ID:        c.ID,
		Timestamp: c.Timestamp,
		Content:   b.String(),
		Types:     types,
	}, true, nil
}
