package contextver

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuity/internal/eventstore"
	"github.com/fyrsmithlabs/continuity/internal/memerr"
	"github.com/fyrsmithlabs/continuity/internal/typedmem"
)

// ParseResolution accepts "", ours, theirs and union.
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(s); r {
	case ResolveNone, ResolveOurs, ResolveTheirs, ResolveUnion:
		return r, nil
	}
	return ResolveNone, fmt.Errorf("unknown merge resolution %q (want ours, theirs or union)", s)
}

// Merge folds the head of other into the current ref.
func (s *Store) Merge(ctx context.Context, other string, res Resolution) (*MergeResult, error) {
	ctx, span := s.tracer.Start(ctx, "contextver.Merge")
	defer span.End()
	span.SetAttributes(attribute.String("merge.other", other), attribute.String("merge.resolution", string(res)))

	lease, err := s.lock(ctx, "contextver.merge")
	if err != nil {
		return nil, err
	}
	t, err := s.loadRefs()
	if err != nil {
		lease.Release()
		return nil, err
	}
	theirsID, ok := t.Refs[other]
	if !ok {
		lease.Release()
		return nil, fmt.Errorf("%w: %s", ErrUnknownRef, other)
	}
	oursID := t.Refs[t.Current]

	if reason, noop, err := s.mergeShortcut(oursID, theirsID); err != nil || noop {
		lease.Release()
		if err != nil {
			return nil, err
		}
		return &MergeResult{NoOp: true, Reason: reason}, nil
	}

	// Fast-forward an empty ref.
	if oursID == "" {
		t.Refs[t.Current] = theirsID
		err := s.saveRefs(t)
		lease.Release()
		if err != nil {
			return nil, err
		}
		c, err := s.ReadCommit(theirsID)
		if err != nil {
			return nil, err
		}
		s.record(ctx, opMerge, fmt.Sprintf("merge %s into %s (fast-forward)", other, t.Current), t.Current, theirsID)
		return &MergeResult{Commit: c, Reason: "fast-forward"}, nil
	}

	ours, err := s.Snapshot(oursID)
	if err != nil {
		lease.Release()
		return nil, err
	}
	theirs, err := s.Snapshot(theirsID)
	if err != nil {
		lease.Release()
		return nil, err
	}

	div, err := s.diverged(ctx, t.Current, other, oursID, theirsID, ours.TipSeq, theirs.TipSeq)
	if err != nil {
		lease.Release()
		return nil, err
	}

	merged, conflicts := mergeSnapshots(ours, theirs, div, res)
	if len(conflicts) > 0 && res == ResolveNone {
		lease.Release()
		return &MergeResult{Conflicts: conflicts}, memerr.MergeConflict("contextver.merge", conflicts)
	}

	msg := fmt.Sprintf("merge %s into %s", other, t.Current)
	if res != ResolveNone && len(conflicts) > 0 {
		msg += fmt.Sprintf(" (%d conflicts resolved: %s)", len(conflicts), res)
	}
	c, err := s.writeObjects(merged, t.Current, msg, oursID, theirsID)
	if err != nil {
		lease.Release()
		return nil, err
	}
	t.Refs[t.Current] = c.ID
	err = s.saveRefs(t)
	lease.Release()
	if err != nil {
		return nil, err
	}

	s.opts.Logger.Info("context merged",
		zap.String("into", t.Current), zap.String("from", other),
		zap.String("id", short(c.ID)), zap.Int("conflicts", len(conflicts)))
	s.record(ctx, opMerge, msg, t.Current, other, c.ID)
	return &MergeResult{Commit: c, Conflicts: conflicts, Signals: len(merged.Signals)}, nil
}

func (s *Store) mergeShortcut(ours, theirs string) (string, bool, error) {
	switch {
	case theirs == "":
		return "other ref has no commits", true, nil
	case ours == theirs:
		return "heads are equal", true, nil
	case ours == "":
		return "", false, nil
	}
	up, err := s.isAncestor(theirs, ours)
	if err != nil {
		return "", false, err
	}
	if up {
		return "already up to date", true, nil
	}
	return "", false, nil
}

// divergence holds, per side, the signals derived only from events that
// were appended on that side after the merge base.
type divergence struct {
	ours, theirs map[string]typedmem.Signal
}

// diverged attributes every event to the ref that was current when it was
// appended and rebuilds each side's events after the merge base separately.
func (s *Store) diverged(ctx context.Context, oursRef, theirsRef, oursID, theirsID string, oursTip, theirsTip int64) (divergence, error) {
	baseTip := int64(-1)
	base, err := s.mergeBase(oursID, theirsID)
	if err != nil {
		return divergence{}, err
	}
	if base != "" {
		snap, err := s.Snapshot(base)
		if err != nil {
			return divergence{}, err
		}
		baseTip = snap.TipSeq
	}

	events, err := s.events.ReadAll(ctx)
	if err != nil {
		return divergence{}, fmt.Errorf("failed to read events: %w", err)
	}
	owners := refOwners(events)
	var oursEvents, theirsEvents []eventstore.Event
	for _, ev := range events {
		if ev.Seq <= baseTip {
			continue
		}
		switch owners[ev.Seq] {
		case oursRef:
			if ev.Seq <= oursTip {
				oursEvents = append(oursEvents, ev)
			}
		case theirsRef:
			if ev.Seq <= theirsTip {
				theirsEvents = append(theirsEvents, ev)
			}
		}
	}
	return divergence{
		ours:   byKey(typedmem.Rebuild(oursEvents, s.opts.Typed).Signals),
		theirs: byKey(typedmem.Rebuild(theirsEvents, s.opts.Typed).Signals),
	}, nil
}

// refOwners replays switch records and maps each seq to the ref that was
// current when the event was appended.
func refOwners(events []eventstore.Event) map[int64]string {
	owners := make(map[int64]string, len(events))
	cur := DefaultRef
	for _, ev := range events {
		if ev.Kind == opKind && ev.Task == opSwitch && len(ev.Refs) == 2 {
			cur = ev.Refs[1]
		}
		owners[ev.Seq] = cur
	}
	return owners
}

// mergeBase returns the nearest common ancestor of a and b, or "".
func (s *Store) mergeBase(a, b string) (string, error) {
	ancestors := map[string]bool{}
	queue := []string{b}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == "" || ancestors[cur] {
			continue
		}
		ancestors[cur] = true
		c, err := s.ReadCommit(cur)
		if err != nil {
			return "", err
		}
		queue = append(queue, c.ParentID, c.MergeParentID)
	}

	seen := map[string]bool{}
	queue = []string{a}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == "" || seen[cur] {
			continue
		}
		if ancestors[cur] {
			return cur, nil
		}
		seen[cur] = true
		c, err := s.ReadCommit(cur)
		if err != nil {
			return "", err
		}
		queue = append(queue, c.ParentID, c.MergeParentID)
	}
	return "", nil
}

func byKey(signals []typedmem.Signal) map[string]typedmem.Signal {
	out := make(map[string]typedmem.Signal, len(signals))
	for _, sig := range signals {
		out[sig.Key()] = sig
	}
	return out
}

// mergeSnapshots unions two snapshots. A decision conflicts when both sides
// supported it after the merge base under different contexts. Conflicts are
// resolved per res; with ResolveNone they are unioned and reported.
func mergeSnapshots(ours, theirs *Snapshot, div divergence, res Resolution) (*Snapshot, []string) {
	out := &Snapshot{
		TipSeq:     ours.TipSeq,
		TipHash:    ours.TipHash,
		EventCount: ours.EventCount,
		Artifacts:  map[string]string{},
	}
	if theirs.TipSeq > ours.TipSeq {
		out.TipSeq, out.TipHash = theirs.TipSeq, theirs.TipHash
	}
	if theirs.EventCount > out.EventCount {
		out.EventCount = theirs.EventCount
	}
	for k, v := range theirs.Artifacts {
		out.Artifacts[k] = v
	}
	for k, v := range ours.Artifacts {
		out.Artifacts[k] = v
	}

	theirsBy := byKey(theirs.Signals)
	seen := map[string]bool{}
	var conflicts []string
	for _, o := range ours.Signals {
		key := o.Key()
		seen[key] = true
		th, both := theirsBy[key]
		if !both {
			out.Signals = append(out.Signals, o)
			continue
		}
		if o.Type == typedmem.TypeDecision && conflicting(div.ours[key], div.theirs[key]) {
			conflicts = append(conflicts, o.Value)
			switch res {
			case ResolveOurs:
				out.Signals = append(out.Signals, o)
				continue
			case ResolveTheirs:
				out.Signals = append(out.Signals, th)
				continue
			}
		}
		out.Signals = append(out.Signals, combine(o, th))
	}
	for _, th := range theirs.Signals {
		if !seen[th.Key()] {
			out.Signals = append(out.Signals, th)
		}
	}
	typedmem.SortSignals(out.Signals)
	sort.Strings(conflicts)
	return out, conflicts
}

// conflicting reports diverged support with differing contexts. A side
// without support never conflicts.
func conflicting(a, b typedmem.Signal) bool {
	if len(a.SupportingSeqs) == 0 || len(b.SupportingSeqs) == 0 {
		return false
	}
	if subset(a.SupportingSeqs, b.SupportingSeqs) || subset(b.SupportingSeqs, a.SupportingSeqs) {
		return false
	}
	return !sameSet(a.Contexts, b.Contexts)
}

func subset(a, b []int64) bool {
	in := make(map[int64]bool, len(b))
	for _, v := range b {
		in[v] = true
	}
	for _, v := range a {
		if !in[v] {
			return false
		}
	}
	return true
}

func sameSet(a, b []string) bool {
	am := map[string]bool{}
	for _, v := range a {
		am[v] = true
	}
	bm := map[string]bool{}
	for _, v := range b {
		bm[v] = true
	}
	if len(am) != len(bm) {
		return false
	}
	for k := range am {
		if !bm[k] {
			return false
		}
	}
	return true
}

func combine(a, b typedmem.Signal) typedmem.Signal {
	out := a
	out.Weight = math.Round((a.Weight+b.Weight)*1e6) / 1e6
	seqs := map[int64]bool{}
	for _, v := range append(append([]int64{}, a.SupportingSeqs...), b.SupportingSeqs...) {
		seqs[v] = true
	}
	out.SupportingSeqs = make([]int64, 0, len(seqs))
	for v := range seqs {
		out.SupportingSeqs = append(out.SupportingSeqs, v)
	}
	sort.Slice(out.SupportingSeqs, func(i, j int) bool { return out.SupportingSeqs[i] < out.SupportingSeqs[j] })
	if b.LastSeq > out.LastSeq {
		out.LastSeq = b.LastSeq
	}
	if b.LastSeen.After(out.LastSeen) {
		out.LastSeen = b.LastSeen
	}
	ctxs := map[string]bool{}
	for _, c := range append(append([]string{}, a.Contexts...), b.Contexts...) {
		ctxs[c] = true
	}
	out.Contexts = sortedKeys(ctxs)
	return out
}
