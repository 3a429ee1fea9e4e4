// Package contextver is a git-like commit and branch model over memory
// snapshots. Commits and snapshots are content addressed and immutable;
// refs are the only mutable pointers and change under context/refs.lock.
package contextver

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuity/internal/eventstore"
	"github.com/fyrsmithlabs/continuity/internal/fslock"
	"github.com/fyrsmithlabs/continuity/internal/layout"
	"github.com/fyrsmithlabs/continuity/internal/memerr"
	"github.com/fyrsmithlabs/continuity/internal/typedmem"
)

const instrumentationName = "github.com/fyrsmithlabs/continuity/internal/contextver"

var (
	// ErrUnknownRef is returned for refs that do not exist.
	ErrUnknownRef = errors.New("unknown context ref")
	// ErrRefExists is returned when creating a ref that already exists.
	ErrRefExists = errors.New("context ref already exists")
	// ErrInvalidRef is returned for malformed ref names.
	ErrInvalidRef = errors.New("invalid context ref name")
	// ErrUnknownCommit is returned when a commit object is missing.
	ErrUnknownCommit = errors.New("unknown context commit")
)

var refName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

// EventLog is the part of the event store contextver needs.
type EventLog interface {
	ReadAll(ctx context.Context) ([]eventstore.Event, error)
	Append(ctx context.Context, f eventstore.Fields) (eventstore.Event, error)
}

// Options configures a Store.
type Options struct {
	Typed       typedmem.Options
	LockTimeout time.Duration
	// Source is recorded on context-op events.
	Source string
	Logger *zap.Logger
	Now    func() time.Time
}

// Store manages refs, commits and snapshots under the context directory.
type Store struct {
	layout layout.Layout
	events EventLog
	opts   Options
	tracer trace.Tracer
}

// New returns a Store over the memory root l.
func New(l layout.Layout, events EventLog, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	if opts.Source == "" {
		opts.Source = "cli"
	}
	return &Store{layout: l, events: events, opts: opts, tracer: otel.Tracer(instrumentationName)}
}

// ValidateRefName checks a ref name.
func ValidateRefName(name string) error {
	if !refName.MatchString(name) || strings.Contains(name, "..") || strings.HasSuffix(name, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidRef, name)
	}
	return nil
}

func (s *Store) lock(ctx context.Context, op string) (*fslock.Lease, error) {
	lease, err := fslock.Acquire(ctx, s.layout.RefsLock(), fslock.Options{
		Timeout: s.opts.LockTimeout,
		Backoff: 10 * time.Millisecond,
	})
	if errors.Is(err, fslock.ErrBusy) || errors.Is(err, fslock.ErrTimeout) {
		return nil, memerr.Wrap(memerr.KindLockUnavailable, op, err)
	}
	return lease, err
}

func (s *Store) loadRefs() (RefTable, error) {
	t := RefTable{Current: DefaultRef, Refs: map[string]string{}}
	if _, err := fslock.ReadJSON(s.layout.RefsFile(), &t); err != nil {
		return t, err
	}
	if t.Refs == nil {
		t.Refs = map[string]string{}
	}
	if t.Current == "" {
		t.Current = DefaultRef
	}
	return t, nil
}

func (s *Store) saveRefs(t RefTable) error {
	return fslock.WriteJSON(s.layout.RefsFile(), t)
}

// Init creates refs.json when missing.
func (s *Store) Init(ctx context.Context) error {
	lease, err := s.lock(ctx, "contextver.init")
	if err != nil {
		return err
	}
	defer lease.Release()
	if _, err := os.Stat(s.layout.RefsFile()); err == nil {
		return nil
	}
	for _, dir := range []string{s.layout.CommitsDir(), s.layout.SnapshotsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return s.saveRefs(RefTable{Current: DefaultRef, Refs: map[string]string{}})
}

// Refs returns the ref table.
func (s *Store) Refs(ctx context.Context) (RefTable, error) {
	return s.loadRefs()
}

// Head returns the commit a ref points at. An empty ref means the current one.
func (s *Store) Head(ctx context.Context, ref string) (*Commit, bool, error) {
	t, err := s.loadRefs()
	if err != nil {
		return nil, false, err
	}
	if ref == "" {
		ref = t.Current
	}
	id, ok := t.Refs[ref]
	if !ok || id == "" {
		return nil, false, nil
	}
	c, err := s.ReadCommit(id)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// ReadCommit loads commits/<id>.json.
func (s *Store) ReadCommit(id string) (*Commit, error) {
	var c Commit
	found, err := fslock.ReadJSON(filepath.Join(s.layout.CommitsDir(), id+".json"), &c)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommit, id)
	}
	return &c, nil
}

// Snapshot loads the snapshot a commit id points at.
func (s *Store) Snapshot(id string) (*Snapshot, error) {
	c, err := s.ReadCommit(id)
	if err != nil {
		return nil, err
	}
	return s.snapshotOf(c)
}

func (s *Store) snapshotOf(c *Commit) (*Snapshot, error) {
	var snap Snapshot
	found, err := fslock.ReadJSON(filepath.Join(s.layout.SnapshotsDir(), c.SnapshotRef+".json"), &snap)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("snapshot %s of commit %s is missing", c.SnapshotRef, c.ID)
	}
	return &snap, nil
}

// capture builds a snapshot of the current log, typed memory and notes.
func (s *Store) capture(ctx context.Context) (*Snapshot, []eventstore.Event, error) {
	events, err := s.events.ReadAll(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read events: %w", err)
	}
	idx := typedmem.Rebuild(events, s.opts.Typed)
	arts, err := s.layout.Artifacts()
	if err != nil {
		return nil, nil, err
	}
	snap := &Snapshot{
		TipSeq:     idx.TipSeq,
		TipHash:    idx.TipHash,
		EventCount: idx.EventCount,
		Signals:    idx.Signals,
		Artifacts:  map[string]string{},
	}
	for _, a := range arts {
		if a.Exists() {
			snap.Artifacts[a.Name] = a.Hash
		}
	}
	return snap, events, nil
}

// writeObjects stores snap and a commit pointing at it, returning the commit.
func (s *Store) writeObjects(snap *Snapshot, ref, message, parent, mergeParent string) (*Commit, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	snapHash := hashHex(data)
	snapPath := filepath.Join(s.layout.SnapshotsDir(), snapHash+".json")
	if _, err := os.Stat(snapPath); os.IsNotExist(err) {
		if err := fslock.WriteFile(snapPath, append(data, '\n'), 0o644); err != nil {
			return nil, err
		}
	}

	body := commitBody{
		ParentID:      parent,
		MergeParentID: mergeParent,
		Ref:           ref,
		Timestamp:     s.opts.Now().UTC(),
		Message:       message,
		SnapshotRef:   snapHash,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	c := &Commit{
		ID:            hashHex(raw),
		ParentID:      parent,
		MergeParentID: mergeParent,
		Ref:           ref,
		Timestamp:     body.Timestamp,
		Message:       message,
		SnapshotRef:   snapHash,
	}
	if err := fslock.WriteJSON(filepath.Join(s.layout.CommitsDir(), c.ID+".json"), c); err != nil {
		return nil, err
	}
	return c, nil
}

func hashHex(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Commit snapshots the current state onto the current ref.
func (s *Store) Commit(ctx context.Context, message string) (*Commit, error) {
	ctx, span := s.tracer.Start(ctx, "contextver.Commit")
	defer span.End()

	if strings.TrimSpace(message) == "" {
		message = "snapshot"
	}
	lease, err := s.lock(ctx, "contextver.commit")
	if err != nil {
		return nil, err
	}
	t, err := s.loadRefs()
	if err != nil {
		lease.Release()
		return nil, err
	}
	snap, _, err := s.capture(ctx)
	if err != nil {
		lease.Release()
		return nil, err
	}
	c, err := s.writeObjects(snap, t.Current, message, t.Refs[t.Current], "")
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

	span.SetAttributes(attribute.String("commit.id", c.ID), attribute.String("commit.ref", c.Ref))
	s.opts.Logger.Info("context committed", zap.String("id", short(c.ID)), zap.String("ref", c.Ref), zap.Int64("tip_seq", snap.TipSeq))
	s.record(ctx, opCommit, fmt.Sprintf("commit %s on %s: %s", short(c.ID), c.Ref, message), c.Ref, c.ID)
	return c, nil
}

// Context-op events name the operation in their task field. A switch
// record lists the previous and the new current ref, in that order.
const (
	opKind   = "context-op"
	opCommit = "commit"
	opBranch = "branch"
	opSwitch = "switch"
	opMerge  = "merge"
)

// record appends a context-op event. Failures are logged, not returned:
// the commit or ref change has already happened.
func (s *Store) record(ctx context.Context, op, summary string, refs ...string) {
	if s.events == nil {
		return
	}
	_, err := s.events.Append(ctx, eventstore.Fields{
		Kind:    opKind,
		Status:  eventstore.StatusSuccess,
		Summary: summary,
		Task:    op,
		Refs:    refs,
		Source:  s.opts.Source,
	})
	if err != nil {
		s.opts.Logger.Warn("failed to record context-op event", zap.Error(err))
	}
}

// bookkeeping kinds never make a ref dirty.
var bookkeeping = map[string]bool{opKind: true, "automation": true}

// Status compares the log tip with the head snapshot of the current ref.
func (s *Store) Status(ctx context.Context) (Status, error) {
	t, err := s.loadRefs()
	if err != nil {
		return Status{}, err
	}
	st := Status{CurrentRef: t.Current, Head: t.Refs[t.Current], TipSeq: -1, HeadTipSeq: -1}
	if st.Head != "" {
		snap, err := s.Snapshot(st.Head)
		if err != nil {
			return st, err
		}
		st.HeadTipSeq = snap.TipSeq
	}
	events, err := s.events.ReadAll(ctx)
	if err != nil {
		return st, err
	}
	for _, ev := range events {
		st.TipSeq = ev.Seq
		if ev.Seq > st.HeadTipSeq && !bookkeeping[ev.Kind] {
			st.Pending++
		}
	}
	st.Dirty = st.Pending > 0
	return st, nil
}

// Branch creates name pointing at from (a ref or commit id; empty means
// the current head).
func (s *Store) Branch(ctx context.Context, name, from string) (RefTable, error) {
	if err := ValidateRefName(name); err != nil {
		return RefTable{}, err
	}
	lease, err := s.lock(ctx, "contextver.branch")
	if err != nil {
		return RefTable{}, err
	}
	defer lease.Release()

	t, err := s.loadRefs()
	if err != nil {
		return t, err
	}
	if _, ok := t.Refs[name]; ok {
		return t, fmt.Errorf("%w: %s", ErrRefExists, name)
	}
	target, err := s.resolve(t, from)
	if err != nil {
		return t, err
	}
	t.Refs[name] = target
	if err := s.saveRefs(t); err != nil {
		return t, err
	}
	s.record(ctx, opBranch, fmt.Sprintf("branch %s at %s", name, orNone(short(target))), name)
	return t, nil
}

// EnsureRef creates name at the current head when it does not exist.
func (s *Store) EnsureRef(ctx context.Context, name string) error {
	t, err := s.loadRefs()
	if err != nil {
		return err
	}
	if _, ok := t.Refs[name]; ok {
		return nil
	}
	_, err = s.Branch(ctx, name, "")
	if errors.Is(err, ErrRefExists) {
		return nil
	}
	return err
}

// DeleteRef removes a ref that is not current.
func (s *Store) DeleteRef(ctx context.Context, name string) error {
	lease, err := s.lock(ctx, "contextver.delete")
	if err != nil {
		return err
	}
	defer lease.Release()
	t, err := s.loadRefs()
	if err != nil {
		return err
	}
	if _, ok := t.Refs[name]; !ok {
		return nil
	}
	if t.Current == name {
		return fmt.Errorf("cannot delete the current ref %s", name)
	}
	delete(t.Refs, name)
	return s.saveRefs(t)
}

func (s *Store) resolve(t RefTable, from string) (string, error) {
	if from == "" {
		return t.Refs[t.Current], nil
	}
	if id, ok := t.Refs[from]; ok {
		return id, nil
	}
	if _, err := s.ReadCommit(from); err == nil {
		return from, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownRef, from)
}

// Switch makes name the current ref.
func (s *Store) Switch(ctx context.Context, name string) (RefTable, error) {
	lease, err := s.lock(ctx, "contextver.switch")
	if err != nil {
		return RefTable{}, err
	}
	defer lease.Release()

	t, err := s.loadRefs()
	if err != nil {
		return t, err
	}
	if _, ok := t.Refs[name]; !ok && name != DefaultRef {
		return t, fmt.Errorf("%w: %s", ErrUnknownRef, name)
	}
	if t.Current == name {
		return t, nil
	}
	prev := t.Current
	t.Current = name
	if err := s.saveRefs(t); err != nil {
		return t, err
	}
	s.record(ctx, opSwitch, fmt.Sprintf("switch %s -> %s", prev, name), prev, name)
	return t, nil
}

// Log walks first parents from ref's head, newest first. limit <= 0 means all.
func (s *Store) Log(ctx context.Context, ref string, limit int) ([]*Commit, error) {
	head, ok, err := s.Head(ctx, ref)
	if err != nil || !ok {
		if err == nil && ref != "" {
			t, lerr := s.loadRefs()
			if lerr == nil {
				if _, exists := t.Refs[ref]; !exists && ref != t.Current {
					return nil, fmt.Errorf("%w: %s", ErrUnknownRef, ref)
				}
			}
		}
		return nil, err
	}
	var out []*Commit
	for c := head; c != nil; {
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
		if c.ParentID == "" {
			break
		}
		if c, err = s.ReadCommit(c.ParentID); err != nil {
			return out, err
		}
	}
	return out, nil
}

// isAncestor reports whether anc is reachable from id through any parent.
func (s *Store) isAncestor(anc, id string) (bool, error) {
	seen := map[string]bool{}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == "" || seen[cur] {
			continue
		}
		if cur == anc {
			return true, nil
		}
		seen[cur] = true
		c, err := s.ReadCommit(cur)
		if err != nil {
			return false, err
		}
		queue = append(queue, c.ParentID, c.MergeParentID)
	}
	return false, nil
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func orNone(s string) string {
	if s == "" {
		return "(empty)"
	}
	return s
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
