// Package eventstore implements the append-only, hash-chained event log.
//
// Every writer takes an exclusive lease on events/events.jsonl.lock before
// reading the tip, so seq and hash assignment is serialized across
// processes. Readers never take the lease; they see the complete lines
// present when iteration starts.
package eventstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuity/internal/config"
	"github.com/fyrsmithlabs/continuity/internal/fslock"
	"github.com/fyrsmithlabs/continuity/internal/layout"
	"github.com/fyrsmithlabs/continuity/internal/memerr"
	"github.com/fyrsmithlabs/continuity/internal/metrics"
	"github.com/fyrsmithlabs/continuity/internal/secrets"
)

const instrumentationName = "github.com/fyrsmithlabs/continuity/internal/eventstore"

// Options configures a Store.
type Options struct {
	// LeaseTimeout bounds the total wait for the append lease.
	LeaseTimeout time.Duration
	// LeaseBackoff is the initial sleep between lease attempts.
	LeaseBackoff time.Duration
	// MaxRetries is the number of extra acquisition rounds before WriteConflict.
	MaxRetries int
	// ExclusiveWait bounds the lease wait for strict verify, backup and repair.
	ExclusiveWait time.Duration
	MaxSummaryLen int
	DedupeWindow  int
	// Staging mirrors every append into events/staging.jsonl.
	Staging bool

	Scrubber secrets.Scrubber
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// DefaultOptions mirrors config.Default().Events.
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default().Events)
}

// OptionsFromConfig maps the events config section onto Options.
func OptionsFromConfig(cfg config.EventsConfig) Options {
	return Options{
		LeaseTimeout:  cfg.LeaseTimeout.Duration(),
		LeaseBackoff:  cfg.LeaseBackoff.Duration(),
		MaxRetries:    cfg.MaxRetries,
		ExclusiveWait: cfg.ExclusiveWait.Duration(),
		MaxSummaryLen: cfg.MaxSummaryLen,
		DedupeWindow:  cfg.DedupeWindow,
		Staging:       cfg.StagingEnabled,
	}
}

// Store is the event log of one memory root.
type Store struct {
	layout layout.Layout
	opts   Options
	logger *zap.Logger
	tracer trace.Tracer
}

// Open prepares the events directory under l.
func Open(l layout.Layout, opts Options) (*Store, error) {
	if err := os.MkdirAll(l.EventsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create events dir: %w", err)
	}
	if opts.Scrubber == nil {
		opts.Scrubber = secrets.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Store{
		layout: l,
		opts:   opts,
		logger: opts.Logger,
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// Layout returns the memory root layout.
func (s *Store) Layout() layout.Layout { return s.layout }

// Tip is the last valid event of the log. Seq is -1 for an empty log.
type Tip struct {
	Seq   int64  `json:"seq"`
	Hash  string `json:"hash"`
	Count int    `json:"count"`
}

// Range selects events by seq, inclusive. To < 0 means unbounded.
type Range struct {
	From int64
	To   int64
}

// All selects every event.
var All = Range{From: 0, To: -1}

// Append assigns the next seq, chains the hash to the tip and writes the
// record durably. With an IdempotencyKey already present in the recent
// window the existing event is returned and nothing is written.
func (s *Store) Append(ctx context.Context, f Fields) (Event, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.Append")
	defer span.End()
	start := time.Now()

	f, err := normalize(f)
	if err != nil {
		return Event{}, err
	}
	f.Summary = boundSummary(s.opts.Scrubber.Scrub(f.Summary).Content, s.opts.MaxSummaryLen)

	lease, err := s.appendLease(ctx)
	if err != nil {
		s.opts.Metrics.RecordAppend(f.Source, time.Since(start), true)
		span.RecordError(err)
		span.SetStatus(codes.Error, "lease")
		return Event{}, err
	}
	defer lease.Release()

	ev, dup, err := s.appendLocked(ctx, f)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append")
		return Event{}, err
	}
	span.SetAttributes(
		attribute.Int64("event.seq", ev.Seq),
		attribute.String("event.kind", ev.Kind),
		attribute.Bool("event.duplicate", dup),
	)
	if dup {
		s.logger.Debug("idempotent append matched existing event",
			zap.String("key", f.IdempotencyKey), zap.Int64("seq", ev.Seq))
		return ev, nil
	}
	s.opts.Metrics.RecordAppend(ev.Source, time.Since(start), false)
	s.logger.Debug("event appended", zap.Int64("seq", ev.Seq), zap.String("kind", ev.Kind))
	return ev, nil
}

// appendLease retries lease acquisition MaxRetries+1 rounds within LeaseTimeout.
func (s *Store) appendLease(ctx context.Context) (*fslock.Lease, error) {
	rounds := s.opts.MaxRetries + 1
	per := s.opts.LeaseTimeout / time.Duration(rounds)
	var lastErr error
	for i := 0; i < rounds; i++ {
		lease, err := fslock.Acquire(ctx, s.layout.EventsLock(), fslock.Options{
			Timeout:    per,
			Backoff:    s.opts.LeaseBackoff,
			MaxBackoff: 250 * time.Millisecond,
		})
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, fslock.ErrBusy) && !errors.Is(err, fslock.ErrTimeout) {
			return nil, err
		}
		lastErr = err
		s.logger.Debug("append lease contended", zap.Int("round", i+1), zap.Int("rounds", rounds))
	}
	return nil, memerr.Wrap(memerr.KindWriteConflict, "eventstore.append", lastErr)
}

// exclusive takes the lease with the short ExclusiveWait bound.
func (s *Store) exclusive(ctx context.Context, op string) (*fslock.Lease, error) {
	lease, err := fslock.Acquire(ctx, s.layout.EventsLock(), fslock.Options{
		Timeout: s.opts.ExclusiveWait,
		Backoff: s.opts.LeaseBackoff,
	})
	if errors.Is(err, fslock.ErrBusy) || errors.Is(err, fslock.ErrTimeout) {
		return nil, memerr.Wrap(memerr.KindLockUnavailable, op, err)
	}
	return lease, err
}

// tailState is what an appender needs to know about the log.
type tailState struct {
	tip       *Event
	lines     int
	torn      bool
	tornLine  int
	tornEvent *Event
	recent    []Event
}

func (s *Store) scanTail(ctx context.Context, gaps gapSet) (tailState, error) {
	var st tailState
	err := walkFile(ctx, s.layout.EventsFile(), func(l line) bool {
		st.lines = l.no
		if !l.terminated {
			st.torn = true
			st.tornLine = l.no
			// A record that lost only its newline is still a valid link.
			if ev, err := decodeLine(l.data); err == nil && chainsTo(ev, st.tip) {
				st.tornEvent = &ev
			}
			return true
		}
		if gaps.has(l.no) {
			return true
		}
		ev, err := decodeLine(l.data)
		if err != nil {
			return true
		}
		st.tip = &ev
		if ev.IdempotencyKey != "" && s.opts.DedupeWindow > 0 {
			st.recent = append(st.recent, ev)
		}
		return true
	})
	if n := len(st.recent); n > 0 && s.opts.DedupeWindow > 0 && st.tip != nil {
		cutoff := st.tip.Seq - int64(s.opts.DedupeWindow)
		kept := st.recent[:0]
		for _, ev := range st.recent {
			if ev.Seq > cutoff {
				kept = append(kept, ev)
			}
		}
		st.recent = kept
	}
	return st, err
}

func chainsTo(ev Event, tip *Event) bool {
	want := Event{Seq: -1, Hash: GenesisHash}
	if tip != nil {
		want = *tip
	}
	if ev.Seq != want.Seq+1 || ev.PrevHash != want.Hash {
		return false
	}
	h, err := ev.ComputeHash()
	return err == nil && h == ev.Hash
}

func (s *Store) appendLocked(ctx context.Context, f Fields) (Event, bool, error) {
	gaps, err := s.loadGaps()
	if err != nil {
		return Event{}, false, err
	}
	st, err := s.scanTail(ctx, gaps)
	if err != nil {
		return Event{}, false, fmt.Errorf("failed to scan event log: %w", err)
	}

	if st.torn {
		if err := appendBytes(s.layout.EventsFile(), []byte("\n")); err != nil {
			return Event{}, false, fmt.Errorf("failed to terminate torn record: %w", err)
		}
		if st.tornEvent != nil {
			st.tip = st.tornEvent
			if st.tornEvent.IdempotencyKey != "" {
				st.recent = append(st.recent, *st.tornEvent)
			}
			s.logger.Warn("recovered unterminated record", zap.Int64("seq", st.tornEvent.Seq))
		} else {
			gaps.add(st.tornLine, "interrupted write", s.opts.Now())
			if err := s.saveGaps(gaps); err != nil {
				return Event{}, false, err
			}
			s.logger.Warn("flagged interrupted write", zap.Int("line", st.tornLine))
		}
	}

	if f.IdempotencyKey != "" {
		for _, ev := range st.recent {
			if ev.IdempotencyKey == f.IdempotencyKey {
				return ev, true, nil
			}
		}
	}

	ev, err := s.build(st.tip, f, uuid.NewString())
	if err != nil {
		return Event{}, false, err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return Event{}, false, fmt.Errorf("failed to encode event: %w", err)
	}
	data = append(data, '\n')

	if s.opts.Staging {
		if err := appendBytes(s.layout.StagingFile(), data); err != nil {
			return Event{}, false, fmt.Errorf("failed to stage event: %w", err)
		}
	}
	if err := appendBytes(s.layout.EventsFile(), data); err != nil {
		return Event{}, false, fmt.Errorf("failed to write event: %w", err)
	}
	return ev, false, nil
}

// build finalizes f as the successor of prev.
func (s *Store) build(prev *Event, f Fields, id string) (Event, error) {
	ts := f.Timestamp
	if ts.IsZero() {
		ts = s.opts.Now()
	}
	ev := Event{
		Seq:            0,
		ID:             id,
		Timestamp:      ts.UTC(),
		Kind:           f.Kind,
		Status:         f.Status,
		Summary:        f.Summary,
		Path:           f.Path,
		Task:           f.Task,
		Paths:          f.Paths,
		Commands:       f.Commands,
		Refs:           f.Refs,
		Source:         f.Source,
		IdempotencyKey: f.IdempotencyKey,
		PrevHash:       GenesisHash,
	}
	if prev != nil {
		ev.Seq = prev.Seq + 1
		ev.PrevHash = prev.Hash
	}
	h, err := ev.ComputeHash()
	if err != nil {
		return Event{}, err
	}
	ev.Hash = h
	return ev, nil
}

// Read yields events in ascending seq. Flagged gaps are skipped; an
// unflagged undecodable line yields a ChainBreak error and iteration may
// continue past it.
func (s *Store) Read(ctx context.Context, r Range) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		gaps, err := s.loadGaps()
		if err != nil {
			yield(Event{}, err)
			return
		}
		err = walkFile(ctx, s.layout.EventsFile(), func(l line) bool {
			if !l.terminated || gaps.has(l.no) {
				return true
			}
			ev, err := decodeLine(l.data)
			if err != nil {
				return yield(Event{}, memerr.ChainBreak("eventstore.read", -1,
					fmt.Sprintf("line %d: %v", l.no, err)))
			}
			if ev.Seq < r.From {
				return true
			}
			if r.To >= 0 && ev.Seq > r.To {
				return false
			}
			return yield(ev, nil)
		})
		if err != nil {
			yield(Event{}, err)
		}
	}
}

// ReadAll collects Read(ctx, All), stopping at the first error.
func (s *Store) ReadAll(ctx context.Context) ([]Event, error) {
	var out []Event
	for ev, err := range s.Read(ctx, All) {
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// Tip returns the last valid event position.
func (s *Store) Tip(ctx context.Context) (Tip, error) {
	tip := Tip{Seq: -1, Hash: GenesisHash}
	for ev, err := range s.Read(ctx, All) {
		if err != nil {
			return Tip{}, err
		}
		tip.Seq, tip.Hash = ev.Seq, ev.Hash
		tip.Count++
	}
	return tip, nil
}

func decodeLine(data []byte) (Event, error) {
	var ev Event
	if len(bytes.TrimSpace(data)) == 0 {
		return ev, errors.New("empty record")
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, err
	}
	if ev.Hash == "" || ev.PrevHash == "" {
		return ev, errors.New("record without hash chain fields")
	}
	return ev, nil
}

func appendBytes(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type line struct {
	no         int // 1-based
	offset     int64
	end        int64 // offset just past the line, newline included
	data       []byte
	terminated bool
}

// walkFile calls fn for every line present when the file was opened.
// A missing file has no lines.
func walkFile(ctx context.Context, path string, fn func(line) bool) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return walkReader(ctx, io.LimitReader(f, info.Size()), fn)
}

func walkReader(ctx context.Context, rd io.Reader, fn func(line) bool) error {
	r := bufio.NewReaderSize(rd, 64*1024)
	var off int64
	no := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := r.ReadBytes('\n')
		if len(data) > 0 {
			no++
			l := line{no: no, offset: off, terminated: data[len(data)-1] == '\n'}
			off += int64(len(data))
			l.end = off
			l.data = bytes.TrimSuffix(data, []byte("\n"))
			if !fn(l) {
				return nil
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
