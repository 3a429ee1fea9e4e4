package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/continuity/internal/fslock"
	"github.com/fyrsmithlabs/continuity/internal/layout"
	"github.com/fyrsmithlabs/continuity/internal/memerr"
	"github.com/fyrsmithlabs/continuity/internal/secrets"
)

func newTestStore(t *testing.T, mutate ...func(*Options)) *Store {
	t.Helper()
	opts := DefaultOptions()
	opts.LeaseTimeout = 2 * time.Second
	opts.ExclusiveWait = 50 * time.Millisecond
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	opts.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Minute)
	}
	for _, m := range mutate {
		m(&opts)
	}
	s, err := Open(layout.New(t.TempDir()), opts)
	require.NoError(t, err)
	return s
}

func appendN(t *testing.T, s *Store, n int) []Event {
	t.Helper()
	var out []Event
	for i := 0; i < n; i++ {
		ev, err := s.Append(context.Background(), Fields{
			Kind:    "edit",
			Status:  StatusSuccess,
			Summary: "step " + string(rune('a'+i)),
			Path:    "internal/eventstore/store.go",
			Source:  "test",
		})
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

// rewriteLine replaces the summary of the given 1-based log line.
func rewriteLine(t *testing.T, s *Store, lineNo int, summary string) {
	t.Helper()
	data, err := os.ReadFile(s.layout.EventsFile())
	require.NoError(t, err)
	lines := strings.Split(string(data), "\n")
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[lineNo-1]), &m))
	m["summary"] = summary
	b, err := json.Marshal(m)
	require.NoError(t, err)
	lines[lineNo-1] = string(b)
	require.NoError(t, os.WriteFile(s.layout.EventsFile(), []byte(strings.Join(lines, "\n")), 0o644))
}

func TestAppend_ChainsFromGenesis(t *testing.T) {
	s := newTestStore(t)
	events := appendN(t, s, 3)

	assert.Equal(t, GenesisHash, events[0].PrevHash)
	for i, ev := range events {
		assert.Equal(t, int64(i), ev.Seq)
		assert.Len(t, ev.Hash, 64)
		if i > 0 {
			assert.Equal(t, events[i-1].Hash, ev.PrevHash)
		}
	}

	report, err := s.Verify(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, 3, report.Events)
	assert.Equal(t, int64(2), report.TipSeq)

	tip, err := s.Tip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Tip{Seq: 2, Hash: events[2].Hash, Count: 3}, tip)
}

func TestAppend_NormalizesFields(t *testing.T) {
	s := newTestStore(t)
	ev, err := s.Append(context.Background(), Fields{
		Kind:     " Decision ",
		Summary:  "  chose flock leases  ",
		Paths:    []string{"a/b.go", "a/./b.go", "", "c.go"},
		Commands: []string{"go test ./...", "go test ./..."},
	})
	require.NoError(t, err)
	assert.Equal(t, "decision", ev.Kind)
	assert.Equal(t, StatusInfo, ev.Status)
	assert.Equal(t, "chose flock leases", ev.Summary)
	assert.Equal(t, []string{"a/b.go", "c.go"}, ev.Paths)
	assert.Equal(t, []string{"go test ./..."}, ev.Commands)
	assert.NotEmpty(t, ev.ID)

	_, err = s.Append(context.Background(), Fields{Summary: "x", Status: "exploded"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
	_, err = s.Append(context.Background(), Fields{Summary: "   "})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

type fixtureScrubber struct{}

func (fixtureScrubber) Scrub(content string) secrets.Result {
	return secrets.Result{Content: strings.ReplaceAll(content, "hunter2", "[REDACTED:test]")}
}

func TestAppend_ScrubsThenBoundsSummary(t *testing.T) {
	s := newTestStore(t, func(o *Options) {
		o.Scrubber = fixtureScrubber{}
		o.MaxSummaryLen = 24
	})
	ev, err := s.Append(context.Background(), Fields{Summary: "password hunter2 leaked into the fixture"})
	require.NoError(t, err)
	assert.NotContains(t, ev.Summary, "hunter2")
	assert.Equal(t, 24, len([]rune(ev.Summary)))
	assert.True(t, strings.HasSuffix(ev.Summary, "…"))
}

func TestAppend_IdempotentUnderRace(t *testing.T) {
	s := newTestStore(t)
	const writers = 8

	var wg sync.WaitGroup
	results := make([]Event, writers)
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Append(context.Background(), Fields{
				Kind:           "test",
				Status:         StatusFailure,
				Summary:        "integration suite failed",
				IdempotencyKey: "ci-run-42",
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].ID, results[i].ID)
		assert.Equal(t, int64(0), results[i].Seq)
	}
	events, err := s.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAppend_ConcurrentWritersSerialize(t *testing.T) {
	s := newTestStore(t)
	const writers = 10

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Append(context.Background(), Fields{Summary: "parallel"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	report, err := s.Verify(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, writers, report.Events)
}

func TestAppend_WriteConflictWhenLeaseHeld(t *testing.T) {
	s := newTestStore(t, func(o *Options) {
		o.LeaseTimeout = 60 * time.Millisecond
		o.MaxRetries = 1
	})
	held, err := fslock.Acquire(context.Background(), s.layout.EventsLock(), fslock.Options{})
	require.NoError(t, err)
	defer held.Release()

	_, err = s.Append(context.Background(), Fields{Summary: "blocked"})
	require.Error(t, err)
	assert.ErrorIs(t, err, memerr.ErrWriteConflict)
	assert.Equal(t, 10, memerr.ExitCode(err))
}

func TestVerifyStrict_LockUnavailable(t *testing.T) {
	s := newTestStore(t)
	appendN(t, s, 2)

	held, err := fslock.Acquire(context.Background(), s.layout.EventsLock(), fslock.Options{})
	require.NoError(t, err)
	defer held.Release()

	_, err = s.Verify(context.Background(), true)
	assert.ErrorIs(t, err, memerr.ErrLockUnavailable)

	_, err = s.Repair(context.Background())
	assert.ErrorIs(t, err, memerr.ErrLockUnavailable)

	report, err := s.Verify(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, report.OK)
}

func TestVerify_DetectsTamper(t *testing.T) {
	s := newTestStore(t)
	appendN(t, s, 4)
	rewriteLine(t, s, 2, "rewritten history")

	report, err := s.Verify(context.Background(), false)
	require.Error(t, err)
	assert.True(t, IsChainBreak(err))
	assert.Equal(t, int64(1), memerr.SeqOf(err))
	assert.False(t, report.OK)
	assert.Equal(t, int64(0), report.TipSeq)
}

func TestVerify_EmptyLog(t *testing.T) {
	s := newTestStore(t)
	report, err := s.Verify(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), report.TipSeq)
	assert.Equal(t, GenesisHash, report.TipHash)
}

func TestAppend_TerminatesTornTail(t *testing.T) {
	s := newTestStore(t)
	events := appendN(t, s, 2)

	f, err := os.OpenFile(s.layout.EventsFile(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"id":"torn","summ`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Readers ignore the unterminated record.
	got, err := s.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2)

	ev, err := s.Append(context.Background(), Fields{Summary: "after the crash"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), ev.Seq)
	assert.Equal(t, events[1].Hash, ev.PrevHash)

	gaps, err := s.Gaps()
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, 3, gaps[0].Line)

	report, err := s.Verify(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, report.ToleratedGaps)
	assert.Equal(t, 3, report.Events)

	_, err = s.Verify(context.Background(), true)
	assert.ErrorIs(t, err, memerr.ErrChainBreak)

	got, err = s.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestAppend_AcceptsRecordMissingOnlyNewline(t *testing.T) {
	s := newTestStore(t)
	events := appendN(t, s, 1)

	// A complete record whose trailing newline never reached the disk.
	next, err := s.build(&events[0], Fields{Kind: "note", Status: StatusInfo, Summary: "lost newline"}, "id-1")
	require.NoError(t, err)
	raw, err := json.Marshal(next)
	require.NoError(t, err)
	require.NoError(t, appendBytes(s.layout.EventsFile(), raw))

	after, err := s.Append(context.Background(), Fields{Summary: "next"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), after.Seq)
	assert.Equal(t, next.Hash, after.PrevHash)

	gaps, err := s.Gaps()
	require.NoError(t, err)
	assert.Empty(t, gaps)
	_, err = s.Verify(context.Background(), true)
	assert.NoError(t, err)
}

func TestRead_RangeAndRestart(t *testing.T) {
	s := newTestStore(t)
	appendN(t, s, 5)

	seq := s.Read(context.Background(), Range{From: 1, To: 3})
	for pass := 0; pass < 2; pass++ {
		var got []int64
		for ev, err := range seq {
			require.NoError(t, err)
			got = append(got, ev.Seq)
		}
		assert.Equal(t, []int64{1, 2, 3}, got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var sawErr error
	for _, err := range s.Read(ctx, All) {
		if err != nil {
			sawErr = err
			break
		}
	}
	assert.True(t, errors.Is(sawErr, context.Canceled))
}

func TestRepair_RecoversFromStaging(t *testing.T) {
	s := newTestStore(t)
	appendN(t, s, 3)
	info, err := s.Backup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.ThroughSeq)

	later := appendN(t, s, 2)
	rewriteLine(t, s, 4, "tampered")

	report, err := s.Repair(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Changed)
	assert.Equal(t, int64(2), report.KeptThrough)
	assert.Equal(t, 2, report.Discarded)
	assert.Equal(t, 2, report.Recovered)
	assert.Equal(t, int64(4), report.TipSeq)
	assert.FileExists(t, report.BrokenPath)

	_, err = s.Verify(context.Background(), true)
	require.NoError(t, err)

	events, err := s.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Equal(t, later[0].Summary, events[3].Summary)
	assert.Equal(t, later[0].Hash, events[3].Hash, "verbatim content re-chains to the same hash")
}

func TestRepair_TruncatesWithoutRecoverySource(t *testing.T) {
	s := newTestStore(t, func(o *Options) { o.Staging = false })
	appendN(t, s, 3)
	_, err := s.Backup(context.Background())
	require.NoError(t, err)
	appendN(t, s, 2)

	const k = 3
	rewriteLine(t, s, k+1, "tampered")

	report, err := s.Repair(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Recovered)
	assert.LessOrEqual(t, report.TipSeq, int64(k-1))

	tip, err := s.Tip(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, tip.Seq, int64(k-1))
	_, err = s.Verify(context.Background(), true)
	assert.NoError(t, err)
}

func TestRepair_RestoresFromBackupWhenLiveIsWorse(t *testing.T) {
	s := newTestStore(t, func(o *Options) { o.Staging = false })
	appendN(t, s, 4)
	_, err := s.Backup(context.Background())
	require.NoError(t, err)
	rewriteLine(t, s, 2, "tampered")

	report, err := s.Repair(context.Background())
	require.NoError(t, err)
	assert.True(t, report.BackupUsed)
	assert.Equal(t, int64(3), report.KeptThrough)

	_, err = s.Verify(context.Background(), true)
	assert.NoError(t, err)
}

func TestRepair_ShorterBackupIsPrefix(t *testing.T) {
	s := newTestStore(t, func(o *Options) { o.Staging = false })
	appendN(t, s, 2)
	info, err := s.Backup(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), info.ThroughSeq)
	appendN(t, s, 3)
	rewriteLine(t, s, 5, "tampered")

	report, err := s.Repair(context.Background())
	require.NoError(t, err)
	assert.False(t, report.BackupUsed)
	assert.Equal(t, int64(1), report.BackupThroughSeq)
	assert.Equal(t, int64(3), report.KeptThrough)
	assert.Contains(t, report.Notes, "backup is a prefix of the live log; ignored")
	assert.NotContains(t, report.Notes, "backup diverges from the live log; ignored")
}

func TestRepair_CleansFlaggedGap(t *testing.T) {
	s := newTestStore(t)
	appendN(t, s, 2)
	require.NoError(t, appendBytes(s.layout.EventsFile(), []byte(`{"seq":2,`)))
	_, err := s.Append(context.Background(), Fields{Summary: "after gap"})
	require.NoError(t, err)

	report, err := s.Repair(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.KeptThrough)
	assert.Equal(t, 1, report.Recovered)
	assert.Equal(t, int64(2), report.TipSeq)

	_, err = s.Verify(context.Background(), true)
	require.NoError(t, err)
	gaps, err := s.Gaps()
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestRepair_NoopOnHealthyLog(t *testing.T) {
	s := newTestStore(t)
	appendN(t, s, 3)

	report, err := s.Repair(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Changed)
	assert.Equal(t, int64(2), report.KeptThrough)
	assert.Empty(t, report.BrokenPath)
}

func TestBackup_RefusesBrokenChain(t *testing.T) {
	s := newTestStore(t)
	appendN(t, s, 2)
	rewriteLine(t, s, 1, "tampered")

	_, err := s.Backup(context.Background())
	assert.ErrorIs(t, err, memerr.ErrChainBreak)
	_, found, err := s.LastBackup()
	require.NoError(t, err)
	assert.False(t, found)
}
