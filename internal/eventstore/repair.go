package eventstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuity/internal/fslock"
	"github.com/fyrsmithlabs/continuity/internal/memerr"
)

// BackupInfo describes events/backup/events.jsonl.
type BackupInfo struct {
	ThroughSeq int64     `json:"throughSeq"`
	TipHash    string    `json:"tipHash"`
	TakenAt    time.Time `json:"takenAt"`
	Events     int       `json:"events"`
}

// Backup strictly verifies the log under the exclusive lease and copies it
// to the backup directory. Staged events at or before the backup point
// are dropped from the staging buffer.
func (s *Store) Backup(ctx context.Context) (BackupInfo, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.Backup")
	defer span.End()

	lease, err := s.exclusive(ctx, "eventstore.backup")
	if err != nil {
		return BackupInfo{}, err
	}
	defer lease.Release()

	report, err := s.verifyLocked(ctx, true)
	if err != nil {
		return BackupInfo{}, err
	}
	data, err := readOptional(s.layout.EventsFile())
	if err != nil {
		return BackupInfo{}, fmt.Errorf("failed to read event log: %w", err)
	}
	if err := fslock.WriteFile(s.layout.BackupFile(), data, 0o644); err != nil {
		return BackupInfo{}, fmt.Errorf("failed to write backup: %w", err)
	}
	info := BackupInfo{
		ThroughSeq: report.TipSeq,
		TipHash:    report.TipHash,
		TakenAt:    s.opts.Now().UTC(),
		Events:     report.Events,
	}
	if err := fslock.WriteJSON(s.layout.BackupMeta(), info); err != nil {
		return BackupInfo{}, err
	}
	if err := s.trimStaging(ctx, info.ThroughSeq); err != nil {
		return BackupInfo{}, err
	}
	span.SetAttributes(attribute.Int64("backup.through_seq", info.ThroughSeq))
	s.logger.Info("event log backed up", zap.Int64("through_seq", info.ThroughSeq), zap.Int("events", info.Events))
	return info, nil
}

// LastBackup returns the metadata of the current backup, if any.
func (s *Store) LastBackup() (BackupInfo, bool, error) {
	var info BackupInfo
	found, err := fslock.ReadJSON(s.layout.BackupMeta(), &info)
	return info, found, err
}

func (s *Store) trimStaging(ctx context.Context, throughSeq int64) error {
	staged, err := s.readStaging(ctx)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, ev := range staged {
		if ev.Seq <= throughSeq {
			continue
		}
		if err := writeLine(&buf, ev); err != nil {
			return err
		}
	}
	return fslock.WriteFile(s.layout.StagingFile(), buf.Bytes(), 0o644)
}

// readStaging returns staged events whose own hash is intact.
func (s *Store) readStaging(ctx context.Context) ([]Event, error) {
	var out []Event
	err := walkFile(ctx, s.layout.StagingFile(), func(l line) bool {
		if !l.terminated {
			return true
		}
		ev, err := decodeLine(l.data)
		if err != nil {
			return true
		}
		if h, err := ev.ComputeHash(); err != nil || h != ev.Hash {
			return true
		}
		out = append(out, ev)
		return true
	})
	return out, err
}

// RepairReport describes what Repair did.
type RepairReport struct {
	// Changed is false when the log already verified strictly.
	Changed bool `json:"changed"`
	// KeptThrough is the last seq of the repaired log before recovery, -1 if none.
	KeptThrough int64 `json:"keptThrough"`
	// Discarded counts live records after the last valid event.
	Discarded int `json:"discarded"`
	// Recovered counts events re-appended from the staging buffer.
	Recovered    int      `json:"recovered"`
	RecoveredIDs []string `json:"recoveredIds,omitempty"`
	BackupUsed   bool     `json:"backupUsed"`
	// BackupThroughSeq is -1 when no usable backup exists.
	BackupThroughSeq int64    `json:"backupThroughSeq"`
	BrokenPath       string   `json:"brokenPath,omitempty"`
	TipSeq           int64    `json:"tipSeq"`
	Notes            []string `json:"notes,omitempty"`
}

// Repair truncates the live log after its last valid event, extends it
// from the backup when the backup agrees and reaches further, and
// re-appends staged events past that point verbatim. The damaged log is
// kept as events.jsonl.broken-<ts>. Requires exclusive access.
func (s *Store) Repair(ctx context.Context) (RepairReport, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.Repair")
	defer span.End()

	lease, err := s.exclusive(ctx, "eventstore.repair")
	if err != nil {
		return RepairReport{}, err
	}
	defer lease.Release()

	report := RepairReport{KeptThrough: -1, BackupThroughSeq: -1, TipSeq: -1}

	live, err := readOptional(s.layout.EventsFile())
	if err != nil {
		return report, fmt.Errorf("failed to read event log: %w", err)
	}
	gaps, err := s.loadGaps()
	if err != nil {
		return report, err
	}

	liveCheck := newChecker(true, gaps, true)
	totalLines := 0
	if err := walkReader(ctx, bytes.NewReader(live), func(l line) bool {
		totalLines = l.no
		if liveCheck.report.OK {
			liveCheck.visit(l)
		}
		return true
	}); err != nil {
		return report, err
	}
	if liveCheck.report.OK {
		report.KeptThrough = liveCheck.report.TipSeq
		report.TipSeq = liveCheck.report.TipSeq
		return report, nil
	}
	report.Changed = true
	report.Discarded = totalLines - liveCheck.report.Events

	base := live[:liveCheck.validEnd]
	baseEvents := liveCheck.events
	report.KeptThrough = liveCheck.report.TipSeq

	backupEvents, backupData, note, err := s.loadBackup(ctx)
	if err != nil {
		return report, err
	}
	if note != "" {
		report.Notes = append(report.Notes, note)
	}
	if backupEvents != nil {
		report.BackupThroughSeq = int64(len(backupEvents)) - 1
		k := report.KeptThrough
		// A shorter backup agrees when its own tip matches the live log.
		agrees := true
		if at := min(k, report.BackupThroughSeq); at >= 0 {
			agrees = backupEvents[at].Hash == baseEvents[at].Hash
		}
		switch {
		case !agrees:
			report.Notes = append(report.Notes, "backup diverges from the live log; ignored")
		case report.BackupThroughSeq < k:
			report.Notes = append(report.Notes, "backup is a prefix of the live log; ignored")
		case report.BackupThroughSeq > k:
			base = backupData
			baseEvents = backupEvents
			report.KeptThrough = report.BackupThroughSeq
			report.BackupUsed = true
		}
	}

	staged, err := s.readStaging(ctx)
	if err != nil {
		return report, err
	}
	known := make(map[string]bool, len(baseEvents))
	for _, ev := range baseEvents {
		known[ev.ID] = true
	}
	out := bytes.NewBuffer(append([]byte(nil), base...))
	var tip *Event
	if n := len(baseEvents); n > 0 {
		tip = &baseEvents[n-1]
	}
	var chained []Event
	for _, ev := range staged {
		if ev.Seq <= report.KeptThrough || known[ev.ID] {
			continue
		}
		next, err := s.build(tip, FieldsOf(ev), ev.ID)
		if err != nil {
			return report, err
		}
		if err := writeLine(out, next); err != nil {
			return report, err
		}
		known[ev.ID] = true
		chained = append(chained, next)
		tip = &chained[len(chained)-1]
		report.RecoveredIDs = append(report.RecoveredIDs, ev.ID)
	}
	report.Recovered = len(chained)
	report.TipSeq = -1
	if tip != nil {
		report.TipSeq = tip.Seq
	}

	report.BrokenPath = fmt.Sprintf("%s.broken-%s", s.layout.EventsFile(), s.opts.Now().UTC().Format("20060102T150405Z"))
	if err := fslock.WriteFile(report.BrokenPath, live, 0o644); err != nil {
		return report, fmt.Errorf("failed to preserve damaged log: %w", err)
	}
	if err := fslock.WriteFile(s.layout.EventsFile(), out.Bytes(), 0o644); err != nil {
		return report, fmt.Errorf("failed to write repaired log: %w", err)
	}
	if err := s.saveGaps(gapSet{}); err != nil {
		return report, err
	}
	// Keep everything past the last backup staged so a later repair can
	// still recover it.
	backupThrough := int64(-1)
	if info, found, err := s.LastBackup(); err == nil && found {
		backupThrough = info.ThroughSeq
	}
	var staging bytes.Buffer
	for _, ev := range append(append([]Event(nil), baseEvents...), chained...) {
		if ev.Seq <= backupThrough {
			continue
		}
		if err := writeLine(&staging, ev); err != nil {
			return report, err
		}
	}
	if err := fslock.WriteFile(s.layout.StagingFile(), staging.Bytes(), 0o644); err != nil {
		return report, err
	}

	s.opts.Metrics.RecordRepair()
	span.SetAttributes(
		attribute.Int64("repair.kept_through", report.KeptThrough),
		attribute.Int("repair.discarded", report.Discarded),
		attribute.Int("repair.recovered", report.Recovered),
	)
	s.logger.Warn("event log repaired",
		zap.Int64("kept_through", report.KeptThrough),
		zap.Int("discarded", report.Discarded),
		zap.Int("recovered", report.Recovered),
		zap.Bool("backup_used", report.BackupUsed),
		zap.String("broken_path", report.BrokenPath))
	return report, nil
}

// loadBackup returns the backup events when the backup verifies strictly.
// A missing backup returns nil events; an invalid one returns a note.
func (s *Store) loadBackup(ctx context.Context) ([]Event, []byte, string, error) {
	data, err := readOptional(s.layout.BackupFile())
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to read backup: %w", err)
	}
	if data == nil {
		return nil, nil, "no backup available", nil
	}
	c := newChecker(true, gapSet{}, true)
	if err := walkReader(ctx, bytes.NewReader(data), c.visit); err != nil {
		return nil, nil, "", err
	}
	if err := c.err("eventstore.repair"); err != nil {
		return nil, nil, "backup failed verification: " + err.Error(), nil
	}
	if c.events == nil {
		return nil, nil, "backup is empty", nil
	}
	return c.events, data, "", nil
}

func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

func writeLine(buf *bytes.Buffer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event %d: %w", ev.Seq, err)
	}
	buf.Write(data)
	buf.WriteByte('\n')
	return nil
}

// IsChainBreak reports whether err is an integrity failure.
func IsChainBreak(err error) bool {
	return memerr.KindOf(err) == memerr.KindChainBreak
}
