package eventstore

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuity/internal/memerr"
)

// VerifyReport summarizes a chain walk.
type VerifyReport struct {
	OK      bool   `json:"ok"`
	Strict  bool   `json:"strict"`
	Events  int    `json:"events"`
	TipSeq  int64  `json:"tipSeq"`
	TipHash string `json:"tipHash"`
	// ToleratedGaps lists flagged lines skipped in non-strict mode.
	ToleratedGaps []int `json:"toleratedGaps,omitempty"`
	// BreakSeq is the first seq that failed, -1 when OK.
	BreakSeq int64  `json:"breakSeq"`
	Detail   string `json:"detail,omitempty"`
}

// checker walks lines and enforces the chain invariants.
type checker struct {
	strict   bool
	gaps     gapSet
	nextSeq  int64
	prevHash string
	report   VerifyReport
	// validEnd is the byte offset just past the last valid record.
	validEnd int64
	events   []Event
	keep     bool
}

func newChecker(strict bool, gaps gapSet, keep bool) *checker {
	return &checker{
		strict:   strict,
		gaps:     gaps,
		prevHash: GenesisHash,
		keep:     keep,
		report:   VerifyReport{OK: true, Strict: strict, TipSeq: -1, TipHash: GenesisHash, BreakSeq: -1},
	}
}

func (c *checker) fail(seq int64, detail string) bool {
	c.report.OK = false
	c.report.BreakSeq = seq
	c.report.Detail = detail
	return false
}

// visit returns false once the chain is broken.
func (c *checker) visit(l line) bool {
	if !l.terminated {
		if c.strict {
			return c.fail(c.nextSeq, fmt.Sprintf("line %d: unterminated record", l.no))
		}
		return true
	}
	if c.gaps.has(l.no) {
		if c.strict {
			return c.fail(c.nextSeq, fmt.Sprintf("line %d: flagged interrupted write", l.no))
		}
		c.report.ToleratedGaps = append(c.report.ToleratedGaps, l.no)
		return true
	}
	ev, err := decodeLine(l.data)
	if err != nil {
		return c.fail(c.nextSeq, fmt.Sprintf("line %d: %v", l.no, err))
	}
	if ev.Seq != c.nextSeq {
		return c.fail(c.nextSeq, fmt.Sprintf("line %d: seq %d, expected %d", l.no, ev.Seq, c.nextSeq))
	}
	if ev.PrevHash != c.prevHash {
		return c.fail(ev.Seq, fmt.Sprintf("line %d: prevHash does not match predecessor", l.no))
	}
	h, err := ev.ComputeHash()
	if err != nil {
		return c.fail(ev.Seq, err.Error())
	}
	if h != ev.Hash {
		return c.fail(ev.Seq, fmt.Sprintf("line %d: content hash mismatch", l.no))
	}

	c.nextSeq++
	c.prevHash = ev.Hash
	c.validEnd = l.end
	c.report.Events++
	c.report.TipSeq = ev.Seq
	c.report.TipHash = ev.Hash
	if c.keep {
		c.events = append(c.events, ev)
	}
	return true
}

func (c *checker) err(op string) error {
	if c.report.OK {
		return nil
	}
	return memerr.ChainBreak(op, c.report.BreakSeq, c.report.Detail)
}

// Verify recomputes every hash. Non-strict mode tolerates flagged gaps and
// an unterminated tail and takes no lease. Strict mode needs exclusive
// access and fails fast with LockUnavailable. A broken chain returns the
// report together with a ChainBreak error.
func (s *Store) Verify(ctx context.Context, strict bool) (VerifyReport, error) {
	ctx, span := s.tracer.Start(ctx, "eventstore.Verify")
	defer span.End()
	span.SetAttributes(attribute.Bool("verify.strict", strict))

	if strict {
		lease, err := s.exclusive(ctx, "eventstore.verify")
		if err != nil {
			span.RecordError(err)
			return VerifyReport{Strict: true, BreakSeq: -1}, err
		}
		defer lease.Release()
	}

	report, err := s.verifyLocked(ctx, strict)
	s.opts.Metrics.RecordVerify(strict, report.OK)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chain break")
		s.logger.Warn("event chain broken",
			zap.Bool("strict", strict), zap.Int64("seq", report.BreakSeq), zap.String("detail", report.Detail))
		return report, err
	}
	span.SetAttributes(attribute.Int("verify.events", report.Events))
	return report, nil
}

func (s *Store) verifyLocked(ctx context.Context, strict bool) (VerifyReport, error) {
	gaps, err := s.loadGaps()
	if err != nil {
		return VerifyReport{Strict: strict, BreakSeq: -1}, err
	}
	c := newChecker(strict, gaps, false)
	if err := walkFile(ctx, s.layout.EventsFile(), c.visit); err != nil {
		return c.report, err
	}
	return c.report, c.err("eventstore.verify")
}
