package eventstore

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zeebo/blake3"
)

// GenesisHash is the prevHash of the event at seq 0.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Statuses accepted by Append.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusPartial = "partial"
	StatusWarning = "warning"
	StatusInfo    = "info"
)

var validStatus = map[string]bool{
	StatusSuccess: true,
	StatusFailure: true,
	StatusPartial: true,
	StatusWarning: true,
	StatusInfo:    true,
}

// ErrInvalidEvent is returned when capture fields are rejected.
var ErrInvalidEvent = errors.New("invalid event")

// Event is one immutable, hash-chained log record.
type Event struct {
	Seq            int64     `json:"seq"`
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Kind           string    `json:"kind"`
	Status         string    `json:"status"`
	Summary        string    `json:"summary"`
	Path           string    `json:"path,omitempty"`
	Task           string    `json:"task,omitempty"`
	Paths          []string  `json:"paths,omitempty"`
	Commands       []string  `json:"commands,omitempty"`
	Refs           []string  `json:"refs,omitempty"`
	Source         string    `json:"source,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	PrevHash       string    `json:"prevHash"`
	Hash           string    `json:"hash"`
}

// Fields are the caller-supplied parts of an event.
type Fields struct {
	Kind           string
	Status         string
	Summary        string
	Path           string
	Task           string
	Paths          []string
	Commands       []string
	Refs           []string
	Source         string
	IdempotencyKey string
	// Timestamp defaults to the store clock.
	Timestamp time.Time
}

// FieldsOf returns the content of e as capture fields. Repair uses it to
// re-append recovered events verbatim.
func FieldsOf(e Event) Fields {
	return Fields{
		Kind:           e.Kind,
		Status:         e.Status,
		Summary:        e.Summary,
		Path:           e.Path,
		Task:           e.Task,
		Paths:          e.Paths,
		Commands:       e.Commands,
		Refs:           e.Refs,
		Source:         e.Source,
		IdempotencyKey: e.IdempotencyKey,
		Timestamp:      e.Timestamp,
	}
}

// AllPaths returns Path followed by Paths, without duplicates.
func (e Event) AllPaths() []string {
	var out []string
	seen := map[string]bool{}
	for _, p := range append([]string{e.Path}, e.Paths...) {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// canonical returns the hashed encoding: every field except hash, with
// sorted keys and no insignificant whitespace.
func (e Event) canonical() ([]byte, error) {
	return json.Marshal(map[string]any{
		"seq":            e.Seq,
		"id":             e.ID,
		"timestamp":      e.Timestamp.UTC().Format(time.RFC3339Nano),
		"kind":           e.Kind,
		"status":         e.Status,
		"summary":        e.Summary,
		"path":           e.Path,
		"task":           e.Task,
		"paths":          nonNil(e.Paths),
		"commands":       nonNil(e.Commands),
		"refs":           nonNil(e.Refs),
		"source":         e.Source,
		"idempotencyKey": e.IdempotencyKey,
		"prevHash":       e.PrevHash,
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ComputeHash returns the BLAKE3-256 hex digest of the canonical encoding.
func (e Event) ComputeHash() (string, error) {
	data, err := e.canonical()
	if err != nil {
		return "", fmt.Errorf("encoding event %d: %w", e.Seq, err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// normalize validates f and applies defaults. Summary bounding and
// scrubbing happen in the store.
func normalize(f Fields) (Fields, error) {
	f.Kind = strings.ToLower(strings.TrimSpace(f.Kind))
	if f.Kind == "" {
		f.Kind = "note"
	}
	f.Status = strings.ToLower(strings.TrimSpace(f.Status))
	if f.Status == "" {
		f.Status = StatusInfo
	}
	if !validStatus[f.Status] {
		return f, fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, f.Status)
	}
	f.Summary = strings.TrimSpace(f.Summary)
	if f.Summary == "" {
		return f, fmt.Errorf("%w: summary is required", ErrInvalidEvent)
	}
	f.Path = cleanPath(f.Path)
	f.Task = strings.TrimSpace(f.Task)
	f.Source = strings.TrimSpace(f.Source)
	f.IdempotencyKey = strings.TrimSpace(f.IdempotencyKey)

	var paths []string
	for _, p := range f.Paths {
		paths = append(paths, cleanPath(p))
	}
	f.Paths = dedupe(paths)
	f.Commands = dedupe(f.Commands)
	f.Refs = dedupe(f.Refs)
	return f, nil
}

func cleanPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return filepath.ToSlash(filepath.Clean(p))
}

func dedupe(in []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// boundSummary truncates s to at most max runes, marking the cut with an ellipsis.
func boundSummary(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}
