// Package secrets redacts credentials from event summaries before they
// are hashed into the log. Detection uses the gitleaks rule set.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding is one detected secret.
type Finding struct {
	RuleID   string
	Line     int // 1-based
	StartCol int // 0-based byte offset within the line
	EndCol   int
	Match    string
}

// Result is the outcome of scrubbing one string.
type Result struct {
	Content  string
	Findings []Finding
}

// Redacted reports whether anything was replaced.
func (r Result) Redacted() bool { return len(r.Findings) > 0 }

// RuleIDs returns the distinct rule ids that fired, sorted.
func (r Result) RuleIDs() []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range r.Findings {
		if !seen[f.RuleID] {
			seen[f.RuleID] = true
			out = append(out, f.RuleID)
		}
	}
	sort.Strings(out)
	return out
}

// Scrubber redacts secrets from text.
type Scrubber interface {
	Scrub(content string) Result
}

// Config selects allowlist sources.
type Config struct {
	Enabled     bool
	ProjectPath string
	UserPath    string
}

type detectFunc func(content string) []Finding

type scrubber struct {
	mu     sync.Mutex
	detect detectFunc
}

// New builds a gitleaks-backed scrubber. A disabled config returns Noop.
func New(cfg Config) (Scrubber, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	allowlist, err := LoadAllowlists(cfg.ProjectPath, cfg.UserPath)
	if err != nil {
		return nil, fmt.Errorf("loading allowlists: %w", err)
	}
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating detector: %w", err)
	}
	if len(allowlist.Regexes) > 0 {
		applyAllowlist(&detector.Config, allowlist)
	}

	return &scrubber{detect: func(content string) []Finding {
		found := detector.DetectString(content)
		out := make([]Finding, 0, len(found))
		for _, f := range found {
			out = append(out, Finding{
				RuleID:   f.RuleID,
				Line:     f.StartLine + 1,
				StartCol: f.StartColumn,
				EndCol:   f.EndColumn,
				Match:    f.Secret,
			})
		}
		return out
	}}, nil
}

func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) {
	global := &gitleaksConfig.Allowlist{Description: "ctxd allowlist"}
	for _, pattern := range allowlist.Regexes {
		// Validated in loadTOML.
		re := regexp.MustCompile(pattern)
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, allowlist.Regexes...)
	cfg.Allowlists = append(cfg.Allowlists, global)
}

// Scrub replaces each detected secret with [REDACTED:<rule>].
func (s *scrubber) Scrub(content string) Result {
	s.mu.Lock()
	findings := s.detect(content)
	s.mu.Unlock()

	if len(findings) == 0 {
		return Result{Content: content}
	}
	return Result{Content: replaceFindings(content, findings), Findings: findings}
}

// replaceFindings works from the last finding backwards so earlier
// offsets stay valid. Findings whose columns do not line up fall back to
// replacing the matched text.
func replaceFindings(content string, findings []Finding) string {
	sorted := make([]Finding, len(findings))
	copy(sorted, findings)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Line != sorted[j].Line {
			return sorted[i].Line > sorted[j].Line
		}
		return sorted[i].StartCol > sorted[j].StartCol
	})

	lines := strings.Split(content, "\n")
	for _, f := range sorted {
		marker := "[REDACTED:" + f.RuleID + "]"
		if f.Line >= 1 && f.Line <= len(lines) {
			line := lines[f.Line-1]
			if f.StartCol >= 0 && f.EndCol <= len(line) && f.StartCol < f.EndCol &&
				(f.Match == "" || strings.Contains(line[f.StartCol:f.EndCol], f.Match)) {
				lines[f.Line-1] = line[:f.StartCol] + marker + line[f.EndCol:]
				continue
			}
		}
		if f.Match != "" {
			for i := range lines {
				lines[i] = strings.ReplaceAll(lines[i], f.Match, marker)
			}
		}
	}
	return strings.Join(lines, "\n")
}

// Noop passes content through unchanged.
type Noop struct{}

func (Noop) Scrub(content string) Result { return Result{Content: content} }
