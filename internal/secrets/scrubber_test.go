package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeScrubber(findings ...Finding) *scrubber {
	return &scrubber{detect: func(string) []Finding { return findings }}
}

func TestScrub_ReplacesByColumn(t *testing.T) {
	content := "deploy failed\nusing token ghp_abcdef in ci"
	s := fakeScrubber(Finding{RuleID: "github-pat", Line: 2, StartCol: 12, EndCol: 22, Match: "ghp_abcdef"})

	res := s.Scrub(content)
	assert.True(t, res.Redacted())
	assert.Equal(t, "deploy failed\nusing token [REDACTED:github-pat] in ci", res.Content)
	assert.Equal(t, []string{"github-pat"}, res.RuleIDs())
}

func TestScrub_FallsBackToMatchText(t *testing.T) {
	s := fakeScrubber(Finding{RuleID: "generic-api-key", Line: 9, StartCol: 0, EndCol: 3, Match: "s3cr3t-value"})

	res := s.Scrub("key=s3cr3t-value and again s3cr3t-value")
	assert.Equal(t, "key=[REDACTED:generic-api-key] and again [REDACTED:generic-api-key]", res.Content)
}

func TestScrub_MultipleOnOneLine(t *testing.T) {
	content := "a=AAAA b=BBBB"
	s := fakeScrubber(
		Finding{RuleID: "r1", Line: 1, StartCol: 2, EndCol: 6, Match: "AAAA"},
		Finding{RuleID: "r2", Line: 1, StartCol: 9, EndCol: 13, Match: "BBBB"},
	)
	assert.Equal(t, "a=[REDACTED:r1] b=[REDACTED:r2]", s.Scrub(content).Content)
}

func TestScrub_Clean(t *testing.T) {
	res := fakeScrubber().Scrub("refactored the planner")
	assert.False(t, res.Redacted())
	assert.Equal(t, "refactored the planner", res.Content)
}

func TestNew_DisabledIsNoop(t *testing.T) {
	s, err := New(Config{Enabled: false})
	require.NoError(t, err)
	assert.IsType(t, Noop{}, s)
	assert.Equal(t, "x", s.Scrub("x").Content)
}

func TestNew_GitleaksCleanContent(t *testing.T) {
	s, err := New(Config{Enabled: true})
	require.NoError(t, err)
	res := s.Scrub("ran go test ./internal/eventstore and it passed")
	assert.False(t, res.Redacted())
}

func TestLoadAllowlists(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitleaks.toml"),
		[]byte("[allowlist]\nregexes = ['''DEMO_KEY''']\n"), 0o644))
	user := filepath.Join(dir, "user.toml")
	require.NoError(t, os.WriteFile(user, []byte("[allowlist]\nregexes = ['''example\\.com''']\n"), 0o644))

	al, err := LoadAllowlists(dir, user)
	require.NoError(t, err)
	assert.Equal(t, []string{"DEMO_KEY", `example\.com`}, al.Regexes)

	al, err = LoadAllowlists(filepath.Join(dir, "missing"), "")
	require.NoError(t, err)
	assert.Empty(t, al.Regexes)

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[allowlist]\nregexes = ['''(''']\n"), 0o644))
	_, err = LoadAllowlists("", bad)
	assert.ErrorIs(t, err, ErrInvalidRegex)
}
