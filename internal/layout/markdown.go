package layout

import (
	"encoding/hex"
	"os"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Artifact is a named memory note read from the memory root.
type Artifact struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Content string    `json:"-"`
	ModTime time.Time `json:"mod_time"`
	Hash    string    `json:"hash"`
}

// Exists reports whether the artifact had content on disk.
func (a Artifact) Exists() bool { return a.Hash != "" }

// ReadArtifact loads a note; a missing file yields an empty Artifact.
func ReadArtifact(name, path string) (Artifact, error) {
	a := Artifact{Name: name, Path: path}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return a, nil
		}
		return a, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return a, err
	}
	sum := blake3.Sum256(data)
	a.Content = string(data)
	a.ModTime = info.ModTime().UTC()
	a.Hash = hex.EncodeToString(sum[:])
	return a, nil
}

// Artifacts reads the conventional notes in a fixed order.
func (l Layout) Artifacts() ([]Artifact, error) {
	specs := []struct{ name, path string }{
		{ActiveTaskName, l.ActiveTask()},
		{DecisionsName, l.Decisions()},
		{ProjectMemoryName, l.ProjectMemory()},
	}
	out := make([]Artifact, 0, len(specs))
	for _, s := range specs {
		a, err := ReadArtifact(s.name, s.path)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Sections splits markdown by "## " headings. Keys are the heading text.
func Sections(md string) map[string]string {
	out := map[string]string{}
	var current string
	var body []string
	flush := func() {
		if current != "" {
			out[current] = strings.TrimSpace(strings.Join(body, "\n"))
		}
	}
	for _, line := range strings.Split(md, "\n") {
		if strings.HasPrefix(line, "## ") {
			flush()
			current = strings.TrimSpace(strings.TrimPrefix(line, "## "))
			body = body[:0]
			continue
		}
		if current != "" {
			body = append(body, line)
		}
	}
	flush()
	return out
}

// Bullets returns "- item" entries of a section, skipping placeholders.
func Bullets(section string) []string {
	var out []string
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		item := strings.TrimSpace(strings.TrimPrefix(line, "- "))
		item = strings.TrimPrefix(item, "[ ] ")
		item = strings.TrimPrefix(item, "[x] ")
		item = strings.Trim(item, "`")
		if item == "" || item == "..." || strings.HasSuffix(item, ":") {
			continue
		}
		out = append(out, item)
	}
	return out
}

// DecisionTitles returns the "### " entry titles of a decision log.
func DecisionTitles(md string) []string {
	var out []string
	for _, line := range strings.Split(md, "\n") {
		if strings.HasPrefix(line, "### ") {
			title := strings.TrimSpace(strings.TrimPrefix(line, "### "))
			if title != "" && !strings.Contains(title, "<Title>") {
				out = append(out, title)
			}
		}
	}
	return out
}
