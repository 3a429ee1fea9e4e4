package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")
	// ErrInvalidTOML indicates an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)

// Allowlist holds content patterns that must never be redacted.
type Allowlist struct {
	Regexes []string
}

// LoadAllowlists merges <projectPath>/.gitleaks.toml and the user file.
// Missing files are skipped; malformed files are errors.
func LoadAllowlists(projectPath, userPath string) (*Allowlist, error) {
	merged := &Allowlist{}
	var paths []string
	if projectPath != "" {
		paths = append(paths, filepath.Join(projectPath, ".gitleaks.toml"))
	}
	if userPath != "" {
		paths = append(paths, userPath)
	}
	for _, p := range paths {
		al, err := loadTOML(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		merged.Regexes = append(merged.Regexes, al.Regexes...)
	}
	return merged, nil
}

func loadTOML(path string) (*Allowlist, error) {
	var doc struct {
		Allowlist struct {
			Regexes []string
		}
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	for _, pattern := range doc.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}
	return &Allowlist{Regexes: doc.Allowlist.Regexes}, nil
}
