package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// RepoConfigName is the optional per-repository override file.
	RepoConfigName = ".ctxd.toml"

	envPrefix = "CTXD_"
)

// LoadOptions selects the files Load reads.
type LoadOptions struct {
	// ConfigPath is the user YAML file. Empty means ~/.config/ctxd/config.yaml.
	ConfigPath string
	// RepoRoot, when set, enables <RepoRoot>/.ctxd.toml overrides.
	RepoRoot string
}

// Load builds the configuration.
//
// Precedence (highest to lowest):
//  1. Environment variables (CTXD_EVENTS_LEASE_TIMEOUT, CTXD_EVAL_COVERAGE_THRESHOLD, ...)
//  2. Repo-local .ctxd.toml
//  3. User YAML config file
//  4. Defaults
//
// The user config file MUST have 0600 or 0400 permissions and both files
// are limited to 1MB.
func Load(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")

	configPath := opts.ConfigPath
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "ctxd", "config.yaml")
	}

	content, err := readConfigFile(configPath, true)
	if err != nil {
		return nil, err
	}
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if opts.RepoRoot != "" {
		repoPath := filepath.Join(opts.RepoRoot, RepoConfigName)
		content, err := readConfigFile(repoPath, false)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), TOMLParser()); err != nil {
				return nil, fmt.Errorf("failed to load repo config %s: %w", repoPath, err)
			}
		}
	}

	// CTXD_SECTION_FIELD_NAME -> section.field_name
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps an environment variable to a koanf key by splitting on the
// first underscore after the prefix.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// readConfigFile returns nil content when the file does not exist.
func readConfigFile(path string, strictPerms bool) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	// Validate the already-opened descriptor to avoid a TOCTOU race.
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info, strictPerms); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo, strictPerms bool) error {
	if strictPerms && runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// tomlParser adapts BurntSushi/toml to the koanf.Parser interface.
type tomlParser struct{}

// TOMLParser returns a koanf parser for TOML documents.
func TOMLParser() koanf.Parser {
	return tomlParser{}
}

func (tomlParser) Unmarshal(b []byte) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if _, err := toml.Decode(string(b), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (tomlParser) Marshal(o map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(o); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EnsureConfigDir creates the ctxd config directory with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	configDir := filepath.Join(home, ".config", "ctxd")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}
