// Package config provides configuration loading for ctxd.
//
// Every tunable policy point of the memory engine lives here: lease
// bounds, recency half-lives, relevance weights, eval thresholds and
// scheduler gates. Values come from defaults, then the user YAML file,
// then a repo-local .ctxd.toml, then CTXD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds the complete ctxd configuration.
type Config struct {
	Memory    MemoryConfig    `koanf:"memory"`
	Events    EventsConfig    `koanf:"events"`
	Typed     TypedConfig     `koanf:"typed"`
	Rehydrate RehydrateConfig `koanf:"rehydrate"`
	Eval      EvalConfig      `koanf:"eval"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Session   SessionConfig   `koanf:"session"`
	Secrets   SecretsConfig   `koanf:"secrets"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

// MemoryConfig locates the per-repository memory roots.
type MemoryConfig struct {
	// Home is the directory holding one memory root per repository id.
	Home string `koanf:"home"`
}

// EventsConfig controls the event log writer.
type EventsConfig struct {
	LeaseTimeout   Duration `koanf:"lease_timeout"`
	LeaseBackoff   Duration `koanf:"lease_backoff"`
	MaxRetries     int      `koanf:"max_retries"`
	ExclusiveWait  Duration `koanf:"exclusive_wait"`
	MaxSummaryLen  int      `koanf:"max_summary_len"`
	DedupeWindow   int      `koanf:"dedupe_window"`
	StagingEnabled bool     `koanf:"staging_enabled"`
}

// TypedConfig controls typed-memory derivation.
type TypedConfig struct {
	HalfLife     Duration `koanf:"half_life"`
	MaxValueLen  int      `koanf:"max_value_len"`
	MaxPerType   int      `koanf:"max_per_type"`
	MarkdownView bool     `koanf:"markdown_view"`
}

// RehydrateConfig controls candidate scoring and selection.
type RehydrateConfig struct {
	DefaultBudget  int                `koanf:"default_budget"`
	MaxEvents      int                `koanf:"max_events"`
	HalfLife       Duration           `koanf:"half_life"`
	RelevanceFloor float64            `koanf:"relevance_floor"`
	TypeWeights    map[string]float64 `koanf:"type_weights"`
	// approx, words, tiktoken or tiktoken:<encoding>
	Tokenizer string `koanf:"tokenizer"`
}

// EvalConfig holds pass/fail thresholds.
type EvalConfig struct {
	CoverageThreshold   float64  `koanf:"coverage_threshold"`
	MaxTokenUtilization float64  `koanf:"max_token_utilization"`
	RequiredTypes       []string `koanf:"required_types"`
	RiskWindow          int      `koanf:"risk_window"`
}

// SchedulerConfig controls the auto-cycle loop.
type SchedulerConfig struct {
	Interval           Duration `koanf:"interval"`
	SnapshotMinSeconds int      `koanf:"snapshot_min_seconds"`
	BudgetTokens       int      `koanf:"budget_tokens"`
	Query              string   `koanf:"query"`
	TickTimeout        Duration `koanf:"tick_timeout"`
	WatchEvents        bool     `koanf:"watch_events"`
	TriggerBurst       int      `koanf:"trigger_burst"`
}

// SessionConfig controls workspace allocation for concurrent sessions.
type SessionConfig struct {
	Allocator     string   `koanf:"allocator"`
	WorktreesRoot string   `koanf:"worktrees_root"`
	BranchPrefix  string   `koanf:"branch_prefix"`
	BaseRef       string   `koanf:"base_ref"`
	StaleAfter    Duration `koanf:"stale_after"`
}

// SecretsConfig controls scrubbing of event summaries.
type SecretsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	UserAllowlist string `koanf:"user_allowlist"`
}

// LoggingConfig is the subset of logging settings exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig is the subset of telemetry settings exposed to operators.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
	ServiceName string  `koanf:"service_name"`
}

// MetricsConfig controls the Prometheus endpoint used in watch mode.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// Default returns configuration with production-ready defaults.
func Default() *Config {
	return &Config{
		Memory: MemoryConfig{
			Home: defaultMemoryHome(),
		},
		Events: EventsConfig{
			LeaseTimeout:   Duration(5 * time.Second),
			LeaseBackoff:   Duration(10 * time.Millisecond),
			MaxRetries:     3,
			ExclusiveWait:  Duration(250 * time.Millisecond),
			MaxSummaryLen:  4000,
			DedupeWindow:   256,
			StagingEnabled: true,
		},
		Typed: TypedConfig{
			HalfLife:     Duration(72 * time.Hour),
			MaxValueLen:  200,
			MaxPerType:   50,
			MarkdownView: true,
		},
		Rehydrate: RehydrateConfig{
			DefaultBudget:  1200,
			MaxEvents:      40,
			HalfLife:       Duration(24 * time.Hour),
			RelevanceFloor: 0.2,
			TypeWeights: map[string]float64{
				"task-note":       3.0,
				"decision-log":    1.6,
				"project-memory":  1.2,
				"snapshot":        1.0,
				"signal-decision": 1.8,
				"signal-risk":     1.7,
				"signal-task":     1.4,
				"signal-path":     1.1,
				"event":           1.0,
			},
			Tokenizer: "approx",
		},
		Eval: EvalConfig{
			CoverageThreshold:   0.75,
			MaxTokenUtilization: 1.0,
			RequiredTypes:       []string{"task", "decision", "risk", "path"},
			RiskWindow:          25,
		},
		Scheduler: SchedulerConfig{
			Interval:           Duration(120 * time.Second),
			SnapshotMinSeconds: 1800,
			BudgetTokens:       1200,
			TickTimeout:        Duration(60 * time.Second),
			WatchEvents:        true,
			TriggerBurst:       1,
		},
		Session: SessionConfig{
			Allocator:    "dir",
			BranchPrefix: "ctxd/session",
			BaseRef:      "HEAD",
			StaleAfter:   Duration(7 * 24 * time.Hour),
		},
		Secrets: SecretsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			SampleRate:  1.0,
			ServiceName: "ctxd",
		},
	}
}

// MinInterval is the lowest accepted scheduler poll interval.
const MinInterval = 5 * time.Second

// Validate checks config for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Memory.Home == "" {
		errs = append(errs, errors.New("memory.home is required"))
	}
	if c.Events.LeaseTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("events.lease_timeout must be positive"))
	}
	if c.Events.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("events.max_retries must be >= 0, got %d", c.Events.MaxRetries))
	}
	if c.Events.MaxSummaryLen <= 0 {
		errs = append(errs, errors.New("events.max_summary_len must be positive"))
	}
	if c.Typed.HalfLife.Duration() <= 0 {
		errs = append(errs, errors.New("typed.half_life must be positive"))
	}
	if c.Rehydrate.HalfLife.Duration() <= 0 {
		errs = append(errs, errors.New("rehydrate.half_life must be positive"))
	}
	if c.Rehydrate.DefaultBudget <= 0 {
		errs = append(errs, errors.New("rehydrate.default_budget must be positive"))
	}
	if c.Rehydrate.RelevanceFloor < 0 || c.Rehydrate.RelevanceFloor > 1 {
		errs = append(errs, fmt.Errorf("rehydrate.relevance_floor must be in [0,1], got %v", c.Rehydrate.RelevanceFloor))
	}
	for name, w := range c.Rehydrate.TypeWeights {
		if w < 0 {
			errs = append(errs, fmt.Errorf("rehydrate.type_weights.%s must be >= 0", name))
		}
	}
	if c.Eval.CoverageThreshold < 0 || c.Eval.CoverageThreshold > 1 {
		errs = append(errs, fmt.Errorf("eval.coverage_threshold must be in [0,1], got %v", c.Eval.CoverageThreshold))
	}
	if c.Eval.MaxTokenUtilization <= 0 {
		errs = append(errs, errors.New("eval.max_token_utilization must be positive"))
	}
	if c.Scheduler.Interval.Duration() < MinInterval {
		errs = append(errs, fmt.Errorf("scheduler.interval must be >= %s", MinInterval))
	}
	if c.Scheduler.SnapshotMinSeconds < 0 {
		errs = append(errs, errors.New("scheduler.snapshot_min_seconds must be >= 0"))
	}
	if c.Scheduler.TickTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("scheduler.tick_timeout must be positive"))
	}
	switch c.Session.Allocator {
	case "dir", "git":
	default:
		errs = append(errs, fmt.Errorf("session.allocator must be 'dir' or 'git', got %q", c.Session.Allocator))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// defaultMemoryHome prefers $CTXD_HOME, then $CODEX_HOME, then ~/.config/ctxd.
func defaultMemoryHome() string {
	if home := os.Getenv("CTXD_HOME"); home != "" {
		return filepath.Join(home, "memory")
	}
	if codex := os.Getenv("CODEX_HOME"); codex != "" {
		return filepath.Join(codex, "memory", "context-continuity")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "ctxd", "memory")
	}
	return filepath.Join(home, ".config", "ctxd", "memory")
}
