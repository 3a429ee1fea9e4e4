// Package telemetry provides OpenTelemetry tracing and metrics for ctxd.
// Telemetry is off by default; when enabled it exports over OTLP and
// degrades to no-op providers rather than failing a command.
package telemetry

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/continuity/internal/config"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled         bool
	Endpoint        string
	Protocol        string // "grpc" or "http/protobuf"
	Insecure        bool
	ServiceName     string
	ServiceVersion  string
	SampleRate      float64
	MetricsInterval time.Duration
	ShutdownTimeout time.Duration
}

// NewDefaultConfig returns disabled telemetry with local collector defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:         false,
		Endpoint:        "localhost:4317",
		Protocol:        "grpc",
		Insecure:        true,
		ServiceName:     "ctxd",
		ServiceVersion:  "dev",
		SampleRate:      1.0,
		MetricsInterval: 15 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// FromConfig maps operator settings onto a telemetry Config.
func FromConfig(tc config.TelemetryConfig, version string) *Config {
	cfg := NewDefaultConfig()
	cfg.Enabled = tc.Enabled
	if tc.Endpoint != "" {
		cfg.Endpoint = tc.Endpoint
	}
	if tc.Protocol != "" {
		cfg.Protocol = tc.Protocol
	}
	cfg.Insecure = tc.Insecure
	cfg.SampleRate = tc.SampleRate
	if tc.ServiceName != "" {
		cfg.ServiceName = tc.ServiceName
	}
	if version != "" {
		cfg.ServiceVersion = version
	}
	return cfg
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required when telemetry is enabled")
	}
	if c.Protocol != "grpc" && c.Protocol != "http/protobuf" {
		return fmt.Errorf("protocol must be grpc or http/protobuf, got %q", c.Protocol)
	}
	if c.Insecure && !isLocalEndpoint(c.Endpoint) {
		return fmt.Errorf("insecure connections to remote endpoints are not allowed")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample_rate must be between 0 and 1, got %f", c.SampleRate)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

func isLocalEndpoint(endpoint string) bool {
	host := stripScheme(endpoint)
	if strings.HasPrefix(host, "[") {
		if idx := strings.Index(host, "]"); idx != -1 {
			host = host[1:idx]
		}
	} else if strings.Count(host, ":") == 1 {
		host = host[:strings.LastIndex(host, ":")]
	}
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}

func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}
