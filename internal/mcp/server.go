package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuity/internal/services"
)

// Server serves memory tools for one repository.
type Server struct {
	mcp      *mcp.Server
	registry services.Registry
	metrics  *Metrics
	logger   *zap.Logger
	source   string
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "ctxd")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// Source labels events captured through the server (default: "mcp").
	Source string

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "ctxd",
		Version: "dev",
		Source:  "mcp",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates a server over reg and registers its tools.
func NewServer(cfg *Config, reg services.Registry) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Source == "" {
		cfg.Source = "mcp"
	}
	if reg == nil || reg.Events() == nil {
		return nil, fmt.Errorf("memory registry is required")
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		registry: reg,
		metrics:  NewMetrics(cfg.Logger),
		logger:   cfg.Logger,
		source:   cfg.Source,
	}
	s.registerTools()
	return s, nil
}

// Run serves on the stdio transport until ctx is done or the client leaves.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport", zap.String("repo.id", s.registry.Identity().ID))
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
