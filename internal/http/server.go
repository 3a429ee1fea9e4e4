// Package http serves health, status and Prometheus metrics for a
// long-running ctxd process such as `ctxd cycle watch`.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuity/internal/autocycle"
	"github.com/fyrsmithlabs/continuity/internal/services"
)

// Server provides HTTP endpoints for one memory root.
type Server struct {
	echo     *echo.Echo
	registry services.Registry
	logger   *zap.Logger
	config   *Config
	metrics  *serverMetrics

	mu       sync.Mutex
	lastTick *TickStatus
}

// Config holds HTTP server configuration.
type Config struct {
	Addr    string
	Version string
	// MeterProvider receives the server's instruments. Nil uses the
	// global provider.
	MeterProvider metric.MeterProvider
}

// NewServer creates a new HTTP server.
func NewServer(reg services.Registry, logger *zap.Logger, cfg *Config) (*Server, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Addr: "localhost:9464"}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	sm := newServerMetrics(cfg.MeterProvider, logger)
	e.Use(sm.middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		registry: reg,
		logger:   logger,
		config:   cfg,
		metrics:  sm,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(s.registry.Metrics().Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.POST("/scrub", s.handleScrub)
}

// RecordTick stores the outcome of a scheduler tick for /api/v1/status
// and counts it. Its signature matches the autocycle Run callback.
func (s *Server) RecordTick(res autocycle.TickResult, err error) {
	s.metrics.tick(context.Background(), res, err)
	ts := &TickStatus{
		Result:   res.Result,
		CommitID: res.CommitID,
		Coverage: res.Coverage,
		EvalPass: res.EvalPass,
		At:       res.At,
	}
	if err != nil {
		ts.Error = err.Error()
	}
	s.mu.Lock()
	s.lastTick = ts
	s.mu.Unlock()
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()
	resp := StatusResponse{
		Status:     "ok",
		Version:    s.config.Version,
		RepoID:     s.registry.Identity().ID,
		MemoryRoot: s.registry.Layout().Root,
	}

	report, err := s.registry.Events().Verify(ctx, false)
	resp.Chain = ChainStatus{
		OK:            report.OK,
		Events:        report.Events,
		TipSeq:        report.TipSeq,
		ToleratedGaps: len(report.ToleratedGaps),
	}
	if err != nil {
		resp.Status = "degraded"
		resp.Chain.BreakSeq = report.BreakSeq
		resp.Chain.Detail = err.Error()
	}

	if st, err := s.registry.Context().Status(ctx); err != nil {
		s.logger.Warn("context status unavailable", zap.Error(err))
		resp.Status = "degraded"
	} else {
		resp.Context = &st
	}

	s.mu.Lock()
	if s.lastTick != nil {
		tick := *s.lastTick
		resp.LastTick = &tick
	}
	s.mu.Unlock()

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleScrub(c echo.Context) error {
	var req ScrubRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid scrub request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content field is required")
	}

	result := s.registry.Scrubber().Scrub(req.Content)
	s.metrics.scrubbed(c.Request().Context(), result)
	s.logger.Debug("scrubbed content", zap.Int("findings", len(result.Findings)))

	return c.JSON(http.StatusOK, ScrubResponse{
		Content:       result.Content,
		FindingsCount: len(result.Findings),
		Rules:         result.RuleIDs(),
	})
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.config.Addr))
	if err := s.echo.Start(s.config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
