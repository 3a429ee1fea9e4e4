package http

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuity/internal/autocycle"
	"github.com/fyrsmithlabs/continuity/internal/secrets"
)

const instrumentationName = "github.com/fyrsmithlabs/continuity/internal/http"

// routes names every endpoint the status server registers. Anything else
// is counted as "unmatched".
var routes = map[string]string{
	"/health":        "health",
	"/metrics":       "metrics",
	"/api/v1/status": "status",
	"/api/v1/scrub":  "scrub",
}

// serverMetrics instruments the status server: requests per route, the
// scheduler ticks reported through RecordTick and scrub findings per rule.
type serverMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	ticks    metric.Int64Counter
	findings metric.Int64Counter
}

func newServerMetrics(mp metric.MeterProvider, logger *zap.Logger) *serverMetrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	m := &serverMetrics{}

	var err error
	if m.requests, err = meter.Int64Counter("ctxd.status.requests",
		metric.WithDescription("Status server requests by route and status class"),
		metric.WithUnit("{request}"),
	); err != nil {
		logger.Warn("failed to create request counter", zap.Error(err))
		m.requests = noop.Int64Counter{}
	}
	if m.latency, err = meter.Float64Histogram("ctxd.status.request_duration_seconds",
		metric.WithDescription("Status server request latency by route"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	); err != nil {
		logger.Warn("failed to create latency histogram", zap.Error(err))
		m.latency = noop.Float64Histogram{}
	}
	if m.ticks, err = meter.Int64Counter("ctxd.watch.ticks",
		metric.WithDescription("Scheduler ticks by result"),
		metric.WithUnit("{tick}"),
	); err != nil {
		logger.Warn("failed to create tick counter", zap.Error(err))
		m.ticks = noop.Int64Counter{}
	}
	if m.findings, err = meter.Int64Counter("ctxd.scrub.findings",
		metric.WithDescription("Secrets redacted by POST /api/v1/scrub, by rule"),
		metric.WithUnit("{finding}"),
	); err != nil {
		logger.Warn("failed to create findings counter", zap.Error(err))
		m.findings = noop.Int64Counter{}
	}
	return m
}

// middleware counts each request under its route name. Handler errors are
// rendered here so the recorded status is the one the client sees.
func (m *serverMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}
			route := routeName(c.Path())
			ctx := c.Request().Context()
			m.requests.Add(ctx, 1, metric.WithAttributes(
				attribute.String("route", route),
				attribute.String("class", statusClass(c.Response().Status)),
			))
			m.latency.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("route", route)))
			return nil
		}
	}
}

func (m *serverMetrics) tick(ctx context.Context, res autocycle.TickResult, err error) {
	result := res.Result
	if err != nil {
		result = autocycle.ResultError
	}
	m.ticks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
		attribute.Bool("eval_pass", err == nil && res.EvalPass),
	))
}

func (m *serverMetrics) scrubbed(ctx context.Context, res secrets.Result) {
	perRule := map[string]int64{}
	for _, f := range res.Findings {
		perRule[f.RuleID]++
	}
	for rule, n := range perRule {
		m.findings.Add(ctx, n, metric.WithAttributes(attribute.String("rule", rule)))
	}
}

func routeName(path string) string {
	if name, ok := routes[path]; ok {
		return name
	}
	return "unmatched"
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return fmt.Sprintf("%dxx", code/100)
}
