// Package metrics exposes Prometheus collectors for the memory engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
//
// Metrics:
//   - ctxd_events_appended_total{source} - events written to the log
//   - ctxd_append_conflicts_total - appends that gave up on the lease
//   - ctxd_append_duration_seconds - append latency including lease wait
//   - ctxd_verify_total{mode,result} - chain verifications
//   - ctxd_repairs_total - repairs that rewrote the log
//   - ctxd_rehydrate_tokens - tokens used by the latest package
//   - ctxd_eval_coverage - coverage of the latest evaluation
//   - ctxd_cycle_ticks_total{result} - scheduler ticks
//   - ctxd_cycle_commits_total - snapshot commits made by the scheduler
type Metrics struct {
	registry *prometheus.Registry

	EventsAppended  *prometheus.CounterVec
	AppendConflicts prometheus.Counter
	AppendDuration  prometheus.Histogram
	Verifications   *prometheus.CounterVec
	Repairs         prometheus.Counter
	RehydrateTokens prometheus.Gauge
	EvalCoverage    prometheus.Gauge
	CycleTicks      *prometheus.CounterVec
	CycleCommits    prometheus.Counter
}

// New registers all collectors on a private registry so that several
// engines in one process (tests, MCP) never collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ctxd_events_appended_total",
			Help: "Total number of events appended to the log",
		}, []string{"source"}),
		AppendConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "ctxd_append_conflicts_total",
			Help: "Total number of appends that failed to acquire the lease",
		}),
		AppendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "ctxd_append_duration_seconds",
			Help:    "Duration of event appends in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}),
		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ctxd_verify_total",
			Help: "Total number of chain verifications",
		}, []string{"mode", "result"}),
		Repairs: f.NewCounter(prometheus.CounterOpts{
			Name: "ctxd_repairs_total",
			Help: "Total number of repairs that rewrote the log",
		}),
		RehydrateTokens: f.NewGauge(prometheus.GaugeOpts{
			Name: "ctxd_rehydrate_tokens",
			Help: "Tokens used by the most recent rehydrated package",
		}),
		EvalCoverage: f.NewGauge(prometheus.GaugeOpts{
			Name: "ctxd_eval_coverage",
			Help: "Signal type coverage of the most recent evaluation",
		}),
		CycleTicks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ctxd_cycle_ticks_total",
			Help: "Total number of auto-cycle ticks",
		}, []string{"result"}),
		CycleCommits: f.NewCounter(prometheus.CounterOpts{
			Name: "ctxd_cycle_commits_total",
			Help: "Total number of snapshot commits made by auto-cycle",
		}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordAppend records one append attempt.
func (m *Metrics) RecordAppend(source string, d time.Duration, conflict bool) {
	if m == nil {
		return
	}
	m.AppendDuration.Observe(d.Seconds())
	if conflict {
		m.AppendConflicts.Inc()
		return
	}
	if source == "" {
		source = "unknown"
	}
	m.EventsAppended.WithLabelValues(source).Inc()
}

// RecordVerify records a verification outcome.
func (m *Metrics) RecordVerify(strict, ok bool) {
	if m == nil {
		return
	}
	mode := "lenient"
	if strict {
		mode = "strict"
	}
	result := "ok"
	if !ok {
		result = "broken"
	}
	m.Verifications.WithLabelValues(mode, result).Inc()
}

// RecordRepair counts a repair that changed the log.
func (m *Metrics) RecordRepair() {
	if m == nil {
		return
	}
	m.Repairs.Inc()
}

// RecordRehydrate records the latest package size and coverage.
func (m *Metrics) RecordRehydrate(tokens int, coverage float64) {
	if m == nil {
		return
	}
	m.RehydrateTokens.Set(float64(tokens))
	m.EvalCoverage.Set(coverage)
}

// RecordTick records a scheduler tick. result is "committed", "unchanged",
// "throttled" or "error".
func (m *Metrics) RecordTick(result string) {
	if m == nil {
		return
	}
	m.CycleTicks.WithLabelValues(result).Inc()
	if result == "committed" {
		m.CycleCommits.Inc()
	}
}
