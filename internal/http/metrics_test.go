package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuity/internal/autocycle"
	"github.com/fyrsmithlabs/continuity/internal/secrets"
)

func meteredServer(t *testing.T) (*Server, *sdkmetric.ManualReader) {
	t.Helper()
	_, reg := setupTestServer(t)
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	server, err := NewServer(reg, zap.NewNop(), &Config{Addr: "127.0.0.1:0", MeterProvider: mp})
	require.NoError(t, err)
	return server, reader
}

// counts sums an int64 counter, keyed by the values of keys joined with "/".
func counts(t *testing.T, reader *sdkmetric.ManualReader, name string, keys ...string) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is an int64 sum", name)
			for _, dp := range sum.DataPoints {
				var parts []string
				for _, k := range keys {
					v, _ := dp.Attributes.Value(attribute.Key(k))
					parts = append(parts, v.Emit())
				}
				out[strings.Join(parts, "/")] += dp.Value
			}
		}
	}
	return out
}

func serve(server *Server, method, target, body string) int {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)
	return rec.Code
}

func TestServerMetrics_RequestsByRoute(t *testing.T) {
	server, reader := meteredServer(t)

	assert.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/health", ""))
	assert.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/api/v1/status", ""))
	assert.Equal(t, http.StatusOK, serve(server, http.MethodPost, "/api/v1/scrub", `{"content":"go test"}`))
	assert.Equal(t, http.StatusBadRequest, serve(server, http.MethodPost, "/api/v1/scrub", `{"content":""}`))
	assert.Equal(t, http.StatusNotFound, serve(server, http.MethodGet, "/api/v1/events/7", ""))

	got := counts(t, reader, "ctxd.status.requests", "route", "class")
	assert.Equal(t, map[string]int64{
		"health/2xx":    1,
		"status/2xx":    1,
		"scrub/2xx":     1,
		"scrub/4xx":     1,
		"unmatched/4xx": 1,
	}, got)
}

func TestServerMetrics_Ticks(t *testing.T) {
	server, reader := meteredServer(t)

	server.RecordTick(autocycle.TickResult{Result: autocycle.ResultCommitted, EvalPass: true}, nil)
	server.RecordTick(autocycle.TickResult{Result: autocycle.ResultCommitted}, nil)
	server.RecordTick(autocycle.TickResult{Result: autocycle.ResultCommitted, EvalPass: true}, errors.New("disk full"))

	got := counts(t, reader, "ctxd.watch.ticks", "result", "eval_pass")
	assert.Equal(t, map[string]int64{
		autocycle.ResultCommitted + "/true":  1,
		autocycle.ResultCommitted + "/false": 1,
		"error/false":                        1,
	}, got)
}

func TestServerMetrics_ScrubFindingsByRule(t *testing.T) {
	server, reader := meteredServer(t)

	server.metrics.scrubbed(context.Background(), secrets.Result{Findings: []secrets.Finding{
		{RuleID: "aws-access-token"},
		{RuleID: "github-pat"},
		{RuleID: "aws-access-token"},
	}})
	server.metrics.scrubbed(context.Background(), secrets.Result{})

	got := counts(t, reader, "ctxd.scrub.findings", "rule")
	assert.Equal(t, map[string]int64{"aws-access-token": 2, "github-pat": 1}, got)
}

func TestRouteNameAndStatusClass(t *testing.T) {
	assert.Equal(t, "status", routeName("/api/v1/status"))
	assert.Equal(t, "metrics", routeName("/metrics"))
	assert.Equal(t, "unmatched", routeName(""))
	assert.Equal(t, "unmatched", routeName("/api/v1/events/:seq"))

	assert.Equal(t, "2xx", statusClass(http.StatusNoContent))
	assert.Equal(t, "5xx", statusClass(http.StatusServiceUnavailable))
	assert.Equal(t, "unknown", statusClass(0))
}
