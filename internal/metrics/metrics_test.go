package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordAppend("cli", time.Millisecond, false)
	m.RecordVerify(true, false)
	m.RecordRepair()
	m.RecordRehydrate(10, 1)
	m.RecordTick("committed")
	assert.Nil(t, m.Registry())
}

func TestRecordAppend(t *testing.T) {
	m := New()
	m.RecordAppend("cli", time.Millisecond, false)
	m.RecordAppend("", time.Millisecond, false)
	m.RecordAppend("cli", time.Second, true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsAppended.WithLabelValues("cli")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsAppended.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AppendConflicts))
}

func TestRecordTick(t *testing.T) {
	m := New()
	m.RecordTick("unchanged")
	m.RecordTick("committed")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CycleTicks.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CycleCommits))
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordVerify(true, true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `ctxd_verify_total{mode="strict",result="ok"} 1`)
}

func TestSeparateRegistries(t *testing.T) {
	a, b := New(), New()
	a.RecordRepair()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Repairs))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Repairs))
}
