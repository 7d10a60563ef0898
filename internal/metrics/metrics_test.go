package metrics

import (
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringListsCounters(t *testing.T) {
	m := New()
	atomic.AddInt64(&m.HTTPRequestsTotal, 3)
	atomic.AddInt64(&m.SinkRecordsDroppedTotal, 1)

	s := m.String()
	assert.Contains(t, s, "http_requests_total=3\n")
	assert.Contains(t, s, "sink_records_dropped_total=1\n")
	assert.Contains(t, s, "dlq_size_bytes=0\n")
}

func TestRegisterExposesCurrentValues(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))

	atomic.AddInt64(&m.AuditRecordsTotal, 7)
	atomic.StoreInt64(&m.SinkQueueDepth, 12)
	m.ClockSkew.Observe(50)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[mf.GetName()] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[mf.GetName()] = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				values[mf.GetName()] = float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}

	assert.Equal(t, 7.0, values["eventlog_audit_records_total"])
	assert.Equal(t, 12.0, values["eventlog_sink_queue_depth"])
	assert.Equal(t, 1.0, values["eventlog_clock_skew_seconds"])
}

func TestRegisterTwiceFails(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))

	err := m.Register(reg)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "register "))
}
