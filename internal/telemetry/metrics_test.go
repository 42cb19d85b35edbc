package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ObserveLeaseLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveLeaseLatency("http", 0.25)

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range metricFamilies {
		if mf.GetName() == "noetl_queue_lease_latency_seconds" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			hist := mf.GetMetric()[0].GetHistogram()
			require.EqualValues(t, 1, hist.GetSampleCount())
		}
	}
	require.True(t, found)
}

func TestMetrics_SetEnabledFalseSuppressesRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SetEnabled(false)

	m.IncRetry("sql", "timeout")

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)

	var counter *dto.MetricFamily
	for _, mf := range metricFamilies {
		if mf.GetName() == "noetl_retries_total" {
			counter = mf
		}
	}
	require.NotNil(t, counter)
	require.Empty(t, counter.GetMetric())
}
