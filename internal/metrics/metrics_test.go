package metrics_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anansitrading/cxdb/internal/metrics"
)

func TestSnapshotReportsCountersAndLatency(t *testing.T) {
	m := metrics.New()

	m.BlobsTotal.Add(3)
	m.TurnsTotal.Add(5)
	m.ErrorsTotal.WithLabelValues("NOT_FOUND").Inc()

	m.AppendLatency.Observe(0.01)
	m.AppendLatency.Observe(0.02)
	m.AppendLatency.Observe(0.05)

	snap := m.Snapshot()
	require.EqualValues(t, 3, snap.BlobsTotal)
	require.EqualValues(t, 5, snap.TurnsTotal)
	require.EqualValues(t, 1, snap.ErrorsByCode["NOT_FOUND"])

	appendStats := snap.Operations["append"]
	require.EqualValues(t, 3, appendStats.Count)
	require.InDelta(t, 0.05, appendStats.MaxSeconds, 1e-9)
	require.Greater(t, appendStats.SumSeconds, 0.0)
}

func TestLatencyMaxTracksHighestObservation(t *testing.T) {
	m := metrics.New()
	m.GetBlobLatency.Observe(0.3)
	m.GetBlobLatency.Observe(0.1)
	m.GetBlobLatency.Observe(0.9)
	m.GetBlobLatency.Observe(0.2)

	stats := m.GetBlobLatency.Snapshot()
	require.InDelta(t, 0.9, stats.MaxSeconds, 1e-9)
	require.EqualValues(t, 4, stats.Count)
}
