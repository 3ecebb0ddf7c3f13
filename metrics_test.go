package surfelrec

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ObserveFusionAndPublish(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	params := testFusionParams()
	params.StabilityWindow = 100
	params.MaxSurfelsPerFrame = 2
	m, err := NewSurfelModel(2, WithMetrics(metrics))
	require.NoError(t, err)
	in := testIntrinsics()
	f, err := NewSurfelFusion(in.Width, in.Height, params, WithFusionMetrics(metrics))
	require.NoError(t, err)

	integrate(t, f, m, frontalImage(in, pixel{1, 1, 1}, pixel{4, 4, 1}, pixel{6, 6, 1}), nil)
	integrate(t, f, m, frontalImage(in, pixel{4, 4, 1}, pixel{6, 1, 1}), nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Frames))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Samples.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Samples.WithLabelValues("over_budget")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Samples.WithLabelValues("matched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Samples.WithLabelValues("dropped_for_capacity")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.Retired.WithLabelValues("stale")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.LiveSurfels))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Capacity))
	assert.Equal(t, float64(m.Version()), testutil.ToFloat64(metrics.SnapshotVersion))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.IntegrateDuration))

	held := m.SnapshotForRender()
	m.Publish()
	m.Publish()
	held.Release()
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SnapshotCopies))
}

func TestMetrics_RegisterTwiceFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}

func TestComputeModelStats(t *testing.T) {
	m, err := NewSurfelModel(8)
	require.NoError(t, err)

	s := m.SnapshotForRender()
	empty := ComputeModelStats(s, 0)
	s.Release()
	assert.Equal(t, ModelStats{Capacity: 8}, empty)

	for i, c := range []float32{1, 2, 6} {
		sf := testSurfel(mgl32.Vec3{float32(i), 0, 1}, c, i)
		sf.Radius = 0.02
		_, err := m.Insert(sf)
		require.NoError(t, err)
	}
	m.Publish()

	s = m.SnapshotForRender()
	defer s.Release()
	stats := ComputeModelStats(s, 4)
	assert.Equal(t, 3, stats.Count)
	assert.Equal(t, 8, stats.Capacity)
	assert.Equal(t, uint64(1), stats.Version)
	assert.InDelta(t, 3, stats.MeanConfidence, 1e-9)
	assert.InDelta(t, 2.6458, stats.StdConfidence, 1e-4)
	assert.InDelta(t, 2, stats.MedianConfidence, 1e-9)
	assert.InDelta(t, 0.02, stats.MeanRadius, 1e-6)
	assert.InDelta(t, 3, stats.MeanAge, 1e-9)
}

func TestFusionStats_Add(t *testing.T) {
	total := FusionStats{Matched: 1, Created: 2}
	total.Add(FusionStats{Matched: 3, Retired: 2, RetiredStale: 1, OverBudget: 4, Invalid: 5, DroppedForCapacity: 6})
	assert.Equal(t, FusionStats{Matched: 4, Created: 2, Retired: 2, RetiredStale: 1, OverBudget: 4, Invalid: 5, DroppedForCapacity: 6}, total)
	assert.Equal(t, "matched=4 created=2 retired=2 (stale 1) dropped=6 invalid=5 over_budget=4", total.String())
}
