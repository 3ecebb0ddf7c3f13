package surfelrec

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports fusion and model counters. All collectors are registered
// on the registerer passed to NewMetrics.
type Metrics struct {
	Frames            prometheus.Counter
	Samples           *prometheus.CounterVec
	Retired           *prometheus.CounterVec
	LiveSurfels       prometheus.Gauge
	Capacity          prometheus.Gauge
	SnapshotVersion   prometheus.Gauge
	SnapshotCopies    prometheus.Counter
	IntegrateDuration prometheus.Histogram

	lastCopies uint64
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Frames: f.NewCounter(prometheus.CounterOpts{
			Name: "surfelrec_frames_total",
			Help: "Total number of integrated frames",
		}),
		Samples: f.NewCounterVec(prometheus.CounterOpts{
			Name: "surfelrec_samples_total",
			Help: "Range image samples by fusion outcome",
		}, []string{"outcome"}),
		Retired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "surfelrec_surfels_retired_total",
			Help: "Retired surfels by reason",
		}, []string{"reason"}),
		LiveSurfels: f.NewGauge(prometheus.GaugeOpts{
			Name: "surfelrec_live_surfels",
			Help: "Live surfels in the last published snapshot",
		}),
		Capacity: f.NewGauge(prometheus.GaugeOpts{
			Name: "surfelrec_capacity",
			Help: "Surfel capacity of the model",
		}),
		SnapshotVersion: f.NewGauge(prometheus.GaugeOpts{
			Name: "surfelrec_snapshot_version",
			Help: "Version of the last published render snapshot",
		}),
		SnapshotCopies: f.NewCounter(prometheus.CounterOpts{
			Name: "surfelrec_snapshot_full_copies_total",
			Help: "Publishes that copied the whole model because a reader held the spare buffer",
		}),
		IntegrateDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "surfelrec_integrate_duration_seconds",
			Help:    "Duration of one fusion step",
			Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

func (m *Metrics) observeFusion(stats FusionStats, elapsed time.Duration) {
	m.Frames.Inc()
	m.Samples.WithLabelValues("matched").Add(float64(stats.Matched))
	m.Samples.WithLabelValues("created").Add(float64(stats.Created))
	m.Samples.WithLabelValues("dropped_for_capacity").Add(float64(stats.DroppedForCapacity))
	m.Samples.WithLabelValues("invalid").Add(float64(stats.Invalid))
	m.Samples.WithLabelValues("over_budget").Add(float64(stats.OverBudget))
	m.Retired.WithLabelValues("capacity").Add(float64(stats.Retired - stats.RetiredStale))
	m.Retired.WithLabelValues("stale").Add(float64(stats.RetiredStale))
	m.IntegrateDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) observePublish(model *SurfelModel) {
	m.LiveSurfels.Set(float64(model.Len()))
	m.Capacity.Set(float64(model.Capacity()))
	m.SnapshotVersion.Set(float64(model.mirror.version))
	if c := model.mirror.copies; c > m.lastCopies {
		m.SnapshotCopies.Add(float64(c - m.lastCopies))
		m.lastCopies = c
	}
}
