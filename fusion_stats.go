package surfelrec

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/stat"
)

// FusionStats counts the outcomes of one Integrate call. Retired includes
// both capacity retirements and RetiredStale.
type FusionStats struct {
	Matched            int
	Created            int
	Retired            int
	DroppedForCapacity int
	Invalid            int
	OverBudget         int

	RetiredStale int
}

func (s *FusionStats) Add(o FusionStats) {
	s.Matched += o.Matched
	s.Created += o.Created
	s.Retired += o.Retired
	s.DroppedForCapacity += o.DroppedForCapacity
	s.Invalid += o.Invalid
	s.OverBudget += o.OverBudget
	s.RetiredStale += o.RetiredStale
}

func (s FusionStats) String() string {
	return fmt.Sprintf("matched=%d created=%d retired=%d (stale %d) dropped=%d invalid=%d over_budget=%d",
		s.Matched, s.Created, s.Retired, s.RetiredStale, s.DroppedForCapacity, s.Invalid, s.OverBudget)
}

// ModelStats summarises a snapshot.
type ModelStats struct {
	Count    int
	Capacity int
	Version  uint64

	MeanConfidence   float64
	StdConfidence    float64
	MedianConfidence float64
	MeanRadius       float64
	MeanAge          float64
}

// ComputeModelStats summarises the surfels of s as of frame.
func ComputeModelStats(s *Snapshot, frame int) ModelStats {
	out := ModelStats{Count: s.Count, Capacity: len(s.Live), Version: s.Version}
	if s.Count == 0 {
		return out
	}
	conf := make([]float64, 0, s.Count)
	radius := make([]float64, 0, s.Count)
	age := make([]float64, 0, s.Count)
	s.ForEach(func(_ SlotId, sf *Surfel) bool {
		conf = append(conf, float64(sf.Confidence))
		radius = append(radius, float64(sf.Radius))
		age = append(age, float64(sf.Age(frame)))
		return true
	})
	out.MeanConfidence, out.StdConfidence = stat.MeanStdDev(conf, nil)
	slices.Sort(conf)
	out.MedianConfidence = stat.Quantile(0.5, stat.Empirical, conf, nil)
	out.MeanRadius = stat.Mean(radius, nil)
	out.MeanAge = stat.Mean(age, nil)
	return out
}
