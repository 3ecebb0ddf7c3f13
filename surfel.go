package surfelrec

import (
	"fmt"
	"math"

	"github.com/gekko3d/surfelrec/sensor"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/lucasb-eyer/go-colorful"
)

// SlotId identifies a storage slot in a SurfelModel. Ids stay valid while the
// slot is live; a freed id may be handed out again for a different surfel.
type SlotId uint32

// NoSlot is returned alongside errors.
const NoSlot = SlotId(math.MaxUint32)

// Surfel is an oriented disc approximating a small patch of surface.
type Surfel struct {
	Position   mgl32.Vec3
	Normal     mgl32.Vec3
	Radius     float32
	Color      colorful.Color
	Confidence float32

	// Frame indices.
	LastSeen  int
	CreatedAt int

	// UnseenFrames counts consecutive frames in which the surfel was expected
	// in view but not matched.
	UnseenFrames int

	Feature    sensor.Descriptor
	HasFeature bool
}

const unitNormalTolerance = 1e-3

// Validate checks the per-surfel invariants.
func (s *Surfel) Validate() error {
	if !(s.Radius > 0) || math.IsInf(float64(s.Radius), 0) {
		return fmt.Errorf("radius must be positive, got %v", s.Radius)
	}
	if l := s.Normal.Len(); !(math.Abs(float64(l)-1) <= unitNormalTolerance) {
		return fmt.Errorf("normal must be unit length, got |n| = %v", l)
	}
	if !(s.Confidence >= 0) {
		return fmt.Errorf("confidence must be non-negative, got %v", s.Confidence)
	}
	if s.LastSeen < s.CreatedAt {
		return fmt.Errorf("last seen frame %d precedes creation frame %d", s.LastSeen, s.CreatedAt)
	}
	for _, v := range s.Position {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("position is not finite: %v", s.Position)
		}
	}
	return nil
}

// Age is the number of frames since creation.
func (s *Surfel) Age(frame int) int {
	return frame - s.CreatedAt
}

// FeatureMatches reports whether d is within maxDistance bits of the surfel's
// descriptor. Surfels without a feature never match.
func (s *Surfel) FeatureMatches(d sensor.Descriptor, maxDistance int) bool {
	return s.HasFeature && s.Feature.Hamming(d) <= maxDistance
}
