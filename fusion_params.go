package surfelrec

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// SurfelFusionParameters configures SurfelFusion.
type SurfelFusionParameters struct {
	// MaxSurfelsPerFrame bounds how many surfels one frame may create.
	MaxSurfelsPerFrame int `yaml:"max_surfels_per_frame"`

	MatchDistanceTolerance float32 `yaml:"match_distance_tolerance"` // meters
	MatchAngleTolerance    float32 `yaml:"match_angle_tolerance"`    // radians

	// StabilityWindow is the minimum age in frames before a surfel may be
	// retired, either for capacity or for staleness.
	StabilityWindow int `yaml:"stability_window"`
	// StalenessLimit is the number of consecutive expected-but-unmatched
	// frames after which a surfel is retired.
	StalenessLimit int `yaml:"staleness_limit"`

	// The input is downsampled PyramidLevels times by ScaleFactor before
	// fusion.
	ScaleFactor   float32 `yaml:"scale_factor"`
	PyramidLevels int     `yaml:"pyramid_levels"`

	ConfidenceCap float32 `yaml:"confidence_cap"`

	// FeatureMatchThreshold is the largest Hamming distance at which two
	// descriptors are the same feature.
	FeatureMatchThreshold int `yaml:"feature_match_threshold"`

	// OcclusionTolerance is the depth margin (meters) within which a surfel
	// behind the observed surface still counts as visible.
	OcclusionTolerance float32 `yaml:"occlusion_tolerance"`
}

func DefaultSurfelFusionParameters() SurfelFusionParameters {
	return SurfelFusionParameters{
		MaxSurfelsPerFrame:     20000,
		MatchDistanceTolerance: 0.02,
		MatchAngleTolerance:    mgl32.DegToRad(20),
		StabilityWindow:        10,
		StalenessLimit:         5,
		ScaleFactor:            0.5,
		PyramidLevels:          1,
		ConfidenceCap:          100,
		FeatureMatchThreshold:  64,
		OcclusionTolerance:     0.05,
	}
}

func (p SurfelFusionParameters) Validate() error {
	if p.MaxSurfelsPerFrame < 0 {
		return invalidArgument("max_surfels_per_frame must be non-negative, got %d", p.MaxSurfelsPerFrame)
	}
	if !(p.MatchDistanceTolerance > 0) {
		return invalidArgument("match_distance_tolerance must be positive, got %v", p.MatchDistanceTolerance)
	}
	if !(p.MatchAngleTolerance > 0) || p.MatchAngleTolerance > math.Pi {
		return invalidArgument("match_angle_tolerance must be in (0, pi], got %v", p.MatchAngleTolerance)
	}
	if p.StabilityWindow < 0 {
		return invalidArgument("stability_window must be non-negative, got %d", p.StabilityWindow)
	}
	if p.StalenessLimit <= 0 {
		return invalidArgument("staleness_limit must be positive, got %d", p.StalenessLimit)
	}
	if p.PyramidLevels < 0 {
		return invalidArgument("pyramid_levels must be non-negative, got %d", p.PyramidLevels)
	}
	if p.PyramidLevels > 0 && (!(p.ScaleFactor > 0) || p.ScaleFactor >= 1) {
		return invalidArgument("scale_factor must be in (0, 1), got %v", p.ScaleFactor)
	}
	if !(p.ConfidenceCap > 0) {
		return invalidArgument("confidence_cap must be positive, got %v", p.ConfidenceCap)
	}
	if p.FeatureMatchThreshold < 0 {
		return invalidArgument("feature_match_threshold must be non-negative, got %d", p.FeatureMatchThreshold)
	}
	if p.OcclusionTolerance < 0 {
		return invalidArgument("occlusion_tolerance must be non-negative, got %v", p.OcclusionTolerance)
	}
	return nil
}
