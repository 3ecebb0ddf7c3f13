package surfelrec

import (
	"fmt"
	"image/color"
	"math"

	"github.com/gekko3d/surfelrec/sensor"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/lucasb-eyer/go-colorful"
)

// SurfelBuilderParameters controls how range samples become surfels.
type SurfelBuilderParameters struct {
	// MaxGrazingAngle is the largest accepted angle (radians) between the
	// sample normal and the viewing ray.
	MaxGrazingAngle float32 `yaml:"max_grazing_angle"`
	MinDepth        float32 `yaml:"min_depth"`
	MaxDepth        float32 `yaml:"max_depth"` // 0 disables the far cut

	// Initial confidence is BaseConfidence * cos(theta) / (1 + (z/ConfidenceDepthScale)^2).
	BaseConfidence       float32 `yaml:"base_confidence"`
	ConfidenceDepthScale float32 `yaml:"confidence_depth_scale"`

	// Radius is RadiusScale * z / (f * cos(theta)), with cos(theta) clamped.
	RadiusScale float32 `yaml:"radius_scale"`
}

func DefaultSurfelBuilderParameters() SurfelBuilderParameters {
	return SurfelBuilderParameters{
		MaxGrazingAngle:      mgl32.DegToRad(75),
		MinDepth:             0.1,
		MaxDepth:             0,
		BaseConfidence:       1,
		ConfidenceDepthScale: 3,
		RadiusScale:          math.Sqrt2,
	}
}

func (p SurfelBuilderParameters) Validate() error {
	if !(p.MaxGrazingAngle > 0) || p.MaxGrazingAngle >= math.Pi/2 {
		return invalidArgument("max_grazing_angle must be in (0, pi/2), got %v", p.MaxGrazingAngle)
	}
	if p.MinDepth < 0 {
		return invalidArgument("min_depth must be non-negative, got %v", p.MinDepth)
	}
	if p.MaxDepth != 0 && p.MaxDepth <= p.MinDepth {
		return invalidArgument("max_depth %v must exceed min_depth %v", p.MaxDepth, p.MinDepth)
	}
	if !(p.BaseConfidence > 0) {
		return invalidArgument("base_confidence must be positive, got %v", p.BaseConfidence)
	}
	if !(p.ConfidenceDepthScale > 0) {
		return invalidArgument("confidence_depth_scale must be positive, got %v", p.ConfidenceDepthScale)
	}
	if !(p.RadiusScale > 0) {
		return invalidArgument("radius_scale must be positive, got %v", p.RadiusScale)
	}
	return nil
}

// minRadiusCos bounds the radius growth of oblique samples.
const minRadiusCos = 0.2

// SurfelBuilder turns range-image samples into world-frame surfels.
type SurfelBuilder struct {
	params    SurfelBuilderParameters
	minCosine float32
}

func NewSurfelBuilder(params SurfelBuilderParameters) (*SurfelBuilder, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &SurfelBuilder{
		params:    params,
		minCosine: float32(math.Cos(float64(params.MaxGrazingAngle))),
	}, nil
}

func (b *SurfelBuilder) Parameters() SurfelBuilderParameters {
	return b.params
}

// Build creates a surfel from one camera-frame sample. It fails with
// ErrInvalidSample when the sample has no usable depth or normal, or is seen
// at a grazing angle.
func (b *SurfelBuilder) Build(sample sensor.Sample, camera sensor.PinholeCamera, frame int) (Surfel, error) {
	if !sample.Valid {
		return Surfel{}, fmt.Errorf("%w: masked", ErrInvalidSample)
	}
	p := sample.Position
	z := p.Z()
	if !isFinite(p) || !(z > b.params.MinDepth) || (b.params.MaxDepth > 0 && z > b.params.MaxDepth) {
		return Surfel{}, fmt.Errorf("%w: depth %v out of range", ErrInvalidSample, z)
	}
	n := sample.Normal
	if !isFinite(n) || n.Len() < 1e-6 {
		return Surfel{}, fmt.Errorf("%w: degenerate normal", ErrInvalidSample)
	}
	n = n.Normalize()
	ray := p.Normalize()
	if n.Dot(ray) > 0 {
		n = n.Mul(-1)
	}
	cosTheta := -n.Dot(ray)
	if cosTheta < b.minCosine {
		return Surfel{}, fmt.Errorf("%w: grazing angle %.1f deg", ErrInvalidSample,
			mgl32.RadToDeg(float32(math.Acos(float64(cosTheta)))))
	}

	focal := camera.Intrinsics.Focal()
	radius := b.params.RadiusScale * z / (focal * max(cosTheta, minRadiusCos))
	depthRatio := z / b.params.ConfidenceDepthScale
	confidence := b.params.BaseConfidence * cosTheta / (1 + depthRatio*depthRatio)

	return Surfel{
		Position:   mgl32.TransformCoordinate(p, camera.CameraToWorld),
		Normal:     mgl32.TransformNormal(n, camera.CameraToWorld).Normalize(),
		Radius:     radius,
		Color:      colorFromRGBA(sample.Color.R, sample.Color.G, sample.Color.B),
		Confidence: confidence,
		LastSeen:   frame,
		CreatedAt:  frame,
	}, nil
}

func colorFromRGBA(r, g, b uint8) colorful.Color {
	return colorful.Color{R: float64(r) / 255, G: float64(g) / 255, B: float64(b) / 255}
}

func isFinite(v mgl32.Vec3) bool {
	for _, c := range v {
		if math.IsNaN(float64(c)) || math.IsInf(float64(c), 0) {
			return false
		}
	}
	return true
}

func colorToRGBA(r, g, b float64) color.RGBA {
	return color.RGBA{R: uint8(r*255 + 0.5), G: uint8(g*255 + 0.5), B: uint8(b*255 + 0.5), A: 255}
}
