package surfelrec

import (
	"image/color"
	"math"
	"testing"

	"github.com/gekko3d/surfelrec/sensor"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frontalSample(in sensor.Intrinsics, x, y int, z float32) sensor.Sample {
	return sensor.Sample{
		Position: in.Backproject(float32(x), float32(y), z),
		Normal:   mgl32.Vec3{0, 0, -1},
		Color:    color.RGBA{R: 200, G: 100, B: 50, A: 255},
		Valid:    true,
	}
}

func TestSurfelBuilder_BuildTransformsToWorld(t *testing.T) {
	b, err := NewSurfelBuilder(DefaultSurfelBuilderParameters())
	require.NoError(t, err)
	cam := testCamera()
	cam.CameraToWorld = mgl32.Translate3D(1, 2, 3)

	s, err := b.Build(frontalSample(cam.Intrinsics, 4, 4, 2), cam, 5)
	require.NoError(t, err)
	want := cam.Intrinsics.Backproject(4, 4, 2).Add(mgl32.Vec3{1, 2, 3})
	assert.InDelta(t, 0, s.Position.Sub(want).Len(), 1e-5)
	assert.InDelta(t, 1, s.Normal.Len(), 1e-6)
	assert.Equal(t, 5, s.CreatedAt)
	assert.Equal(t, 5, s.LastSeen)
	assert.Greater(t, s.Radius, float32(0))
	assert.Greater(t, s.Confidence, float32(0))
	assert.NoError(t, s.Validate())

	r, g, bl := s.Color.RGB255()
	assert.Equal(t, []uint8{200, 100, 50}, []uint8{r, g, bl})
}

func TestSurfelBuilder_ConfidenceFavoursNearAndFrontal(t *testing.T) {
	b, err := NewSurfelBuilder(DefaultSurfelBuilderParameters())
	require.NoError(t, err)
	cam := testCamera()

	near, err := b.Build(frontalSample(cam.Intrinsics, 4, 4, 1), cam, 0)
	require.NoError(t, err)
	far, err := b.Build(frontalSample(cam.Intrinsics, 4, 4, 4), cam, 0)
	require.NoError(t, err)
	assert.Greater(t, near.Confidence, far.Confidence)
	assert.Less(t, near.Radius, far.Radius)

	oblique := frontalSample(cam.Intrinsics, 4, 4, 1)
	oblique.Normal = mgl32.Vec3{float32(math.Sin(1)), 0, -float32(math.Cos(1))}
	tilted, err := b.Build(oblique, cam, 0)
	require.NoError(t, err)
	assert.Greater(t, near.Confidence, tilted.Confidence)
}

func TestSurfelBuilder_OrientsNormalTowardsCamera(t *testing.T) {
	b, err := NewSurfelBuilder(DefaultSurfelBuilderParameters())
	require.NoError(t, err)
	cam := testCamera()
	sample := frontalSample(cam.Intrinsics, 4, 4, 1)
	sample.Normal = mgl32.Vec3{0, 0, 1}

	s, err := b.Build(sample, cam, 0)
	require.NoError(t, err)
	assert.Less(t, s.Normal.Z(), float32(0))
}

func TestSurfelBuilder_RejectsInvalidSamples(t *testing.T) {
	b, err := NewSurfelBuilder(DefaultSurfelBuilderParameters())
	require.NoError(t, err)
	cam := testCamera()

	masked := frontalSample(cam.Intrinsics, 4, 4, 1)
	masked.Valid = false

	tooClose := frontalSample(cam.Intrinsics, 4, 4, 0.05)

	noNormal := frontalSample(cam.Intrinsics, 4, 4, 1)
	noNormal.Normal = mgl32.Vec3{}

	grazing := frontalSample(cam.Intrinsics, 4, 4, 1)
	grazing.Normal = mgl32.Vec3{1, 0, -0.05}.Normalize()

	nan := frontalSample(cam.Intrinsics, 4, 4, 1)
	nan.Position[0] = float32(math.NaN())

	for name, s := range map[string]sensor.Sample{
		"masked": masked, "too close": tooClose, "no normal": noNormal, "grazing": grazing, "nan": nan,
	} {
		_, err := b.Build(s, cam, 0)
		assert.ErrorIs(t, err, ErrInvalidSample, name)
	}
}

func TestSurfelBuilderParameters_Validate(t *testing.T) {
	assert.NoError(t, DefaultSurfelBuilderParameters().Validate())

	p := DefaultSurfelBuilderParameters()
	p.MaxGrazingAngle = 2
	assert.ErrorIs(t, p.Validate(), ErrInvalidArgument)

	p = DefaultSurfelBuilderParameters()
	p.MaxDepth = 0.05
	assert.ErrorIs(t, p.Validate(), ErrInvalidArgument)

	_, err := NewSurfelBuilder(SurfelBuilderParameters{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
