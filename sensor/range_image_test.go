package sensor

import (
	"image"
	"image/color"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planeDepth(in Intrinsics, z float32) []float32 {
	d := make([]float32, in.Width*in.Height)
	for i := range d {
		d[i] = z
	}
	return d
}

func TestFromDepth_FrontalPlane(t *testing.T) {
	in := testIntrinsics()
	rgb := image.NewRGBA(image.Rect(0, 0, in.Width, in.Height))
	for i := range rgb.Pix {
		rgb.Pix[i] = 200
	}

	ri, err := FromDepth(in, planeDepth(in, 2), rgb)
	require.NoError(t, err)
	require.NoError(t, ri.Validate())

	// Border pixels lack a full neighbourhood.
	assert.Equal(t, (in.Width-2)*(in.Height-2), ri.ValidCount())

	s := ri.Sample(10, 10)
	require.True(t, s.Valid)
	assert.InDelta(t, 2, s.Position.Z(), 1e-6)
	assertVec3Near(t, mgl32.Vec3{0, 0, -1}, s.Normal, 1e-5)
	assert.Equal(t, color.RGBA{200, 200, 200, 200}, s.Color)
	assert.InDelta(t, 200.0/255, s.Intensity, 1e-3)
}

func TestFromDepth_Errors(t *testing.T) {
	in := testIntrinsics()
	_, err := FromDepth(in, make([]float32, 3), nil)
	assert.Error(t, err)

	_, err = FromDepth(Intrinsics{}, nil, nil)
	assert.Error(t, err)
}

func TestFromDepth_DepthEdgeMasked(t *testing.T) {
	in := testIntrinsics()
	d := planeDepth(in, 2)
	for y := 0; y < in.Height; y++ {
		for x := in.Width / 2; x < in.Width; x++ {
			d[y*in.Width+x] = 4
		}
	}
	ri, err := FromDepth(in, d, nil)
	require.NoError(t, err)
	assert.False(t, ri.Mask[ri.Idx(in.Width/2, 10)])
	assert.False(t, ri.Mask[ri.Idx(in.Width/2-1, 10)])
	assert.True(t, ri.Mask[ri.Idx(in.Width/2+2, 10)])
}

func TestRangeImage_Downsample(t *testing.T) {
	in := testIntrinsics()
	ri, err := FromDepth(in, planeDepth(in, 2), nil)
	require.NoError(t, err)

	half, err := ri.Downsample(0.5)
	require.NoError(t, err)
	require.NoError(t, half.Validate())
	assert.Equal(t, 32, half.Width)
	assert.Equal(t, 24, half.Height)

	s := half.Sample(5, 5)
	require.True(t, s.Valid)
	assert.InDelta(t, 2, s.Position.Z(), 1e-5)
	assert.InDelta(t, 1, s.Normal.Len(), 1e-5)

	// The averaged point projects back near the scaled pixel center.
	u, v, ok := in.Scale(0.5).Project(s.Position)
	require.True(t, ok)
	assert.InDelta(t, 5, u, 0.01)
	assert.InDelta(t, 5, v, 0.01)

	_, err = ri.Downsample(1)
	assert.Error(t, err)
}

func TestRangeImage_Pyramid(t *testing.T) {
	in := testIntrinsics()
	ri, err := FromDepth(in, planeDepth(in, 1.5), nil)
	require.NoError(t, err)

	levels, err := ri.Pyramid(2, 0.5)
	require.NoError(t, err)
	require.Len(t, levels, 3)
	assert.Same(t, ri, levels[0])
	assert.Equal(t, 16, levels[2].Width)
	assert.Equal(t, 12, levels[2].Height)
}

func TestRangeImage_Validate(t *testing.T) {
	ri := NewRangeImage(4, 4)
	assert.NoError(t, ri.Validate())
	ri.Mask = ri.Mask[:3]
	assert.ErrorIs(t, ri.Validate(), ErrMalformedImage)
	var nilImage *RangeImage
	assert.ErrorIs(t, nilImage.Validate(), ErrMalformedImage)
}

func TestRangeImage_DepthImage(t *testing.T) {
	ri := NewRangeImage(2, 1)
	ri.Set(1, 0, Sample{Position: mgl32.Vec3{0, 0, 1.5}, Normal: mgl32.Vec3{0, 0, -1}, Valid: true})
	img := ri.DepthImage(5000)
	assert.Equal(t, uint16(0), img.Gray16At(0, 0).Y)
	assert.Equal(t, uint16(7500), img.Gray16At(1, 0).Y)
}
