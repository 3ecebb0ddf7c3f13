package surfelrec

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderToRangeImage_SplatsDisc(t *testing.T) {
	m, err := NewSurfelModel(4)
	require.NoError(t, err)
	s := testSurfel(mgl32.Vec3{0, 0, 2}, 1, 0)
	s.Radius = 0.5
	_, err = m.Insert(s)
	require.NoError(t, err)

	assert.Equal(t, 0, m.RenderToRangeImage(testCamera()).ValidCount(), "unpublished surfels are not rendered")

	m.Publish()
	ri := m.RenderToRangeImage(testCamera())
	require.NoError(t, ri.Validate())
	// The disc covers the 4x4 block around the principal point minus its corners.
	assert.Equal(t, 12, ri.ValidCount())
	for i, ok := range ri.Mask {
		if !ok {
			continue
		}
		assert.InDelta(t, 2, ri.Points[i].Z(), 1e-5)
		assert.Equal(t, mgl32.Vec3{0, 0, -1}, ri.Normals[i])
		assert.Equal(t, uint8(128), ri.Colors[i].R)
		assert.InDelta(t, 0.5, ri.Intensity[i], 1e-3)
	}
	assert.False(t, ri.Mask[ri.Idx(2, 2)])
	assert.True(t, ri.Mask[ri.Idx(4, 4)])
}

func TestRenderToRangeImage_SmallDiscKeepsCenterPixel(t *testing.T) {
	m, err := NewSurfelModel(1)
	require.NoError(t, err)
	_, err = m.Insert(testSurfel(mgl32.Vec3{0, 0, 2}, 1, 0))
	require.NoError(t, err)
	m.Publish()

	ri := m.RenderToRangeImage(testCamera())
	assert.Equal(t, 1, ri.ValidCount())
	assert.True(t, ri.Mask[ri.Idx(4, 4)])
}

func TestRenderToRangeImage_ClosestSurfelWins(t *testing.T) {
	for _, order := range [][]float32{{2, 3}, {3, 2}} {
		m, err := NewSurfelModel(2)
		require.NoError(t, err)
		for _, z := range order {
			s := testSurfel(mgl32.Vec3{0, 0, z}, 1, 0)
			s.Radius = 0.5
			_, err := m.Insert(s)
			require.NoError(t, err)
		}
		m.Publish()

		ri := m.RenderToRangeImage(testCamera())
		assert.InDelta(t, 2, ri.Points[ri.Idx(4, 4)].Z(), 1e-5, "order %v", order)
	}
}

func TestRenderToRangeImage_OrientsNormalsAndCulls(t *testing.T) {
	m, err := NewSurfelModel(2)
	require.NoError(t, err)
	away := testSurfel(mgl32.Vec3{0, 0, 2}, 1, 0)
	away.Normal = mgl32.Vec3{0, 0, 1}
	_, err = m.Insert(away)
	require.NoError(t, err)
	_, err = m.Insert(testSurfel(mgl32.Vec3{0, 0, -2}, 1, 0))
	require.NoError(t, err)
	m.Publish()

	ri := m.RenderToRangeImage(testCamera())
	assert.Equal(t, 1, ri.ValidCount())
	assert.Less(t, ri.Normals[ri.Idx(4, 4)].Z(), float32(0))

	moved := testCamera()
	moved.CameraToWorld = mgl32.Translate3D(0, 0, 5)
	assert.Equal(t, 0, m.RenderToRangeImage(moved).ValidCount())
}
