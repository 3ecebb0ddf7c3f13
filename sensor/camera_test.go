package sensor

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIntrinsics() Intrinsics {
	return Intrinsics{Width: 64, Height: 48, Fx: 50, Fy: 50, Cx: 31.5, Cy: 23.5}
}

func TestIntrinsics_ProjectBackproject(t *testing.T) {
	in := testIntrinsics()
	p := in.Backproject(10, 20, 2.5)
	u, v, ok := in.Project(p)
	require.True(t, ok)
	assert.InDelta(t, 10, u, 1e-4)
	assert.InDelta(t, 20, v, 1e-4)

	_, _, ok = in.Project(mgl32.Vec3{0, 0, -1})
	assert.False(t, ok, "points behind the camera do not project")
}

func TestIntrinsics_Validate(t *testing.T) {
	assert.NoError(t, testIntrinsics().Validate())
	assert.Error(t, Intrinsics{Width: 0, Height: 10, Fx: 1, Fy: 1}.Validate())
	assert.Error(t, Intrinsics{Width: 10, Height: 10, Fx: 0, Fy: 1}.Validate())
}

func TestIntrinsics_Scale(t *testing.T) {
	in := testIntrinsics().Scale(0.5)
	assert.Equal(t, 32, in.Width)
	assert.Equal(t, 24, in.Height)
	assert.InDelta(t, 25, in.Fx, 1e-6)
	assert.InDelta(t, 15.5, in.Cx, 1e-6)
}

func TestPinholeCamera_ProjectWorld(t *testing.T) {
	pose := Pose{Position: mgl32.Vec3{1, 0, 0}, Rotation: mgl32.QuatIdent()}
	cam := NewPinholeCamera(testIntrinsics(), pose.Mat4())

	u, v, z, ok := cam.ProjectWorld(mgl32.Vec3{1, 0, 3})
	require.True(t, ok)
	assert.InDelta(t, 31.5, u, 1e-4)
	assert.InDelta(t, 23.5, v, 1e-4)
	assert.InDelta(t, 3, z, 1e-5)
	assertVec3Near(t, mgl32.Vec3{1, 0, 0}, cam.Center(), 1e-6)
}

func TestPinholeCamera_Frustum(t *testing.T) {
	cam := NewPinholeCamera(testIntrinsics(), mgl32.Ident4())
	f := cam.Frustum(0.1, 10)

	assert.True(t, f.ContainsSphere(mgl32.Vec3{0, 0, 2}, 0))
	assert.False(t, f.ContainsSphere(mgl32.Vec3{0, 0, -2}, 0), "behind camera")
	assert.False(t, f.ContainsSphere(mgl32.Vec3{0, 0, 20}, 0), "beyond far plane")
	// Just outside the left image border at depth 1 (u = -1).
	assert.False(t, f.ContainsSphere(mgl32.Vec3{-32.5 / 50, 0, 1}, 0))
	assert.True(t, f.ContainsSphere(mgl32.Vec3{-30.0 / 50, 0, 1}, 0))
}
