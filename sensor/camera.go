package sensor

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Intrinsics holds the pinhole projection parameters of a depth/color sensor.
type Intrinsics struct {
	Width  int     `yaml:"width"`
	Height int     `yaml:"height"`
	Fx     float32 `yaml:"fx"`
	Fy     float32 `yaml:"fy"`
	Cx     float32 `yaml:"cx"`
	Cy     float32 `yaml:"cy"`
}

func (in Intrinsics) Validate() error {
	if in.Width <= 0 || in.Height <= 0 {
		return fmt.Errorf("invalid image size (%d, %d)", in.Width, in.Height)
	}
	if in.Fx <= 0 || in.Fy <= 0 {
		return fmt.Errorf("invalid focal length (%v, %v)", in.Fx, in.Fy)
	}
	return nil
}

// Scale returns the intrinsics of the image resampled by factor. The principal
// point is scaled about pixel centers so that pixel (0,0) keeps its footprint.
func (in Intrinsics) Scale(factor float32) Intrinsics {
	return Intrinsics{
		Width:  int(float32(in.Width) * factor),
		Height: int(float32(in.Height) * factor),
		Fx:     in.Fx * factor,
		Fy:     in.Fy * factor,
		Cx:     (in.Cx+0.5)*factor - 0.5,
		Cy:     (in.Cy+0.5)*factor - 0.5,
	}
}

// Focal is the mean focal length in pixels.
func (in Intrinsics) Focal() float32 {
	return 0.5 * (in.Fx + in.Fy)
}

// Project maps a camera-frame point to continuous pixel coordinates.
func (in Intrinsics) Project(p mgl32.Vec3) (u, v float32, ok bool) {
	if p.Z() <= 0 {
		return 0, 0, false
	}
	u = in.Fx*p.X()/p.Z() + in.Cx
	v = in.Fy*p.Y()/p.Z() + in.Cy
	return u, v, true
}

// Backproject lifts pixel (u, v) at depth z into the camera frame.
func (in Intrinsics) Backproject(u, v, z float32) mgl32.Vec3 {
	return mgl32.Vec3{
		(u - in.Cx) * z / in.Fx,
		(v - in.Cy) * z / in.Fy,
		z,
	}
}

// PinholeCamera pairs intrinsics with the camera-to-world rigid transform of
// one frame. The camera looks down +Z with +X right and +Y down.
type PinholeCamera struct {
	Intrinsics    Intrinsics
	CameraToWorld mgl32.Mat4
}

func NewPinholeCamera(in Intrinsics, cameraToWorld mgl32.Mat4) PinholeCamera {
	return PinholeCamera{Intrinsics: in, CameraToWorld: cameraToWorld}
}

func (c PinholeCamera) WorldToCamera() mgl32.Mat4 {
	return c.CameraToWorld.Inv()
}

// Center is the camera origin in world coordinates.
func (c PinholeCamera) Center() mgl32.Vec3 {
	return c.CameraToWorld.Col(3).Vec3()
}

// Scale returns the same pose with resampled intrinsics.
func (c PinholeCamera) Scale(factor float32) PinholeCamera {
	return PinholeCamera{Intrinsics: c.Intrinsics.Scale(factor), CameraToWorld: c.CameraToWorld}
}

// ProjectWorld projects a world point to pixel coordinates and returns its
// camera-frame depth.
func (c PinholeCamera) ProjectWorld(p mgl32.Vec3) (u, v, z float32, ok bool) {
	pc := mgl32.TransformCoordinate(p, c.WorldToCamera())
	u, v, ok = c.Intrinsics.Project(pc)
	return u, v, pc.Z(), ok
}

// ProjectionMatrix builds an OpenGL style clip matrix (NDC in [-1,1]) that
// matches the pinhole model for camera-frame points.
func (c PinholeCamera) ProjectionMatrix(near, far float32) mgl32.Mat4 {
	in := c.Intrinsics
	w, h := float32(in.Width), float32(in.Height)
	a := (far + near) / (far - near)
	b := -2 * far * near / (far - near)
	// mgl32 matrices are column major.
	return mgl32.Mat4{
		2 * in.Fx / w, 0, 0, 0,
		0, 2 * in.Fy / h, 0, 0,
		(2*in.Cx+1)/w - 1, (2*in.Cy+1)/h - 1, a, 1,
		0, 0, b, 0,
	}
}

// Frustum is a set of inward facing planes Ax + By + Cz + D >= 0.
type Frustum [6]mgl32.Vec4

// Frustum extracts the world-space view frustum between near and far.
func (c PinholeCamera) Frustum(near, far float32) Frustum {
	vp := c.ProjectionMatrix(near, far).Mul4(c.WorldToCamera())
	return ExtractFrustum(vp)
}

// ExtractFrustum extracts the 6 planes of the frustum from the view-projection matrix.
// Returns planes in order: Left, Right, Bottom, Top, Near, Far.
func ExtractFrustum(vp mgl32.Mat4) Frustum {
	var planes Frustum
	row := func(i int) mgl32.Vec4 {
		return mgl32.Vec4{vp.At(i, 0), vp.At(i, 1), vp.At(i, 2), vp.At(i, 3)}
	}
	r0, r1, r2, r3 := row(0), row(1), row(2), row(3)

	planes[0] = r3.Add(r0)
	planes[1] = r3.Sub(r0)
	planes[2] = r3.Add(r1)
	planes[3] = r3.Sub(r1)
	planes[4] = r3.Add(r2)
	planes[5] = r3.Sub(r2)

	for i := 0; i < 6; i++ {
		length := float32(math.Sqrt(float64(planes[i][0]*planes[i][0] + planes[i][1]*planes[i][1] + planes[i][2]*planes[i][2])))
		if length > 0 {
			planes[i] = planes[i].Mul(1.0 / length)
		}
	}
	return planes
}

// ContainsSphere reports whether a sphere intersects the frustum.
func (f Frustum) ContainsSphere(center mgl32.Vec3, radius float32) bool {
	for _, p := range f {
		if p.Vec3().Dot(center)+p.W() < -radius {
			return false
		}
	}
	return true
}
