package sensor

import (
	"github.com/go-gl/mathgl/mgl32"
)

// Pose is a rigid camera-to-world transform.
type Pose struct {
	Position mgl32.Vec3
	Rotation mgl32.Quat
}

func IdentityPose() Pose {
	return Pose{
		Position: mgl32.Vec3{0, 0, 0},
		Rotation: mgl32.QuatIdent(),
	}
}

// Mat4 composes M = T * R.
func (p Pose) Mat4() mgl32.Mat4 {
	translate := mgl32.Translate3D(p.Position.X(), p.Position.Y(), p.Position.Z())
	rotate := p.Rotation.Normalize().Mat4()
	return translate.Mul4(rotate)
}

// PoseFromMat4 decomposes a rigid transform. Scale and shear are not
// supported.
func PoseFromMat4(m mgl32.Mat4) Pose {
	return Pose{
		Position: m.Col(3).Vec3(),
		Rotation: mgl32.Mat4ToQuat(m).Normalize(),
	}
}

// Inverse of a rigid transform, via the conjugate rotation.
func (p Pose) Inverse() Pose {
	inv := p.Rotation.Normalize().Conjugate()
	return Pose{
		Position: inv.Rotate(p.Position.Mul(-1)),
		Rotation: inv,
	}
}

// Compose returns p followed by other, i.e. p.Mat4() * other.Mat4().
func (p Pose) Compose(other Pose) Pose {
	return Pose{
		Position: p.Position.Add(p.Rotation.Rotate(other.Position)),
		Rotation: p.Rotation.Mul(other.Rotation).Normalize(),
	}
}

// Relative returns the transform taking points from b's camera frame to a's.
func Relative(a, b Pose) Pose {
	return a.Inverse().Compose(b)
}
