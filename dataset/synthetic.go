package dataset

import (
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/gekko3d/surfelrec/sensor"
	"github.com/go-gl/mathgl/mgl32"
)

// SyntheticOptions describes a camera panning inside a checkered box room.
type SyntheticOptions struct {
	Width, Height int
	Frames        int
	// HalfExtents of the room, centered on the origin.
	HalfExtents mgl32.Vec3
	CheckerSize float32
	// YawStep is the camera rotation per frame (radians).
	YawStep float32
	// LandmarkSpacing is the wall grid on which stable keypoints sit; 0
	// disables features.
	LandmarkSpacing float32
}

func DefaultSyntheticOptions() SyntheticOptions {
	return SyntheticOptions{
		Width:           160,
		Height:          120,
		Frames:          30,
		HalfExtents:     mgl32.Vec3{2, 1.5, 3},
		CheckerSize:     0.25,
		YawStep:         mgl32.DegToRad(2),
		LandmarkSpacing: 0.5,
	}
}

type landmark struct {
	position   mgl32.Vec3
	descriptor sensor.Descriptor
}

// Synthetic renders its frames on demand by ray casting the room.
type Synthetic struct {
	opts       SyntheticOptions
	intrinsics sensor.Intrinsics
	landmarks  []landmark
}

func NewSynthetic(opts SyntheticOptions) *Synthetic {
	w, h := float32(opts.Width), float32(opts.Height)
	s := &Synthetic{
		opts: opts,
		intrinsics: sensor.Intrinsics{
			Width: opts.Width, Height: opts.Height,
			Fx: 0.8 * w, Fy: 0.8 * w,
			Cx: (w - 1) / 2, Cy: (h - 1) / 2,
		},
	}
	if opts.LandmarkSpacing > 0 {
		s.landmarks = wallLandmarks(opts.HalfExtents, opts.LandmarkSpacing)
	}
	return s
}

// wallLandmarks places points on a regular grid over the interior of every
// wall. Each landmark has a fixed pseudo-random descriptor.
func wallLandmarks(half mgl32.Vec3, spacing float32) []landmark {
	var out []landmark
	for axis := 0; axis < 3; axis++ {
		a, b := (axis+1)%3, (axis+2)%3
		na := int(2 * half[a] / spacing)
		nb := int(2 * half[b] / spacing)
		for _, side := range []float32{-1, 1} {
			for i := 1; i < na; i++ {
				for j := 1; j < nb; j++ {
					var p mgl32.Vec3
					p[axis] = side * half[axis]
					p[a] = -half[a] + float32(i)*spacing
					p[b] = -half[b] + float32(j)*spacing
					out = append(out, landmark{position: p, descriptor: landmarkDescriptor(len(out))})
				}
			}
		}
	}
	return out
}

func landmarkDescriptor(i int) sensor.Descriptor {
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], uint64(i))
	return sensor.Descriptor(sha512.Sum512(seed[:]))
}

func (s *Synthetic) Len() int { return s.opts.Frames }

func (s *Synthetic) pose(i int) sensor.Pose {
	t := float32(i)
	return sensor.Pose{
		Position: mgl32.Vec3{0.2 * float32(math.Sin(float64(0.05*t))), 0, 0},
		Rotation: mgl32.QuatRotate(t*s.opts.YawStep, mgl32.Vec3{0, 1, 0}),
	}
}

func (s *Synthetic) Camera(i int) (sensor.Intrinsics, mgl32.Mat4, bool) {
	return s.intrinsics, s.pose(i).Mat4(), true
}

func (s *Synthetic) Trajectory() []sensor.Pose {
	out := make([]sensor.Pose, s.opts.Frames)
	for i := range out {
		out[i] = s.pose(i)
	}
	return out
}

func (s *Synthetic) Get(i int) (RGBDFrame, error) {
	if i < 0 || i >= s.opts.Frames {
		return RGBDFrame{}, fmt.Errorf("%w: %d of %d", ErrOutOfRange, i, s.opts.Frames)
	}
	in := s.intrinsics
	cameraToWorld := s.pose(i).Mat4()
	origin := cameraToWorld.Col(3).Vec3()

	depth := make([]float32, in.Width*in.Height)
	rgb := image.NewRGBA(image.Rect(0, 0, in.Width, in.Height))
	for y := 0; y < in.Height; y++ {
		for x := 0; x < in.Width; x++ {
			// Camera ray with unit z, so the hit parameter is the depth.
			ray := in.Backproject(float32(x), float32(y), 1)
			dir := mgl32.TransformNormal(ray, cameraToWorld)
			t, axis := s.castRay(origin, dir)
			if t <= 0 {
				continue
			}
			depth[y*in.Width+x] = t
			rgb.SetRGBA(x, y, s.shade(origin.Add(dir.Mul(t)), axis))
		}
	}

	var features sensor.Features
	if len(s.landmarks) > 0 {
		features = make(sensor.Features)
		camera := sensor.NewPinholeCamera(in, cameraToWorld)
		for _, l := range s.landmarks {
			u, v, z, ok := camera.ProjectWorld(l.position)
			if !ok || z <= 0 {
				continue
			}
			px, py := int(math.Round(float64(u))), int(math.Round(float64(v)))
			if px < 0 || py < 0 || px >= in.Width || py >= in.Height {
				continue
			}
			features[image.Pt(px, py)] = l.descriptor
		}
	}

	return RGBDFrame{
		Timestamp:     float64(i) / 30,
		Intrinsics:    in,
		Depth:         depth,
		Color:         rgb,
		CameraToWorld: cameraToWorld,
		HasPose:       true,
		Features:      features,
	}, nil
}

// castRay intersects a ray from inside the room with its walls and returns
// the ray parameter and the axis of the wall hit.
func (s *Synthetic) castRay(origin, dir mgl32.Vec3) (float32, int) {
	best := float32(math.Inf(1))
	axis := -1
	for a := 0; a < 3; a++ {
		if math.Abs(float64(dir[a])) < 1e-9 {
			continue
		}
		wall := s.opts.HalfExtents[a]
		if dir[a] < 0 {
			wall = -wall
		}
		if t := (wall - origin[a]) / dir[a]; t > 0 && t < best {
			best, axis = t, a
		}
	}
	if axis < 0 {
		return 0, -1
	}
	return best, axis
}

var wallTints = [3][2]color.RGBA{
	{{200, 60, 60, 255}, {240, 200, 200, 255}},
	{{60, 160, 60, 255}, {200, 240, 200, 255}},
	{{60, 60, 200, 255}, {200, 200, 240, 255}},
}

func (s *Synthetic) shade(p mgl32.Vec3, axis int) color.RGBA {
	a, b := (axis+1)%3, (axis+2)%3
	ca := int(math.Floor(float64(p[a] / s.opts.CheckerSize)))
	cb := int(math.Floor(float64(p[b] / s.opts.CheckerSize)))
	return wallTints[axis][(ca+cb)&1]
}
