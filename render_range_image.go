package surfelrec

import (
	"math"

	"github.com/gekko3d/surfelrec/sensor"
	"github.com/go-gl/mathgl/mgl32"
)

// maxSplatRadius caps the pixel footprint of a single surfel.
const maxSplatRadius = 16

// RenderToRangeImage splats the latest published snapshot into a range image
// seen from camera. Pixels covered by several surfels keep the closest disc.
func (m *SurfelModel) RenderToRangeImage(camera sensor.PinholeCamera) *sensor.RangeImage {
	s := m.SnapshotForRender()
	defer s.Release()
	return s.RenderRangeImage(camera)
}

// RenderRangeImage ray casts every surfel disc of the snapshot into a
// camera-frame range image with a z-buffer.
func (s *Snapshot) RenderRangeImage(camera sensor.PinholeCamera) *sensor.RangeImage {
	in := camera.Intrinsics
	out := sensor.NewRangeImage(in.Width, in.Height)
	out.Intensity = make([]float32, in.Width*in.Height)
	zbuf := make([]float32, in.Width*in.Height)
	for i := range zbuf {
		zbuf[i] = float32(math.Inf(1))
	}

	worldToCamera := camera.WorldToCamera()
	focal := in.Focal()
	s.ForEach(func(_ SlotId, sf *Surfel) bool {
		pc := mgl32.TransformCoordinate(sf.Position, worldToCamera)
		if pc.Z() <= 0 {
			return true
		}
		u, v, _ := in.Project(pc)
		nc := mgl32.TransformNormal(sf.Normal, worldToCamera).Normalize()
		if nc.Dot(pc) > 0 {
			nc = nc.Mul(-1)
		}
		r := int(math.Ceil(float64(min(sf.Radius*focal/pc.Z(), maxSplatRadius))))
		cu, cv := int(math.Round(float64(u))), int(math.Round(float64(v)))
		if cu+r < 0 || cv+r < 0 || cu-r >= in.Width || cv-r >= in.Height {
			return true
		}

		r2 := sf.Radius * sf.Radius
		planeD := nc.Dot(pc)
		rgb := sf.Color.Clamped()
		col := colorToRGBA(rgb.R, rgb.G, rgb.B)
		intensity := float32(0.299*rgb.R + 0.587*rgb.G + 0.114*rgb.B)
		for y := max(cv-r, 0); y <= min(cv+r, in.Height-1); y++ {
			for x := max(cu-r, 0); x <= min(cu+r, in.Width-1); x++ {
				ray := in.Backproject(float32(x), float32(y), 1)
				denom := nc.Dot(ray)
				if math.Abs(float64(denom)) < 1e-6 {
					continue
				}
				hit := ray.Mul(planeD / denom)
				if hit.Z() <= 0 {
					continue
				}
				if d := hit.Sub(pc); d.Dot(d) > r2 && !(x == cu && y == cv) {
					continue
				}
				i := out.Idx(x, y)
				if hit.Z() >= zbuf[i] {
					continue
				}
				zbuf[i] = hit.Z()
				out.Points[i] = hit
				out.Normals[i] = nc
				out.Colors[i] = col
				out.Intensity[i] = intensity
				out.Mask[i] = true
			}
		}
		return true
	})
	return out
}
