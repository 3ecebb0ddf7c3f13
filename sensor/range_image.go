package sensor

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/image/draw"
)

// Sample is one pixel of a range image in camera coordinates.
type Sample struct {
	Position  mgl32.Vec3
	Normal    mgl32.Vec3
	Color     color.RGBA
	Intensity float32
	Valid     bool
}

// RangeImage is a dense grid of camera-frame points with normals and colors.
// Pixels with Mask[i] == false carry no measurement.
type RangeImage struct {
	Width     int
	Height    int
	Points    []mgl32.Vec3
	Normals   []mgl32.Vec3
	Colors    []color.RGBA
	Intensity []float32 // optional, nil when not computed
	Mask      []bool
}

func NewRangeImage(width, height int) *RangeImage {
	n := width * height
	return &RangeImage{
		Width:   width,
		Height:  height,
		Points:  make([]mgl32.Vec3, n),
		Normals: make([]mgl32.Vec3, n),
		Colors:  make([]color.RGBA, n),
		Mask:    make([]bool, n),
	}
}

var ErrMalformedImage = errors.New("malformed range image")

// Validate checks that every channel matches the declared dimensions.
func (ri *RangeImage) Validate() error {
	if ri == nil {
		return fmt.Errorf("%w: nil image", ErrMalformedImage)
	}
	if ri.Width <= 0 || ri.Height <= 0 {
		return fmt.Errorf("%w: size (%d, %d)", ErrMalformedImage, ri.Width, ri.Height)
	}
	n := ri.Width * ri.Height
	if len(ri.Points) != n || len(ri.Normals) != n || len(ri.Colors) != n || len(ri.Mask) != n {
		return fmt.Errorf("%w: channel length mismatch for %dx%d", ErrMalformedImage, ri.Width, ri.Height)
	}
	if ri.Intensity != nil && len(ri.Intensity) != n {
		return fmt.Errorf("%w: intensity length %d, want %d", ErrMalformedImage, len(ri.Intensity), n)
	}
	return nil
}

func (ri *RangeImage) Idx(x, y int) int { return y*ri.Width + x }

func (ri *RangeImage) Sample(x, y int) Sample {
	i := ri.Idx(x, y)
	s := Sample{
		Position: ri.Points[i],
		Normal:   ri.Normals[i],
		Color:    ri.Colors[i],
		Valid:    ri.Mask[i],
	}
	if ri.Intensity != nil {
		s.Intensity = ri.Intensity[i]
	}
	return s
}

func (ri *RangeImage) Set(x, y int, s Sample) {
	i := ri.Idx(x, y)
	ri.Points[i] = s.Position
	ri.Normals[i] = s.Normal
	ri.Colors[i] = s.Color
	ri.Mask[i] = s.Valid
	if ri.Intensity != nil {
		ri.Intensity[i] = s.Intensity
	}
}

// ValidCount returns the number of pixels with a measurement.
func (ri *RangeImage) ValidCount() int {
	n := 0
	for _, v := range ri.Mask {
		if v {
			n++
		}
	}
	return n
}

// maxDepthJump is the relative depth difference beyond which neighbours are
// treated as belonging to different surfaces when estimating normals.
const maxDepthJump = 0.05

// FromDepth back-projects a metric depth map (row major, zero = no return)
// and computes central-difference normals and intensity. rgb may be nil.
func FromDepth(in Intrinsics, depth []float32, rgb image.Image) (*RangeImage, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if len(depth) != in.Width*in.Height {
		return nil, fmt.Errorf("depth has %d values, want %d", len(depth), in.Width*in.Height)
	}
	ri := NewRangeImage(in.Width, in.Height)
	ri.Intensity = make([]float32, len(depth))

	for y := 0; y < in.Height; y++ {
		for x := 0; x < in.Width; x++ {
			i := ri.Idx(x, y)
			z := depth[i]
			if z <= 0 || math.IsNaN(float64(z)) || math.IsInf(float64(z), 0) {
				continue
			}
			ri.Points[i] = in.Backproject(float32(x), float32(y), z)
			ri.Mask[i] = true
			if rgb != nil {
				b := rgb.Bounds()
				c := color.RGBAModel.Convert(rgb.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
				ri.Colors[i] = c
				ri.Intensity[i] = (0.299*float32(c.R) + 0.587*float32(c.G) + 0.114*float32(c.B)) / 255
			}
		}
	}
	ri.ComputeNormals()
	return ri, nil
}

// ComputeNormals estimates normals from the 4-neighbourhood and masks out
// pixels whose neighbourhood is incomplete or crosses a depth edge.
func (ri *RangeImage) ComputeNormals() {
	valid := make([]bool, len(ri.Mask))
	for y := 1; y < ri.Height-1; y++ {
		for x := 1; x < ri.Width-1; x++ {
			i := ri.Idx(x, y)
			if !ri.Mask[i] {
				continue
			}
			l, r := ri.Idx(x-1, y), ri.Idx(x+1, y)
			u, d := ri.Idx(x, y-1), ri.Idx(x, y+1)
			if !ri.Mask[l] || !ri.Mask[r] || !ri.Mask[u] || !ri.Mask[d] {
				continue
			}
			z := ri.Points[i].Z()
			if depthJump(z, ri.Points[l].Z()) || depthJump(z, ri.Points[r].Z()) ||
				depthJump(z, ri.Points[u].Z()) || depthJump(z, ri.Points[d].Z()) {
				continue
			}
			dx := ri.Points[r].Sub(ri.Points[l])
			dy := ri.Points[d].Sub(ri.Points[u])
			n := dy.Cross(dx)
			if n.Len() < 1e-12 {
				continue
			}
			n = n.Normalize()
			// Face the camera.
			if n.Dot(ri.Points[i]) > 0 {
				n = n.Mul(-1)
			}
			ri.Normals[i] = n
			valid[i] = true
		}
	}
	ri.Mask = valid
}

func depthJump(a, b float32) bool {
	return float32(math.Abs(float64(a-b))) > maxDepthJump*a
}

// ColorImage returns the color channel as an image.
func (ri *RangeImage) ColorImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, ri.Width, ri.Height))
	for y := 0; y < ri.Height; y++ {
		for x := 0; x < ri.Width; x++ {
			img.SetRGBA(x, y, ri.Colors[ri.Idx(x, y)])
		}
	}
	return img
}

// DepthImage encodes depth as 16-bit values (depth * scale), zero where invalid.
func (ri *RangeImage) DepthImage(scale float32) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, ri.Width, ri.Height))
	for y := 0; y < ri.Height; y++ {
		for x := 0; x < ri.Width; x++ {
			i := ri.Idx(x, y)
			if !ri.Mask[i] {
				continue
			}
			v := ri.Points[i].Z() * scale
			if v > math.MaxUint16 {
				v = math.MaxUint16
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(v)})
		}
	}
	return img
}

// Downsample resamples the image by factor (0 < factor < 1). Geometry is the
// average of the valid source pixels in each footprint; color is resampled
// bilinearly.
func (ri *RangeImage) Downsample(factor float32) (*RangeImage, error) {
	if factor <= 0 || factor >= 1 {
		return nil, fmt.Errorf("downsample factor must be in (0, 1), got %v", factor)
	}
	w := int(float32(ri.Width) * factor)
	h := int(float32(ri.Height) * factor)
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("downsampling %dx%d by %v leaves an empty image", ri.Width, ri.Height, factor)
	}
	out := NewRangeImage(w, h)
	if ri.Intensity != nil {
		out.Intensity = make([]float32, w*h)
	}

	inv := 1 / factor
	for y := 0; y < h; y++ {
		y0, y1 := int(float32(y)*inv), min(int(float32(y+1)*inv), ri.Height)
		for x := 0; x < w; x++ {
			x0, x1 := int(float32(x)*inv), min(int(float32(x+1)*inv), ri.Width)

			var p, n mgl32.Vec3
			var intensity float32
			count := 0
			for sy := y0; sy < y1; sy++ {
				for sx := x0; sx < x1; sx++ {
					i := ri.Idx(sx, sy)
					if !ri.Mask[i] {
						continue
					}
					p = p.Add(ri.Points[i])
					n = n.Add(ri.Normals[i])
					if ri.Intensity != nil {
						intensity += ri.Intensity[i]
					}
					count++
				}
			}
			if count == 0 || n.Len() < 1e-6 {
				continue
			}
			o := out.Idx(x, y)
			out.Points[o] = p.Mul(1 / float32(count))
			out.Normals[o] = n.Normalize()
			out.Mask[o] = true
			if out.Intensity != nil {
				out.Intensity[o] = intensity / float32(count)
			}
		}
	}

	colors := image.NewRGBA(image.Rect(0, 0, w, h))
	src := ri.ColorImage()
	draw.ApproxBiLinear.Scale(colors, colors.Bounds(), src, src.Bounds(), draw.Src, nil)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.Colors[out.Idx(x, y)] = colors.RGBAAt(x, y)
		}
	}
	return out, nil
}

// Pyramid returns levels+1 images, the first being ri itself.
func (ri *RangeImage) Pyramid(levels int, factor float32) ([]*RangeImage, error) {
	out := []*RangeImage{ri}
	cur := ri
	for l := 0; l < levels; l++ {
		next, err := cur.Downsample(factor)
		if err != nil {
			return nil, fmt.Errorf("pyramid level %d: %w", l+1, err)
		}
		out = append(out, next)
		cur = next
	}
	return out, nil
}
