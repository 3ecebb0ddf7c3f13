// Package dataset loads RGB-D sequences and adapts them to frame sources.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/gekko3d/surfelrec"
	"github.com/gekko3d/surfelrec/sensor"
	"github.com/go-gl/mathgl/mgl32"
)

var (
	ErrUnknownFormat = errors.New("unknown dataset format")
	ErrOutOfRange    = errors.New("frame index out of range")
)

// RGBDFrame is one raw frame: metric depth (row major, zero where missing)
// plus an optional color image.
type RGBDFrame struct {
	Timestamp  float64
	Intrinsics sensor.Intrinsics
	Depth      []float32
	Color      image.Image
	// CameraToWorld is the ground truth pose when HasPose is set.
	CameraToWorld mgl32.Mat4
	HasPose       bool
	Features      sensor.Features
}

// Dataset is a random-access RGB-D sequence.
type Dataset interface {
	Len() int
	Get(i int) (RGBDFrame, error)
	// Camera returns the intrinsics of frame i and its pose, if known.
	Camera(i int) (sensor.Intrinsics, mgl32.Mat4, bool)
	// Trajectory returns the ground truth camera poses, nil when unknown.
	Trajectory() []sensor.Pose
}

// Load opens a dataset by format name. Supported formats are "tum" and
// "synthetic"; the synthetic scene ignores path.
func Load(format, path string) (Dataset, error) {
	switch format {
	case "tum":
		ds, err := LoadTUM(path)
		if err != nil {
			return nil, err
		}
		return ds, nil
	case "synthetic":
		return NewSynthetic(DefaultSyntheticOptions()), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

type subset struct {
	Dataset
	indices []int
}

// Subset exposes the frames of ds at indices, in that order.
func Subset(ds Dataset, indices []int) (Dataset, error) {
	for _, i := range indices {
		if i < 0 || i >= ds.Len() {
			return nil, fmt.Errorf("%w: %d of %d", ErrOutOfRange, i, ds.Len())
		}
	}
	return &subset{Dataset: ds, indices: append([]int(nil), indices...)}, nil
}

// Head keeps the first n frames of ds.
func Head(ds Dataset, n int) (Dataset, error) {
	n = min(n, ds.Len())
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return Subset(ds, indices)
}

func (s *subset) Len() int { return len(s.indices) }

func (s *subset) Get(i int) (RGBDFrame, error) {
	if i < 0 || i >= len(s.indices) {
		return RGBDFrame{}, fmt.Errorf("%w: %d of %d", ErrOutOfRange, i, len(s.indices))
	}
	return s.Dataset.Get(s.indices[i])
}

func (s *subset) Camera(i int) (sensor.Intrinsics, mgl32.Mat4, bool) {
	return s.Dataset.Camera(s.indices[i])
}

func (s *subset) Trajectory() []sensor.Pose {
	full := s.Dataset.Trajectory()
	if full == nil {
		return nil
	}
	out := make([]sensor.Pose, len(s.indices))
	for i, j := range s.indices {
		out[i] = full[j]
	}
	return out
}

// Source turns a dataset into a surfelrec.FrameSource by building range
// images. Frames without a pose reuse the previous one.
type Source struct {
	ds   Dataset
	next int
	pose mgl32.Mat4
}

func NewSource(ds Dataset) *Source {
	return &Source{ds: ds, pose: mgl32.Ident4()}
}

func (s *Source) Next(ctx context.Context) (surfelrec.Frame, error) {
	if err := ctx.Err(); err != nil {
		return surfelrec.Frame{}, err
	}
	if s.next >= s.ds.Len() {
		return surfelrec.Frame{}, io.EOF
	}
	i := s.next
	s.next++
	raw, err := s.ds.Get(i)
	if err != nil {
		return surfelrec.Frame{}, fmt.Errorf("loading frame %d: %w", i, err)
	}
	ri, err := sensor.FromDepth(raw.Intrinsics, raw.Depth, raw.Color)
	if err != nil {
		return surfelrec.Frame{}, fmt.Errorf("building range image %d: %w", i, err)
	}
	if raw.HasPose {
		s.pose = raw.CameraToWorld
	}
	return surfelrec.Frame{
		Index:     i,
		Timestamp: raw.Timestamp,
		Image:     ri,
		Camera:    sensor.NewPinholeCamera(raw.Intrinsics, s.pose),
		Features:  raw.Features,
	}, nil
}
