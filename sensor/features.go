package sensor

import (
	"encoding/binary"
	"image"
	"math/bits"
)

// DescriptorSize is the byte length of a binary keypoint descriptor (512 bits).
const DescriptorSize = 64

// Descriptor is a fixed-length binary keypoint descriptor.
type Descriptor [DescriptorSize]byte

// Hamming returns the number of differing bits.
func (d Descriptor) Hamming(o Descriptor) int {
	n := 0
	for i := 0; i < DescriptorSize; i += 8 {
		n += bits.OnesCount64(binary.LittleEndian.Uint64(d[i:]) ^ binary.LittleEndian.Uint64(o[i:]))
	}
	return n
}

// Features maps pixel coordinates to the descriptor extracted there. A nil or
// empty map means the frame has no sparse features.
type Features map[image.Point]Descriptor

func (f Features) Lookup(x, y int) (Descriptor, bool) {
	if f == nil {
		return Descriptor{}, false
	}
	d, ok := f[image.Pt(x, y)]
	return d, ok
}

// Scaled maps keypoints onto an image resampled by factor. When several
// keypoints land on the same pixel the one with the smallest source
// coordinate (row major) wins.
func (f Features) Scaled(factor float32) Features {
	if len(f) == 0 || factor == 1 {
		return f
	}
	out := make(Features, len(f))
	origin := make(map[image.Point]image.Point, len(f))
	for p, d := range f {
		q := image.Pt(int(float32(p.X)*factor), int(float32(p.Y)*factor))
		if prev, ok := origin[q]; ok && (prev.Y < p.Y || (prev.Y == p.Y && prev.X < p.X)) {
			continue
		}
		origin[q] = p
		out[q] = d
	}
	return out
}
