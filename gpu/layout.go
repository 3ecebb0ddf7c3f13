package gpu

import (
	"encoding/binary"
	"math"

	"github.com/gekko3d/surfelrec"
)

// struct Surfel {
//   position: vec3<f32>;  -- 0
//   radius: f32;          -- 12
//   normal: vec3<f32>;    -- 16
//   confidence: f32;      -- 28
//   color: u32;           -- 32 (rgba8, r in the low byte)
//   last_seen: u32;       -- 36
//   flags: u32;           -- 40
//   _pad: u32;            -- 44
// }; -> 48 bytes

const RecordSize = 48

const (
	FlagLive    = 1 << 0
	FlagFeature = 1 << 1
)

func putF32(buf []byte, v float32) {
	binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
}

// EncodeSurfel writes one record into buf[:RecordSize].
func EncodeSurfel(buf []byte, s *surfelrec.Surfel) {
	putF32(buf[0:4], s.Position.X())
	putF32(buf[4:8], s.Position.Y())
	putF32(buf[8:12], s.Position.Z())
	putF32(buf[12:16], s.Radius)

	putF32(buf[16:20], s.Normal.X())
	putF32(buf[20:24], s.Normal.Y())
	putF32(buf[24:28], s.Normal.Z())
	putF32(buf[28:32], s.Confidence)

	r, g, b := s.Color.Clamped().RGB255()
	binary.LittleEndian.PutUint32(buf[32:36], uint32(r)|uint32(g)<<8|uint32(b)<<16|0xff<<24)
	binary.LittleEndian.PutUint32(buf[36:40], uint32(max(s.LastSeen, 0)))

	flags := uint32(FlagLive)
	if s.HasFeature {
		flags |= FlagFeature
	}
	binary.LittleEndian.PutUint32(buf[40:44], flags)
	binary.LittleEndian.PutUint32(buf[44:48], 0)
}

// EncodeSnapshot writes every slot of s into dst, growing it as needed. Free
// slots are zeroed so that their flags read as not live.
func EncodeSnapshot(s *surfelrec.Snapshot, dst []byte) []byte {
	n := len(s.Live) * RecordSize
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i, live := range s.Live {
		rec := dst[i*RecordSize : (i+1)*RecordSize]
		if !live {
			clear(rec)
			continue
		}
		EncodeSurfel(rec, &s.Surfels[i])
	}
	return dst
}

// ByteRange is a half-open range of bytes.
type ByteRange struct {
	Offset, Size uint64
}

// DirtyRanges compares two encodings record by record and returns the
// coalesced ranges of next that differ from prev. Records closer than
// mergeGap records apart are merged into one range.
func DirtyRanges(prev, next []byte, mergeGap int) []ByteRange {
	var out []ByteRange
	records := len(next) / RecordSize
	lastDirty := -1
	for i := 0; i < records; i++ {
		lo, hi := i*RecordSize, (i+1)*RecordSize
		if hi <= len(prev) && string(prev[lo:hi]) == string(next[lo:hi]) {
			continue
		}
		if lastDirty >= 0 && i-lastDirty <= mergeGap+1 && len(out) > 0 {
			out[len(out)-1].Size = uint64(hi) - out[len(out)-1].Offset
		} else {
			out = append(out, ByteRange{Offset: uint64(lo), Size: RecordSize})
		}
		lastDirty = i
	}
	return out
}
