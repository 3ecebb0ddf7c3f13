package gpu

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gekko3d/surfelrec"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f32At(buf []byte, off int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
}

func TestEncodeSurfel(t *testing.T) {
	s := surfelrec.Surfel{
		Position:   mgl32.Vec3{1, 2, 3},
		Normal:     mgl32.Vec3{0, 1, 0},
		Radius:     0.25,
		Color:      colorful.Color{R: 1, G: 0.5, B: 0},
		Confidence: 7,
		LastSeen:   42,
		HasFeature: true,
	}
	buf := make([]byte, RecordSize)
	EncodeSurfel(buf, &s)

	assert.Equal(t, float32(1), f32At(buf, 0))
	assert.Equal(t, float32(3), f32At(buf, 8))
	assert.Equal(t, float32(0.25), f32At(buf, 12))
	assert.Equal(t, float32(1), f32At(buf, 20))
	assert.Equal(t, float32(7), f32At(buf, 28))
	assert.Equal(t, uint32(0xff0080ff), binary.LittleEndian.Uint32(buf[32:]))
	assert.Equal(t, uint32(42), binary.LittleEndian.Uint32(buf[36:]))
	assert.Equal(t, uint32(FlagLive|FlagFeature), binary.LittleEndian.Uint32(buf[40:]))
}

func testModel(t *testing.T, capacity int) *surfelrec.SurfelModel {
	t.Helper()
	m, err := surfelrec.NewSurfelModel(capacity)
	require.NoError(t, err)
	return m
}

func testSurfel(x float32) surfelrec.Surfel {
	return surfelrec.Surfel{
		Position:   mgl32.Vec3{x, 0, 1},
		Normal:     mgl32.Vec3{0, 0, -1},
		Radius:     0.01,
		Confidence: 1,
	}
}

func encodeLatest(m *surfelrec.SurfelModel, dst []byte) []byte {
	s := m.SnapshotForRender()
	defer s.Release()
	return EncodeSnapshot(s, dst)
}

func TestEncodeSnapshot_FreeSlotsAreZero(t *testing.T) {
	m := testModel(t, 3)
	for i := 0; i < 2; i++ {
		_, err := m.Insert(testSurfel(float32(i)))
		require.NoError(t, err)
	}
	require.NoError(t, m.Remove(0))
	m.Publish()

	buf := encodeLatest(m, []byte{0xaa})
	require.Len(t, buf, 3*RecordSize)
	assert.Equal(t, make([]byte, RecordSize), buf[:RecordSize])
	assert.Equal(t, uint32(FlagLive), binary.LittleEndian.Uint32(buf[RecordSize+40:]))
	assert.Equal(t, make([]byte, RecordSize), buf[2*RecordSize:])
}

func TestDirtyRanges(t *testing.T) {
	m := testModel(t, 40)
	for i := 0; i < 40; i++ {
		_, err := m.Insert(testSurfel(float32(i)))
		require.NoError(t, err)
	}
	m.Publish()
	prev := encodeLatest(m, nil)

	assert.Empty(t, DirtyRanges(prev, prev, 2))
	assert.Equal(t, []ByteRange{{Offset: 0, Size: 40 * RecordSize}}, DirtyRanges(nil, prev, 2))

	for _, id := range []surfelrec.SlotId{3, 5, 30} {
		require.NoError(t, m.Update(id, func(s *surfelrec.Surfel) { s.Confidence = 9 }))
	}
	m.Publish()
	next := encodeLatest(m, nil)

	// Slots 3 and 5 are within the gap and share one write.
	assert.Equal(t, []ByteRange{
		{Offset: 3 * RecordSize, Size: 3 * RecordSize},
		{Offset: 30 * RecordSize, Size: RecordSize},
	}, DirtyRanges(prev, next, 2))

	assert.Equal(t, []ByteRange{
		{Offset: 3 * RecordSize, Size: RecordSize},
		{Offset: 5 * RecordSize, Size: RecordSize},
		{Offset: 30 * RecordSize, Size: RecordSize},
	}, DirtyRanges(prev, next, 0))
}
