package surfelrec

import (
	"sync/atomic"

	"github.com/gekko3d/surfelrec/sensor"
	"github.com/google/uuid"
)

// Snapshot is a published, immutable version of a SurfelModel. Surfels are
// indexed by slot; Live marks occupied slots. A snapshot obtained from
// SnapshotForRender must be released exactly once.
type Snapshot struct {
	ModelID uuid.UUID
	Version uint64
	Frame   int
	Count   int
	Camera  sensor.PinholeCamera

	Surfels []Surfel
	Live    []bool

	refs atomic.Int32
}

func newSnapshot(capacity int) *Snapshot {
	return &Snapshot{
		Surfels: make([]Surfel, capacity),
		Live:    make([]bool, capacity),
	}
}

// Retain adds a reference. The caller must already hold one.
func (s *Snapshot) Retain() {
	s.refs.Add(1)
}

// Release drops a reference. The snapshot must not be read afterwards.
func (s *Snapshot) Release() {
	if s.refs.Add(-1) < 0 {
		panic("surfelrec: snapshot released more often than acquired")
	}
}

func (s *Snapshot) Len() int { return s.Count }

func (s *Snapshot) Get(id SlotId) (Surfel, bool) {
	if int(id) >= len(s.Live) || !s.Live[id] {
		return Surfel{}, false
	}
	return s.Surfels[id], true
}

// ForEach visits live surfels in slot order until fn returns false.
func (s *Snapshot) ForEach(fn func(id SlotId, sf *Surfel) bool) {
	for i := range s.Live {
		if s.Live[i] && !fn(SlotId(i), &s.Surfels[i]) {
			return
		}
	}
}

// renderMirror is the double-buffered render view of a model. front is the
// latest published buffer. back trails it by the slots dirtied in the
// previous publish and is only rewritten when no reader holds it.
type renderMirror struct {
	latest atomic.Pointer[Snapshot]
	front  *Snapshot
	back   *Snapshot

	dirty     []SlotId
	dirtyMark []bool
	// lagging lists the slots back is missing relative to front.
	lagging []SlotId

	modelID uuid.UUID
	version uint64
	copies  uint64
}

func (m *renderMirror) init(capacity int, modelID uuid.UUID, camera sensor.PinholeCamera) {
	m.modelID = modelID
	m.front = newSnapshot(capacity)
	m.back = newSnapshot(capacity)
	m.front.ModelID = modelID
	m.front.Camera = camera
	m.dirtyMark = make([]bool, capacity)
	m.latest.Store(m.front)
}

func (m *renderMirror) markDirty(id SlotId) {
	if m.dirtyMark[id] {
		return
	}
	m.dirtyMark[id] = true
	m.dirty = append(m.dirty, id)
}

// acquire returns the latest snapshot with a reference held. The pointer is
// re-read after taking the reference so that a buffer the writer has since
// recycled is never handed out.
func (m *renderMirror) acquire() *Snapshot {
	for {
		s := m.latest.Load()
		s.refs.Add(1)
		if m.latest.Load() == s {
			return s
		}
		s.refs.Add(-1)
	}
}

// publish makes the canonical state visible to readers.
func (m *renderMirror) publish(surfels []Surfel, live []bool, count, frame int, camera sensor.PinholeCamera) *Snapshot {
	var next *Snapshot
	if m.back.refs.Load() == 0 {
		next = m.back
		for _, id := range m.lagging {
			next.Surfels[id], next.Live[id] = surfels[id], live[id]
		}
		for _, id := range m.dirty {
			next.Surfels[id], next.Live[id] = surfels[id], live[id]
		}
	} else {
		// A reader still holds the spare; leave it to the reader and start a
		// fresh buffer.
		next = newSnapshot(len(surfels))
		copy(next.Surfels, surfels)
		copy(next.Live, live)
		m.copies++
	}

	m.version++
	next.ModelID = m.modelID
	next.Version = m.version
	next.Frame = frame
	next.Count = count
	next.Camera = camera

	m.latest.Store(next)
	m.back, m.front = m.front, next

	for _, id := range m.dirty {
		m.dirtyMark[id] = false
	}
	m.lagging, m.dirty = m.dirty, m.lagging[:0]
	return next
}
