package surfelrec

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/gekko3d/surfelrec/sensor"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
)

// DefaultIndexCellSize is the grid cell edge (meters) used when no index is
// supplied.
const DefaultIndexCellSize = 0.05

type modelOptions struct {
	id           uuid.UUID
	index        SpatialIndex
	logger       Logger
	metrics      *Metrics
	renderCamera sensor.PinholeCamera
}

type ModelOption func(*modelOptions)

// WithIndex selects the correspondence search backend. The index must be
// empty.
func WithIndex(index SpatialIndex) ModelOption {
	return func(o *modelOptions) { o.index = index }
}

func WithLogger(l Logger) ModelOption {
	return func(o *modelOptions) { o.logger = l }
}

func WithMetrics(m *Metrics) ModelOption {
	return func(o *modelOptions) { o.metrics = m }
}

// WithRenderCamera sets the render pose published with the initial snapshot.
func WithRenderCamera(c sensor.PinholeCamera) ModelOption {
	return func(o *modelOptions) { o.renderCamera = c }
}

func WithModelID(id uuid.UUID) ModelOption {
	return func(o *modelOptions) { o.id = id }
}

// SurfelModel is a fixed-capacity arena of surfels. Slots are stable ids;
// freed slots are reused last-in first-out. The model is mutated by a single
// writer; readers only ever see published snapshots.
type SurfelModel struct {
	id       uuid.UUID
	capacity int

	surfels []Surfel
	live    []bool
	free    []SlotId
	count   int
	frame   int

	index   SpatialIndex
	logger  Logger
	metrics *Metrics

	renderCamera sensor.PinholeCamera
	mirror       renderMirror

	scratch []SlotId
}

func NewSurfelModel(capacity int, opts ...ModelOption) (*SurfelModel, error) {
	if capacity <= 0 {
		return nil, invalidArgument("capacity must be positive, got %d", capacity)
	}
	if uint64(capacity) >= uint64(NoSlot) {
		return nil, invalidArgument("capacity %d exceeds the slot id range", capacity)
	}
	o := modelOptions{
		renderCamera: sensor.PinholeCamera{CameraToWorld: mgl32.Ident4()},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == uuid.Nil {
		o.id = uuid.New()
	}
	if o.index == nil {
		o.index = NewSpatialHashGrid(DefaultIndexCellSize)
	} else if o.index.Len() != 0 {
		return nil, invalidArgument("spatial index must be empty, has %d entries", o.index.Len())
	}
	if o.logger == nil {
		o.logger = NopLogger{}
	}

	m := &SurfelModel{
		id:           o.id,
		capacity:     capacity,
		surfels:      make([]Surfel, capacity),
		live:         make([]bool, capacity),
		free:         make([]SlotId, capacity),
		index:        o.index,
		logger:       o.logger,
		metrics:      o.metrics,
		renderCamera: o.renderCamera,
	}
	// Stack order: slot 0 is handed out first.
	for i := range m.free {
		m.free[i] = SlotId(capacity - 1 - i)
	}
	m.mirror.init(capacity, o.id, o.renderCamera)
	return m, nil
}

// RestoreModel rebuilds a model from previously saved surfels, for example a
// checkpoint. Slot ids are not preserved. The frame counter resumes after
// the newest LastSeen.
func RestoreModel(capacity int, surfels []Surfel, opts ...ModelOption) (*SurfelModel, error) {
	if len(surfels) > capacity {
		return nil, fmt.Errorf("restoring %d surfels: %w (capacity %d)", len(surfels), ErrCapacityExceeded, capacity)
	}
	m, err := NewSurfelModel(capacity, opts...)
	if err != nil {
		return nil, err
	}
	for i, s := range surfels {
		if _, err := m.Insert(s); err != nil {
			return nil, fmt.Errorf("restoring surfel %d: %w", i, err)
		}
		m.frame = max(m.frame, s.LastSeen)
	}
	m.Publish()
	m.logger.Infof("restored %d surfels into model %s at frame %d", len(surfels), m.id, m.frame)
	return m, nil
}

func (m *SurfelModel) ID() uuid.UUID { return m.id }
func (m *SurfelModel) Capacity() int { return m.capacity }
func (m *SurfelModel) Len() int      { return m.count }

// Free returns the number of unused slots.
func (m *SurfelModel) Free() int { return len(m.free) }

// Frame is the index of the most recently started fusion frame.
func (m *SurfelModel) Frame() int { return m.frame }

func (m *SurfelModel) nextFrame() int {
	m.frame++
	return m.frame
}

func (m *SurfelModel) RenderCamera() sensor.PinholeCamera { return m.renderCamera }

// SetRenderCamera changes the pose attached to subsequent snapshots.
func (m *SurfelModel) SetRenderCamera(c sensor.PinholeCamera) { m.renderCamera = c }

func (m *SurfelModel) Index() SpatialIndex { return m.index }

// Insert stores s in a free slot. It never evicts: when the model is full
// the call fails with ErrCapacityExceeded.
func (m *SurfelModel) Insert(s Surfel) (SlotId, error) {
	if len(m.free) == 0 {
		return NoSlot, ErrCapacityExceeded
	}
	s.Normal = s.Normal.Normalize()
	if err := s.Validate(); err != nil {
		return NoSlot, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	id := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]
	m.surfels[id] = s
	m.live[id] = true
	m.count++
	m.index.Insert(id, s.Position)
	m.mirror.markDirty(id)
	return id, nil
}

func (m *SurfelModel) checkLive(id SlotId) error {
	if int(id) >= m.capacity || !m.live[id] {
		return fmt.Errorf("slot %d: %w", id, ErrSlotNotLive)
	}
	return nil
}

// Get returns a copy of the surfel in slot id.
func (m *SurfelModel) Get(id SlotId) (Surfel, bool) {
	if m.checkLive(id) != nil {
		return Surfel{}, false
	}
	return m.surfels[id], true
}

// Update applies fn to a copy of the surfel and commits it when the result
// is valid. The normal is renormalised and the index entry follows the new
// position.
func (m *SurfelModel) Update(id SlotId, fn func(s *Surfel)) error {
	if err := m.checkLive(id); err != nil {
		return err
	}
	old := m.surfels[id]
	s := old
	fn(&s)
	s.Normal = s.Normal.Normalize()
	if err := s.Validate(); err != nil {
		return fmt.Errorf("updating slot %d: %w: %v", id, ErrInvalidArgument, err)
	}
	m.surfels[id] = s
	if s.Position != old.Position {
		m.index.Move(id, old.Position, s.Position)
	}
	m.mirror.markDirty(id)
	return nil
}

// Remove frees slot id and drops its index entry.
func (m *SurfelModel) Remove(id SlotId) error {
	if err := m.checkLive(id); err != nil {
		return err
	}
	m.index.Remove(id, m.surfels[id].Position)
	m.surfels[id] = Surfel{}
	m.live[id] = false
	m.count--
	m.free = append(m.free, id)
	m.mirror.markDirty(id)
	return nil
}

// ForEach visits live surfels in slot order until fn returns false. fn must
// not mutate the model.
func (m *SurfelModel) ForEach(fn func(id SlotId, s Surfel) bool) {
	for i := range m.live {
		if m.live[i] && !fn(SlotId(i), m.surfels[i]) {
			return
		}
	}
}

// Correspondence is a candidate match for an incoming sample.
type Correspondence struct {
	Slot     SlotId
	Distance float32
}

// Correspondences appends to dst the live surfels within maxDistance of p
// whose normal is within maxAngle (radians) of n, closest first. Ties are
// broken by slot id.
func (m *SurfelModel) Correspondences(p, n mgl32.Vec3, maxDistance, maxAngle float32, dst []Correspondence) []Correspondence {
	minCos := float32(math.Cos(float64(maxAngle)))
	m.scratch = m.index.QueryRadius(p, maxDistance, m.scratch[:0])
	start := len(dst)
	for _, id := range m.scratch {
		s := &m.surfels[id]
		if s.Normal.Dot(n) < minCos {
			continue
		}
		dst = append(dst, Correspondence{Slot: id, Distance: s.Position.Sub(p).Len()})
	}
	slices.SortFunc(dst[start:], func(a, b Correspondence) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.Slot, b.Slot)
	})
	return dst
}

// Publish makes every mutation since the previous publish visible to
// readers as one version and returns it.
func (m *SurfelModel) Publish() uint64 {
	s := m.mirror.publish(m.surfels, m.live, m.count, m.frame, m.renderCamera)
	if m.metrics != nil {
		m.metrics.observePublish(m)
	}
	return s.Version
}

// Version is the most recently published version.
func (m *SurfelModel) Version() uint64 { return m.mirror.version }

// SnapshotForRender returns the latest published snapshot with a reference
// held for the caller, who must Release it. It never waits on the writer.
func (m *SurfelModel) SnapshotForRender() *Snapshot {
	return m.mirror.acquire()
}

// Surfels returns a copy of the live surfels in slot order.
func (m *SurfelModel) Surfels() []Surfel {
	out := make([]Surfel, 0, m.count)
	m.ForEach(func(_ SlotId, s Surfel) bool {
		out = append(out, s)
		return true
	})
	return out
}

// CheckInvariants verifies the arena bookkeeping, per-surfel invariants and
// that every live surfel is reachable through the index.
func (m *SurfelModel) CheckInvariants() error {
	if m.count > m.capacity {
		return fmt.Errorf("%d live surfels exceed capacity %d", m.count, m.capacity)
	}
	if m.count+len(m.free) != m.capacity {
		return fmt.Errorf("%d live + %d free != capacity %d", m.count, len(m.free), m.capacity)
	}
	if n := m.index.Len(); n != m.count {
		return fmt.Errorf("index holds %d entries for %d live surfels", n, m.count)
	}
	for _, id := range m.free {
		if m.live[id] {
			return fmt.Errorf("slot %d is both free and live", id)
		}
	}
	live := 0
	var found []SlotId
	for i := range m.live {
		if !m.live[i] {
			continue
		}
		live++
		s := &m.surfels[i]
		if err := s.Validate(); err != nil {
			return fmt.Errorf("slot %d: %w", i, err)
		}
		found = m.index.QueryRadius(s.Position, 0, found[:0])
		if !slices.Contains(found, SlotId(i)) {
			return fmt.Errorf("slot %d is not reachable from the index", i)
		}
	}
	if live != m.count {
		return fmt.Errorf("counted %d live slots, expected %d", live, m.count)
	}
	return nil
}
