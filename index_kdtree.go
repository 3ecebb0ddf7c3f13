package surfelrec

import (
	"github.com/go-gl/mathgl/mgl32"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// slotPoint is a tree entry. gen ties the entry to one incarnation of the
// slot; entries whose generation is no longer current are tombstones.
type slotPoint struct {
	id  SlotId
	gen uint32
	pos [3]float64
}

func newSlotPoint(id SlotId, gen uint32, p mgl32.Vec3) slotPoint {
	return slotPoint{id: id, gen: gen, pos: [3]float64{float64(p[0]), float64(p[1]), float64(p[2])}}
}

func (p slotPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(slotPoint)
	return p.pos[d] - q.pos[d]
}

func (p slotPoint) Dims() int { return 3 }

// Distance returns the squared euclidean distance.
func (p slotPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(slotPoint)
	dx, dy, dz := p.pos[0]-q.pos[0], p.pos[1]-q.pos[1], p.pos[2]-q.pos[2]
	return dx*dx + dy*dy + dz*dz
}

type slotPoints []slotPoint

func (p slotPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p slotPoints) Len() int                      { return len(p) }
func (p slotPoints) Pivot(d kdtree.Dim) int        { return plane{Dim: d, slotPoints: p}.Pivot() }
func (p slotPoints) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}

type plane struct {
	kdtree.Dim
	slotPoints
}

func (p plane) Less(i, j int) bool { return p.slotPoints[i].pos[p.Dim] < p.slotPoints[j].pos[p.Dim] }
func (p plane) Pivot() int         { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{Dim: p.Dim, slotPoints: p.slotPoints[start:end]}
}
func (p plane) Swap(i, j int) {
	p.slotPoints[i], p.slotPoints[j] = p.slotPoints[j], p.slotPoints[i]
}

// minRebuildTombstones keeps small trees from rebuilding on every removal.
const minRebuildTombstones = 256

// KDTreeIndex is a gonum k-d tree with lazy deletion. Removed or moved
// entries stay in the tree as tombstones and the tree is rebuilt from the
// live set once tombstones outnumber live entries.
type KDTreeIndex struct {
	tree  *kdtree.Tree
	live  map[SlotId]slotPoint
	gens  map[SlotId]uint32
	stale int
}

func NewKDTreeIndex() *KDTreeIndex {
	return &KDTreeIndex{
		tree: kdtree.New(slotPoints(nil), false),
		live: make(map[SlotId]slotPoint),
		gens: make(map[SlotId]uint32),
	}
}

func (t *KDTreeIndex) Len() int { return len(t.live) }

func (t *KDTreeIndex) Insert(id SlotId, p mgl32.Vec3) {
	if _, ok := t.live[id]; ok {
		t.stale++
	}
	gen := t.gens[id] + 1
	t.gens[id] = gen
	sp := newSlotPoint(id, gen, p)
	t.live[id] = sp
	t.tree.Insert(sp, false)
}

func (t *KDTreeIndex) Move(id SlotId, from, to mgl32.Vec3) {
	if cur, ok := t.live[id]; ok && cur == newSlotPoint(id, cur.gen, to) {
		return
	}
	t.Insert(id, to)
	t.maybeRebuild()
}

func (t *KDTreeIndex) Remove(id SlotId, p mgl32.Vec3) {
	if _, ok := t.live[id]; !ok {
		return
	}
	delete(t.live, id)
	t.gens[id]++
	t.stale++
	t.maybeRebuild()
}

func (t *KDTreeIndex) QueryRadius(center mgl32.Vec3, radius float32, dst []SlotId) []SlotId {
	if t.tree.Root == nil || len(t.live) == 0 {
		return dst
	}
	r := float64(radius)
	keep := kdtree.NewDistKeeper(r * r)
	t.tree.NearestSet(keep, newSlotPoint(NoSlot, 0, center))
	for _, c := range keep.Heap {
		// The keeper is seeded with a nil sentinel at the search radius.
		if c.Comparable == nil {
			continue
		}
		sp := c.Comparable.(slotPoint)
		if cur, ok := t.live[sp.id]; ok && cur.gen == sp.gen {
			dst = append(dst, sp.id)
		}
	}
	return dst
}

func (t *KDTreeIndex) maybeRebuild() {
	if t.stale < minRebuildTombstones || t.stale <= len(t.live) {
		return
	}
	t.Rebuild()
}

// Rebuild constructs a balanced tree from the live entries.
func (t *KDTreeIndex) Rebuild() {
	pts := make(slotPoints, 0, len(t.live))
	for _, sp := range t.live {
		pts = append(pts, sp)
	}
	t.tree = kdtree.New(pts, false)
	t.stale = 0
}
