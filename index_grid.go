package surfelrec

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

type gridEntry struct {
	id  SlotId
	pos mgl32.Vec3
}

// SpatialHashGrid buckets points into cubic cells keyed by a spatial hash.
// Hash collisions only cost extra candidates since queries filter by distance.
type SpatialHashGrid struct {
	cellSize float32
	cells    map[uint64][]gridEntry
	count    int
}

func NewSpatialHashGrid(cellSize float32) *SpatialHashGrid {
	return &SpatialHashGrid{
		cellSize: cellSize,
		cells:    make(map[uint64][]gridEntry),
	}
}

func (grid *SpatialHashGrid) Clear() {
	clear(grid.cells)
	grid.count = 0
}

func (grid *SpatialHashGrid) Len() int { return grid.count }

func (grid *SpatialHashGrid) Insert(id SlotId, p mgl32.Vec3) {
	key := grid.keyOf(p)
	grid.cells[key] = append(grid.cells[key], gridEntry{id: id, pos: p})
	grid.count++
}

func (grid *SpatialHashGrid) Move(id SlotId, from, to mgl32.Vec3) {
	fromKey, toKey := grid.keyOf(from), grid.keyOf(to)
	if fromKey == toKey {
		entries := grid.cells[fromKey]
		for i := range entries {
			if entries[i].id == id {
				entries[i].pos = to
				return
			}
		}
	}
	if grid.removeFromCell(fromKey, id) {
		grid.count--
	}
	grid.Insert(id, to)
}

func (grid *SpatialHashGrid) Remove(id SlotId, p mgl32.Vec3) {
	if grid.removeFromCell(grid.keyOf(p), id) {
		grid.count--
	}
}

func (grid *SpatialHashGrid) removeFromCell(key uint64, id SlotId) bool {
	entries := grid.cells[key]
	for i := range entries {
		if entries[i].id != id {
			continue
		}
		last := len(entries) - 1
		entries[i] = entries[last]
		entries = entries[:last]
		if len(entries) == 0 {
			delete(grid.cells, key)
		} else {
			grid.cells[key] = entries
		}
		return true
	}
	return false
}

func (grid *SpatialHashGrid) QueryRadius(center mgl32.Vec3, radius float32, dst []SlotId) []SlotId {
	minX, maxX := grid.getCellIndex(center.X()-radius), grid.getCellIndex(center.X()+radius)
	minY, maxY := grid.getCellIndex(center.Y()-radius), grid.getCellIndex(center.Y()+radius)
	minZ, maxZ := grid.getCellIndex(center.Z()-radius), grid.getCellIndex(center.Z()+radius)

	r2 := radius * radius
	// Distinct cells can share a bucket, so visited buckets are tracked.
	var seen map[uint64]struct{}
	if (maxX-minX+1)*(maxY-minY+1)*(maxZ-minZ+1) > 1 {
		seen = make(map[uint64]struct{})
	}
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			for z := minZ; z <= maxZ; z++ {
				key := grid.hashKey(x, y, z)
				if seen != nil {
					if _, ok := seen[key]; ok {
						continue
					}
					seen[key] = struct{}{}
				}
				for _, e := range grid.cells[key] {
					d := e.pos.Sub(center)
					if d.Dot(d) <= r2 {
						dst = append(dst, e.id)
					}
				}
			}
		}
	}
	return dst
}

func (grid *SpatialHashGrid) keyOf(p mgl32.Vec3) uint64 {
	return grid.hashKey(grid.getCellIndex(p.X()), grid.getCellIndex(p.Y()), grid.getCellIndex(p.Z()))
}

func (grid *SpatialHashGrid) getCellIndex(pos float32) int {
	return int(math.Floor(float64(pos / grid.cellSize)))
}

// Simple hash function for 3D coordinates
func (grid *SpatialHashGrid) hashKey(x, y, z int) uint64 {
	// large primes for mixing
	const p1 = 73856093
	const p2 = 19349663
	const p3 = 83492791
	return uint64(x*p1 ^ y*p2 ^ z*p3)
}
