package surfelrec

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
)

// SpatialIndex is the nearest-neighbour backend of correspondence search. It
// only stores slot ids and positions; the model filters candidates by normal
// and orders them.
type SpatialIndex interface {
	Insert(id SlotId, p mgl32.Vec3)
	Move(id SlotId, from, to mgl32.Vec3)
	Remove(id SlotId, p mgl32.Vec3)
	// QueryRadius appends to dst every id within radius of center.
	QueryRadius(center mgl32.Vec3, radius float32, dst []SlotId) []SlotId
	Len() int
}

type IndexKind string

const (
	IndexGrid   IndexKind = "grid"
	IndexKDTree IndexKind = "kdtree"
)

// NewSpatialIndex builds the index named by kind.
func NewSpatialIndex(kind IndexKind, cellSize float32) (SpatialIndex, error) {
	switch kind {
	case IndexGrid, "":
		if !(cellSize > 0) {
			return nil, invalidArgument("index cell size must be positive, got %v", cellSize)
		}
		return NewSpatialHashGrid(cellSize), nil
	case IndexKDTree:
		return NewKDTreeIndex(), nil
	default:
		return nil, fmt.Errorf("%w: unknown index kind %q", ErrInvalidArgument, kind)
	}
}
