package spatial

import (
	"math"
	"slices"

	"github.com/go-gl/mathgl/mgl64"
)

// ID identifies an indexed entity.
type ID = uint64

const DefaultCellSize = 8.0

type cellKey struct {
	X, Y, Z int
}

// Grid is a sparse uniform grid keyed by discretized coordinates.
// Each entity occupies exactly one cell, the one containing its position.
// Not safe for concurrent mutation; owned by the tick goroutine.
type Grid struct {
	cellSize    float64
	invCellSize float64
	cells       map[cellKey][]ID
	entries     map[ID]cellKey
}

func NewGrid(cellSize float64) *Grid {
	if cellSize <= 0 {
		cellSize = DefaultCellSize
	}
	return &Grid{
		cellSize:    cellSize,
		invCellSize: 1.0 / cellSize,
		cells:       make(map[cellKey][]ID),
		entries:     make(map[ID]cellKey),
	}
}

func (g *Grid) CellSize() float64 { return g.cellSize }

func (g *Grid) Len() int { return len(g.entries) }

func (g *Grid) Has(id ID) bool {
	_, ok := g.entries[id]
	return ok
}

// Insert adds id at pos. Inserting an existing id behaves like Move.
func (g *Grid) Insert(id ID, pos mgl64.Vec3) {
	if _, ok := g.entries[id]; ok {
		g.Move(id, pos)
		return
	}
	k := g.keyFor(pos)
	g.entries[id] = k
	g.cells[k] = append(g.cells[k], id)
}

func (g *Grid) Remove(id ID) {
	k, ok := g.entries[id]
	if !ok {
		return
	}
	g.removeFromCell(id, k)
	delete(g.entries, id)
}

// Move relocates id. Staying in the same cell touches nothing.
// Reports whether the entity changed cell.
func (g *Grid) Move(id ID, pos mgl64.Vec3) bool {
	old, ok := g.entries[id]
	if !ok {
		g.Insert(id, pos)
		return true
	}
	k := g.keyFor(pos)
	if k == old {
		return false
	}
	g.removeFromCell(id, old)
	g.entries[id] = k
	g.cells[k] = append(g.cells[k], id)
	return true
}

// Query returns the ids whose cells overlap region, sorted ascending.
// The result is a superset at cell granularity; callers needing exact
// containment filter by position (see entity.Registry.ForEachInRegion).
func (g *Grid) Query(r Region) []ID {
	lo := g.keyFor(r.Min)
	// Max is exclusive; nudge inward so a region ending on a cell boundary
	// does not pull in the next cell.
	hi := g.keyFor(r.Max.Sub(mgl64.Vec3{1e-9, 1e-9, 1e-9}))
	if hi.X < lo.X || hi.Y < lo.Y || hi.Z < lo.Z {
		return nil
	}

	span := float64(hi.X-lo.X+1) * float64(hi.Y-lo.Y+1) * float64(hi.Z-lo.Z+1)
	var out []ID
	if span > float64(len(g.cells)) {
		for k, bucket := range g.cells {
			if k.X < lo.X || k.X > hi.X || k.Y < lo.Y || k.Y > hi.Y || k.Z < lo.Z || k.Z > hi.Z {
				continue
			}
			out = append(out, bucket...)
		}
	} else {
		for x := lo.X; x <= hi.X; x++ {
			for y := lo.Y; y <= hi.Y; y++ {
				for z := lo.Z; z <= hi.Z; z++ {
					out = append(out, g.cells[cellKey{x, y, z}]...)
				}
			}
		}
	}
	slices.Sort(out)
	return out
}

func (g *Grid) keyFor(p mgl64.Vec3) cellKey {
	return cellKey{
		X: g.coordToCell(p[0]),
		Y: g.coordToCell(p[1]),
		Z: g.coordToCell(p[2]),
	}
}

// maxCell bounds cell coordinates so spans between them stay representable.
// Anything farther out shares the edge cell.
const maxCell = 1 << 30

func (g *Grid) coordToCell(v float64) int {
	c := math.Floor(v * g.invCellSize)
	switch {
	case math.IsNaN(c):
		return 0
	case c >= maxCell:
		return maxCell
	case c <= -maxCell:
		return -maxCell
	}
	return int(c)
}

func (g *Grid) removeFromCell(id ID, k cellKey) {
	bucket := g.cells[k]
	for i := range bucket {
		if bucket[i] != id {
			continue
		}
		bucket[i] = bucket[len(bucket)-1]
		bucket = bucket[:len(bucket)-1]
		break
	}
	if len(bucket) == 0 {
		delete(g.cells, k)
	} else {
		g.cells[k] = bucket
	}
}
