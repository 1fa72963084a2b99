package spatial

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// ChunkSize is the horizontal edge length of a chunk in blocks.
const ChunkSize = 16

type BlockPos struct {
	X, Y, Z int
}

func (p BlockPos) String() string { return fmt.Sprintf("(%d,%d,%d)", p.X, p.Y, p.Z) }

// Chunk returns the chunk column containing the block.
func (p BlockPos) Chunk() ChunkPos {
	return ChunkPos{X: FloorDiv(p.X, ChunkSize), Z: FloorDiv(p.Z, ChunkSize)}
}

// Vec returns the minimum corner of the block.
func (p BlockPos) Vec() mgl64.Vec3 {
	return mgl64.Vec3{float64(p.X), float64(p.Y), float64(p.Z)}
}

type ChunkPos struct {
	X, Z int
}

func (c ChunkPos) String() string { return fmt.Sprintf("[%d,%d]", c.X, c.Z) }

// ChebyshevDist is the chunk-grid distance used for view and interest radii.
func (c ChunkPos) ChebyshevDist(o ChunkPos) int {
	dx := c.X - o.X
	if dx < 0 {
		dx = -dx
	}
	dz := c.Z - o.Z
	if dz < 0 {
		dz = -dz
	}
	if dx > dz {
		return dx
	}
	return dz
}

// Region returns the column's bounds over the given vertical range.
func (c ChunkPos) Region(minY, maxY float64) Region {
	return Region{
		Min: mgl64.Vec3{float64(c.X * ChunkSize), minY, float64(c.Z * ChunkSize)},
		Max: mgl64.Vec3{float64(c.X*ChunkSize + ChunkSize), maxY, float64(c.Z*ChunkSize + ChunkSize)},
	}
}

// BlockAt returns the block containing pos.
func BlockAt(pos mgl64.Vec3) BlockPos {
	return BlockPos{
		X: int(math.Floor(pos[0])),
		Y: int(math.Floor(pos[1])),
		Z: int(math.Floor(pos[2])),
	}
}

// ChunkOf answers "which chunk contains position P".
func ChunkOf(pos mgl64.Vec3) ChunkPos {
	return BlockAt(pos).Chunk()
}

// Region is a half-open axis-aligned box [Min, Max).
type Region struct {
	Min mgl64.Vec3
	Max mgl64.Vec3
}

func (r Region) Contains(p mgl64.Vec3) bool {
	return p[0] >= r.Min[0] && p[0] < r.Max[0] &&
		p[1] >= r.Min[1] && p[1] < r.Max[1] &&
		p[2] >= r.Min[2] && p[2] < r.Max[2]
}

// RegionAround is the cube of the given half-extent centred on c.
func RegionAround(c mgl64.Vec3, half float64) Region {
	h := mgl64.Vec3{half, half, half}
	return Region{Min: c.Sub(h), Max: c.Add(h)}
}

// RegionContaining returns the unit block region around p.
func RegionContaining(p mgl64.Vec3) Region {
	b := BlockAt(p).Vec()
	return Region{Min: b, Max: b.Add(mgl64.Vec3{1, 1, 1})}
}

func FloorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func Mod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
