package terrain

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"bastom.dev/internal/sim/blocks"
	"bastom.dev/internal/sim/spatial"
)

const ChunkSize = spatial.ChunkSize

// Data is the persisted form of a chunk column.
type Data struct {
	Height int
	Blocks []blocks.ID // len = 16*16*Height, x fastest, then z, then y
}

func NewData(height int) Data {
	return Data{Height: height, Blocks: make([]blocks.ID, ChunkSize*ChunkSize*height)}
}

func (d Data) Valid() bool {
	return d.Height > 0 && len(d.Blocks) == ChunkSize*ChunkSize*d.Height
}

// At reads local coordinates; callers check bounds.
func (d Data) At(x, y, z int) blocks.ID { return d.Blocks[index(x, y, z)] }

func (d Data) Set(x, y, z int, b blocks.ID) { d.Blocks[index(x, y, z)] = b }

func index(x, y, z int) int {
	return x + z*ChunkSize + y*ChunkSize*ChunkSize
}

// Chunk is one loaded column. Only Store mutates it.
type Chunk struct {
	Pos spatial.ChunkPos

	// Epoch identifies this load of the chunk; a reload gets a new one.
	Epoch uint64
	// Version is the tick of the latest block change, or the load tick.
	Version uint64
	// Corrupt is set when persisted data was unreadable and a default
	// chunk was generated in its place.
	Corrupt bool

	height    int
	blocks    []blocks.ID
	changedAt map[int]uint64 // block index -> tick of last change
	modified  bool           // unsaved changes

	hash      [32]byte
	hashValid bool
}

func (c *Chunk) Height() int { return c.height }

func (c *Chunk) Modified() bool { return c.modified }

// Block reads local coordinates. Callers check bounds.
func (c *Chunk) Block(x, y, z int) blocks.ID {
	return c.blocks[index(x, y, z)]
}

// Data returns a copy of the chunk contents.
func (c *Chunk) Data() Data {
	out := Data{Height: c.height, Blocks: make([]blocks.ID, len(c.blocks))}
	copy(out.Blocks, c.blocks)
	return out
}

// BlockUpdate is a block's current value, in world coordinates.
type BlockUpdate struct {
	Pos   spatial.BlockPos `json:"pos" msgpack:"pos"`
	Block blocks.ID        `json:"block" msgpack:"block"`
}

// ChangesSince lists blocks changed after tick with their current value,
// ordered by block index.
func (c *Chunk) ChangesSince(tick uint64) []BlockUpdate {
	var idx []int
	for i, at := range c.changedAt {
		if at > tick {
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	out := make([]BlockUpdate, 0, len(idx))
	for _, i := range idx {
		out = append(out, BlockUpdate{Pos: c.worldPos(i), Block: c.blocks[i]})
	}
	return out
}

func (c *Chunk) worldPos(i int) spatial.BlockPos {
	x := i % ChunkSize
	z := (i / ChunkSize) % ChunkSize
	y := i / (ChunkSize * ChunkSize)
	return spatial.BlockPos{X: c.Pos.X*ChunkSize + x, Y: y, Z: c.Pos.Z*ChunkSize + z}
}

func (c *Chunk) set(i int, b blocks.ID, tick uint64) {
	c.blocks[i] = b
	if c.changedAt == nil {
		c.changedAt = map[int]uint64{}
	}
	c.changedAt[i] = tick
	c.Version = tick
	c.modified = true
	c.hashValid = false
}

func (c *Chunk) Digest() [32]byte {
	if !c.hashValid {
		h := sha256.New()
		var tmp [2]byte
		for _, v := range c.blocks {
			binary.LittleEndian.PutUint16(tmp[:], uint16(v))
			h.Write(tmp[:])
		}
		copy(c.hash[:], h.Sum(nil))
		c.hashValid = true
	}
	return c.hash
}
