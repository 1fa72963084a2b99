package terrain

import (
	"fmt"

	"bastom.dev/internal/sim/blocks"
	"bastom.dev/internal/sim/spatial"
)

// Generator fills a fresh chunk that has no persisted data.
type Generator interface {
	Name() string
	Generate(pos spatial.ChunkPos, d *Data)
}

// Flat fills every column with Block from y=0 up to (excluding) Top.
type Flat struct {
	Block blocks.ID
	Top   int
}

// DefaultFlat is grass from y=0 to y=3, spawn standing at y=5.
var DefaultFlat = Flat{Block: blocks.GrassBlock, Top: 4}

func (Flat) Name() string { return "flat" }

func (f Flat) Generate(_ spatial.ChunkPos, d *Data) {
	top := min(f.Top, d.Height)
	for y := 0; y < top; y++ {
		for z := 0; z < ChunkSize; z++ {
			for x := 0; x < ChunkSize; x++ {
				d.Blocks[index(x, y, z)] = f.Block
			}
		}
	}
}

// Void generates empty chunks.
type Void struct{}

func (Void) Name() string { return "void" }

func (Void) Generate(spatial.ChunkPos, *Data) {}

func GeneratorByName(name string) (Generator, error) {
	switch name {
	case "", "flat":
		return DefaultFlat, nil
	case "void":
		return Void{}, nil
	default:
		return nil, fmt.Errorf("unknown generator %q", name)
	}
}
