package world

import (
	"github.com/go-gl/mathgl/mgl64"

	"bastom.dev/internal/persistence/snapshot"
)

type WorldConfig struct {
	ID         string
	TickRateHz int

	// Terrain.
	Height    int
	Generator string // "flat" or "void"

	// Spatial index cell edge, in blocks.
	CellSize float64

	// View distances in chunks. Chunk interest uses ChunkViewDistance.
	ChunkViewDistance  int
	EntityViewDistance int

	// Command intake.
	QueueDepth    int
	MaxPerSession int

	// Ticks run back-to-back after an overrun before the remaining lag is
	// dropped.
	MaxCatchUpTicks int

	// Dirty chunks are saved and a snapshot emitted every N ticks; 0 disables.
	CheckpointEveryTicks int

	Spawn mgl64.Vec3
	Seed  int64

	// Concurrent view diffs; 0 means GOMAXPROCS.
	SyncParallelism int
}

func (c *WorldConfig) applyDefaults() {
	if c.ID == "" {
		c.ID = "world"
	}
	if c.TickRateHz <= 0 {
		c.TickRateHz = 20
	}
	if c.Height <= 0 {
		c.Height = 64
	}
	if c.Generator == "" {
		c.Generator = "flat"
	}
	if c.CellSize <= 0 {
		c.CellSize = 8
	}
	if c.ChunkViewDistance <= 0 {
		c.ChunkViewDistance = 8
	}
	if c.EntityViewDistance <= 0 {
		c.EntityViewDistance = 5
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 4096
	}
	if c.MaxPerSession < 0 {
		c.MaxPerSession = 0
	}
	if c.MaxCatchUpTicks <= 0 {
		c.MaxCatchUpTicks = 5
	}
	if c.CheckpointEveryTicks < 0 {
		c.CheckpointEveryTicks = 0
	}
	if c.Spawn == (mgl64.Vec3{}) {
		c.Spawn = mgl64.Vec3{0, 5, 0}
	}
}

// ConfigFromSnapshot rebuilds the parts of a config that determine how s
// evolves; everything else keeps its default.
func ConfigFromSnapshot(s snapshot.V1) WorldConfig {
	return WorldConfig{
		ID:                s.Header.WorldID,
		TickRateHz:        s.TickRate,
		Height:            s.Height,
		Generator:         s.Generator,
		ChunkViewDistance: s.ChunkViewDistance,
		Spawn:             mgl64.Vec3(s.Spawn),
		Seed:              s.Seed,
	}
}
