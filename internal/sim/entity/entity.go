package entity

import (
	"maps"

	"github.com/go-gl/mathgl/mgl64"

	"bastom.dev/internal/sim/spatial"
)

type ID = spatial.ID

type Kind string

const (
	KindPlayer     Kind = "player"
	KindMob        Kind = "mob"
	KindProjectile Kind = "projectile"
	KindItem       Kind = "item"
)

func (k Kind) Valid() bool {
	switch k {
	case KindPlayer, KindMob, KindProjectile, KindItem:
		return true
	}
	return false
}

// Well-known component names used by the built-in systems.
const (
	CompName     = "name"
	CompHealth   = "health"
	CompTTL      = "ttl"       // remaining ticks before expiry
	CompAI       = "ai"        // "wander" or "idle"
	CompSession  = "session"   // owning session id for players
	CompOnGround = "on_ground" // set by collision
)

// State is the creation-time state of an entity.
type State struct {
	Pos        mgl64.Vec3
	Vel        mgl64.Vec3
	Components map[string]any
}

// Snapshot is a detached copy of an entity, safe to hand to other goroutines.
type Snapshot struct {
	ID         ID             `json:"id" msgpack:"id"`
	Kind       Kind           `json:"kind" msgpack:"kind"`
	Pos        mgl64.Vec3     `json:"pos" msgpack:"pos"`
	Vel        mgl64.Vec3     `json:"vel" msgpack:"vel"`
	Components map[string]any `json:"components,omitempty" msgpack:"components,omitempty"`
}

type dirtyBits uint8

const (
	dirtyPos dirtyBits = 1 << iota
	dirtyVel
	dirtyComps
)

// Entity is a mutable world actor. Fields are read freely by systems and the
// view layer; writes go through Registry so the spatial index stays in sync.
type Entity struct {
	ID         ID
	Kind       Kind
	Pos        mgl64.Vec3
	Vel        mgl64.Vec3
	Components map[string]any

	// Dirty since the last TakeDirty.
	dirty        dirtyBits
	dirtyComps   map[string]struct{}
	removedComps map[string]struct{}

	// Change ticks, written by TakeDirty and read by the view layer.
	PosTick   uint64
	VelTick   uint64
	CompTicks map[string]uint64
	RemovedAt map[string]uint64

	destroyed bool
}

// Destroyed reports whether destruction is pending for the entity.
func (e *Entity) Destroyed() bool { return e.destroyed }

func (e *Entity) Dirty() bool { return e.dirty != 0 }

func (e *Entity) Component(name string) (any, bool) {
	v, ok := e.Components[name]
	return v, ok
}

func (e *Entity) Snapshot() Snapshot {
	s := Snapshot{ID: e.ID, Kind: e.Kind, Pos: e.Pos, Vel: e.Vel}
	if len(e.Components) > 0 {
		s.Components = maps.Clone(e.Components)
	}
	return s
}

func (e *Entity) markComp(name string) {
	if e.dirtyComps == nil {
		e.dirtyComps = map[string]struct{}{}
	}
	e.dirtyComps[name] = struct{}{}
	delete(e.removedComps, name)
	e.dirty |= dirtyComps
}

func (e *Entity) markRemovedComp(name string) {
	if e.removedComps == nil {
		e.removedComps = map[string]struct{}{}
	}
	e.removedComps[name] = struct{}{}
	delete(e.dirtyComps, name)
	e.dirty |= dirtyComps
}

func (e *Entity) commit(tick uint64) {
	if e.dirty&dirtyPos != 0 {
		e.PosTick = tick
	}
	if e.dirty&dirtyVel != 0 {
		e.VelTick = tick
	}
	for name := range e.dirtyComps {
		if e.CompTicks == nil {
			e.CompTicks = map[string]uint64{}
		}
		e.CompTicks[name] = tick
		delete(e.RemovedAt, name)
	}
	for name := range e.removedComps {
		if e.RemovedAt == nil {
			e.RemovedAt = map[string]uint64{}
		}
		e.RemovedAt[name] = tick
		delete(e.CompTicks, name)
	}
	e.dirty = 0
	clear(e.dirtyComps)
	clear(e.removedComps)
}
