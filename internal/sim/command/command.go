package command

import (
	"fmt"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/oklog/ulid/v2"

	"bastom.dev/internal/sim/blocks"
	"bastom.dev/internal/sim/entity"
	"bastom.dev/internal/sim/spatial"
)

type Kind string

const (
	KindMove         Kind = "move"          // Vec is a displacement
	KindSetVelocity  Kind = "set_velocity"  // Vec is the new velocity
	KindTeleport     Kind = "teleport"      // Vec is the destination
	KindBreakBlock   Kind = "break_block"   // Block
	KindPlaceBlock   Kind = "place_block"   // Block, BlockID
	KindSetComponent Kind = "set_component" // Component, Value (nil removes)
	KindSpawn        Kind = "spawn"         // EntityKind, Vec, Value as components
	KindDespawn      Kind = "despawn"
	KindJoin         Kind = "join" // Name
	KindDisconnect   Kind = "disconnect"
)

var kinds = map[Kind]bool{
	KindMove: true, KindSetVelocity: true, KindTeleport: true,
	KindBreakBlock: true, KindPlaceBlock: true, KindSetComponent: true,
	KindSpawn: true, KindDespawn: true, KindJoin: true, KindDisconnect: true,
}

func (k Kind) Valid() bool { return kinds[k] }

// Critical commands bypass backpressure.
func (k Kind) Critical() bool { return k == KindJoin || k == KindDisconnect }

// JoinResult answers a join once the tick that applied it has completed.
type JoinResult struct {
	Entity entity.ID
	Tick   uint64
	Err    error
}

// Command is an immutable intent, applied exactly once by the tick loop at
// the first tick >= Tick.
type Command struct {
	ID       ulid.ULID `json:"id"`
	Session  string    `json:"session,omitempty"`
	Entity   entity.ID `json:"entity,omitempty"`
	Kind     Kind      `json:"kind"`
	Tick     uint64    `json:"tick"`
	IssuedAt time.Time `json:"issued_at"`
	Critical bool      `json:"critical,omitempty"`

	Vec        mgl64.Vec3       `json:"vec,omitempty"`
	Block      spatial.BlockPos `json:"block,omitempty"`
	BlockID    blocks.ID        `json:"block_id,omitempty"`
	Component  string           `json:"component,omitempty"`
	Value      any              `json:"value,omitempty"`
	EntityKind entity.Kind      `json:"entity_kind,omitempty"`
	Name       string           `json:"name,omitempty"`

	// Resp receives the outcome of a join. Never logged.
	Resp chan<- JoinResult `json:"-"`
}

func (c Command) Validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("unknown command kind %q", c.Kind)
	}
	switch c.Kind {
	case KindSetComponent:
		if c.Component == "" {
			return fmt.Errorf("%s: missing component", c.Kind)
		}
	case KindSpawn:
		if !c.EntityKind.Valid() {
			return fmt.Errorf("%s: unknown entity kind %q", c.Kind, c.EntityKind)
		}
	case KindJoin, KindDisconnect:
		if c.Session == "" {
			return fmt.Errorf("%s: missing session", c.Kind)
		}
	}
	for _, v := range c.Vec {
		if v != v || v > 1e9 || v < -1e9 {
			return fmt.Errorf("%s: vector out of range", c.Kind)
		}
	}
	return nil
}
