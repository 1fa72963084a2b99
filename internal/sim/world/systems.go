package world

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"bastom.dev/internal/sim/entity"
	"bastom.dev/internal/sim/spatial"
)

// Systems run in this order every tick.
func (w *World) runSystems(tick uint64) {
	w.systemMovement()
	w.systemAI(tick)
	w.systemCollision()
	w.systemExpiry()
}

// systemMovement integrates velocity; velocity is in blocks per tick.
func (w *World) systemMovement() {
	for e := range w.reg.All() {
		if e.Vel == (mgl64.Vec3{}) {
			continue
		}
		dest := e.Pos.Add(e.Vel)
		if to := spatial.ChunkOf(dest); to != spatial.ChunkOf(e.Pos) {
			// Collision cannot see unloaded terrain, so nothing walks into it.
			if _, loaded := w.store.Chunk(to); !loaded {
				_ = w.reg.SetVelocity(e.ID, mgl64.Vec3{0, e.Vel[1], 0})
				continue
			}
		}
		_ = w.reg.SetPosition(e.ID, dest)
	}
}

const (
	wanderEveryTicks = 40
	wanderSpeed      = 0.05
)

// systemAI re-rolls the heading of "wander" entities. Headings come from a
// hash of (seed, entity, tick) so replays pick the same ones.
func (w *World) systemAI(tick uint64) {
	for e := range w.reg.All() {
		mode, _ := e.Components[entity.CompAI].(string)
		if mode != "wander" {
			continue
		}
		if (tick+e.ID)%wanderEveryTicks != 0 {
			continue
		}
		h := hash3(w.cfg.Seed, e.ID, tick)
		var vel mgl64.Vec3
		if h%4 != 0 { // one roll in four stands still
			angle := float64((h>>8)%3600) / 3600 * 2 * math.Pi
			vel = mgl64.Vec3{math.Cos(angle) * wanderSpeed, 0, math.Sin(angle) * wanderSpeed}
		}
		_ = w.reg.SetVelocity(e.ID, vel)
	}
}

// systemCollision keeps entities out of solid blocks and inside the world's
// vertical bounds. Entities in unloaded chunks are left alone.
func (w *World) systemCollision() {
	top := float64(w.store.Height())
	for e := range w.reg.All() {
		pos, vel := e.Pos, e.Vel
		grounded := false

		switch {
		case pos[1] < 0:
			pos[1], vel[1] = 0, 0
			grounded = true
		case pos[1] >= top:
			pos[1], vel[1] = top-1e-6, 0
		}
		if _, loaded := w.store.Chunk(spatial.ChunkOf(pos)); loaded {
			feet := spatial.BlockAt(pos)
			if b, err := w.store.GetBlock(feet); err == nil && w.palette.Solid(b) {
				// Step up onto the block the entity sank into.
				pos[1] = float64(feet.Y + 1)
				if vel[1] < 0 {
					vel[1] = 0
				}
				grounded = true
			} else if below, err := w.store.GetBlock(spatial.BlockPos{X: feet.X, Y: feet.Y - 1, Z: feet.Z}); err == nil &&
				w.palette.Solid(below) && pos[1] == float64(feet.Y) {
				grounded = true
			}
		}

		if pos != e.Pos {
			_ = w.reg.SetPosition(e.ID, pos)
		}
		if vel != e.Vel {
			_ = w.reg.SetVelocity(e.ID, vel)
		}
		if was, _ := e.Components[entity.CompOnGround].(bool); was != grounded {
			if grounded {
				_ = w.reg.SetComponent(e.ID, entity.CompOnGround, true)
			} else {
				_ = w.reg.RemoveComponent(e.ID, entity.CompOnGround)
			}
		}
	}
}

// systemExpiry counts down "ttl" and destroys entities that reach zero.
// Destruction happens mid-iteration, so it is deferred to the end of tick.
func (w *World) systemExpiry() {
	for e := range w.reg.All() {
		v, ok := e.Components[entity.CompTTL]
		if !ok {
			continue
		}
		ttl, ok := toInt(v)
		if !ok {
			continue
		}
		ttl--
		if ttl <= 0 {
			_ = w.reg.Destroy(e.ID)
			continue
		}
		_ = w.reg.SetComponent(e.ID, entity.CompTTL, ttl)
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	}
	return 0, false
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func hash3(seed int64, a, b uint64) uint64 {
	return mix64(uint64(seed) ^ (a * 0x9e3779b97f4a7c15) ^ (b * 0xc2b2ae3d27d4eb4f))
}
