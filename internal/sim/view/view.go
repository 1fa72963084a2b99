package view

import (
	"maps"
	"slices"
	"sync"

	"github.com/go-gl/mathgl/mgl64"

	"bastom.dev/internal/sim/entity"
	"bastom.dev/internal/sim/spatial"
	"bastom.dev/internal/sim/terrain"
)

// Past this many changed blocks a chunk is resent whole.
const maxBlockChanges = 512

type chunkMark struct {
	epoch   uint64
	version uint64
}

// known is what a client holds after applying every payload it pulled.
type known struct {
	tick     uint64
	entities map[entity.ID]uint64 // id -> tick last sent
	chunks   map[spatial.ChunkPos]chunkMark
}

func (k known) clone() known {
	return known{tick: k.tick, entities: maps.Clone(k.entities), chunks: maps.Clone(k.chunks)}
}

// View is one session's synchronization state. The tick goroutine writes
// pending; the transport pulls it. Both hold mu.
type View struct {
	Session string

	mu     sync.Mutex
	self   entity.ID
	center mgl64.Vec3
	acked  known
	synced bool // at least one payload was pulled

	pending *Payload
	next    known

	notify chan struct{}
}

func newView(session string, self entity.ID) *View {
	return &View{
		Session: session,
		self:    self,
		acked: known{
			entities: map[entity.ID]uint64{},
			chunks:   map[spatial.ChunkPos]chunkMark{},
		},
		notify: make(chan struct{}, 1),
	}
}

// Notify fires when a payload becomes pending.
func (v *View) Notify() <-chan struct{} { return v.notify }

// Pull hands the pending payload to the caller and commits its bookkeeping.
func (v *View) Pull() (Payload, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pending == nil {
		return Payload{}, false
	}
	p := *v.pending
	v.acked = v.next
	v.pending = nil
	v.next = known{}
	v.synced = true
	return p, true
}

type source struct {
	tick        uint64
	reg         *entity.Registry
	store       *terrain.Store
	chunkRadius int
	entRadius   int
}

// compute rebuilds the pending payload as the diff between what the client
// has acknowledged and current state. An unpulled payload is replaced, so
// the client only ever receives final values. Reads shared state only.
func (v *View) compute(src source) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if e, err := src.reg.Get(v.self); err == nil {
		v.center = e.Pos
	}
	cur := v.acked.clone()
	cur.tick = src.tick
	p := Payload{Tick: src.tick, Self: v.self, Reset: !v.synced}

	v.diffEntities(src, &cur, &p)
	v.diffChunks(src, &cur, &p)

	if p.Empty() {
		v.pending = nil
		v.next = known{}
		return
	}
	v.pending = &p
	v.next = cur
	select {
	case v.notify <- struct{}{}:
	default:
	}
}

func (v *View) diffEntities(src source, cur *known, p *Payload) {
	cc := spatial.ChunkOf(v.center)
	r := src.entRadius
	region := spatial.Region{
		Min: mgl64.Vec3{float64((cc.X - r) * spatial.ChunkSize), -1e9, float64((cc.Z - r) * spatial.ChunkSize)},
		Max: mgl64.Vec3{float64((cc.X + r + 1) * spatial.ChunkSize), 1e9, float64((cc.Z + r + 1) * spatial.ChunkSize)},
	}
	visible := map[entity.ID]*entity.Entity{}
	for _, e := range src.reg.InRegion(region) {
		visible[e.ID] = e
	}
	// The viewer always sees itself.
	if e, err := src.reg.Get(v.self); err == nil {
		visible[e.ID] = e
	}

	for _, id := range slices.Sorted(maps.Keys(cur.entities)) {
		if _, ok := visible[id]; !ok {
			p.Removed = append(p.Removed, id)
			delete(cur.entities, id)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(visible)) {
		e := visible[id]
		last, ok := cur.entities[id]
		if !ok {
			p.Spawned = append(p.Spawned, e.Snapshot())
			cur.entities[id] = src.tick
			continue
		}
		if d, changed := delta(e, last); changed {
			p.Updated = append(p.Updated, d)
			cur.entities[id] = src.tick
		}
	}
}

func delta(e *entity.Entity, since uint64) (EntityDelta, bool) {
	d := EntityDelta{ID: e.ID}
	changed := false
	if e.PosTick > since {
		pos := e.Pos
		d.Pos = &pos
		changed = true
	}
	if e.VelTick > since {
		vel := e.Vel
		d.Vel = &vel
		changed = true
	}
	for name, at := range e.CompTicks {
		if at <= since {
			continue
		}
		if v, ok := e.Components[name]; ok {
			if d.Set == nil {
				d.Set = map[string]any{}
			}
			d.Set[name] = v
			changed = true
		}
	}
	for name, at := range e.RemovedAt {
		if at > since {
			d.Unset = append(d.Unset, name)
			changed = true
		}
	}
	slices.Sort(d.Unset)
	return d, changed
}

func (v *View) diffChunks(src source, cur *known, p *Payload) {
	cc := spatial.ChunkOf(v.center)
	r := src.chunkRadius

	for _, pos := range slices.SortedFunc(maps.Keys(cur.chunks), compareChunkPos) {
		_, loaded := src.store.Chunk(pos)
		if !loaded || pos.ChebyshevDist(cc) > r {
			p.ChunkUnloads = append(p.ChunkUnloads, pos)
			delete(cur.chunks, pos)
		}
	}

	for x := cc.X - r; x <= cc.X+r; x++ {
		for z := cc.Z - r; z <= cc.Z+r; z++ {
			pos := spatial.ChunkPos{X: x, Z: z}
			c, ok := src.store.Chunk(pos)
			if !ok {
				continue
			}
			mark, seen := cur.chunks[pos]
			if seen && mark.epoch == c.Epoch {
				if c.Version <= mark.version {
					continue
				}
				if changes := c.ChangesSince(mark.version); len(changes) <= maxBlockChanges {
					p.BlockChanges = append(p.BlockChanges, changes...)
					cur.chunks[pos] = chunkMark{epoch: c.Epoch, version: c.Version}
					continue
				}
			}
			d := c.Data()
			p.ChunkLoads = append(p.ChunkLoads, ChunkLoad{
				Pos:     pos,
				Epoch:   c.Epoch,
				Version: c.Version,
				Height:  d.Height,
				Blocks:  d.Blocks,
			})
			cur.chunks[pos] = chunkMark{epoch: c.Epoch, version: c.Version}
		}
	}
}

func compareChunkPos(a, b spatial.ChunkPos) int {
	if a.X != b.X {
		return a.X - b.X
	}
	return a.Z - b.Z
}
