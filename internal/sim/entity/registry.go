package entity

import (
	"fmt"
	"iter"
	"maps"
	"slices"

	"github.com/go-gl/mathgl/mgl64"

	"bastom.dev/internal/sim/simerr"
	"bastom.dev/internal/sim/spatial"
)

// Registry owns every live entity and keeps the spatial index in lockstep
// with creation, destruction and movement. It is owned by the tick goroutine.
type Registry struct {
	entities map[ID]*Entity
	index    *spatial.Grid
	nextID   ID

	// iterating counts open ForEachInRegion/All loops. Destroy calls made
	// while it is non-zero are parked in pending until FlushDestroyed.
	iterating int
	pending   []ID

	dirty map[ID]struct{}
}

func NewRegistry(cellSize float64) *Registry {
	return &Registry{
		entities: map[ID]*Entity{},
		index:    spatial.NewGrid(cellSize),
		nextID:   1,
		dirty:    map[ID]struct{}{},
	}
}

func (r *Registry) Index() *spatial.Grid { return r.index }

// Len counts live entities, excluding pending destructions.
func (r *Registry) Len() int { return len(r.entities) - len(r.pending) }

// NextID is the id the next Create will allocate.
func (r *Registry) NextID() ID { return r.nextID }

func (r *Registry) Create(kind Kind, st State) (ID, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("create entity: unknown kind %q", kind)
	}
	id := r.nextID
	r.nextID++

	e := &Entity{
		ID:   id,
		Kind: kind,
		Pos:  st.Pos,
		Vel:  st.Vel,
	}
	if len(st.Components) > 0 {
		e.Components = maps.Clone(st.Components)
	} else {
		e.Components = map[string]any{}
	}
	for name := range e.Components {
		e.markComp(name)
	}
	e.dirty |= dirtyPos | dirtyVel

	r.entities[id] = e
	r.index.Insert(id, e.Pos)
	r.dirty[id] = struct{}{}
	return id, nil
}

// Get returns the live entity. Entities pending destruction are not found.
func (r *Registry) Get(id ID) (*Entity, error) {
	e, ok := r.entities[id]
	if !ok || e.destroyed {
		return nil, fmt.Errorf("entity %d: %w", id, simerr.ErrNotFound)
	}
	return e, nil
}

// Destroy removes the entity from the index at once. While an iteration is
// open the map entry survives until FlushDestroyed.
func (r *Registry) Destroy(id ID) error {
	e, err := r.Get(id)
	if err != nil {
		return err
	}
	e.destroyed = true
	r.index.Remove(id)
	delete(r.dirty, id)
	if r.iterating > 0 {
		r.pending = append(r.pending, id)
		return nil
	}
	delete(r.entities, id)
	return nil
}

// FlushDestroyed physically drops entities whose destruction was deferred.
// Returns how many were flushed.
func (r *Registry) FlushDestroyed() int {
	n := len(r.pending)
	for _, id := range r.pending {
		delete(r.entities, id)
	}
	r.pending = r.pending[:0]
	return n
}

// ForEachInRegion yields live entities whose position lies inside region,
// in ascending id order.
func (r *Registry) ForEachInRegion(region spatial.Region) iter.Seq[*Entity] {
	return func(yield func(*Entity) bool) {
		ids := r.index.Query(region)
		r.iterating++
		defer func() { r.iterating-- }()
		for _, id := range ids {
			e := r.entities[id]
			if e == nil || e.destroyed || !region.Contains(e.Pos) {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// InRegion is ForEachInRegion without iteration bookkeeping. It only reads,
// so concurrent callers are safe while nothing mutates the registry.
func (r *Registry) InRegion(region spatial.Region) []*Entity {
	var out []*Entity
	for _, id := range r.index.Query(region) {
		e := r.entities[id]
		if e == nil || e.destroyed || !region.Contains(e.Pos) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// All yields every live entity in ascending id order.
func (r *Registry) All() iter.Seq[*Entity] {
	return func(yield func(*Entity) bool) {
		ids := slices.Sorted(maps.Keys(r.entities))
		r.iterating++
		defer func() { r.iterating-- }()
		for _, id := range ids {
			e := r.entities[id]
			if e == nil || e.destroyed {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

func (r *Registry) SetPosition(id ID, pos mgl64.Vec3) error {
	e, err := r.Get(id)
	if err != nil {
		return err
	}
	if e.Pos == pos {
		return nil
	}
	e.Pos = pos
	r.index.Move(id, pos)
	e.dirty |= dirtyPos
	r.dirty[id] = struct{}{}
	return nil
}

func (r *Registry) SetVelocity(id ID, vel mgl64.Vec3) error {
	e, err := r.Get(id)
	if err != nil {
		return err
	}
	if e.Vel == vel {
		return nil
	}
	e.Vel = vel
	e.dirty |= dirtyVel
	r.dirty[id] = struct{}{}
	return nil
}

func (r *Registry) SetComponent(id ID, name string, v any) error {
	e, err := r.Get(id)
	if err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("entity %d: empty component name", id)
	}
	e.Components[name] = v
	e.markComp(name)
	r.dirty[id] = struct{}{}
	return nil
}

func (r *Registry) RemoveComponent(id ID, name string) error {
	e, err := r.Get(id)
	if err != nil {
		return err
	}
	if _, ok := e.Components[name]; !ok {
		return nil
	}
	delete(e.Components, name)
	e.markRemovedComp(name)
	r.dirty[id] = struct{}{}
	return nil
}

// TakeDirty stamps every pending change with tick, clears the dirty flags
// and returns the touched ids in ascending order.
func (r *Registry) TakeDirty(tick uint64) []ID {
	if len(r.dirty) == 0 {
		return nil
	}
	ids := slices.Sorted(maps.Keys(r.dirty))
	for _, id := range ids {
		if e := r.entities[id]; e != nil && !e.destroyed {
			e.commit(tick)
		}
	}
	clear(r.dirty)
	return ids
}

// Snapshots returns detached copies of every live entity in id order.
func (r *Registry) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(r.entities))
	for e := range r.All() {
		out = append(out, e.Snapshot())
	}
	return out
}

// Restore replaces the registry contents with snaps, keeping their ids.
// The allocator resumes at max(nextID, highest restored id + 1).
func (r *Registry) Restore(snaps []Snapshot, nextID ID, tick uint64) error {
	if r.iterating > 0 {
		return fmt.Errorf("restore entities: iteration in progress")
	}
	r.entities = map[ID]*Entity{}
	r.index = spatial.NewGrid(r.index.CellSize())
	r.pending = r.pending[:0]
	clear(r.dirty)
	if nextID < 1 {
		nextID = 1
	}
	for _, s := range snaps {
		if s.ID == 0 {
			return fmt.Errorf("restore entities: zero id")
		}
		if _, dup := r.entities[s.ID]; dup {
			return fmt.Errorf("restore entities: duplicate id %d", s.ID)
		}
		if !s.Kind.Valid() {
			return fmt.Errorf("restore entity %d: unknown kind %q", s.ID, s.Kind)
		}
		e := &Entity{ID: s.ID, Kind: s.Kind, Pos: s.Pos, Vel: s.Vel, Components: map[string]any{}}
		if len(s.Components) > 0 {
			e.Components = maps.Clone(s.Components)
		}
		e.PosTick, e.VelTick = tick, tick
		for name := range e.Components {
			if e.CompTicks == nil {
				e.CompTicks = map[string]uint64{}
			}
			e.CompTicks[name] = tick
		}
		r.entities[s.ID] = e
		r.index.Insert(s.ID, s.Pos)
		if s.ID >= nextID {
			nextID = s.ID + 1
		}
	}
	r.nextID = nextID
	return nil
}
