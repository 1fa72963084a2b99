package view

import (
	"bytes"
	"fmt"
	"maps"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/vmihailenco/msgpack/v5"

	"bastom.dev/internal/sim/blocks"
	"bastom.dev/internal/sim/entity"
	"bastom.dev/internal/sim/spatial"
	"bastom.dev/internal/sim/terrain"
)

// EntityDelta carries only the fields that changed since the entity was
// last sent to this client.
type EntityDelta struct {
	ID    entity.ID      `json:"id" msgpack:"id"`
	Pos   *mgl64.Vec3    `json:"pos,omitempty" msgpack:"pos,omitempty"`
	Vel   *mgl64.Vec3    `json:"vel,omitempty" msgpack:"vel,omitempty"`
	Set   map[string]any `json:"set,omitempty" msgpack:"set,omitempty"`
	Unset []string       `json:"unset,omitempty" msgpack:"unset,omitempty"`
}

type ChunkLoad struct {
	Pos     spatial.ChunkPos `json:"pos" msgpack:"pos"`
	Epoch   uint64           `json:"epoch" msgpack:"epoch"`
	Version uint64           `json:"version" msgpack:"version"`
	Height  int              `json:"height" msgpack:"height"`
	Blocks  []blocks.ID      `json:"blocks" msgpack:"blocks"`
}

// Payload is one coalesced update for a client. Applying it with Fold moves
// a client mirror from the previous payload's tick to Tick.
type Payload struct {
	Tick  uint64    `json:"tick" msgpack:"tick"`
	Self  entity.ID `json:"self" msgpack:"self"`
	Reset bool      `json:"reset,omitempty" msgpack:"reset,omitempty"`

	Spawned []entity.Snapshot `json:"spawned,omitempty" msgpack:"spawned,omitempty"`
	Updated []EntityDelta     `json:"updated,omitempty" msgpack:"updated,omitempty"`
	Removed []entity.ID       `json:"removed,omitempty" msgpack:"removed,omitempty"`

	ChunkLoads   []ChunkLoad           `json:"chunk_loads,omitempty" msgpack:"chunk_loads,omitempty"`
	ChunkUnloads []spatial.ChunkPos    `json:"chunk_unloads,omitempty" msgpack:"chunk_unloads,omitempty"`
	BlockChanges []terrain.BlockUpdate `json:"block_changes,omitempty" msgpack:"block_changes,omitempty"`
}

func (p *Payload) Empty() bool {
	return !p.Reset &&
		len(p.Spawned) == 0 && len(p.Updated) == 0 && len(p.Removed) == 0 &&
		len(p.ChunkLoads) == 0 && len(p.ChunkUnloads) == 0 && len(p.BlockChanges) == 0
}

func Encode(p Payload) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(&p); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return buf.Bytes(), nil
}

func Decode(b []byte) (Payload, error) {
	var p Payload
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// ClientState is the client-side mirror that payloads fold into.
type ClientState struct {
	Tick     uint64
	Self     entity.ID
	Entities map[entity.ID]entity.Snapshot
	Chunks   map[spatial.ChunkPos]terrain.Data
}

func NewClientState() *ClientState {
	return &ClientState{
		Entities: map[entity.ID]entity.Snapshot{},
		Chunks:   map[spatial.ChunkPos]terrain.Data{},
	}
}

// Fold applies payloads in order.
func Fold(s *ClientState, ps ...Payload) {
	for i := range ps {
		s.Apply(&ps[i])
	}
}

// Apply order: removals, spawns (full replace), deltas, chunk unloads,
// chunk loads, block changes.
func (s *ClientState) Apply(p *Payload) {
	if p.Reset {
		clear(s.Entities)
		clear(s.Chunks)
	}
	s.Tick = p.Tick
	s.Self = p.Self

	for _, id := range p.Removed {
		delete(s.Entities, id)
	}
	for _, e := range p.Spawned {
		e.Components = maps.Clone(e.Components)
		s.Entities[e.ID] = e
	}
	for _, d := range p.Updated {
		e, ok := s.Entities[d.ID]
		if !ok {
			continue
		}
		if d.Pos != nil {
			e.Pos = *d.Pos
		}
		if d.Vel != nil {
			e.Vel = *d.Vel
		}
		if len(d.Set) > 0 || len(d.Unset) > 0 {
			comps := maps.Clone(e.Components)
			if comps == nil {
				comps = map[string]any{}
			}
			for _, name := range d.Unset {
				delete(comps, name)
			}
			maps.Copy(comps, d.Set)
			if len(comps) == 0 {
				comps = nil
			}
			e.Components = comps
		}
		s.Entities[d.ID] = e
	}

	for _, pos := range p.ChunkUnloads {
		delete(s.Chunks, pos)
	}
	for _, c := range p.ChunkLoads {
		if c.Height <= 0 {
			continue
		}
		d := terrain.NewData(c.Height)
		copy(d.Blocks, c.Blocks)
		s.Chunks[c.Pos] = d
	}
	for _, u := range p.BlockChanges {
		d, ok := s.Chunks[u.Pos.Chunk()]
		if !ok || u.Pos.Y < 0 || u.Pos.Y >= d.Height {
			continue
		}
		d.Set(spatial.Mod(u.Pos.X, spatial.ChunkSize), u.Pos.Y, spatial.Mod(u.Pos.Z, spatial.ChunkSize), u.Block)
	}
}
