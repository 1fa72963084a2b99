package view

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/rs/zerolog"

	"bastom.dev/internal/sim/blocks"
	"bastom.dev/internal/sim/entity"
	"bastom.dev/internal/sim/simerr"
	"bastom.dev/internal/sim/spatial"
	"bastom.dev/internal/sim/terrain"
)

type harness struct {
	t     *testing.T
	reg   *entity.Registry
	store *terrain.Store
	mgr   *Manager
	tick  uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		reg:   entity.NewRegistry(8),
		store: terrain.NewStore(terrain.Config{Height: 8, Logger: zerolog.Nop()}),
		mgr:   NewManager(Config{ChunkRadius: 1, EntityRadius: 1, Parallelism: 2}, zerolog.Nop()),
	}
	return h
}

// step runs one tick the way the scheduler does.
func (h *harness) step(mutate func()) {
	h.t.Helper()
	h.tick++
	h.store.BeginTick(h.tick)
	if mutate != nil {
		mutate()
	}
	h.store.EndTick()
	h.reg.FlushDestroyed()
	if _, _, err := h.store.Reconcile(); err != nil {
		h.t.Fatalf("reconcile: %v", err)
	}
	h.reg.TakeDirty(h.tick)
	if err := h.mgr.Sync(context.Background(), h.tick, h.reg, h.store); err != nil {
		h.t.Fatalf("sync: %v", err)
	}
}

func (h *harness) mustCreate(kind entity.Kind, pos mgl64.Vec3, comps map[string]any) entity.ID {
	h.t.Helper()
	id, err := h.reg.Create(kind, entity.State{Pos: pos, Components: comps})
	if err != nil {
		h.t.Fatalf("create: %v", err)
	}
	return id
}

func sameComponents(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || !reflect.DeepEqual(v, w) {
			return false
		}
	}
	return true
}

// assertMirror checks that the folded client state equals the authoritative
// state visible to the session.
func (h *harness) assertMirror(cs *ClientState, self entity.ID) {
	h.t.Helper()
	e, err := h.reg.Get(self)
	if err != nil {
		h.t.Fatalf("viewer: %v", err)
	}
	cc := spatial.ChunkOf(e.Pos)
	want := map[entity.ID]*entity.Entity{}
	for e := range h.reg.All() {
		if spatial.ChunkOf(e.Pos).ChebyshevDist(cc) <= 1 {
			want[e.ID] = e
		}
	}
	if len(cs.Entities) != len(want) {
		h.t.Fatalf("tick %d: client sees %d entities, want %d", h.tick, len(cs.Entities), len(want))
	}
	for id, w := range want {
		got, ok := cs.Entities[id]
		if !ok {
			h.t.Fatalf("tick %d: entity %d missing on client", h.tick, id)
		}
		if got.Pos != w.Pos || got.Vel != w.Vel || got.Kind != w.Kind || !sameComponents(got.Components, w.Components) {
			h.t.Fatalf("tick %d: entity %d diverged: client %+v server pos=%v vel=%v comps=%v", h.tick, id, got, w.Pos, w.Vel, w.Components)
		}
	}
	for pos, d := range cs.Chunks {
		c, ok := h.store.Chunk(pos)
		if !ok {
			h.t.Fatalf("tick %d: client holds unloaded chunk %v", h.tick, pos)
		}
		if !slices.Equal(d.Blocks, c.Data().Blocks) {
			h.t.Fatalf("tick %d: chunk %v diverged", h.tick, pos)
		}
	}
	if len(cs.Chunks) != 9 {
		h.t.Fatalf("tick %d: client holds %d chunks, want 9", h.tick, len(cs.Chunks))
	}
}

func TestFoldReconstructsAuthoritativeState(t *testing.T) {
	h := newHarness(t)
	player := h.mustCreate(entity.KindPlayer, mgl64.Vec3{0.5, 4, 0.5}, map[string]any{entity.CompName: "alex"})
	mob := h.mustCreate(entity.KindMob, mgl64.Vec3{3, 4, 3}, map[string]any{entity.CompHealth: 10})
	far := h.mustCreate(entity.KindMob, mgl64.Vec3{200, 4, 200}, nil)
	h.store.SetInterest(player, spatial.ChunkPos{}, 1)
	h.mgr.Open("s1", player)

	cs := NewClientState()
	var item entity.ID
	for i := 0; i < 30; i++ {
		h.step(func() {
			tick := h.tick
			e, _ := h.reg.Get(player)
			_ = h.reg.SetPosition(player, e.Pos.Add(mgl64.Vec3{0.25, 0, 0.1}))
			if tick%3 == 0 {
				_ = h.reg.SetComponent(mob, entity.CompHealth, int(10-tick/3))
			}
			if tick == 5 {
				_ = h.store.SetBlock(spatial.BlockPos{X: 2, Y: 4, Z: 2}, blocks.Stone)
				_ = h.store.SetBlock(spatial.BlockPos{X: -3, Y: 0, Z: 7}, blocks.Air)
			}
			if tick == 8 {
				_ = h.reg.SetVelocity(mob, mgl64.Vec3{0, 0, 0.5})
				_ = h.reg.RemoveComponent(player, entity.CompName)
			}
			if tick == 11 {
				_ = h.reg.Destroy(mob)
				item = h.mustCreate(entity.KindItem, mgl64.Vec3{1, 4, 1}, map[string]any{entity.CompTTL: 40})
			}
			if tick == 17 {
				_ = h.reg.SetPosition(far, mgl64.Vec3{5, 4, 5})
			}
			if tick == 23 {
				_ = h.reg.SetPosition(item, mgl64.Vec3{300, 4, 300})
			}
		})
		// pull on an irregular schedule so several ticks coalesce
		if h.tick%4 == 1 || h.tick%7 == 0 || h.tick == 30 {
			p, ok, err := h.mgr.Pending("s1")
			if err != nil {
				t.Fatalf("pending: %v", err)
			}
			if !ok {
				continue
			}
			if p.Tick != h.tick {
				t.Fatalf("payload tick %d, want %d", p.Tick, h.tick)
			}
			Fold(cs, p)
			h.assertMirror(cs, player)
		}
	}
	if cs.Tick != 30 || cs.Self != player {
		t.Fatalf("client tick=%d self=%d", cs.Tick, cs.Self)
	}
}

func TestUnpulledPayloadsCoalesce(t *testing.T) {
	h := newHarness(t)
	player := h.mustCreate(entity.KindPlayer, mgl64.Vec3{0, 4, 0}, nil)
	h.store.SetInterest(player, spatial.ChunkPos{}, 1)
	h.mgr.Open("s1", player)

	h.step(nil)
	if _, ok, _ := h.mgr.Pending("s1"); !ok {
		t.Fatalf("initial payload missing")
	}
	notify, err := h.mgr.Notify("s1")
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	for i := 1; i <= 5; i++ {
		h.step(func() { _ = h.reg.SetPosition(player, mgl64.Vec3{float64(i), 4, 0}) })
	}
	select {
	case <-notify:
	default:
		t.Fatalf("expected a notification")
	}
	p, ok, _ := h.mgr.Pending("s1")
	if !ok {
		t.Fatalf("expected pending payload")
	}
	if len(p.Updated) != 1 || p.Updated[0].Pos == nil || *p.Updated[0].Pos != (mgl64.Vec3{5, 4, 0}) {
		t.Fatalf("coalesced payload: %+v", p.Updated)
	}
	if p.Reset || len(p.ChunkLoads) != 0 {
		t.Fatalf("steady-state payload must not resend chunks: reset=%v loads=%d", p.Reset, len(p.ChunkLoads))
	}
	if _, ok, _ := h.mgr.Pending("s1"); ok {
		t.Fatalf("payload pulled twice")
	}

	h.step(nil)
	if _, ok, _ := h.mgr.Pending("s1"); ok {
		t.Fatalf("no change must produce no payload")
	}
}

func TestCloseDiscardsOnlyBookkeeping(t *testing.T) {
	h := newHarness(t)
	player := h.mustCreate(entity.KindPlayer, mgl64.Vec3{0, 4, 0}, nil)
	h.mgr.Open("s1", player)
	h.step(nil)
	if !h.mgr.Close("s1") {
		t.Fatalf("close reported unknown session")
	}
	if _, _, err := h.mgr.Pending("s1"); !errors.Is(err, simerr.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, err := h.reg.Get(player); err != nil {
		t.Fatalf("authoritative entity touched by close: %v", err)
	}
	h.step(nil)
}

func TestEncodeDecode(t *testing.T) {
	pos := mgl64.Vec3{1.5, 2, -3}
	in := Payload{
		Tick:    42,
		Self:    7,
		Reset:   true,
		Spawned: []entity.Snapshot{{ID: 7, Kind: entity.KindPlayer, Pos: pos, Components: map[string]any{"name": "alex"}}},
		Updated: []EntityDelta{{ID: 9, Pos: &pos, Unset: []string{"ttl"}}},
		Removed: []entity.ID{3},
		ChunkLoads: []ChunkLoad{{
			Pos: spatial.ChunkPos{X: -1, Z: 2}, Epoch: 4, Version: 40, Height: 1,
			Blocks: make([]blocks.ID, 256),
		}},
		BlockChanges: []terrain.BlockUpdate{{Pos: spatial.BlockPos{X: -16, Y: 0, Z: 32}, Block: blocks.Dirt}},
	}
	raw, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Tick != 42 || out.Self != 7 || !out.Reset || out.Spawned[0].Pos != pos || out.Spawned[0].Components["name"] != "alex" {
		t.Fatalf("decoded header/spawn: %+v", out)
	}
	if *out.Updated[0].Pos != pos || out.Updated[0].Vel != nil || out.Removed[0] != 3 {
		t.Fatalf("decoded deltas: %+v", out.Updated)
	}
	if len(out.ChunkLoads[0].Blocks) != 256 || out.BlockChanges[0].Block != blocks.Dirt {
		t.Fatalf("decoded chunks: %+v", out.ChunkLoads[0].Pos)
	}
	if _, err := Decode([]byte{0xc1}); err == nil {
		t.Fatalf("garbage must fail to decode")
	}
}
