package entity

import (
	"errors"
	"slices"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"bastom.dev/internal/sim/simerr"
	"bastom.dev/internal/sim/spatial"
)

func TestCreateGetDestroy(t *testing.T) {
	r := NewRegistry(8)
	id, err := r.Create(KindMob, State{Pos: mgl64.Vec3{1, 2, 3}, Components: map[string]any{CompHealth: 20}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e, err := r.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Kind != KindMob || e.Pos != (mgl64.Vec3{1, 2, 3}) || e.Components[CompHealth] != 20 {
		t.Fatalf("unexpected entity: %+v", e)
	}
	if err := r.Destroy(id); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := r.Get(id); !errors.Is(err, simerr.ErrNotFound) {
		t.Fatalf("get after destroy: want ErrNotFound, got %v", err)
	}
	if err := r.Destroy(id); !errors.Is(err, simerr.ErrNotFound) {
		t.Fatalf("double destroy: want ErrNotFound, got %v", err)
	}
	if r.Index().Has(id) {
		t.Fatalf("destroyed entity still indexed")
	}
}

func TestCreateRejectsUnknownKind(t *testing.T) {
	r := NewRegistry(8)
	if _, err := r.Create("dragon", State{}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestIDsAreNeverReused(t *testing.T) {
	r := NewRegistry(8)
	a, _ := r.Create(KindItem, State{})
	_ = r.Destroy(a)
	b, _ := r.Create(KindItem, State{})
	if b == a {
		t.Fatalf("id %d reused", a)
	}
}

func TestDestroyDuringIterationIsDeferred(t *testing.T) {
	r := NewRegistry(8)
	var ids []ID
	for i := 0; i < 5; i++ {
		id, _ := r.Create(KindMob, State{Pos: mgl64.Vec3{float64(i), 0, 0}})
		ids = append(ids, id)
	}
	region := spatial.Region{Min: mgl64.Vec3{-1, -1, -1}, Max: mgl64.Vec3{10, 1, 1}}

	var seen []ID
	for e := range r.ForEachInRegion(region) {
		seen = append(seen, e.ID)
		if e.ID == ids[0] {
			// destroy an entity later in the iteration order
			if err := r.Destroy(ids[3]); err != nil {
				t.Fatalf("destroy mid-iteration: %v", err)
			}
		}
	}
	if slices.Contains(seen, ids[3]) {
		t.Fatalf("iteration observed destroyed entity: %v", seen)
	}
	if _, err := r.Get(ids[3]); !errors.Is(err, simerr.ErrNotFound) {
		t.Fatalf("pending destroy must be invisible to Get, got %v", err)
	}
	if r.Len() != 4 {
		t.Fatalf("len: got %d want 4", r.Len())
	}
	if n := r.FlushDestroyed(); n != 1 {
		t.Fatalf("flushed %d, want 1", n)
	}
	if r.Len() != 4 {
		t.Fatalf("len after flush: got %d want 4", r.Len())
	}
}

func TestForEachInRegionFiltersExactly(t *testing.T) {
	r := NewRegistry(16)
	in, _ := r.Create(KindMob, State{Pos: mgl64.Vec3{1.5, 0.5, 1.5}})
	_, _ = r.Create(KindMob, State{Pos: mgl64.Vec3{3, 0.5, 3}}) // same grid cell, outside region

	var got []ID
	for e := range r.ForEachInRegion(spatial.RegionContaining(mgl64.Vec3{1.5, 0.5, 1.5})) {
		got = append(got, e.ID)
	}
	if !slices.Equal(got, []ID{in}) {
		t.Fatalf("got %v want [%d]", got, in)
	}
}

func TestSetPositionKeepsIndexInSync(t *testing.T) {
	r := NewRegistry(8)
	id, _ := r.Create(KindPlayer, State{})
	for i := 1; i <= 40; i++ {
		p := mgl64.Vec3{float64(i) * 0.7, 0, -float64(i) * 0.3}
		if err := r.SetPosition(id, p); err != nil {
			t.Fatalf("set position: %v", err)
		}
		if ids := r.Index().Query(spatial.RegionContaining(p)); !slices.Contains(ids, id) {
			t.Fatalf("step %d: query at %v missing entity", i, p)
		}
	}
}

func TestTakeDirtyStampsChangeTicks(t *testing.T) {
	r := NewRegistry(8)
	id, _ := r.Create(KindMob, State{Components: map[string]any{CompName: "zed"}})
	if got := r.TakeDirty(1); !slices.Equal(got, []ID{id}) {
		t.Fatalf("dirty after create: %v", got)
	}
	e, _ := r.Get(id)
	if e.PosTick != 1 || e.CompTicks[CompName] != 1 || e.Dirty() {
		t.Fatalf("unexpected stamps: pos=%d comps=%v dirty=%v", e.PosTick, e.CompTicks, e.Dirty())
	}
	if got := r.TakeDirty(2); got != nil {
		t.Fatalf("nothing changed, got %v", got)
	}

	_ = r.SetVelocity(id, mgl64.Vec3{0, 1, 0})
	_ = r.RemoveComponent(id, CompName)
	r.TakeDirty(3)
	if e.VelTick != 3 || e.PosTick != 1 {
		t.Fatalf("vel tick %d pos tick %d", e.VelTick, e.PosTick)
	}
	if _, ok := e.CompTicks[CompName]; ok || e.RemovedAt[CompName] != 3 {
		t.Fatalf("removal not recorded: comps=%v removed=%v", e.CompTicks, e.RemovedAt)
	}

	_ = r.SetComponent(id, CompName, "zed2")
	r.TakeDirty(4)
	if _, ok := e.RemovedAt[CompName]; ok || e.CompTicks[CompName] != 4 {
		t.Fatalf("re-added component: comps=%v removed=%v", e.CompTicks, e.RemovedAt)
	}
}

func TestRestoreKeepsIDsAndAdvancesAllocator(t *testing.T) {
	r := NewRegistry(8)
	snaps := []Snapshot{
		{ID: 4, Kind: KindMob, Pos: mgl64.Vec3{1, 0, 1}},
		{ID: 9, Kind: KindPlayer, Pos: mgl64.Vec3{-5, 0, 2}, Components: map[string]any{CompName: "p"}},
	}
	if err := r.Restore(snaps, 3, 10); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if r.NextID() != 10 {
		t.Fatalf("next id: got %d want 10", r.NextID())
	}
	if got := r.Snapshots(); len(got) != 2 || got[1].Components[CompName] != "p" {
		t.Fatalf("snapshots: %+v", got)
	}
	if ids := r.Index().Query(spatial.RegionContaining(mgl64.Vec3{-5, 0, 2})); !slices.Equal(ids, []ID{9}) {
		t.Fatalf("restored entity not indexed: %v", ids)
	}
	if err := r.Restore([]Snapshot{{ID: 1, Kind: KindMob}, {ID: 1, Kind: KindMob}}, 1, 0); err == nil {
		t.Fatalf("duplicate ids must fail")
	}
}
