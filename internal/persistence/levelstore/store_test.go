package levelstore

import (
	"errors"
	"testing"

	"github.com/df-mc/goleveldb/leveldb/storage"

	"bastom.dev/internal/sim/blocks"
	"bastom.dev/internal/sim/simerr"
	"bastom.dev/internal/sim/spatial"
	"bastom.dev/internal/sim/terrain"
)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open(storage.NewMemStorage())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveLoadNegativeCoords(t *testing.T) {
	s := openMem(t)
	positions := []spatial.ChunkPos{{X: -1, Z: -1}, {X: 0, Z: 0}, {X: 12, Z: -40000}}
	for i, pos := range positions {
		d := terrain.NewData(8)
		d.Set(0, 0, 0, blocks.ID(i+1))
		if err := s.SaveChunk(pos, d); err != nil {
			t.Fatalf("save %v: %v", pos, err)
		}
	}
	for i, pos := range positions {
		d, err := s.LoadChunk(pos)
		if err != nil {
			t.Fatalf("load %v: %v", pos, err)
		}
		if d.At(0, 0, 0) != blocks.ID(i+1) {
			t.Fatalf("chunk %v holds %d", pos, d.At(0, 0, 0))
		}
	}
	got, err := s.Chunks()
	if err != nil || len(got) != len(positions) {
		t.Fatalf("chunks=%v err=%v", got, err)
	}
	if _, err := s.LoadChunk(spatial.ChunkPos{X: 5, Z: 5}); !errors.Is(err, simerr.ErrNotFound) {
		t.Fatalf("missing chunk: %v", err)
	}
}

func TestCorruptValue(t *testing.T) {
	s := openMem(t)
	pos := spatial.ChunkPos{X: 2, Z: 3}
	if err := s.db.Put(chunkKey(pos), []byte{1, 2, 3}, nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.LoadChunk(pos); !errors.Is(err, simerr.ErrCorrupt) {
		t.Fatalf("err=%v want ErrCorrupt", err)
	}
}

func TestStoreReloadsSavedChunk(t *testing.T) {
	s := openMem(t)
	st := terrain.NewStore(terrain.Config{Height: 8, Provider: s})
	pos := spatial.BlockPos{X: 4, Y: 2, Z: 4}

	st.SetInterest(1, spatial.ChunkPos{}, 0)
	if _, _, err := st.Reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	st.BeginTick(1)
	if err := st.SetBlock(pos, blocks.Gravel); err != nil {
		t.Fatalf("set: %v", err)
	}
	st.EndTick()
	st.RemoveInterest(1)
	if _, unloaded, err := st.Reconcile(); err != nil || unloaded != 1 {
		t.Fatalf("unload: %d %v", unloaded, err)
	}

	st.SetInterest(1, spatial.ChunkPos{}, 0)
	if _, _, err := st.Reconcile(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if b, err := st.GetBlock(pos); err != nil || b != blocks.Gravel {
		t.Fatalf("block=%v err=%v", b, err)
	}
}
