package terrain

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"bastom.dev/internal/sim/blocks"
	"bastom.dev/internal/sim/simerr"
	"bastom.dev/internal/sim/spatial"
)

func newTestStore(p Provider) *Store {
	return NewStore(Config{Height: 16, Provider: p, Logger: zerolog.Nop()})
}

func TestGetSetBlockRequiresLoadedChunkAndTick(t *testing.T) {
	s := newTestStore(nil)
	pos := spatial.BlockPos{X: 1, Y: 4, Z: 1}

	if _, err := s.GetBlock(pos); !errors.Is(err, simerr.ErrNotFound) {
		t.Fatalf("unloaded get: want ErrNotFound, got %v", err)
	}
	s.SetInterest(1, spatial.ChunkPos{}, 0)
	if loaded, _, err := s.Reconcile(); err != nil || loaded != 1 {
		t.Fatalf("reconcile: loaded=%d err=%v", loaded, err)
	}
	if err := s.SetBlock(pos, blocks.Stone); !errors.Is(err, simerr.ErrOutsideTick) {
		t.Fatalf("set outside tick: want ErrOutsideTick, got %v", err)
	}

	s.BeginTick(3)
	if err := s.SetBlock(pos, blocks.Stone); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetBlock(spatial.BlockPos{X: 1, Y: 99, Z: 1}, blocks.Stone); !errors.Is(err, simerr.ErrNotFound) {
		t.Fatalf("out of range y: want ErrNotFound, got %v", err)
	}
	if err := s.SetBlock(pos, blocks.ID(9999)); err == nil {
		t.Fatalf("unknown block id must fail")
	}
	changes := s.EndTick()
	if len(changes) != 1 || changes[0].From != blocks.Air || changes[0].To != blocks.Stone || changes[0].Tick != 3 {
		t.Fatalf("changes: %+v", changes)
	}

	got, err := s.GetBlock(pos)
	if err != nil || got != blocks.Stone {
		t.Fatalf("get: %v %v", got, err)
	}
	c, _ := s.Chunk(spatial.ChunkPos{})
	if c.Version != 3 || !c.Modified() {
		t.Fatalf("chunk version=%d modified=%v", c.Version, c.Modified())
	}
	if ch := c.ChangesSince(2); len(ch) != 1 || ch[0].Pos != pos {
		t.Fatalf("changes since 2: %+v", ch)
	}
	if ch := c.ChangesSince(3); len(ch) != 0 {
		t.Fatalf("changes since 3: %+v", ch)
	}
}

func TestFlatGeneratorFillsGrass(t *testing.T) {
	s := newTestStore(nil)
	if _, err := s.load(spatial.ChunkPos{X: -2, Z: 5}); err != nil {
		t.Fatalf("load: %v", err)
	}
	for y, want := range map[int]blocks.ID{0: blocks.GrassBlock, 3: blocks.GrassBlock, 4: blocks.Air} {
		got, err := s.GetBlock(spatial.BlockPos{X: -20, Y: y, Z: 90})
		if err != nil || got != want {
			t.Fatalf("y=%d: got %v (%v) want %v", y, got, err, want)
		}
	}
}

func TestUnloadOnlyWhenNoInterestCovers(t *testing.T) {
	p := NewMemoryProvider()
	s := newTestStore(p)
	s.SetInterest(1, spatial.ChunkPos{X: 0, Z: 0}, 1)
	s.SetInterest(2, spatial.ChunkPos{X: 2, Z: 0}, 1)
	if loaded, _, _ := s.Reconcile(); loaded != 15 {
		t.Fatalf("loaded %d chunks, want 15", loaded)
	}

	s.BeginTick(1)
	if err := s.SetBlock(spatial.BlockPos{X: -10, Y: 8, Z: 0}, blocks.OakLog); err != nil {
		t.Fatalf("set: %v", err)
	}
	s.EndTick()

	s.RemoveInterest(1)
	_, unloaded, err := s.Reconcile()
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	// columns x=-1 and x=0 go; x=1 is still covered by owner 2
	if unloaded != 6 {
		t.Fatalf("unloaded %d, want 6", unloaded)
	}
	if _, ok := s.Chunk(spatial.ChunkPos{X: 1, Z: 1}); !ok {
		t.Fatalf("chunk still covered by owner 2 was unloaded")
	}
	if p.Saves() != 1 {
		t.Fatalf("only the modified chunk should be saved, got %d saves", p.Saves())
	}

	s.SetInterest(1, spatial.ChunkPos{X: -1, Z: 0}, 0)
	s.Reconcile()
	got, err := s.GetBlock(spatial.BlockPos{X: -10, Y: 8, Z: 0})
	if err != nil || got != blocks.OakLog {
		t.Fatalf("reloaded block: %v %v", got, err)
	}
}

func TestCorruptChunkFallsBackToDefault(t *testing.T) {
	p := NewMemoryProvider()
	p.Put(spatial.ChunkPos{X: 4, Z: 4}, Data{Height: 16, Blocks: make([]blocks.ID, 3)})
	s := newTestStore(p)

	c, err := s.load(spatial.ChunkPos{X: 4, Z: 4})
	if err != nil {
		t.Fatalf("corrupt chunk must not fail the load: %v", err)
	}
	if !c.Corrupt || s.CorruptCount() != 1 {
		t.Fatalf("corrupt flag=%v count=%d", c.Corrupt, s.CorruptCount())
	}
	if c.Block(0, 0, 0) != blocks.GrassBlock {
		t.Fatalf("expected generated default, got %v", c.Block(0, 0, 0))
	}
	if n, err := s.SaveDirty(); err != nil || n != 1 {
		t.Fatalf("corrupt record should be overwritten: n=%d err=%v", n, err)
	}
}

func TestUnknownPaletteIDFallsBackToDefault(t *testing.T) {
	d := NewData(16)
	d.Set(3, 7, 3, blocks.ID(9999))
	p := NewMemoryProvider()
	p.Put(spatial.ChunkPos{X: 2}, d)
	s := newTestStore(p)

	c, err := s.load(spatial.ChunkPos{X: 2})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !c.Corrupt || s.CorruptCount() != 1 {
		t.Fatalf("corrupt flag=%v count=%d", c.Corrupt, s.CorruptCount())
	}
	if got := c.Block(3, 7, 3); got != blocks.Air {
		t.Fatalf("unknown id survived: %v", got)
	}
	if got := c.Block(3, 0, 3); got != blocks.GrassBlock {
		t.Fatalf("expected generated default, got %v", got)
	}
	if err := s.Import(spatial.ChunkPos{X: 3}, d); !errors.Is(err, simerr.ErrCorrupt) {
		t.Fatalf("import with unknown id: %v", err)
	}
}

type failingProvider struct{ err error }

func (f failingProvider) LoadChunk(spatial.ChunkPos) (Data, error) { return Data{}, f.err }

func (f failingProvider) SaveChunk(spatial.ChunkPos, Data) error { return f.err }

func TestProviderFailureLeavesChunkUnloaded(t *testing.T) {
	s := newTestStore(failingProvider{err: errors.New("disk gone")})
	s.SetInterest(1, spatial.ChunkPos{}, 0)
	loaded, _, err := s.Reconcile()
	if err == nil || loaded != 0 || s.Len() != 0 {
		t.Fatalf("loaded=%d len=%d err=%v", loaded, s.Len(), err)
	}
}

func TestDigestTracksContent(t *testing.T) {
	a := newTestStore(nil)
	b := newTestStore(nil)
	for _, s := range []*Store{a, b} {
		s.SetInterest(1, spatial.ChunkPos{}, 1)
		s.Reconcile()
	}
	if a.Digest() != b.Digest() {
		t.Fatalf("fresh stores differ")
	}
	a.BeginTick(1)
	_ = a.SetBlock(spatial.BlockPos{X: 0, Y: 0, Z: 0}, blocks.Dirt)
	a.EndTick()
	if a.Digest() == b.Digest() {
		t.Fatalf("digest did not change after SetBlock")
	}
}
