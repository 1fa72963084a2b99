package terrain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/rs/zerolog"

	"bastom.dev/internal/sim/blocks"
	"bastom.dev/internal/sim/simerr"
	"bastom.dev/internal/sim/spatial"
)

// Provider is the durable chunk store. LoadChunk returns simerr.ErrNotFound
// for chunks never saved and simerr.ErrCorrupt for unreadable data.
type Provider interface {
	LoadChunk(pos spatial.ChunkPos) (Data, error)
	SaveChunk(pos spatial.ChunkPos, d Data) error
}

// BlockChange is one applied SetBlock, kept for the audit log.
type BlockChange struct {
	Tick uint64           `json:"tick"`
	Pos  spatial.BlockPos `json:"pos"`
	From blocks.ID        `json:"from"`
	To   blocks.ID        `json:"to"`
}

type interest struct {
	center spatial.ChunkPos
	radius int
}

type Config struct {
	Height    int
	Generator Generator
	Provider  Provider
	Palette   *blocks.Palette
	Logger    zerolog.Logger
}

// Store holds the loaded chunks. Accessed only from the tick goroutine.
type Store struct {
	height   int
	gen      Generator
	provider Provider
	palette  *blocks.Palette
	log      zerolog.Logger

	chunks   map[spatial.ChunkPos]*Chunk
	interest map[spatial.ID]interest
	epochSeq uint64

	inTick  bool
	tick    uint64
	changes []BlockChange

	corrupt int
}

func NewStore(cfg Config) *Store {
	if cfg.Height <= 0 {
		cfg.Height = 64
	}
	if cfg.Generator == nil {
		cfg.Generator = DefaultFlat
	}
	if cfg.Provider == nil {
		cfg.Provider = NewMemoryProvider()
	}
	if cfg.Palette == nil {
		cfg.Palette = blocks.Default
	}
	return &Store{
		height:   cfg.Height,
		gen:      cfg.Generator,
		provider: cfg.Provider,
		palette:  cfg.Palette,
		log:      cfg.Logger,
		chunks:   map[spatial.ChunkPos]*Chunk{},
		interest: map[spatial.ID]interest{},
	}
}

func (s *Store) Height() int { return s.height }

func (s *Store) Len() int { return len(s.chunks) }

// CorruptCount is the number of chunk loads that hit unreadable data.
func (s *Store) CorruptCount() int { return s.corrupt }

// BeginTick opens the mutation window for tick.
func (s *Store) BeginTick(tick uint64) {
	s.inTick = true
	s.tick = tick
}

// EndTick closes the mutation window and returns the tick's block changes.
func (s *Store) EndTick() []BlockChange {
	s.inTick = false
	out := s.changes
	s.changes = nil
	return out
}

// DrainChanges returns the block changes recorded so far this tick without
// closing the window.
func (s *Store) DrainChanges() []BlockChange {
	out := s.changes
	s.changes = nil
	return out
}

func (s *Store) Chunk(pos spatial.ChunkPos) (*Chunk, bool) {
	c, ok := s.chunks[pos]
	return c, ok
}

// Loaded returns loaded chunk positions sorted by (X, Z).
func (s *Store) Loaded() []spatial.ChunkPos {
	keys := slices.Collect(maps.Keys(s.chunks))
	slices.SortFunc(keys, compareChunkPos)
	return keys
}

func compareChunkPos(a, b spatial.ChunkPos) int {
	if a.X != b.X {
		return a.X - b.X
	}
	return a.Z - b.Z
}

func (s *Store) locate(pos spatial.BlockPos) (*Chunk, int, error) {
	if pos.Y < 0 || pos.Y >= s.height {
		return nil, 0, fmt.Errorf("block %v: y out of range: %w", pos, simerr.ErrNotFound)
	}
	cp := pos.Chunk()
	c, ok := s.chunks[cp]
	if !ok {
		return nil, 0, fmt.Errorf("block %v: chunk %v not loaded: %w", pos, cp, simerr.ErrNotFound)
	}
	return c, index(spatial.Mod(pos.X, ChunkSize), pos.Y, spatial.Mod(pos.Z, ChunkSize)), nil
}

func (s *Store) GetBlock(pos spatial.BlockPos) (blocks.ID, error) {
	c, i, err := s.locate(pos)
	if err != nil {
		return blocks.Air, err
	}
	return c.blocks[i], nil
}

// SetBlock records the change at the current tick and marks the chunk dirty
// for sync and persistence.
func (s *Store) SetBlock(pos spatial.BlockPos, b blocks.ID) error {
	if !s.inTick {
		return fmt.Errorf("set block %v: %w", pos, simerr.ErrOutsideTick)
	}
	if !s.palette.Valid(b) {
		return fmt.Errorf("set block %v: unknown block id %d", pos, b)
	}
	c, i, err := s.locate(pos)
	if err != nil {
		return err
	}
	from := c.blocks[i]
	if from == b {
		return nil
	}
	c.set(i, b, s.tick)
	s.changes = append(s.changes, BlockChange{Tick: s.tick, Pos: pos, From: from, To: b})
	return nil
}

// SetInterest registers (or moves) owner's interest square of the given
// chunk radius. Takes effect on the next Reconcile.
func (s *Store) SetInterest(owner spatial.ID, center spatial.ChunkPos, radius int) {
	if radius < 0 {
		radius = 0
	}
	s.interest[owner] = interest{center: center, radius: radius}
}

func (s *Store) RemoveInterest(owner spatial.ID) {
	delete(s.interest, owner)
}

// Reconcile loads every covered chunk and unloads every uncovered one.
// Modified chunks are saved before they are dropped; a chunk whose save
// fails stays loaded and is retried on the next call.
func (s *Store) Reconcile() (loaded, unloaded int, err error) {
	want := map[spatial.ChunkPos]struct{}{}
	for _, in := range s.interest {
		for x := in.center.X - in.radius; x <= in.center.X+in.radius; x++ {
			for z := in.center.Z - in.radius; z <= in.center.Z+in.radius; z++ {
				want[spatial.ChunkPos{X: x, Z: z}] = struct{}{}
			}
		}
	}

	var errs []error
	for _, pos := range s.Loaded() {
		if _, ok := want[pos]; ok {
			continue
		}
		if uerr := s.unload(pos); uerr != nil {
			errs = append(errs, uerr)
			continue
		}
		unloaded++
	}

	missing := make([]spatial.ChunkPos, 0)
	for pos := range want {
		if _, ok := s.chunks[pos]; !ok {
			missing = append(missing, pos)
		}
	}
	slices.SortFunc(missing, compareChunkPos)
	for _, pos := range missing {
		if _, lerr := s.load(pos); lerr != nil {
			errs = append(errs, lerr)
			continue
		}
		loaded++
	}
	return loaded, unloaded, errors.Join(errs...)
}

func (s *Store) load(pos spatial.ChunkPos) (*Chunk, error) {
	d, err := s.provider.LoadChunk(pos)
	corrupt := false
	switch {
	case err == nil:
		if err = s.check(pos, d); err != nil {
			corrupt = true
		}
	case errors.Is(err, simerr.ErrNotFound):
	case errors.Is(err, simerr.ErrCorrupt):
		corrupt = true
	default:
		return nil, fmt.Errorf("load chunk %v: %w", pos, err)
	}

	if err != nil {
		d = NewData(s.height)
		s.gen.Generate(pos, &d)
	}
	if corrupt {
		s.corrupt++
		s.log.Error().Err(err).Stringer("chunk", pos).Msg("corrupt chunk replaced with generated default")
	}

	s.epochSeq++
	c := &Chunk{
		Pos:     pos,
		Epoch:   s.epochSeq,
		Version: s.tick,
		Corrupt: corrupt,
		height:  s.height,
		blocks:  d.Blocks,
		// Untouched generated chunks are not persisted. Corrupt ones are, so
		// the bad record gets overwritten.
		modified: corrupt,
	}
	s.chunks[pos] = c
	return c, nil
}

// Import installs d as a loaded, modified chunk, replacing any resident
// copy. Used when restoring a checkpoint.
func (s *Store) Import(pos spatial.ChunkPos, d Data) error {
	if err := s.check(pos, d); err != nil {
		return fmt.Errorf("import: %w", err)
	}
	s.epochSeq++
	s.chunks[pos] = &Chunk{
		Pos:      pos,
		Epoch:    s.epochSeq,
		Version:  s.tick,
		height:   s.height,
		blocks:   append([]blocks.ID(nil), d.Blocks...),
		modified: true,
	}
	return nil
}

// check rejects data of the wrong shape or with ids outside the palette.
func (s *Store) check(pos spatial.ChunkPos, d Data) error {
	if !d.Valid() || d.Height != s.height {
		return fmt.Errorf("chunk %v: height %d, %d blocks: %w", pos, d.Height, len(d.Blocks), simerr.ErrCorrupt)
	}
	for i, b := range d.Blocks {
		if !s.palette.Valid(b) {
			return fmt.Errorf("chunk %v: unknown block id %d at %d: %w", pos, b, i, simerr.ErrCorrupt)
		}
	}
	return nil
}

func (s *Store) unload(pos spatial.ChunkPos) error {
	c, ok := s.chunks[pos]
	if !ok {
		return nil
	}
	if c.modified {
		if err := s.save(c); err != nil {
			return err
		}
	}
	delete(s.chunks, pos)
	return nil
}

func (s *Store) save(c *Chunk) error {
	if err := s.provider.SaveChunk(c.Pos, c.Data()); err != nil {
		s.log.Error().Err(err).Stringer("chunk", c.Pos).Msg("chunk save failed")
		return fmt.Errorf("save chunk %v: %w", c.Pos, err)
	}
	c.modified = false
	return nil
}

// SaveDirty writes every modified chunk. Returns the number saved.
func (s *Store) SaveDirty() (int, error) {
	var errs []error
	n := 0
	for _, pos := range s.Loaded() {
		c := s.chunks[pos]
		if !c.modified {
			continue
		}
		if err := s.save(c); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Digest hashes every loaded chunk in position order.
func (s *Store) Digest() string {
	h := sha256.New()
	var tmp [8]byte
	for _, pos := range s.Loaded() {
		binary.LittleEndian.PutUint32(tmp[:4], uint32(int32(pos.X)))
		binary.LittleEndian.PutUint32(tmp[4:], uint32(int32(pos.Z)))
		h.Write(tmp[:])
		d := s.chunks[pos].Digest()
		h.Write(d[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
