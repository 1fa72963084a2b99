package terrain

import (
	"fmt"
	"sync"

	"bastom.dev/internal/sim/simerr"
	"bastom.dev/internal/sim/spatial"
)

// MemoryProvider keeps chunks in a map. Used by tests and the "memory"
// storage backend.
type MemoryProvider struct {
	mu     sync.Mutex
	chunks map[spatial.ChunkPos]Data
	saves  int
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{chunks: map[spatial.ChunkPos]Data{}}
}

func (m *MemoryProvider) LoadChunk(pos spatial.ChunkPos) (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.chunks[pos]
	if !ok {
		return Data{}, fmt.Errorf("chunk %v: %w", pos, simerr.ErrNotFound)
	}
	if !d.Valid() {
		return Data{}, fmt.Errorf("chunk %v: %w", pos, simerr.ErrCorrupt)
	}
	out := Data{Height: d.Height, Blocks: append(d.Blocks[:0:0], d.Blocks...)}
	return out, nil
}

func (m *MemoryProvider) SaveChunk(pos spatial.ChunkPos, d Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[pos] = Data{Height: d.Height, Blocks: append(d.Blocks[:0:0], d.Blocks...)}
	m.saves++
	return nil
}

// Put stores raw data as-is, including invalid data.
func (m *MemoryProvider) Put(pos spatial.ChunkPos, d Data) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[pos] = d
}

func (m *MemoryProvider) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MemoryProvider) Close() error { return nil }
