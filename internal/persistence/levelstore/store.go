// Package levelstore keeps chunk columns in a LevelDB database.
package levelstore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/df-mc/goleveldb/leveldb"
	"github.com/df-mc/goleveldb/leveldb/opt"
	"github.com/df-mc/goleveldb/leveldb/storage"

	"bastom.dev/internal/persistence/chunkcodec"
	"bastom.dev/internal/sim/simerr"
	"bastom.dev/internal/sim/spatial"
	"bastom.dev/internal/sim/terrain"
)

const tagChunk = 'c'

type Store struct {
	db *leveldb.DB
}

// chunkcodec already compresses.
var options = &opt.Options{Compression: opt.NoCompression}

// OpenFile opens or creates the database directory at path.
func OpenFile(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, options)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Open uses an existing storage, e.g. storage.NewMemStorage in tests.
func Open(stor storage.Storage) (*Store, error) {
	db, err := leveldb.Open(stor, options)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

var _ terrain.Provider = (*Store)(nil)

func chunkKey(pos spatial.ChunkPos) []byte {
	var k [9]byte
	binary.LittleEndian.PutUint32(k[0:4], uint32(int32(pos.X)))
	binary.LittleEndian.PutUint32(k[4:8], uint32(int32(pos.Z)))
	k[8] = tagChunk
	return k[:]
}

func (s *Store) LoadChunk(pos spatial.ChunkPos) (terrain.Data, error) {
	raw, err := s.db.Get(chunkKey(pos), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return terrain.Data{}, fmt.Errorf("chunk %v: %w", pos, simerr.ErrNotFound)
	case err != nil:
		return terrain.Data{}, fmt.Errorf("load chunk %v: %w", pos, err)
	}
	d, err := chunkcodec.Decode(raw)
	if err != nil {
		return terrain.Data{}, fmt.Errorf("chunk %v: %w", pos, err)
	}
	return d, nil
}

func (s *Store) SaveChunk(pos spatial.ChunkPos, d terrain.Data) error {
	raw, err := chunkcodec.Encode(d)
	if err != nil {
		return err
	}
	if err := s.db.Put(chunkKey(pos), raw, nil); err != nil {
		return fmt.Errorf("save chunk %v: %w", pos, err)
	}
	return nil
}

// Chunks lists the stored chunk positions in key order.
func (s *Store) Chunks() ([]spatial.ChunkPos, error) {
	it := s.db.NewIterator(nil, nil)
	defer it.Release()
	var out []spatial.ChunkPos
	for it.Next() {
		k := it.Key()
		if len(k) != 9 || k[8] != tagChunk {
			continue
		}
		out = append(out, spatial.ChunkPos{
			X: int(int32(binary.LittleEndian.Uint32(k[0:4]))),
			Z: int(int32(binary.LittleEndian.Uint32(k[4:8]))),
		})
	}
	return out, it.Error()
}

func (s *Store) Close() error { return s.db.Close() }
