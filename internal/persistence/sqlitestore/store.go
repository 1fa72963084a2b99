// Package sqlitestore keeps chunk columns in a SQLite database, one row per
// chunk, encoded with chunkcodec.
package sqlitestore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"bastom.dev/internal/persistence/chunkcodec"
	"bastom.dev/internal/sim/simerr"
	"bastom.dev/internal/sim/spatial"
	"bastom.dev/internal/sim/terrain"
)

type Store struct {
	db *sql.DB

	load *sql.Stmt
	save *sql.Stmt
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The tick goroutine is the only writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS chunks (
		cx INTEGER NOT NULL,
		cz INTEGER NOT NULL,
		data BLOB NOT NULL,
		saved_at TEXT NOT NULL,
		PRIMARY KEY (cx, cz)
	);`); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if s.load, err = db.Prepare(`SELECT data FROM chunks WHERE cx = ? AND cz = ?`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if s.save, err = db.Prepare(`INSERT OR REPLACE INTO chunks(cx, cz, data, saved_at) VALUES(?,?,?,?)`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

var _ terrain.Provider = (*Store)(nil)

func (s *Store) LoadChunk(pos spatial.ChunkPos) (terrain.Data, error) {
	var raw []byte
	err := s.load.QueryRow(pos.X, pos.Z).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return terrain.Data{}, fmt.Errorf("chunk %v: %w", pos, simerr.ErrNotFound)
	}
	if err != nil {
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
	if _, err := s.save.Exec(pos.X, pos.Z, raw, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("save chunk %v: %w", pos, err)
	}
	return nil
}

// Count is the number of stored chunks.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM chunks`).Scan(&n)
	return n, err
}

func (s *Store) Close() error {
	_ = s.load.Close()
	_ = s.save.Close()
	return s.db.Close()
}
