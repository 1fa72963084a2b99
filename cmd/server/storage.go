package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"bastom.dev/internal/config"
	"bastom.dev/internal/persistence/levelstore"
	"bastom.dev/internal/persistence/sqlitestore"
	"bastom.dev/internal/sim/terrain"
)

type chunkProvider interface {
	terrain.Provider
	io.Closer
}

// openProvider selects the durable chunk store. Relative paths are resolved
// against the world directory.
func openProvider(st config.StorageSettings, worldDir string, log zerolog.Logger) (chunkProvider, error) {
	path := st.Path
	if path != "" && !filepath.IsAbs(path) {
		path = filepath.Join(worldDir, path)
	}
	switch st.Backend {
	case "memory":
		log.Warn().Msg("memory chunk storage: modified chunks are lost on restart")
		return terrain.NewMemoryProvider(), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		s, err := sqlitestore.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite chunks: %w", err)
		}
		if n, err := s.Count(); err == nil {
			log.Info().Str("path", path).Int("chunks", n).Msg("sqlite chunk storage")
		}
		return s, nil
	case "leveldb":
		s, err := levelstore.OpenFile(path)
		if err != nil {
			return nil, fmt.Errorf("open leveldb chunks: %w", err)
		}
		log.Info().Str("path", path).Msg("leveldb chunk storage")
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", st.Backend)
}
