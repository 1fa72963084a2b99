package main

import (
	"path/filepath"

	"github.com/rs/zerolog"

	"bastom.dev/internal/persistence/indexdb"
)

// openRuntimeIndex opens the read-model index. It does not affect the
// simulation; a nil index just means nothing is indexed.
func openRuntimeIndex(worldDir string, disabled bool, log zerolog.Logger) (*indexdb.SQLiteIndex, error) {
	if disabled {
		log.Info().Msg("index disabled")
		return nil, nil
	}
	path := filepath.Join(worldDir, "index", "world.sqlite")
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Msg("index opened")
	return idx, nil
}
