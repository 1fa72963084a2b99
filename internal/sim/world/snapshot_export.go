package world

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"bastom.dev/internal/persistence/snapshot"
	"bastom.dev/internal/sim/blocks"
	"bastom.dev/internal/sim/entity"
	"bastom.dev/internal/sim/spatial"
	"bastom.dev/internal/sim/terrain"
)

// ExportSnapshot captures the state after tick completed. Players are
// included for inspection but are not restored by ImportSnapshot.
//
// Must be called from the tick goroutine or while the world is stopped.
func (w *World) ExportSnapshot(tick uint64) snapshot.V1 {
	snaps := w.reg.Snapshots()
	ents := make([]snapshot.EntityV1, 0, len(snaps))
	for _, s := range snaps {
		ents = append(ents, snapshot.EntityV1{
			ID:         s.ID,
			Kind:       string(s.Kind),
			Pos:        [3]float64(s.Pos),
			Vel:        [3]float64(s.Vel),
			Components: s.Components,
		})
	}

	loaded := w.store.Loaded()
	chunks := make([]snapshot.ChunkV1, 0, len(loaded))
	for _, pos := range loaded {
		c, _ := w.store.Chunk(pos)
		d := c.Data()
		raw := make([]uint16, len(d.Blocks))
		for i, b := range d.Blocks {
			raw[i] = uint16(b)
		}
		chunks = append(chunks, snapshot.ChunkV1{CX: pos.X, CZ: pos.Z, Height: d.Height, Blocks: raw})
	}

	return snapshot.V1{
		Header: snapshot.Header{
			Version: snapshot.Version,
			WorldID: w.cfg.ID,
			Tick:    tick,
		},
		TickRate:      w.cfg.TickRateHz,
		Height:        w.store.Height(),
		Generator:     w.cfg.Generator,
		PaletteDigest: w.palette.Digest,

		Seed:              w.cfg.Seed,
		Spawn:             [3]float64(w.cfg.Spawn),
		ChunkViewDistance: w.cfg.ChunkViewDistance,

		NextEntityID: w.reg.NextID(),
		Entities:     ents,
		Chunks:       chunks,
	}
}

// ImportSnapshot replaces entities and loaded terrain with s and sets the
// next tick to s.Header.Tick+1. Sessions do not survive a restart, so player
// entities are dropped.
//
// This must be called only when the world is stopped.
func (w *World) ImportSnapshot(s snapshot.V1) error {
	return w.importSnapshot(s, false)
}

// ImportSnapshotForReplay is ImportSnapshot that keeps players and rebuilds
// their sessions from the session component, so a tick log recorded while
// they were connected replays to the same digests. No views are opened.
func (w *World) ImportSnapshotForReplay(s snapshot.V1) error {
	return w.importSnapshot(s, true)
}

func (w *World) importSnapshot(s snapshot.V1, keepPlayers bool) error {
	if s.Header.Version != snapshot.Version {
		return fmt.Errorf("import snapshot: unsupported version %d", s.Header.Version)
	}
	if s.Height != w.store.Height() {
		return fmt.Errorf("import snapshot: height %d, world has %d", s.Height, w.store.Height())
	}
	if s.PaletteDigest != "" && s.PaletteDigest != w.palette.Digest {
		return fmt.Errorf("import snapshot: block palette mismatch")
	}

	w.stepMu.Lock()
	defer w.stepMu.Unlock()

	snaps := make([]entity.Snapshot, 0, len(s.Entities))
	for _, e := range s.Entities {
		if entity.Kind(e.Kind) == entity.KindPlayer && !keepPlayers {
			continue
		}
		snaps = append(snaps, entity.Snapshot{
			ID:         e.ID,
			Kind:       entity.Kind(e.Kind),
			Pos:        mgl64.Vec3(e.Pos),
			Vel:        mgl64.Vec3(e.Vel),
			Components: e.Components,
		})
	}
	if err := w.reg.Restore(snaps, s.NextEntityID, s.Header.Tick); err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}

	for _, c := range s.Chunks {
		d := terrain.Data{Height: c.Height, Blocks: make([]blocks.ID, len(c.Blocks))}
		for i, b := range c.Blocks {
			d.Blocks[i] = blocks.ID(b)
		}
		if err := w.store.Import(spatial.ChunkPos{X: c.CX, Z: c.CZ}, d); err != nil {
			return fmt.Errorf("import snapshot: %w", err)
		}
	}

	for id, sess := range w.sessions {
		w.views.Close(id)
		w.store.RemoveInterest(sess.entity)
	}
	clear(w.sessions)
	if keepPlayers {
		for _, e := range snaps {
			if e.Kind != entity.KindPlayer {
				continue
			}
			id, _ := e.Components[entity.CompSession].(string)
			if id == "" {
				continue
			}
			name, _ := e.Components[entity.CompName].(string)
			w.sessions[id] = &session{name: name, entity: e.ID}
			w.store.SetInterest(e.ID, spatial.ChunkOf(e.Pos), w.cfg.ChunkViewDistance)
		}
	}
	w.publishPlayers()

	w.tick.Store(s.Header.Tick + 1)
	w.publishMetrics(0)
	w.log.Info().Uint64("tick", s.Header.Tick).Int("entities", len(snaps)).Int("chunks", len(s.Chunks)).Msg("snapshot imported")
	return nil
}
