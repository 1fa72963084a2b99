package world

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"math"
)

// stateDigest hashes everything a replay must reproduce: the tick, every
// live entity in id order, the id allocator and loaded terrain.
//
// Component values go through JSON so that an int restored from a JSON tick
// log as float64 hashes the same as the original.
func (w *World) stateDigest(tick uint64) string {
	h := sha256.New()
	var tmp [8]byte
	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp[:], v)
		h.Write(tmp[:])
	}

	writeU64(tick)
	writeU64(w.reg.NextID())
	for _, s := range w.reg.Snapshots() {
		writeU64(s.ID)
		h.Write([]byte(s.Kind))
		h.Write([]byte{0})
		for i := 0; i < 3; i++ {
			writeU64(math.Float64bits(s.Pos[i]))
		}
		for i := 0; i < 3; i++ {
			writeU64(math.Float64bits(s.Vel[i]))
		}
		if len(s.Components) > 0 {
			b, err := json.Marshal(s.Components) // keys sorted
			if err != nil {
				w.log.Warn().Err(err).Uint64("entity", s.ID).Msg("digest: component encode")
			}
			h.Write(b)
		}
		h.Write([]byte{0})
	}
	h.Write([]byte(w.store.Digest()))
	return hex.EncodeToString(h.Sum(nil))
}
