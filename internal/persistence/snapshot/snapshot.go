package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	WorldID string `json:"world_id"`
	Tick    uint64 `json:"tick"`
}

// V1 is a full checkpoint of the world at a tick boundary.
type V1 struct {
	Header Header `json:"header"`

	TickRate      int    `json:"tick_rate_hz"`
	Height        int    `json:"height"`
	Generator     string `json:"generator"`
	PaletteDigest string `json:"palette_digest"`

	// Inputs that steer the simulation; a replay needs the same values.
	Seed              int64      `json:"seed"`
	Spawn             [3]float64 `json:"spawn"`
	ChunkViewDistance int        `json:"chunk_view_distance"`

	NextEntityID uint64     `json:"next_entity_id"`
	Entities     []EntityV1 `json:"entities"`
	Chunks       []ChunkV1  `json:"chunks"`
}

type EntityV1 struct {
	ID         uint64         `json:"id"`
	Kind       string         `json:"kind"`
	Pos        [3]float64     `json:"pos"`
	Vel        [3]float64     `json:"vel"`
	Components map[string]any `json:"components,omitempty"`
}

type ChunkV1 struct {
	CX     int      `json:"cx"`
	CZ     int      `json:"cz"`
	Height int      `json:"height"`
	Blocks []uint16 `json:"blocks"`
}

func init() {
	// Component values decoded from JSON commands.
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// Path is the conventional location of the checkpoint for tick.
func Path(dir string, tick uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.snap.zst", tick))
}

func WriteSnapshot(path string, snap V1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// Write to a temp file and rename so a crash never leaves a torn snapshot.
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap V1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (V1, error) {
	var snap V1
	err := open(path, func(br *bufio.Reader) error {
		hdr, err := readHeader(br)
		if err != nil {
			return err
		}
		if hdr.Version != Version {
			return fmt.Errorf("unsupported snapshot version %d", hdr.Version)
		}
		if err := gob.NewDecoder(br).Decode(&snap); err != nil {
			return fmt.Errorf("gob decode: %w", err)
		}
		return nil
	})
	return snap, err
}

// ReadHeader decodes only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var hdr Header
	err := open(path, func(br *bufio.Reader) (err error) {
		hdr, err = readHeader(br)
		return err
	})
	return hdr, err
}

func open(path string, fn func(*bufio.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()
	return fn(bufio.NewReaderSize(dec, 256*1024))
}

func readHeader(br *bufio.Reader) (Header, error) {
	var hdr Header
	line, err := br.ReadBytes('\n')
	if err != nil {
		return hdr, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &hdr); err != nil {
		return hdr, fmt.Errorf("parse header: %w", err)
	}
	return hdr, nil
}
