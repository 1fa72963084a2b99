// Package chunkcodec is the on-disk format for chunk columns shared by the
// sqlite and leveldb providers: a 5 byte header ("BSTC" + version) followed
// by a zstd frame holding the height and run-length encoded block ids.
package chunkcodec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"bastom.dev/internal/sim/blocks"
	"bastom.dev/internal/sim/simerr"
	"bastom.dev/internal/sim/terrain"
)

const Version = 1

var magic = [4]byte{'B', 'S', 'T', 'C'}

var (
	encOnce sync.Once
	enc     *zstd.Encoder
	dec     *zstd.Decoder
)

// Encoder and decoder are safe for concurrent EncodeAll/DecodeAll.
func codecs() (*zstd.Encoder, *zstd.Decoder) {
	encOnce.Do(func() {
		enc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		dec, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return enc, dec
}

func Encode(d terrain.Data) ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("encode chunk: height %d with %d blocks", d.Height, len(d.Blocks))
	}
	var body bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(d.Height))
	body.Write(tmp[:n])
	writeRLE(&body, d.Blocks)

	e, _ := codecs()
	out := make([]byte, 0, 5+body.Len()/4)
	out = append(out, magic[:]...)
	out = append(out, Version)
	return e.EncodeAll(body.Bytes(), out), nil
}

// Decode fails with simerr.ErrCorrupt for anything that is not a
// well-formed chunk of a known version.
func Decode(raw []byte) (terrain.Data, error) {
	if len(raw) < 5 || !bytes.Equal(raw[:4], magic[:]) {
		return terrain.Data{}, fmt.Errorf("decode chunk: bad header: %w", simerr.ErrCorrupt)
	}
	if raw[4] != Version {
		return terrain.Data{}, fmt.Errorf("decode chunk: unsupported version %d: %w", raw[4], simerr.ErrCorrupt)
	}
	_, d := codecs()
	body, err := d.DecodeAll(raw[5:], nil)
	if err != nil {
		return terrain.Data{}, fmt.Errorf("decode chunk: %v: %w", err, simerr.ErrCorrupt)
	}
	height, n := binary.Uvarint(body)
	if n <= 0 || height == 0 || height > 1<<16 {
		return terrain.Data{}, fmt.Errorf("decode chunk: bad height: %w", simerr.ErrCorrupt)
	}
	out := terrain.NewData(int(height))
	if err := readRLE(body[n:], out.Blocks); err != nil {
		return terrain.Data{}, fmt.Errorf("decode chunk: %v: %w", err, simerr.ErrCorrupt)
	}
	return out, nil
}

// writeRLE appends (block id, run length) uvarint pairs.
func writeRLE(buf *bytes.Buffer, ids []blocks.ID) {
	var tmp [binary.MaxVarintLen64]byte
	for i := 0; i < len(ids); {
		b := ids[i]
		run := 1
		for j := i + 1; j < len(ids) && ids[j] == b; j++ {
			run++
		}
		n := binary.PutUvarint(tmp[:], uint64(b))
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(run))
		buf.Write(tmp[:n])
		i += run
	}
}

// readRLE fills dst exactly; short or long input is an error.
func readRLE(raw []byte, dst []blocks.ID) error {
	pos := 0
	for i := 0; i < len(raw); {
		b, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return fmt.Errorf("bad varint at %d", i)
		}
		i += n
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return fmt.Errorf("bad varint at %d", i)
		}
		i += n
		if b > 0xFFFF {
			return fmt.Errorf("block id too large: %d", b)
		}
		if run == 0 || run > uint64(len(dst)-pos) {
			return fmt.Errorf("run of %d overflows %d blocks", run, len(dst))
		}
		for k := uint64(0); k < run; k++ {
			dst[pos] = blocks.ID(b)
			pos++
		}
	}
	if pos != len(dst) {
		return fmt.Errorf("got %d blocks, want %d", pos, len(dst))
	}
	return nil
}
