// Package archive manages the snapshot directory: long-term copies of every
// Nth checkpoint and pruning of old rolling checkpoints.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"bastom.dev/internal/persistence/snapshot"
)

type Meta struct {
	Tick      uint64 `json:"tick"`
	WorldID   string `json:"world_id"`
	Snapshot  string `json:"snapshot"`
	CreatedAt string `json:"created_at"`
	Entities  int    `json:"entities"`
	Chunks    int    `json:"chunks"`
}

// ArchiveSnapshot copies snapshotPath into worldDir/archives/tick_<N>/ when
// the snapshot tick is a multiple of everyTicks. everyTicks <= 0 disables
// archiving.
func ArchiveSnapshot(worldDir, snapshotPath string, snap snapshot.V1, everyTicks uint64) (archivedPath string, archived bool, err error) {
	if everyTicks == 0 || snap.Header.Tick == 0 || snap.Header.Tick%everyTicks != 0 {
		return "", false, nil
	}

	archiveDir := filepath.Join(worldDir, "archives", fmt.Sprintf("tick_%010d", snap.Header.Tick))
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", false, err
	}
	dst := filepath.Join(archiveDir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return "", false, err
	}

	meta := Meta{
		Tick:      snap.Header.Tick,
		WorldID:   snap.Header.WorldID,
		Snapshot:  filepath.Base(dst),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Entities:  len(snap.Entities),
		Chunks:    len(snap.Chunks),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(archiveDir, "meta.json"), b, 0o644)
	}
	return dst, true, nil
}

// Latest returns the newest <tick>.snap.zst in dir.
func Latest(dir string) (path string, tick uint64, ok bool, err error) {
	ticks, err := list(dir)
	if err != nil || len(ticks) == 0 {
		return "", 0, false, err
	}
	t := ticks[len(ticks)-1]
	return snapshot.Path(dir, t), t, true, nil
}

// Prune removes all but the newest keep snapshots in dir. Returns the number
// removed.
func Prune(dir string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	ticks, err := list(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, t := range ticks[:max(0, len(ticks)-keep)] {
		if err := os.Remove(snapshot.Path(dir, t)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func list(dir string) ([]uint64, error) {
	ents, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ticks []uint64
	for _, e := range ents {
		name, ok := strings.CutSuffix(e.Name(), ".snap.zst")
		if !ok || e.IsDir() {
			continue
		}
		t, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		ticks = append(ticks, t)
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i] < ticks[j] })
	return ticks, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
