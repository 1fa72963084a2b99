package archive

import (
	"os"
	"path/filepath"
	"testing"

	"bastom.dev/internal/persistence/snapshot"
)

func writeDummy(t *testing.T, dir string, tick uint64) string {
	t.Helper()
	p := snapshot.Path(dir, tick)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte("dummy"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestArchiveSnapshot_CopiesOnMultiple(t *testing.T) {
	worldDir := t.TempDir()
	src := writeDummy(t, filepath.Join(worldDir, "snapshots"), 1200)

	snap := snapshot.V1{Header: snapshot.Header{Version: 1, WorldID: "w1", Tick: 1200}}
	if _, ok, err := ArchiveSnapshot(worldDir, src, snap, 1000); err != nil || ok {
		t.Fatalf("archived off-multiple: ok=%v err=%v", ok, err)
	}
	path, ok, err := ArchiveSnapshot(worldDir, src, snap, 600)
	if err != nil || !ok {
		t.Fatalf("archive: ok=%v err=%v", ok, err)
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != "dummy" {
		t.Fatalf("archived content %q err=%v", got, err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(path), "meta.json")); err != nil {
		t.Fatalf("expected meta.json to exist: %v", err)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	for _, tick := range []uint64{5, 100, 20, 3000} {
		writeDummy(t, dir, tick)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	n, err := Prune(dir, 2)
	if err != nil || n != 2 {
		t.Fatalf("pruned=%d err=%v", n, err)
	}
	path, tick, ok, err := Latest(dir)
	if err != nil || !ok || tick != 3000 || path != snapshot.Path(dir, 3000) {
		t.Fatalf("latest=%s %d %v %v", path, tick, ok, err)
	}
	if _, err := os.Stat(snapshot.Path(dir, 100)); err != nil {
		t.Fatalf("kept snapshot removed: %v", err)
	}
	if _, err := os.Stat(snapshot.Path(dir, 20)); !os.IsNotExist(err) {
		t.Fatalf("old snapshot kept: %v", err)
	}
}

func TestLatestEmptyDir(t *testing.T) {
	if _, _, ok, err := Latest(filepath.Join(t.TempDir(), "missing")); ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}
