package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "settings.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Mode != ModeOffline || s.TPS != 20 || s.ChunkViewDistance != 8 || s.EntityViewDistance != 5 {
		t.Fatalf("defaults: %+v", s)
	}
	if s.World.Spawn != [3]float64{0, 5, 0} || !s.WorldGenEnabled() {
		t.Fatalf("world defaults: %+v", s.World)
	}
	if s.Addr() != "0.0.0.0:25565" {
		t.Fatalf("addr=%s", s.Addr())
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	raw := `
server_port: 25570
mode: bungeecord
tps: 10
world_gen: false
ext_command_enabled: true
world:
  generator: void
  queue_depth: 64
storage:
  backend: sqlite
  path: chunks.db
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.ServerPort != 25570 || s.Mode != ModeBungeeCord || s.TPS != 10 || s.WorldGenEnabled() || !s.ExtCommandEnabled {
		t.Fatalf("settings: %+v", s)
	}
	if s.World.Generator != "void" || s.World.QueueDepth != 64 || s.World.Height != 64 {
		t.Fatalf("world: %+v", s.World)
	}
}

func TestValidateVelocityNeedsSecret(t *testing.T) {
	s := Default()
	s.Mode = ModeVelocity
	err := s.Validate()
	if err == nil || !strings.Contains(err.Error(), "velocity secret") {
		t.Fatalf("err=%v", err)
	}
	s.VelocitySecret = "hunter2"
	if err := s.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	s := Default()
	s.Mode = "lan"
	s.ServerPort = 70000
	s.Storage.Backend = "leveldb"
	err := s.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"mode", "server_port", "storage.path"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	in := Default()
	in.World.Seed = 42
	if err := Write(path, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.World.Seed != 42 || out.Mode != in.Mode {
		t.Fatalf("round trip: %+v", out)
	}
}

func TestWorldConfigMapping(t *testing.T) {
	s := Default()
	s.World.ID = "lobby"
	s.World.Seed = 9
	s.TPS = 30
	s.Storage.DataDir = "/srv/bastom"
	wc := s.WorldConfig()
	if wc.ID != "lobby" || wc.Seed != 9 || wc.TickRateHz != 30 || wc.ChunkViewDistance != s.ChunkViewDistance {
		t.Fatalf("world config=%+v", wc)
	}
	if wc.Spawn[1] != s.World.Spawn[1] {
		t.Fatalf("spawn=%v", wc.Spawn)
	}
	if got := s.WorldDir(); got != filepath.Join("/srv/bastom", "worlds", "lobby") {
		t.Fatalf("world dir=%q", got)
	}
}
