package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-gl/mathgl/mgl64"
	"gopkg.in/yaml.v3"

	"bastom.dev/internal/sim/world"
)

type Mode string

const (
	ModeOffline    Mode = "offline"
	ModeOnline     Mode = "online"
	ModeBungeeCord Mode = "bungeecord"
	ModeVelocity   Mode = "velocity"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeOffline, ModeOnline, ModeBungeeCord, ModeVelocity:
		return true
	}
	return false
}

type Settings struct {
	ServerIP   string `yaml:"server_ip"`
	ServerPort int    `yaml:"server_port"`

	Mode           Mode   `yaml:"mode"`
	VelocitySecret string `yaml:"velocity_secret"`

	TPS                int `yaml:"tps"`
	ChunkViewDistance  int `yaml:"chunk_view_distance"`
	EntityViewDistance int `yaml:"entity_view_distance"`

	TerminalDisabled bool `yaml:"terminal_disabled"`
	// ExtCommandEnabled also serves the extension list to observer clients;
	// the console always has it.
	ExtCommandEnabled bool `yaml:"ext_command_enabled"`
	// WorldGen false runs the server without a world; joins are refused.
	WorldGen *bool `yaml:"world_gen"`

	World   WorldSettings   `yaml:"world"`
	Storage StorageSettings `yaml:"storage"`
}

type WorldSettings struct {
	ID        string     `yaml:"id"`
	Height    int        `yaml:"height"`
	Generator string     `yaml:"generator"`
	Seed      int64      `yaml:"seed"`
	Spawn     [3]float64 `yaml:"spawn"`
	CellSize  float64    `yaml:"cell_size"`

	QueueDepth           int `yaml:"queue_depth"`
	MaxPerSession        int `yaml:"max_per_session"`
	MaxCatchUpTicks      int `yaml:"max_catch_up_ticks"`
	CheckpointEveryTicks int `yaml:"checkpoint_every_ticks"`
	SyncParallelism      int `yaml:"sync_parallelism"`
}

type StorageSettings struct {
	Backend string `yaml:"backend"` // memory|sqlite|leveldb
	Path    string `yaml:"path"`
	DataDir string `yaml:"data_dir"` // tick logs, snapshots, index

	DisableIndex      bool `yaml:"disable_index"`
	KeepSnapshots     int  `yaml:"keep_snapshots"`
	ArchiveEveryTicks int  `yaml:"archive_every_ticks"` // 0 disables archives
}

// Default is what a missing settings.yaml means.
func Default() Settings {
	var s Settings
	s.applyDefaults()
	return s
}

// Load reads path, applies defaults and validates. A missing file yields
// the defaults.
func Load(path string) (Settings, error) {
	var s Settings
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return s, err
	default:
		if err := yaml.Unmarshal(raw, &s); err != nil {
			return s, fmt.Errorf("%s: %w", path, err)
		}
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Write stores s as YAML, for materialising a default settings file.
func Write(path string, s Settings) error {
	raw, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func (s *Settings) applyDefaults() {
	if s.ServerIP == "" {
		s.ServerIP = "0.0.0.0"
	}
	if s.ServerPort == 0 {
		s.ServerPort = 25565
	}
	if s.Mode == "" {
		s.Mode = ModeOffline
	}
	if s.TPS == 0 {
		s.TPS = 20
	}
	if s.ChunkViewDistance == 0 {
		s.ChunkViewDistance = 8
	}
	if s.EntityViewDistance == 0 {
		s.EntityViewDistance = 5
	}
	if s.WorldGen == nil {
		on := true
		s.WorldGen = &on
	}

	w := &s.World
	if w.ID == "" {
		w.ID = "world"
	}
	if w.Height == 0 {
		w.Height = 64
	}
	if w.Generator == "" {
		w.Generator = "flat"
	}
	if w.Spawn == ([3]float64{}) {
		w.Spawn = [3]float64{0, 5, 0}
	}
	if w.CellSize == 0 {
		w.CellSize = 8
	}
	if w.QueueDepth == 0 {
		w.QueueDepth = 4096
	}
	if w.MaxCatchUpTicks == 0 {
		w.MaxCatchUpTicks = 5
	}
	if w.CheckpointEveryTicks == 0 {
		w.CheckpointEveryTicks = 6000
	}

	if s.Storage.Backend == "" {
		s.Storage.Backend = "memory"
	}
	if s.Storage.DataDir == "" {
		s.Storage.DataDir = "data"
	}
	if s.Storage.KeepSnapshots == 0 {
		s.Storage.KeepSnapshots = 10
	}
}

func (s Settings) Validate() error {
	var errs []error
	if s.ServerPort <= 0 || s.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("server_port %d out of range", s.ServerPort))
	}
	if net.ParseIP(s.ServerIP) == nil {
		errs = append(errs, fmt.Errorf("server_ip %q is not an IP address", s.ServerIP))
	}
	if !s.Mode.Valid() {
		errs = append(errs, fmt.Errorf("unknown mode %q", s.Mode))
	}
	if s.Mode == ModeVelocity && s.VelocitySecret == "" {
		errs = append(errs, errors.New("the velocity secret is mandatory"))
	}
	if s.TPS < 1 || s.TPS > 1000 {
		errs = append(errs, fmt.Errorf("tps %d out of range", s.TPS))
	}
	if s.ChunkViewDistance < 2 || s.ChunkViewDistance > 32 {
		errs = append(errs, fmt.Errorf("chunk_view_distance %d out of range [2,32]", s.ChunkViewDistance))
	}
	if s.EntityViewDistance < 1 || s.EntityViewDistance > 32 {
		errs = append(errs, fmt.Errorf("entity_view_distance %d out of range [1,32]", s.EntityViewDistance))
	}
	if s.World.Height < 1 || s.World.Height > 4096 {
		errs = append(errs, fmt.Errorf("world.height %d out of range", s.World.Height))
	}
	if s.World.Generator != "flat" && s.World.Generator != "void" {
		errs = append(errs, fmt.Errorf("unknown world.generator %q", s.World.Generator))
	}
	if s.World.CellSize <= 0 {
		errs = append(errs, fmt.Errorf("world.cell_size must be positive"))
	}
	if s.World.QueueDepth < 1 {
		errs = append(errs, fmt.Errorf("world.queue_depth must be positive"))
	}
	if s.World.MaxPerSession < 0 || s.World.MaxCatchUpTicks < 0 || s.World.CheckpointEveryTicks < 0 {
		errs = append(errs, errors.New("world limits must not be negative"))
	}
	if s.Storage.KeepSnapshots < 1 || s.Storage.ArchiveEveryTicks < 0 {
		errs = append(errs, errors.New("storage retention must be positive"))
	}
	switch s.Storage.Backend {
	case "memory":
	case "sqlite", "leveldb":
		if s.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for %s", s.Storage.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", s.Storage.Backend))
	}
	return errors.Join(errs...)
}

// Addr is the listen address.
func (s Settings) Addr() string {
	return net.JoinHostPort(s.ServerIP, strconv.Itoa(s.ServerPort))
}

func (s Settings) WorldGenEnabled() bool { return s.WorldGen == nil || *s.WorldGen }

// WorldDir holds the tick log, audit log, snapshots and index of the
// configured world.
func (s Settings) WorldDir() string {
	return filepath.Join(s.Storage.DataDir, "worlds", s.World.ID)
}

// WorldConfig maps the settings onto the simulation config.
func (s Settings) WorldConfig() world.WorldConfig {
	return world.WorldConfig{
		ID:                   s.World.ID,
		TickRateHz:           s.TPS,
		Height:               s.World.Height,
		Generator:            s.World.Generator,
		CellSize:             s.World.CellSize,
		ChunkViewDistance:    s.ChunkViewDistance,
		EntityViewDistance:   s.EntityViewDistance,
		QueueDepth:           s.World.QueueDepth,
		MaxPerSession:        s.World.MaxPerSession,
		MaxCatchUpTicks:      s.World.MaxCatchUpTicks,
		CheckpointEveryTicks: s.World.CheckpointEveryTicks,
		Spawn:                mgl64.Vec3(s.World.Spawn),
		Seed:                 s.World.Seed,
		SyncParallelism:      s.World.SyncParallelism,
	}
}
