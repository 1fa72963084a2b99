package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"bastom.dev/internal/config"
	persistlog "bastom.dev/internal/persistence/log"
	"bastom.dev/internal/persistence/snapshot"
	"bastom.dev/internal/sim/terrain"
	"bastom.dev/internal/sim/world"
)

// errStop ends a replay early without failing it.
var errStop = errors.New("stop")

func main() {
	var (
		settingsPath = flag.String("config", "settings.yaml", "server settings, used when no snapshot is given")
		snapPath     = flag.String("snapshot", "", "path to .snap.zst to start from (optional)")
		eventsDir    = flag.String("events", "", "dir containing events-*.jsonl.zst (default: <data>/worlds/<id>/events)")
		fromTick     = flag.Uint64("from_tick", 0, "start verifying from tick (inclusive, optional)")
		toTick       = flag.Uint64("to_tick", 0, "stop at tick (inclusive, optional)")
		verbose      = flag.Bool("v", false, "log world activity")
	)
	flag.Parse()

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Str("component", "replay").Logger()

	settings, err := config.Load(*settingsPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load settings:", err)
		os.Exit(1)
	}

	var (
		w         *world.World
		startTick uint64
	)
	if *snapPath != "" {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		fmt.Printf("snapshot v%d world=%s tick=%d seed=%d height=%d chunks=%d entities=%d\n",
			snap.Header.Version, snap.Header.WorldID, snap.Header.Tick, snap.Seed, snap.Height,
			len(snap.Chunks), len(snap.Entities))

		w, err = world.New(world.ConfigFromSnapshot(snap), terrain.NewMemoryProvider(), logger)
		if err != nil {
			fmt.Fprintln(os.Stderr, "world:", err)
			os.Exit(1)
		}
		if err := w.ImportSnapshotForReplay(snap); err != nil {
			fmt.Fprintln(os.Stderr, "import snapshot:", err)
			os.Exit(1)
		}
		settings.World.ID = snap.Header.WorldID
	} else {
		w, err = world.New(settings.WorldConfig(), terrain.NewMemoryProvider(), logger)
		if err != nil {
			fmt.Fprintln(os.Stderr, "world:", err)
			os.Exit(1)
		}
	}
	startTick = w.CurrentTick()

	dir := *eventsDir
	if dir == "" {
		dir = filepath.Join(settings.WorldDir(), "events")
	}
	files, err := persistlog.ListFiles(dir, "events")
	if err != nil {
		fmt.Fprintln(os.Stderr, "list events:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no events files found in", dir)
		os.Exit(1)
	}

	checked, err := replay(w, dir, startTick, *fromTick, *toTick)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("replay ok: checked=%d ticks (from tick=%d)\n", checked, startTick)
}

// replay feeds every logged tick at or after startTick into w and compares
// digests from verifyFrom on. Entries before startTick are already part of
// the imported snapshot.
func replay(w *world.World, dir string, startTick, verifyFrom, toTick uint64) (uint64, error) {
	var checked uint64
	err := persistlog.ReadTicks(dir, func(e world.TickLogEntry) error {
		if e.Tick < startTick {
			return nil
		}
		if toTick != 0 && e.Tick > toTick {
			return errStop
		}
		if e.Tick != w.CurrentTick() {
			return fmt.Errorf("tick gap: want=%d got=%d", w.CurrentTick(), e.Tick)
		}
		for _, c := range e.Commands {
			c.Tick = e.Tick
			if err := w.EnqueueAt(c); err != nil {
				return fmt.Errorf("tick %d: enqueue %s: %w", e.Tick, c.Kind, err)
			}
		}
		tick, digest := w.StepOnce()
		if tick != e.Tick {
			return fmt.Errorf("internal tick mismatch: stepped=%d entry=%d", tick, e.Tick)
		}
		if tick >= verifyFrom {
			checked++
			if digest != e.Digest {
				return fmt.Errorf("digest mismatch at tick %d: got=%s want=%s", tick, digest, e.Digest)
			}
		}
		return nil
	})
	if errors.Is(err, errStop) {
		err = nil
	}
	return checked, err
}
