package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"bastom.dev/internal/persistence/archive"
	persistlog "bastom.dev/internal/persistence/log"
	"bastom.dev/internal/persistence/snapshot"
	"bastom.dev/internal/sim/spatial"
	"bastom.dev/internal/sim/world"
)

// command is one admin subcommand. Errors of type usageError exit with
// status 2, anything else with 1.
type command struct {
	name    string
	summary string
	run     func(args []string) error
}

var commands = []command{
	{"list", "worlds on disk with their newest snapshot", listWorlds},
	{"rollback", "revert audited block edits inside a box into a new snapshot", rollback},
	{"db", "query the sqlite index", queryIndex},
	{"state", "print the running server's state", printState},
	{"snapshot", "ask the running server for a checkpoint", requestSnapshot},
}

type usageError string

func (e usageError) Error() string { return string(e) }

func usagef(format string, args ...any) error { return usageError(fmt.Sprintf(format, args...)) }

func main() {
	cmd, args := commands[0], os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		i := slices.IndexFunc(commands, func(c command) bool { return c.name == args[0] })
		if i < 0 {
			fmt.Fprintln(os.Stderr, "usage: admin [command] [flags]")
			for _, c := range commands {
				fmt.Fprintf(os.Stderr, "  %-9s %s\n", c.name, c.summary)
			}
			os.Exit(2)
		}
		cmd, args = commands[i], args[1:]
	}
	if err := cmd.run(args); err != nil {
		fmt.Fprintf(os.Stderr, "admin %s: %v\n", cmd.name, err)
		var ue usageError
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// listWorlds prints one line per world: id, newest snapshot tick and the
// number of tick and audit log segments.
func listWorlds(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	only := fs.String("world", "", "restrict to one world")
	_ = fs.Parse(args)

	root := filepath.Join(*dataDir, "worlds")
	var ids []string
	if *only != "" {
		ids = []string{*only}
	} else {
		dirs, err := os.ReadDir(root)
		if err != nil {
			return err
		}
		for _, d := range dirs {
			if d.IsDir() {
				ids = append(ids, d.Name())
			}
		}
	}

	for _, id := range ids {
		dir := filepath.Join(root, id)
		latest := "-"
		if _, tick, ok, err := archive.Latest(filepath.Join(dir, "snapshots")); err == nil && ok {
			latest = strconv.FormatUint(tick, 10)
		}
		events, _ := persistlog.ListFiles(filepath.Join(dir, "events"), "events")
		audits, _ := persistlog.ListFiles(filepath.Join(dir, "audit"), "audit")
		fmt.Printf("%-16s snapshot=%s event_files=%d audit_files=%d\n", id, latest, len(events), len(audits))
	}
	return nil
}

// rollback loads a snapshot, reverts every matching audited edit to its
// earliest From value and writes the result as a new snapshot. The server
// picks it up on the next start.
func rollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id")
	from := fs.String("snapshot", "", "base snapshot (default: newest in the world's snapshots dir)")
	box := fs.String("aabb", "", "block box x1,y1,z1:x2,y2,z2")
	since := fs.Uint64("since_tick", 0, "first tick to revert, inclusive")
	until := fs.Uint64("to_tick", 0, "last tick to revert, inclusive (default and cap: snapshot tick)")
	actor := fs.String("actor", "", "only edits by this session")
	out := fs.String("out", "", "where to write the result (default: <tick>.rollback.snap.zst next to the snapshots)")
	_ = fs.Parse(args)

	if *worldID = strings.TrimSpace(*worldID); *worldID == "" {
		return usagef("-world is required")
	}
	lo, hi, err := parseAABB(*box)
	if err != nil {
		return usagef("-aabb: %v", err)
	}

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	base := strings.TrimSpace(*from)
	if base == "" {
		p, _, ok, err := archive.Latest(filepath.Join(worldDir, "snapshots"))
		if err != nil {
			return fmt.Errorf("scan snapshots: %w", err)
		}
		if !ok {
			return usagef("world %s has no snapshots; pass -snapshot", *worldID)
		}
		base = p
	}
	snap, err := snapshot.ReadSnapshot(base)
	if err != nil {
		return err
	}

	f := auditFilter{since: *since, to: *until, lo: lo, hi: hi, actor: strings.TrimSpace(*actor)}
	if f.to == 0 || f.to > snap.Header.Tick {
		f.to = snap.Header.Tick
	}
	recs, err := readAudit(filepath.Join(worldDir, "audit"), f)
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	if len(recs) == 0 {
		fmt.Println("nothing to revert")
		return nil
	}

	applied, skipped := applyRollback(&snap, recs)
	dst := strings.TrimSpace(*out)
	if dst == "" {
		dst = filepath.Join(worldDir, "snapshots", fmt.Sprintf("%d.rollback.snap.zst", snap.Header.Tick))
	}
	if err := snapshot.WriteSnapshot(dst, snap); err != nil {
		return err
	}
	fmt.Printf("reverted %d edits (%d outside loaded chunks) from %s ticks %d..%d -> %s\n",
		applied, skipped, filepath.Base(base), f.since, f.to, dst)
	return nil
}

type auditFilter struct {
	since, to uint64
	lo, hi    [3]int
	actor     string
}

func (f auditFilter) match(e world.AuditEntry) bool {
	if e.Action != "SET_BLOCK" {
		return false
	}
	if e.Tick < f.since || e.Tick > f.to {
		return false
	}
	if f.actor != "" && e.Actor != f.actor {
		return false
	}
	return withinAABB(e.Pos, f.lo, f.hi)
}

type auditRec struct {
	Seq   uint64
	Entry world.AuditEntry
}

func readAudit(dir string, f auditFilter) ([]auditRec, error) {
	var out []auditRec
	var seq uint64
	err := persistlog.ReadAudits(dir, func(e world.AuditEntry) error {
		seq++
		if f.match(e) {
			out = append(out, auditRec{Seq: seq, Entry: e})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Undo newest first so every block ends at the oldest From. Seq follows
	// file order, which is tick order, so it alone decides.
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out, nil
}

// applyRollback writes each record's From block into the snapshot. Changes
// in chunks the snapshot does not hold are skipped.
func applyRollback(snap *snapshot.V1, recs []auditRec) (applied, skipped int) {
	chunks := make(map[spatial.ChunkPos]*snapshot.ChunkV1, len(snap.Chunks))
	for i, c := range snap.Chunks {
		chunks[spatial.ChunkPos{X: c.CX, Z: c.CZ}] = &snap.Chunks[i]
	}

	for _, r := range recs {
		p := spatial.BlockPos{X: r.Entry.Pos[0], Y: r.Entry.Pos[1], Z: r.Entry.Pos[2]}
		ch := chunks[p.Chunk()]
		if ch == nil || p.Y < 0 || p.Y >= ch.Height {
			skipped++
			continue
		}
		lx := spatial.Mod(p.X, spatial.ChunkSize)
		lz := spatial.Mod(p.Z, spatial.ChunkSize)
		i := lx + lz*spatial.ChunkSize + p.Y*spatial.ChunkSize*spatial.ChunkSize
		if i < 0 || i >= len(ch.Blocks) {
			skipped++
			continue
		}
		ch.Blocks[i] = r.Entry.From
		applied++
	}
	return applied, skipped
}

func withinAABB(pos [3]int, lo, hi [3]int) bool {
	return pos[0] >= lo[0] && pos[0] <= hi[0] &&
		pos[1] >= lo[1] && pos[1] <= hi[1] &&
		pos[2] >= lo[2] && pos[2] <= hi[2]
}

// parseAABB reads "x1,y1,z1:x2,y2,z2" in any corner order.
func parseAABB(s string) (lo, hi [3]int, err error) {
	var a, b [3]int
	s = strings.ReplaceAll(s, " ", "")
	n, err := fmt.Sscanf(s, "%d,%d,%d:%d,%d,%d", &a[0], &a[1], &a[2], &b[0], &b[1], &b[2])
	if err != nil || n != 6 {
		return lo, hi, fmt.Errorf("expected x1,y1,z1:x2,y2,z2")
	}
	for i := range a {
		lo[i], hi[i] = min(a[i], b[i]), max(a[i], b[i])
	}
	return lo, hi, nil
}
