package indexdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"bastom.dev/internal/persistence/snapshot"
	"bastom.dev/internal/sim/command"
	"bastom.dev/internal/sim/world"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan job, 1)}
	s.ch <- func(*batch) error { return nil }

	_ = s.WriteTick(world.TickLogEntry{Tick: 2})
	_ = s.WriteAudit(world.AuditEntry{Tick: 2})
	s.RecordSnapshot("/tmp/2.snap.zst", snapshot.V1{})

	st := s.Stats()
	if st.DropTickTotal != 1 || st.DropAuditTotal != 1 || st.DropSnapshotTotal != 1 {
		t.Fatalf("drops: %+v", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_WritesRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}

	_ = idx.WriteTick(world.TickLogEntry{
		Tick:   7,
		Digest: "abc",
		Commands: []command.Command{
			{Session: "s1", Kind: command.KindMove},
			{Session: "s2", Kind: command.KindBreakBlock},
		},
		Ignored: 1,
	})
	_ = idx.WriteAudit(world.AuditEntry{Tick: 7, Actor: "s2", Action: "SET_BLOCK", Pos: [3]int{1, 2, 3}, From: 3, To: 0})
	_ = idx.WriteAudit(world.AuditEntry{Tick: 7, Actor: "system", Action: "SET_BLOCK", Pos: [3]int{1, 3, 3}, From: 0, To: 1})
	idx.RecordSnapshot("/data/7.snap.zst", snapshot.V1{
		Header:   snapshot.Header{Version: snapshot.Version, WorldID: "w1", Tick: 7},
		Height:   64,
		Entities: []snapshot.EntityV1{{ID: 4, Kind: "mob", Pos: [3]float64{1, 5, 1}, Components: map[string]any{"ai": "wander"}}},
	})
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	count := func(q string) int {
		t.Helper()
		var n int
		if err := db.QueryRow(q).Scan(&n); err != nil {
			t.Fatalf("%s: %v", q, err)
		}
		return n
	}
	if n := count(`SELECT COUNT(*) FROM commands WHERE tick=7`); n != 2 {
		t.Fatalf("commands=%d", n)
	}
	if n := count(`SELECT COUNT(*) FROM audits WHERE tick=7`); n != 2 {
		t.Fatalf("audits=%d", n)
	}
	if n := count(`SELECT COUNT(*) FROM snapshot_entities WHERE tick=7 AND kind='mob'`); n != 1 {
		t.Fatalf("snapshot entities=%d", n)
	}
	var ignored int
	var digest string
	if err := db.QueryRow(`SELECT digest, ignored FROM ticks WHERE tick=7`).Scan(&digest, &ignored); err != nil {
		t.Fatalf("tick row: %v", err)
	}
	if digest != "abc" || ignored != 1 {
		t.Fatalf("tick row: %q %d", digest, ignored)
	}
}

func TestSQLiteIndex_TickDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	_ = idx.WriteTick(world.TickLogEntry{Tick: 1, Digest: "d1"})
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	idx, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()
	d, ok, err := idx.TickDigest(context.Background(), 1)
	if err != nil || !ok || d != "d1" {
		t.Fatalf("digest=%q ok=%v err=%v", d, ok, err)
	}
	if _, ok, _ := idx.TickDigest(context.Background(), 2); ok {
		t.Fatalf("unexpected digest for tick 2")
	}
}

func TestSQLiteIndex_DigestReadNotBlockedByOpenBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	_ = idx.WriteTick(world.TickLogEntry{Tick: 1, Digest: "d1"})
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	idx, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	// Keep the writer inside a transaction until the read is done.
	release := make(chan struct{})
	started := make(chan struct{})
	idx.ch <- func(*batch) error {
		close(started)
		<-release
		return nil
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, ok, err := idx.TickDigest(ctx, 1)
	close(release)
	if err != nil || !ok || d != "d1" {
		t.Fatalf("digest=%q ok=%v err=%v", d, ok, err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSQLiteIndex_WritesRacingCloseDoNotPanic(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_ = idx.WriteTick(world.TickLogEntry{Tick: uint64(g*1000 + i)})
				_ = idx.WriteAudit(world.AuditEntry{Tick: uint64(i), Action: "SET_BLOCK"})
			}
		}(g)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()
	_ = idx.WriteTick(world.TickLogEntry{Tick: 99999})
}
