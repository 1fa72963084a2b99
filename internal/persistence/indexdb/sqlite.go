// Package indexdb mirrors tick logs, audits and checkpoints into a SQLite
// database for ad-hoc queries. Writes are asynchronous and may be dropped
// under load; the JSONL logs remain the source of truth.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"bastom.dev/internal/persistence/snapshot"
	"bastom.dev/internal/sim/world"
)

const (
	queueSize   = 65536
	batchOps    = 2000
	batchMaxAge = 2 * time.Second
)

// job is one queued write. It runs inside the writer's open transaction.
type job func(*batch) error

type SQLiteIndex struct {
	db *sql.DB
	// reader is a second handle so lookups do not queue behind the
	// writer's open batch.
	reader *sql.DB

	ch   chan job
	wg   sync.WaitGroup
	once sync.Once

	// mu orders sends on ch against closing it.
	mu     sync.RWMutex
	closed bool

	dropTick     atomic.Uint64
	dropAudit    atomic.Uint64
	dropSnapshot atomic.Uint64
	failed       atomic.Uint64
}

type Stats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	DropTickTotal     uint64 `json:"drop_tick_total"`
	DropAuditTotal    uint64 `json:"drop_audit_total"`
	DropSnapshotTotal uint64 `json:"drop_snapshot_total"`
	FailedBatchTotal  uint64 `json:"failed_batch_total"`
}

var statements = map[string]string{
	"tick":     `INSERT OR REPLACE INTO ticks(tick,digest,commands,ignored) VALUES(?,?,?,?)`,
	"command":  `INSERT OR REPLACE INTO commands(tick,seq,id,session,kind,entity,raw_json) VALUES(?,?,?,?,?,?,?)`,
	"audit":    `INSERT OR REPLACE INTO audits(tick,seq,actor,action,x,y,z,from_block,to_block,reason) VALUES(?,?,?,?,?,?,?,?,?,?)`,
	"snapshot": `INSERT OR REPLACE INTO snapshots(tick,path,world_id,height,chunks,entities) VALUES(?,?,?,?,?,?)`,
	"entity":   `INSERT OR REPLACE INTO snapshot_entities(tick,id,kind,x,y,z,components_json) VALUES(?,?,?,?,?,?,?)`,
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer connection; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	w, err := newWriter(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	reader, err := sql.Open("sqlite", path)
	if err != nil {
		w.close()
		_ = db.Close()
		return nil, err
	}
	reader.SetMaxOpenConns(1)
	if _, err := reader.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		w.close()
		_ = reader.Close()
		_ = db.Close()
		return nil, err
	}
	s := &SQLiteIndex{db: db, reader: reader, ch: make(chan job, queueSize)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.run(s.ch, &s.failed)
	}()
	return s, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			digest TEXT NOT NULL,
			commands INTEGER NOT NULL,
			ignored INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS commands (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			id TEXT NOT NULL,
			session TEXT NOT NULL,
			kind TEXT NOT NULL,
			entity INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_commands_session_tick ON commands(session, tick);`,
		`CREATE TABLE IF NOT EXISTS audits (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			from_block INTEGER NOT NULL,
			to_block INTEGER NOT NULL,
			reason TEXT,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_actor_tick ON audits(actor, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_pos_tick ON audits(x, z, y, tick);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			world_id TEXT NOT NULL,
			height INTEGER NOT NULL,
			chunks INTEGER NOT NULL,
			entities INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS snapshot_entities (
			tick INTEGER NOT NULL,
			id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			z REAL NOT NULL,
			components_json TEXT,
			PRIMARY KEY (tick, id)
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains queued writes and closes the database.
func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = errors.Join(s.reader.Close(), s.db.Close())
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropTickTotal:     s.dropTick.Load(),
		DropAuditTotal:    s.dropAudit.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
		FailedBatchTotal:  s.failed.Load(),
	}
}

// enqueue never blocks the caller; a full queue counts a drop instead.
func (s *SQLiteIndex) enqueue(drops *atomic.Uint64, j job) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- j:
	default:
		drops.Add(1)
	}
}

func (s *SQLiteIndex) WriteTick(e world.TickLogEntry) error {
	s.enqueue(&s.dropTick, func(b *batch) error {
		if err := b.exec("tick", int64(e.Tick), e.Digest, len(e.Commands), e.Ignored); err != nil {
			return err
		}
		for i, c := range e.Commands {
			raw, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if err := b.exec("command", int64(e.Tick), i, c.ID.String(), c.Session, string(c.Kind), int64(c.Entity), string(raw)); err != nil {
				return err
			}
		}
		return nil
	})
	return nil
}

func (s *SQLiteIndex) WriteAudit(a world.AuditEntry) error {
	s.enqueue(&s.dropAudit, func(b *batch) error {
		return b.exec("audit", int64(a.Tick), b.auditSeq(a.Tick), a.Actor, a.Action,
			a.Pos[0], a.Pos[1], a.Pos[2], int64(a.From), int64(a.To), a.Reason)
	})
	return nil
}

// RecordSnapshot indexes a written checkpoint and the entities it holds.
func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.V1) {
	tick := int64(snap.Header.Tick)
	worldID, height, chunks, ents := snap.Header.WorldID, snap.Height, len(snap.Chunks), snap.Entities
	s.enqueue(&s.dropSnapshot, func(b *batch) error {
		if err := b.exec("snapshot", tick, path, worldID, height, chunks, len(ents)); err != nil {
			return err
		}
		for _, e := range ents {
			var comps any
			if len(e.Components) > 0 {
				raw, err := json.Marshal(e.Components)
				if err != nil {
					return err
				}
				comps = string(raw)
			}
			if err := b.exec("entity", tick, int64(e.ID), e.Kind, e.Pos[0], e.Pos[1], e.Pos[2], comps); err != nil {
				return err
			}
		}
		return nil
	})
}

// TickDigest returns the digest recorded for tick.
func (s *SQLiteIndex) TickDigest(ctx context.Context, tick uint64) (string, bool, error) {
	var d string
	err := s.reader.QueryRowContext(ctx, `SELECT digest FROM ticks WHERE tick=?`, int64(tick)).Scan(&d)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return d, true, nil
}

// writer owns the prepared statements and groups jobs into transactions of
// up to batchOps statements or batchMaxAge, whichever comes first.
type writer struct {
	db    *sql.DB
	stmts map[string]*sql.Stmt
}

func newWriter(db *sql.DB) (*writer, error) {
	w := &writer{db: db, stmts: make(map[string]*sql.Stmt, len(statements))}
	for name, q := range statements {
		st, err := db.Prepare(q)
		if err != nil {
			w.close()
			return nil, fmt.Errorf("prepare %s: %w", name, err)
		}
		w.stmts[name] = st
	}
	return w, nil
}

func (w *writer) close() {
	for _, st := range w.stmts {
		_ = st.Close()
	}
}

type batch struct {
	tx     *sql.Tx
	stmts  map[string]*sql.Stmt
	ops    int
	opened time.Time

	// Audit rows are keyed by (tick, seq); seq restarts every tick.
	lastAuditTick uint64
	nextAuditSeq  int
}

func (b *batch) exec(name string, args ...any) error {
	if _, err := b.tx.Stmt(b.stmts[name]).Exec(args...); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	b.ops++
	return nil
}

func (b *batch) auditSeq(tick uint64) int {
	if tick != b.lastAuditTick {
		b.lastAuditTick = tick
		b.nextAuditSeq = 0
	}
	seq := b.nextAuditSeq
	b.nextAuditSeq++
	return seq
}

func (w *writer) run(jobs <-chan job, failed *atomic.Uint64) {
	defer w.close()

	b := &batch{stmts: w.stmts}
	flush := func() {
		if b.tx == nil {
			return
		}
		if err := b.tx.Commit(); err != nil {
			failed.Add(1)
		}
		b.tx = nil
	}

	for j := range jobs {
		if b.tx == nil {
			tx, err := w.db.BeginTx(context.Background(), nil)
			if err != nil {
				failed.Add(1)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			b.tx, b.ops, b.opened = tx, 0, time.Now()
		}
		if err := j(b); err != nil {
			// The batch is lost with the failing job; the JSONL logs still have it.
			_ = b.tx.Rollback()
			b.tx = nil
			failed.Add(1)
			continue
		}
		if b.ops >= batchOps || time.Since(b.opened) >= batchMaxAge {
			flush()
		}
	}
	flush()
}
