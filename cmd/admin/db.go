package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// indexQuery is one canned query against the sqlite index. args builds the
// bind values; scan reads one row into a JSON-printable value.
type indexQuery struct {
	sql  string
	args func(o indexOpts) []any
	scan func(rows *sql.Rows, o indexOpts) (any, error)
}

type indexOpts struct {
	tick    uint64
	session string
	limit   int
}

// bySession narrows a query to one session when -session is set. It takes
// the session twice.
func bySession(column string) string {
	return fmt.Sprintf(`(? = '' OR %s = ?)`, column)
}

func tickLimit(o indexOpts) []any { return []any{int64(o.tick), o.limit} }

func tickSessionLimit(o indexOpts) []any {
	return []any{int64(o.tick), o.session, o.session, o.limit}
}

var indexQueries = map[string]indexQuery{
	"snapshots": {
		sql:  `SELECT tick,path,world_id,height,chunks,entities FROM snapshots ORDER BY tick DESC LIMIT ?`,
		args: func(o indexOpts) []any { return []any{o.limit} },
		scan: func(rows *sql.Rows, _ indexOpts) (any, error) {
			var r struct {
				Tick     uint64 `json:"tick"`
				Path     string `json:"path"`
				WorldID  string `json:"world_id"`
				Height   int    `json:"height"`
				Chunks   int    `json:"chunks"`
				Entities int    `json:"entities"`
			}
			err := rows.Scan(&r.Tick, &r.Path, &r.WorldID, &r.Height, &r.Chunks, &r.Entities)
			return r, err
		},
	},
	"entities": {
		sql:  `SELECT id,kind,x,y,z,COALESCE(components_json,'') FROM snapshot_entities WHERE tick=? ORDER BY id LIMIT ?`,
		args: tickLimit,
		scan: func(rows *sql.Rows, o indexOpts) (any, error) {
			r := struct {
				Tick       uint64          `json:"tick"`
				ID         uint64          `json:"id"`
				Kind       string          `json:"kind"`
				Pos        [3]float64      `json:"pos"`
				Components json.RawMessage `json:"components,omitempty"`
			}{Tick: o.tick}
			var comps string
			err := rows.Scan(&r.ID, &r.Kind, &r.Pos[0], &r.Pos[1], &r.Pos[2], &comps)
			if comps != "" {
				r.Components = json.RawMessage(comps)
			}
			return r, err
		},
	},
	"ticks": {
		sql:  `SELECT tick,digest,commands,ignored FROM ticks WHERE tick>=? ORDER BY tick DESC LIMIT ?`,
		args: tickLimit,
		scan: func(rows *sql.Rows, _ indexOpts) (any, error) {
			var r struct {
				Tick     uint64 `json:"tick"`
				Digest   string `json:"digest"`
				Commands int    `json:"commands"`
				Ignored  int    `json:"ignored"`
			}
			err := rows.Scan(&r.Tick, &r.Digest, &r.Commands, &r.Ignored)
			return r, err
		},
	},
	"commands": {
		sql: `SELECT tick,seq,id,session,kind,entity,raw_json FROM commands WHERE tick>=? AND ` + bySession("session") +
			` ORDER BY tick DESC, seq DESC LIMIT ?`,
		args: tickSessionLimit,
		scan: func(rows *sql.Rows, _ indexOpts) (any, error) {
			var r struct {
				Tick    uint64          `json:"tick"`
				Seq     int             `json:"seq"`
				ID      string          `json:"id"`
				Session string          `json:"session"`
				Kind    string          `json:"kind"`
				Entity  uint64          `json:"entity"`
				Command json.RawMessage `json:"command"`
			}
			var raw string
			err := rows.Scan(&r.Tick, &r.Seq, &r.ID, &r.Session, &r.Kind, &r.Entity, &raw)
			r.Command = json.RawMessage(raw)
			return r, err
		},
	},
	"audits": {
		sql: `SELECT tick,seq,actor,action,x,y,z,from_block,to_block,COALESCE(reason,'') FROM audits WHERE tick>=? AND ` + bySession("actor") +
			` ORDER BY tick DESC, seq DESC LIMIT ?`,
		args: tickSessionLimit,
		scan: func(rows *sql.Rows, _ indexOpts) (any, error) {
			var r struct {
				Tick   uint64 `json:"tick"`
				Seq    int    `json:"seq"`
				Actor  string `json:"actor"`
				Action string `json:"action"`
				Pos    [3]int `json:"pos"`
				From   uint16 `json:"from"`
				To     uint16 `json:"to"`
				Reason string `json:"reason,omitempty"`
			}
			err := rows.Scan(&r.Tick, &r.Seq, &r.Actor, &r.Action, &r.Pos[0], &r.Pos[1], &r.Pos[2], &r.From, &r.To, &r.Reason)
			return r, err
		},
	},
}

// queryIndex runs one canned query and prints a JSON line per row.
func queryIndex(args []string) error {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id, used to locate the index")
	dbPath := fs.String("db", "", "explicit sqlite path instead of -world")
	tick := fs.Uint64("tick", 0, "entities: snapshot tick (default newest); others: lowest tick")
	session := fs.String("session", "", "commands and audits: only this session")
	limit := fs.Int("limit", 20, "maximum rows")
	_ = fs.Parse(args)

	name := "snapshots"
	if fs.NArg() > 0 {
		name = strings.TrimSpace(fs.Arg(0))
	}
	q, ok := indexQueries[name]
	if !ok {
		return usagef("unknown query %q (snapshots, entities, ticks, commands, audits)", name)
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*worldID) == "" {
			return usagef("need -world or -db")
		}
		path = filepath.Join(*dataDir, "worlds", *worldID, "index", "world.sqlite")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()

	o := indexOpts{tick: *tick, session: strings.TrimSpace(*session), limit: max(*limit, 1)}
	if name == "entities" && o.tick == 0 {
		var newest sql.NullInt64
		if err := db.QueryRow(`SELECT MAX(tick) FROM snapshots`).Scan(&newest); err != nil {
			return err
		}
		if !newest.Valid {
			return fmt.Errorf("index has no snapshots")
		}
		o.tick = uint64(newest.Int64)
	}

	rows, err := db.Query(q.sql, q.args(o)...)
	if err != nil {
		return err
	}
	defer rows.Close()

	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	for rows.Next() {
		v, err := q.scan(rows, o)
		if err != nil {
			return err
		}
		if err := enc.Encode(v); err != nil {
			return err
		}
	}
	return rows.Err()
}
