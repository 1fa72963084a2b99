package command

import (
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"bastom.dev/internal/sim/simerr"
)

type Config struct {
	// Depth bounds the number of queued commands accepted from producers.
	// Critical commands are admitted past it.
	Depth int
	// PerSession bounds queued non-critical commands per session; 0 disables.
	PerSession int
}

// Queue is the only world input shared with producer goroutines. Many
// producers call Enqueue; the tick loop is the single consumer of Drain.
// Order is global arrival order, which is also FIFO per session.
type Queue struct {
	cfg Config
	log zerolog.Logger

	mu         sync.Mutex
	items      []Command
	perSession map[string]int
	dropCounts map[string]uint64
	overloaded uint64
	closed     bool
}

func NewQueue(cfg Config, log zerolog.Logger) *Queue {
	if cfg.Depth <= 0 {
		cfg.Depth = 4096
	}
	return &Queue{
		cfg:        cfg,
		log:        log,
		perSession: map[string]int{},
		dropCounts: map[string]uint64{},
	}
}

// Enqueue never blocks. Non-critical commands beyond the configured depth
// or per-session limit fail with simerr.ErrOverloaded. A disconnect purges
// the session's pending non-critical commands before it is queued.
func (q *Queue) Enqueue(cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if cmd.Kind.Critical() {
		cmd.Critical = true
	}
	if cmd.ID == (ulid.ULID{}) {
		cmd.ID = ulid.Make()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("enqueue %s: %w", cmd.Kind, simerr.ErrStopped)
	}
	if cmd.Critical {
		if cmd.Kind == KindDisconnect {
			q.purgeLocked(cmd.Session)
		}
		q.items = append(q.items, cmd)
		q.mu.Unlock()
		return nil
	}

	reason := ""
	switch {
	case len(q.items) >= q.cfg.Depth:
		reason = "queue_full"
	case q.cfg.PerSession > 0 && cmd.Session != "" && q.perSession[cmd.Session] >= q.cfg.PerSession:
		reason = "session_limit"
	}
	if reason != "" {
		q.overloaded++
		count := q.dropCounts[cmd.Session] + 1
		q.dropCounts[cmd.Session] = count
		depth := len(q.items)
		q.mu.Unlock()
		q.reportDrop(reason, cmd, count, depth)
		return fmt.Errorf("enqueue %s: %s: %w", cmd.Kind, reason, simerr.ErrOverloaded)
	}

	q.items = append(q.items, cmd)
	if cmd.Session != "" {
		q.perSession[cmd.Session]++
	}
	q.mu.Unlock()
	return nil
}

// Logs only at power-of-two drop counts per session.
func (q *Queue) reportDrop(reason string, cmd Command, count uint64, depth int) {
	if count == 0 || count&(count-1) != 0 {
		return
	}
	q.log.Warn().
		Str("reason", reason).
		Str("session", cmd.Session).
		Str("kind", string(cmd.Kind)).
		Uint64("count", count).
		Int("depth", depth).
		Int("limit", q.cfg.Depth).
		Msg("backpressure: dropping command")
}

// Drain removes and returns every command with Tick <= tick in arrival
// order. Future-dated commands stay queued.
func (q *Queue) Drain(tick uint64) []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	var due []Command
	keep := q.items[:0]
	for _, c := range q.items {
		if c.Tick > tick {
			keep = append(keep, c)
			continue
		}
		due = append(due, c)
		if !c.Critical && c.Session != "" {
			q.decSessionLocked(c.Session)
		}
	}
	clear(q.items[len(keep):])
	q.items = keep
	return due
}

// Purge drops the session's queued non-critical commands.
func (q *Queue) Purge(session string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.purgeLocked(session)
}

func (q *Queue) purgeLocked(session string) int {
	if session == "" || q.perSession[session] == 0 {
		delete(q.dropCounts, session)
		return 0
	}
	n := 0
	keep := q.items[:0]
	for _, c := range q.items {
		if c.Session == session && !c.Critical {
			n++
			continue
		}
		keep = append(keep, c)
	}
	clear(q.items[len(keep):])
	q.items = keep
	delete(q.perSession, session)
	delete(q.dropCounts, session)
	return n
}

func (q *Queue) decSessionLocked(session string) {
	if n := q.perSession[session]; n <= 1 {
		delete(q.perSession, session)
	} else {
		q.perSession[session] = n - 1
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Overloaded is the total number of rejected commands.
func (q *Queue) Overloaded() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overloaded
}

// Close rejects all further commands with simerr.ErrStopped. Queued
// commands can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
