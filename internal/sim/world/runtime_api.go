package world

import (
	"fmt"
	"time"

	"bastom.dev/internal/sim/command"
	"bastom.dev/internal/sim/view"
)

// Enqueue submits an already-decoded intent for session. It never blocks;
// non-critical commands may fail with simerr.ErrOverloaded.
func (w *World) Enqueue(session string, cmd command.Command, issuedAt time.Time) error {
	cmd.Session = session
	cmd.IssuedAt = issuedAt
	cmd.Tick = w.tick.Load()
	cmd.Resp = nil
	if cmd.Kind.Critical() {
		return fmt.Errorf("enqueue %s: use Connect/Disconnect", cmd.Kind)
	}
	return w.queue.Enqueue(cmd)
}

// EnqueueAt queues cmd for a specific tick, as recorded in a tick log.
func (w *World) EnqueueAt(cmd command.Command) error {
	return w.queue.Enqueue(cmd)
}

// Connect queues a join for session. The returned channel receives the
// player entity once the tick that applied the join has synchronized.
func (w *World) Connect(session, name string) (<-chan command.JoinResult, error) {
	resp := make(chan command.JoinResult, 1)
	err := w.queue.Enqueue(command.Command{
		Session:  session,
		Kind:     command.KindJoin,
		Name:     name,
		Tick:     w.tick.Load(),
		IssuedAt: time.Now(),
		Resp:     resp,
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Disconnect is never refused by backpressure. Pending non-critical
// commands of the session are purged immediately.
func (w *World) Disconnect(session string) error {
	if n := w.queue.Purge(session); n > 0 {
		w.log.Debug().Str("session", session).Int("purged", n).Msg("pending commands dropped on disconnect")
	}
	return w.queue.Enqueue(command.Command{
		Session:  session,
		Kind:     command.KindDisconnect,
		Tick:     w.tick.Load(),
		IssuedAt: time.Now(),
	})
}

// PendingSyncPayload pulls the session's coalesced payload. ok is false when
// nothing changed since the last pull.
func (w *World) PendingSyncPayload(session string) (p view.Payload, ok bool, err error) {
	return w.views.Pending(session)
}

// Notify returns a channel signalled whenever the session has a payload
// waiting. It fails with simerr.ErrNotFound before the join was applied.
func (w *World) Notify(session string) (<-chan struct{}, error) {
	ch, err := w.views.Notify(session)
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	return ch, nil
}

// QueueLen is the number of commands waiting for a tick.
func (w *World) QueueLen() int { return w.queue.Len() }
