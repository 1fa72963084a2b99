package world

import (
	"context"
	"errors"
	"time"

	"bastom.dev/internal/sim/command"
	"bastom.dev/internal/sim/simerr"
	"bastom.dev/internal/sim/spatial"
	"bastom.dev/internal/sim/terrain"
)

// stepInternal computes one tick. Caller holds stepMu.
func (w *World) stepInternal(wantDigest bool) (tick uint64, digest string) {
	stepStart := time.Now()
	tick = w.tick.Load()

	defer func() {
		if r := recover(); r != nil {
			// Best effort: keep what players built before the process dies.
			n, err := w.store.SaveDirty()
			w.log.Error().Interface("panic", r).Uint64("tick", tick).Int("saved_chunks", n).AnErr("save_err", err).Msg("tick panicked")
			panic(r)
		}
	}()

	w.store.BeginTick(tick)

	// 1. Drain commands due at this tick, in arrival order.
	w.phase.Store(int32(PhaseDrainingCommands))
	cmds := w.queue.Drain(tick)
	ignored := 0
	for _, cmd := range cmds {
		err := w.applyCommand(cmd, tick)
		w.auditChanges(tick, cmd.Session, cmd.Kind)
		if err != nil {
			ignored++
			w.ignored++
			ev := w.log.Debug()
			if !errors.Is(err, simerr.ErrNotFound) && !errors.Is(err, errForbidden) {
				ev = w.log.Warn()
			}
			ev.Err(err).Uint64("tick", tick).Str("session", cmd.Session).Str("kind", string(cmd.Kind)).Msg("command ignored")
		}
	}

	// 2. Systems in declared order.
	w.phase.Store(int32(PhaseUpdatingSystems))
	w.runSystems(tick)
	w.auditChanges(tick, "system", "")
	w.store.EndTick()

	// 3. End of tick housekeeping: deferred destroys, then chunk interest.
	w.reg.FlushDestroyed()
	for _, s := range w.sessions {
		if e, err := w.reg.Get(s.entity); err == nil {
			w.store.SetInterest(e.ID, spatial.ChunkOf(e.Pos), w.cfg.ChunkViewDistance)
		}
	}
	if _, _, err := w.store.Reconcile(); err != nil {
		w.log.Error().Err(err).Uint64("tick", tick).Msg("chunk reconcile")
	}

	// 4. Synchronize views.
	w.phase.Store(int32(PhaseSynchronizing))
	w.reg.TakeDirty(tick)
	if err := w.views.Sync(context.Background(), tick, w.reg, w.store); err != nil {
		w.log.Error().Err(err).Uint64("tick", tick).Msg("view sync")
	}

	if wantDigest || w.tickLogger != nil {
		digest = w.stateDigest(tick)
	}
	if w.tickLogger != nil {
		if err := w.tickLogger.WriteTick(TickLogEntry{Tick: tick, Commands: loggable(cmds), Ignored: ignored, Digest: digest}); err != nil {
			w.log.Warn().Err(err).Uint64("tick", tick).Msg("tick log write")
		}
	}

	w.maybeCheckpoint(tick)

	w.tick.Add(1)
	w.phase.Store(int32(PhaseIdle))

	stepMS := float64(time.Since(stepStart).Microseconds()) / 1000.0
	w.publishMetrics(stepMS)
	return tick, digest
}

func loggable(cmds []command.Command) []command.Command {
	if len(cmds) == 0 {
		return nil
	}
	out := make([]command.Command, len(cmds))
	for i, c := range cmds {
		c.Resp = nil
		out[i] = c
	}
	return out
}

func (w *World) auditChanges(tick uint64, actor string, kind command.Kind) {
	changes := w.store.DrainChanges()
	if w.auditLogger == nil || len(changes) == 0 {
		return
	}
	for _, c := range changes {
		if err := w.auditLogger.WriteAudit(auditEntry(c, actor, string(kind))); err != nil {
			w.log.Warn().Err(err).Uint64("tick", tick).Msg("audit write")
			return
		}
	}
}

func auditEntry(c terrain.BlockChange, actor, reason string) AuditEntry {
	return AuditEntry{
		Tick:   c.Tick,
		Actor:  actor,
		Action: "SET_BLOCK",
		Pos:    [3]int{c.Pos.X, c.Pos.Y, c.Pos.Z},
		From:   uint16(c.From),
		To:     uint16(c.To),
		Reason: reason,
	}
}

func (w *World) maybeCheckpoint(tick uint64) {
	due := w.cfg.CheckpointEveryTicks > 0 && tick != 0 && tick%uint64(w.cfg.CheckpointEveryTicks) == 0
	if w.saveRequested.Swap(false) {
		due = true
	}
	if !due {
		return
	}
	w.checkpoint(tick)
}

func (w *World) checkpoint(tick uint64) {
	n, err := w.store.SaveDirty()
	if err != nil {
		w.log.Error().Err(err).Uint64("tick", tick).Msg("checkpoint: chunk save")
	}
	if w.snapshotSink != nil {
		snap := w.ExportSnapshot(tick)
		select {
		case w.snapshotSink <- snap:
		default:
			// Drop snapshot if sink is backed up.
			w.log.Warn().Uint64("tick", tick).Msg("checkpoint: snapshot sink full")
		}
	}
	w.log.Debug().Uint64("tick", tick).Int("saved_chunks", n).Msg("checkpoint")
}
