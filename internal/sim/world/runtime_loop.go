package world

import (
	"context"
	"errors"
	"time"

	"bastom.dev/internal/sim/simerr"
)

// Run drives ticks at the configured rate until ctx is done or Stop is
// called. A tick that finishes late starts the next one immediately; once
// more than MaxCatchUpTicks are owed, the rest of the lag is dropped.
func (w *World) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.New("world already running")
	}
	return w.loop(ctx)
}

func (w *World) loop(ctx context.Context) error {
	defer close(w.done)

	interval := time.Second / time.Duration(w.cfg.TickRateHz)
	next := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return ctx.Err()
		case <-w.stop:
			w.shutdown()
			return nil
		case <-timer.C:
		}

		started := time.Now()
		w.stepMu.Lock()
		tick, _ := w.stepInternal(false)
		w.stepMu.Unlock()

		now := time.Now()
		next = w.pace(tick, next, started, now, interval)
		timer.Reset(max(0, next.Sub(now)))
	}
}

// pace books a tick that ran from started to now against the schedule and
// returns when the next tick is due. A tick longer than interval is an
// overrun. Ticks already due run back to back, at most MaxCatchUpTicks of
// them; the rest of the lag is dropped.
func (w *World) pace(tick uint64, next, started, now time.Time, interval time.Duration) time.Time {
	if took := now.Sub(started); took > interval {
		w.overruns++
		w.log.Warn().Err(simerr.ErrOverrun).Uint64("tick", tick).Dur("took", took).Dur("interval", interval).Msg("tick overrun")
	}
	next = next.Add(interval)
	lag := now.Sub(next)
	if lag < 0 {
		return next
	}
	due := uint64(lag/interval) + 1
	if limit := uint64(w.cfg.MaxCatchUpTicks); due > limit {
		dropped := due - limit
		w.droppedTicks += dropped
		next = next.Add(time.Duration(dropped) * interval)
		w.log.Warn().Uint64("tick", tick).Dur("lag", lag).Uint64("dropped", dropped).Msg("catch-up limit reached, dropping lag")
	}
	return next
}

// Start runs the loop on a new goroutine.
func (w *World) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.New("world already running")
	}
	go func() {
		if err := w.loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error().Err(err).Msg("world loop exited")
		}
	}()
	return nil
}

// Stop lets the in-flight tick finish, runs a final synchronization, saves
// dirty chunks and waits for the loop to exit. Safe to call more than once.
func (w *World) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.running.Load() {
		<-w.done
	}
}

// Done is closed when Run returns.
func (w *World) Done() <-chan struct{} { return w.done }

func (w *World) shutdown() {
	w.stepMu.Lock()
	defer w.stepMu.Unlock()

	// Commands accepted before Close still get applied.
	w.queue.Close()
	if pending := w.queue.Len(); pending > 0 {
		w.log.Info().Int("pending", pending).Msg("shutdown: applying queued commands")
		w.stepInternal(false)
	} else {
		w.phase.Store(int32(PhaseSynchronizing))
		if err := w.views.Sync(context.Background(), w.tick.Load(), w.reg, w.store); err != nil {
			w.log.Error().Err(err).Msg("shutdown: final sync")
		}
		w.phase.Store(int32(PhaseIdle))
	}
	tick := w.tick.Load()

	n, err := w.store.SaveDirty()
	if err != nil {
		w.log.Error().Err(err).Msg("shutdown: chunk save")
	}
	if w.snapshotSink != nil && tick > 0 {
		select {
		case w.snapshotSink <- w.ExportSnapshot(tick - 1):
		case <-time.After(2 * time.Second):
			w.log.Warn().Msg("shutdown: snapshot sink blocked, final snapshot skipped")
		}
	}
	w.publishMetrics(0)
	w.log.Info().Uint64("tick", tick).Int("saved_chunks", n).Msg("world stopped")
}

// StepOnce advances the world by a single tick with the same ordering as
// Run. It is intended for deterministic replays and tests; do not mix it
// with a running loop.
func (w *World) StepOnce() (tick uint64, digest string) {
	w.stepMu.Lock()
	defer w.stepMu.Unlock()
	return w.stepInternal(true)
}
