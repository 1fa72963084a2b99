package world

import (
	"sort"
)

// WorldMetrics is a thread-safe read-only view of key world runtime signals.
// It is updated from the tick goroutine and read from HTTP handlers/tests.
type WorldMetrics struct {
	Tick  uint64 `json:"tick"`
	Phase string `json:"phase"`

	Entities     int `json:"entities"`
	Sessions     int `json:"sessions"`
	LoadedChunks int `json:"loaded_chunks"`
	QueueDepth   int `json:"queue_depth"`

	StepMS float64 `json:"step_ms"`

	Overruns        uint64 `json:"overruns"`
	DroppedTicks    uint64 `json:"dropped_ticks"`
	IgnoredCommands uint64 `json:"ignored_commands"`
	Overloaded      uint64 `json:"overloaded"`
	CorruptChunks   int    `json:"corrupt_chunks"`
}

func (w *World) Metrics() WorldMetrics {
	if w == nil {
		return WorldMetrics{}
	}
	m, _ := w.metrics.Load().(WorldMetrics)
	return m
}

func (w *World) publishMetrics(stepMS float64) {
	w.metrics.Store(WorldMetrics{
		Tick:            w.tick.Load(),
		Phase:           w.Phase().String(),
		Entities:        w.reg.Len(),
		Sessions:        len(w.sessions),
		LoadedChunks:    w.store.Len(),
		QueueDepth:      w.queue.Len(),
		StepMS:          stepMS,
		Overruns:        w.overruns,
		DroppedTicks:    w.droppedTicks,
		IgnoredCommands: w.ignored,
		Overloaded:      w.queue.Overloaded(),
		CorruptChunks:   w.store.CorruptCount(),
	})
}

func (w *World) publishPlayers() {
	out := make([]PlayerInfo, 0, len(w.sessions))
	for id, s := range w.sessions {
		out = append(out, PlayerInfo{Session: id, Name: s.name, Entity: s.entity})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session < out[j].Session })
	w.players.Store(out)
}
