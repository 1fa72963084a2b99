package main

import (
	"fmt"
	"io"

	"bastom.dev/internal/persistence/indexdb"
	"bastom.dev/internal/sim/world"
	"bastom.dev/internal/transport/ws"
)

// writeMetrics renders the Prometheus text exposition format.
func writeMetrics(out io.Writer, worldID string, m world.WorldMetrics, conns ws.Stats, idx *indexdb.SQLiteIndex) {
	gauge := func(name, help string, v any) {
		fmt.Fprintf(out, "# HELP %s %s\n", name, help)
		fmt.Fprintf(out, "# TYPE %s gauge\n", name)
		fmt.Fprintf(out, "%s{world=%q} %v\n", name, worldID, v)
	}
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(out, "# HELP %s %s\n", name, help)
		fmt.Fprintf(out, "# TYPE %s counter\n", name)
		fmt.Fprintf(out, "%s{world=%q} %d\n", name, worldID, v)
	}

	gauge("bastom_world_tick", "Next tick to compute.", m.Tick)
	gauge("bastom_world_entities", "Live entities.", m.Entities)
	gauge("bastom_world_sessions", "Connected sessions.", m.Sessions)
	gauge("bastom_world_loaded_chunks", "Loaded chunk count.", m.LoadedChunks)
	gauge("bastom_world_queue_depth", "Commands waiting for a tick.", m.QueueDepth)
	gauge("bastom_world_step_ms", "Last tick step duration in milliseconds.", fmt.Sprintf("%.3f", m.StepMS))
	gauge("bastom_world_corrupt_chunks", "Chunks regenerated after failing to decode.", m.CorruptChunks)
	counter("bastom_world_overruns_total", "Ticks that finished after their deadline.", m.Overruns)
	counter("bastom_world_dropped_ticks_total", "Ticks skipped after the catch-up limit.", m.DroppedTicks)
	counter("bastom_world_ignored_commands_total", "Commands ignored while applying.", m.IgnoredCommands)
	counter("bastom_world_overloaded_total", "Commands refused by backpressure.", m.Overloaded)

	gauge("bastom_ws_connections", "Open player connections.", conns.Connections)
	counter("bastom_ws_commands_accepted_total", "Commands accepted from clients.", conns.CommandsAccepted)
	counter("bastom_ws_commands_rejected_total", "Commands rejected before queueing.", conns.CommandsRejected)

	if idx == nil {
		return
	}
	s := idx.Stats()
	gauge("bastom_index_queue_depth", "Index write queue depth.", s.QueueDepth)
	gauge("bastom_index_queue_capacity", "Index write queue capacity.", s.QueueCapacity)
	counter("bastom_index_dropped_ticks_total", "Tick rows dropped because the index queue was full.", s.DropTickTotal)
	counter("bastom_index_dropped_audits_total", "Audit rows dropped because the index queue was full.", s.DropAuditTotal)
	counter("bastom_index_dropped_snapshots_total", "Snapshot rows dropped because the index queue was full.", s.DropSnapshotTotal)
	counter("bastom_index_failed_batches_total", "Index transactions rolled back or not committed.", s.FailedBatchTotal)
}
