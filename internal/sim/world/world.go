package world

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"bastom.dev/internal/persistence/snapshot"
	"bastom.dev/internal/sim/blocks"
	"bastom.dev/internal/sim/command"
	"bastom.dev/internal/sim/entity"
	"bastom.dev/internal/sim/terrain"
	"bastom.dev/internal/sim/view"
)

type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseDrainingCommands
	PhaseUpdatingSystems
	PhaseSynchronizing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDrainingCommands:
		return "draining_commands"
	case PhaseUpdatingSystems:
		return "updating_systems"
	case PhaseSynchronizing:
		return "synchronizing"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

// TickLogEntry records every command drained at Tick, in application order.
// Replaying the entries against a fresh world reproduces Digest.
type TickLogEntry struct {
	Tick     uint64            `json:"tick"`
	Commands []command.Command `json:"commands,omitempty"`
	Ignored  int               `json:"ignored,omitempty"`
	Digest   string            `json:"digest"`
}

type AuditEntry struct {
	Tick   uint64 `json:"tick"`
	Actor  string `json:"actor"`
	Action string `json:"action"` // "SET_BLOCK"
	Pos    [3]int `json:"pos"`
	From   uint16 `json:"from"`
	To     uint16 `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// PlayerInfo is a connected session as reported to operators.
type PlayerInfo struct {
	Session string    `json:"session"`
	Name    string    `json:"name"`
	Entity  entity.ID `json:"entity"`
}

type session struct {
	name   string
	entity entity.ID
}

// World is the authoritative tick engine. Registry, store and sessions are
// touched only by the goroutine running the tick; the command queue and the
// view manager are the concurrency-safe edges.
type World struct {
	cfg     WorldConfig
	log     zerolog.Logger
	palette *blocks.Palette

	tick  atomic.Uint64 // next tick to compute
	phase atomic.Int32

	reg   *entity.Registry
	store *terrain.Store
	queue *command.Queue
	views *view.Manager

	sessions map[string]*session

	// Optional sinks (may be nil). Implemented in internal/persistence/*.
	tickLogger   TickLogger
	auditLogger  AuditLogger
	snapshotSink chan<- snapshot.V1

	// Counters owned by the tick goroutine, published through metrics.
	overruns     uint64
	droppedTicks uint64
	ignored      uint64

	metrics atomic.Value // WorldMetrics
	players atomic.Value // []PlayerInfo

	saveRequested atomic.Bool

	stepMu   sync.Mutex // one tick at a time, Run or StepOnce
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	running  atomic.Bool
}

func New(cfg WorldConfig, provider terrain.Provider, log zerolog.Logger) (*World, error) {
	cfg.applyDefaults()
	gen, err := terrain.GeneratorByName(cfg.Generator)
	if err != nil {
		return nil, err
	}
	w := &World{
		cfg:     cfg,
		log:     log.With().Str("world", cfg.ID).Logger(),
		palette: blocks.Default,
		reg:     entity.NewRegistry(cfg.CellSize),
		store: terrain.NewStore(terrain.Config{
			Height:    cfg.Height,
			Generator: gen,
			Provider:  provider,
			Palette:   blocks.Default,
			Logger:    log.With().Str("component", "terrain").Logger(),
		}),
		queue: command.NewQueue(command.Config{
			Depth:      cfg.QueueDepth,
			PerSession: cfg.MaxPerSession,
		}, log.With().Str("component", "queue").Logger()),
		views: view.NewManager(view.Config{
			ChunkRadius:  cfg.ChunkViewDistance,
			EntityRadius: cfg.EntityViewDistance,
			Parallelism:  cfg.SyncParallelism,
		}, log.With().Str("component", "view").Logger()),
		sessions: map[string]*session{},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.players.Store([]PlayerInfo{})
	w.publishMetrics(0)
	return w, nil
}

func (w *World) SetTickLogger(l TickLogger)            { w.tickLogger = l }
func (w *World) SetAuditLogger(l AuditLogger)          { w.auditLogger = l }
func (w *World) SetSnapshotSink(ch chan<- snapshot.V1) { w.snapshotSink = ch }

func (w *World) ID() string { return w.cfg.ID }

func (w *World) Config() WorldConfig { return w.cfg }

func (w *World) CurrentTick() uint64 { return w.tick.Load() }

func (w *World) Phase() Phase { return Phase(w.phase.Load()) }

func (w *World) Palette() *blocks.Palette { return w.palette }

// Players returns the connected sessions. Safe from any goroutine.
func (w *World) Players() []PlayerInfo {
	v, _ := w.players.Load().([]PlayerInfo)
	return v
}

// RequestSave asks the loop to save dirty chunks and emit a snapshot after
// the next tick.
func (w *World) RequestSave() { w.saveRequested.Store(true) }

// Registry and Store expose engine state to tests and tools. Only use them
// while the loop is not running.
func (w *World) Registry() *entity.Registry { return w.reg }
func (w *World) Store() *terrain.Store      { return w.store }
