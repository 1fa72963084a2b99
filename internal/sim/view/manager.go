package view

import (
	"context"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"bastom.dev/internal/sim/entity"
	"bastom.dev/internal/sim/simerr"
	"bastom.dev/internal/sim/terrain"
)

type Config struct {
	ChunkRadius  int // chunks, Chebyshev
	EntityRadius int // chunks, Chebyshev
	Parallelism  int // concurrent view diffs; 0 means GOMAXPROCS
}

// Manager owns every session's View. Open/Close/Sync run on the tick
// goroutine; Pending and Notify are safe from any goroutine.
type Manager struct {
	cfg Config
	log zerolog.Logger

	mu    sync.RWMutex
	views map[string]*View
}

func NewManager(cfg Config, log zerolog.Logger) *Manager {
	if cfg.ChunkRadius < 0 {
		cfg.ChunkRadius = 0
	}
	if cfg.EntityRadius < 0 {
		cfg.EntityRadius = 0
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = runtime.GOMAXPROCS(0)
	}
	return &Manager{cfg: cfg, log: log, views: map[string]*View{}}
}

func (m *Manager) Open(session string, self entity.ID) *View {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := newView(session, self)
	m.views[session] = v
	m.log.Debug().Str("session", session).Uint64("self", self).Msg("view opened")
	return v
}

// Close discards the session's bookkeeping. Authoritative state is not
// touched.
func (m *Manager) Close(session string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.views[session]
	delete(m.views, session)
	if ok {
		m.log.Debug().Str("session", session).Msg("view closed")
	}
	return ok
}

func (m *Manager) Get(session string) (*View, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.views[session]
	if !ok {
		return nil, fmt.Errorf("view %q: %w", session, simerr.ErrNotFound)
	}
	return v, nil
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.views)
}

// Pending pulls the session's coalesced payload, if any.
func (m *Manager) Pending(session string) (Payload, bool, error) {
	v, err := m.Get(session)
	if err != nil {
		return Payload{}, false, err
	}
	p, ok := v.Pull()
	return p, ok, nil
}

// Notify returns the channel signalled when session has a pending payload.
func (m *Manager) Notify(session string) (<-chan struct{}, error) {
	v, err := m.Get(session)
	if err != nil {
		return nil, err
	}
	return v.Notify(), nil
}

// Sync diffs every view against the state at tick. Views are disjoint, so
// diffs run in parallel; the registry and store are only read.
func (m *Manager) Sync(ctx context.Context, tick uint64, reg *entity.Registry, store *terrain.Store) error {
	m.mu.RLock()
	views := make([]*View, 0, len(m.views))
	for _, s := range slices.Sorted(maps.Keys(m.views)) {
		views = append(views, m.views[s])
	}
	m.mu.RUnlock()

	src := source{
		tick:        tick,
		reg:         reg,
		store:       store,
		chunkRadius: m.cfg.ChunkRadius,
		entRadius:   m.cfg.EntityRadius,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Parallelism)
	for _, v := range views {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			v.compute(src)
			return nil
		})
	}
	return g.Wait()
}
