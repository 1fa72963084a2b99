package world

import (
	"errors"
	"fmt"

	"bastom.dev/internal/sim/blocks"
	"bastom.dev/internal/sim/command"
	"bastom.dev/internal/sim/entity"
	"bastom.dev/internal/sim/simerr"
	"bastom.dev/internal/sim/spatial"
)

var errForbidden = errors.New("forbidden")

// resolveTarget picks the entity a command acts on. Zero means the
// session's own player. Sessions may not drive other players.
func (w *World) resolveTarget(cmd command.Command) (*entity.Entity, error) {
	id := cmd.Entity
	s := w.sessions[cmd.Session]
	if id == 0 {
		if s == nil {
			return nil, fmt.Errorf("session %q has no entity: %w", cmd.Session, simerr.ErrNotFound)
		}
		id = s.entity
	}
	e, err := w.reg.Get(id)
	if err != nil {
		return nil, err
	}
	if cmd.Session != "" && e.Kind == entity.KindPlayer && (s == nil || s.entity != e.ID) {
		return nil, fmt.Errorf("entity %d belongs to another session: %w", e.ID, errForbidden)
	}
	return e, nil
}

// applyCommand mutates world state for one command. Errors mean the command
// was ignored; none of them are fatal to the tick.
func (w *World) applyCommand(cmd command.Command, tick uint64) error {
	switch cmd.Kind {
	case command.KindJoin:
		return w.applyJoin(cmd, tick)
	case command.KindDisconnect:
		return w.applyDisconnect(cmd)

	case command.KindMove:
		e, err := w.resolveTarget(cmd)
		if err != nil {
			return err
		}
		return w.reg.SetPosition(e.ID, e.Pos.Add(cmd.Vec))
	case command.KindTeleport:
		e, err := w.resolveTarget(cmd)
		if err != nil {
			return err
		}
		return w.reg.SetPosition(e.ID, cmd.Vec)
	case command.KindSetVelocity:
		e, err := w.resolveTarget(cmd)
		if err != nil {
			return err
		}
		return w.reg.SetVelocity(e.ID, cmd.Vec)
	case command.KindSetComponent:
		e, err := w.resolveTarget(cmd)
		if err != nil {
			return err
		}
		if cmd.Value == nil {
			return w.reg.RemoveComponent(e.ID, cmd.Component)
		}
		return w.reg.SetComponent(e.ID, cmd.Component, cmd.Value)
	case command.KindDespawn:
		e, err := w.resolveTarget(cmd)
		if err != nil {
			return err
		}
		if e.Kind == entity.KindPlayer {
			return fmt.Errorf("despawn player %d: %w", e.ID, errForbidden)
		}
		return w.reg.Destroy(e.ID)
	case command.KindSpawn:
		comps, _ := cmd.Value.(map[string]any)
		if cmd.EntityKind == entity.KindPlayer {
			return fmt.Errorf("spawn player: %w", errForbidden)
		}
		_, err := w.reg.Create(cmd.EntityKind, entity.State{Pos: cmd.Vec, Components: comps})
		return err

	case command.KindBreakBlock:
		cur, err := w.store.GetBlock(cmd.Block)
		if err != nil {
			return err
		}
		if cur == blocks.Air {
			return nil
		}
		if !w.palette.Breakable(cur) {
			return fmt.Errorf("break %v: %s is unbreakable: %w", cmd.Block, w.palette.Name(cur), errForbidden)
		}
		return w.store.SetBlock(cmd.Block, blocks.Air)
	case command.KindPlaceBlock:
		if cmd.BlockID == blocks.Air || !w.palette.Valid(cmd.BlockID) {
			return fmt.Errorf("place %v: invalid block %d", cmd.Block, cmd.BlockID)
		}
		cur, err := w.store.GetBlock(cmd.Block)
		if err != nil {
			return err
		}
		if w.palette.Solid(cur) {
			return fmt.Errorf("place %v: occupied by %s: %w", cmd.Block, w.palette.Name(cur), errForbidden)
		}
		return w.store.SetBlock(cmd.Block, cmd.BlockID)
	}
	return fmt.Errorf("unhandled command kind %q", cmd.Kind)
}

func (w *World) applyJoin(cmd command.Command, tick uint64) error {
	if s := w.sessions[cmd.Session]; s != nil {
		// Re-join of a live session keeps its player.
		w.respondJoin(cmd, command.JoinResult{Entity: s.entity, Tick: tick})
		return nil
	}
	name := cmd.Name
	if name == "" {
		name = cmd.Session
	}
	id, err := w.reg.Create(entity.KindPlayer, entity.State{
		Pos: w.cfg.Spawn,
		Components: map[string]any{
			entity.CompName:    name,
			entity.CompSession: cmd.Session,
		},
	})
	if err != nil {
		w.respondJoin(cmd, command.JoinResult{Err: err})
		return err
	}
	w.sessions[cmd.Session] = &session{name: name, entity: id}
	w.store.SetInterest(id, spatial.ChunkOf(w.cfg.Spawn), w.cfg.ChunkViewDistance)
	w.views.Open(cmd.Session, id)
	w.publishPlayers()
	w.log.Info().Str("session", cmd.Session).Str("name", name).Uint64("entity", id).Msg("player joined")
	w.respondJoin(cmd, command.JoinResult{Entity: id, Tick: tick})
	return nil
}

func (w *World) respondJoin(cmd command.Command, res command.JoinResult) {
	if cmd.Resp == nil {
		return
	}
	select {
	case cmd.Resp <- res:
	default:
	}
}

func (w *World) applyDisconnect(cmd command.Command) error {
	s := w.sessions[cmd.Session]
	w.views.Close(cmd.Session)
	if s == nil {
		return fmt.Errorf("disconnect %q: %w", cmd.Session, simerr.ErrNotFound)
	}
	delete(w.sessions, cmd.Session)
	w.store.RemoveInterest(s.entity)
	if err := w.reg.Destroy(s.entity); err != nil && !errors.Is(err, simerr.ErrNotFound) {
		return err
	}
	w.publishPlayers()
	w.log.Info().Str("session", cmd.Session).Str("name", s.name).Msg("player left")
	return nil
}
