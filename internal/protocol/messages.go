package protocol

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"bastom.dev/internal/sim/blocks"
	"bastom.dev/internal/sim/command"
	"bastom.dev/internal/sim/entity"
	"bastom.dev/internal/sim/spatial"
)

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type" jsonschema:"enum=HELLO"`
	ProtocolVersion string `json:"protocol_version"`
	Name            string `json:"name" jsonschema:"minLength=1,maxLength=16"`
	// Secret is the proxy forwarding secret, required in velocity mode.
	Secret string `json:"secret,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string      `json:"type" jsonschema:"enum=WELCOME"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	Entity          uint64      `json:"entity"`
	Tick            uint64      `json:"tick"`
	MOTD            string      `json:"motd,omitempty"`
	WorldParams     WorldParams `json:"world_params"`
}

type WorldParams struct {
	WorldID            string    `json:"world_id"`
	TickRateHz         int       `json:"tick_rate_hz"`
	ChunkSize          int       `json:"chunk_size"`
	Height             int       `json:"height"`
	ChunkViewDistance  int       `json:"chunk_view_distance"`
	EntityViewDistance int       `json:"entity_view_distance"`
	BlockPalette       DigestRef `json:"block_palette"`
}

type DigestRef struct {
	Digest string `json:"digest"`
	Count  int    `json:"count"`
}

// CMD (client -> server): one intent. Entity 0 means the sender's player.
type CmdMsg struct {
	Type            string     `json:"type" jsonschema:"enum=CMD"`
	ProtocolVersion string     `json:"protocol_version"`
	Seq             uint64     `json:"seq"`
	Kind            string     `json:"kind" jsonschema:"enum=move,enum=set_velocity,enum=teleport,enum=break_block,enum=place_block,enum=set_component,enum=spawn,enum=despawn"`
	Entity          uint64     `json:"entity,omitempty"`
	Vec             [3]float64 `json:"vec,omitempty"`
	Block           [3]int     `json:"block,omitempty"`
	BlockID         uint16     `json:"block_id,omitempty"`
	Component       string     `json:"component,omitempty"`
	Value           any        `json:"value,omitempty"`
	EntityKind      string     `json:"entity_kind,omitempty" jsonschema:"enum=mob,enum=projectile,enum=item"`
}

// Command converts the wire form into an engine command. Join and
// disconnect are not expressible as CMD; they follow the connection.
func (m CmdMsg) Command() (command.Command, error) {
	kind := command.Kind(m.Kind)
	if !kind.Valid() || kind.Critical() {
		return command.Command{}, fmt.Errorf("unsupported command kind %q", m.Kind)
	}
	c := command.Command{
		Kind:       kind,
		Entity:     entity.ID(m.Entity),
		Vec:        mgl64.Vec3(m.Vec),
		Block:      spatial.BlockPos{X: m.Block[0], Y: m.Block[1], Z: m.Block[2]},
		BlockID:    blocks.ID(m.BlockID),
		Component:  m.Component,
		Value:      m.Value,
		EntityKind: entity.Kind(m.EntityKind),
	}
	if err := c.Validate(); err != nil {
		return command.Command{}, err
	}
	return c, nil
}

// ACK (server -> client) answers every CMD by Seq.
type AckMsg struct {
	Type            string `json:"type" jsonschema:"enum=ACK"`
	ProtocolVersion string `json:"protocol_version"`
	Seq             uint64 `json:"seq"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	ServerTick      uint64 `json:"server_tick,omitempty"`
}

// ERROR (server -> client) precedes a server-side close.
type ErrorMsg struct {
	Type            string `json:"type" jsonschema:"enum=ERROR"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}
