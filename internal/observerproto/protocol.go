package observerproto

import "bastom.dev/internal/sim/world"

// Version is the operator observer protocol version (separate from the
// player WS protocol).
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeStatus    = "STATUS"
)

// Interval bounds for STATUS messages, in milliseconds.
const (
	DefaultIntervalMS = 1000
	MinIntervalMS     = 50
	MaxIntervalMS     = 60_000
)

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to change the interval.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	IntervalMS      int    `json:"interval_ms"`
	Players         bool   `json:"players,omitempty"`
}

// HTTP response for GET /admin/v1/state.
type StateResponse struct {
	ProtocolVersion string             `json:"protocol_version"`
	WorldID         string             `json:"world_id"`
	Tick            uint64             `json:"tick"`
	WorldParams     WorldParams        `json:"world_params"`
	Metrics         world.WorldMetrics `json:"metrics"`
	Players         []world.PlayerInfo `json:"players"`
}

type WorldParams struct {
	TickRateHz         int    `json:"tick_rate_hz"`
	ChunkSize          [3]int `json:"chunk_size"`
	Height             int    `json:"height"`
	Seed               int64  `json:"seed"`
	Generator          string `json:"generator"`
	ChunkViewDistance  int    `json:"chunk_view_distance"`
	EntityViewDistance int    `json:"entity_view_distance"`
	PaletteDigest      string `json:"palette_digest"`
}

// HTTP response for POST /admin/v1/snapshot.
type SnapshotResponse struct {
	OK   bool   `json:"ok"`
	Tick uint64 `json:"tick"`
}

// HTTP response for GET /admin/v1/extensions.
type ExtensionsResponse struct {
	Extensions []string `json:"extensions"`
}

// Server -> Client. Sent every interval.
type StatusMsg struct {
	Type            string             `json:"type"`
	ProtocolVersion string             `json:"protocol_version"`
	Tick            uint64             `json:"tick"`
	Metrics         world.WorldMetrics `json:"metrics"`
	Players         []world.PlayerInfo `json:"players,omitempty"`
}
