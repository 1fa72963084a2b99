// Package observer serves the operator endpoints: a state document, a
// snapshot trigger and a periodic status stream. Only loopback clients are
// served.
package observer

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bastom.dev/internal/observerproto"
	"bastom.dev/internal/sim/spatial"
	"bastom.dev/internal/sim/world"
)

type Server struct {
	world *world.World
	log   zerolog.Logger

	upgrader websocket.Upgrader
}

func NewServer(w *world.World, logger zerolog.Logger) *Server {
	return &Server{
		world: w,
		log:   logger.With().Str("component", "observer").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			// Loopback only, so any origin is a local tool.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// local rejects non-loopback clients with 403 and, when method is set, other
// methods with 405.
func local(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		if method != "" && r.Method != method {
			rw.Header().Set("Allow", method)
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		next(rw, r)
	}
}

func (s *Server) StateHandler() http.HandlerFunc {
	return local(http.MethodGet, func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, s.state())
	})
}

// SnapshotHandler asks the world to save dirty chunks and emit a snapshot
// after the tick in progress.
func (s *Server) SnapshotHandler() http.HandlerFunc {
	return local(http.MethodPost, func(rw http.ResponseWriter, r *http.Request) {
		s.world.RequestSave()
		tick := s.world.CurrentTick()
		s.log.Info().Str("remote", r.RemoteAddr).Uint64("tick", tick).Msg("snapshot requested")
		writeJSON(rw, observerproto.SnapshotResponse{OK: true, Tick: tick})
	})
}

// ExtensionsHandler lists the process's extensions. Unless enabled, only
// the console may list them and the endpoint answers 403.
func (s *Server) ExtensionsHandler(names []string, enabled bool) http.HandlerFunc {
	return local(http.MethodGet, func(rw http.ResponseWriter, r *http.Request) {
		if !enabled {
			http.Error(rw, "This command can only be used by the server console!", http.StatusForbidden)
			return
		}
		writeJSON(rw, observerproto.ExtensionsResponse{Extensions: names})
	})
}

func (s *Server) state() observerproto.StateResponse {
	cfg := s.world.Config()
	return observerproto.StateResponse{
		ProtocolVersion: observerproto.Version,
		WorldID:         cfg.ID,
		Tick:            s.world.CurrentTick(),
		WorldParams: observerproto.WorldParams{
			TickRateHz:         cfg.TickRateHz,
			ChunkSize:          [3]int{spatial.ChunkSize, spatial.ChunkSize, cfg.Height},
			Height:             cfg.Height,
			Seed:               cfg.Seed,
			Generator:          cfg.Generator,
			ChunkViewDistance:  cfg.ChunkViewDistance,
			EntityViewDistance: cfg.EntityViewDistance,
			PaletteDigest:      s.world.Palette().Digest,
		},
		Metrics: s.world.Metrics(),
		Players: s.world.Players(),
	}
}

// WSHandler streams STATUS messages. The client opens with SUBSCRIBE and may
// resend it to change the interval or toggle the player list.
func (s *Server) WSHandler() http.HandlerFunc {
	return local("", func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := decodeSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}
		s.log.Debug().Str("remote", r.RemoteAddr).Int("interval_ms", sub.IntervalMS).Msg("observer subscribed")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Latest subscription wins; the writer picks it up on its next wait.
		subs := make(chan observerproto.SubscribeMsg, 1)
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer cancel()
			if err := s.stream(ctx, conn, sub, subs); err != nil && ctx.Err() == nil {
				s.log.Debug().Err(err).Msg("observer stream ended")
			}
		}()

		for ctx.Err() == nil {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			next, ok := decodeSubscribe(msg)
			if !ok {
				continue
			}
			select {
			case <-subs:
			default:
			}
			subs <- next
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		select {
		case <-done:
		case <-time.After(500 * time.Millisecond):
		}
	})
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, sub observerproto.SubscribeMsg, subs <-chan observerproto.SubscribeMsg) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub = <-subs:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(0)
			continue
		case <-timer.C:
		}

		status := observerproto.StatusMsg{
			Type:            observerproto.TypeStatus,
			ProtocolVersion: observerproto.Version,
			Tick:            s.world.CurrentTick(),
			Metrics:         s.world.Metrics(),
		}
		if sub.Players {
			status.Players = s.world.Players()
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(status); err != nil {
			return err
		}
		timer.Reset(time.Duration(sub.IntervalMS) * time.Millisecond)
	}
}

func decodeSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	switch {
	case sub.IntervalMS <= 0:
		sub.IntervalMS = observerproto.DefaultIntervalMS
	case sub.IntervalMS < observerproto.MinIntervalMS:
		sub.IntervalMS = observerproto.MinIntervalMS
	case sub.IntervalMS > observerproto.MaxIntervalMS:
		sub.IntervalMS = observerproto.MaxIntervalMS
	}
	return sub, true
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = strings.Trim(remoteAddr, "[]")
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
