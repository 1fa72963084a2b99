package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bastom.dev/internal/protocol"
	"bastom.dev/internal/sim/spatial"
	"bastom.dev/internal/sim/view"
	"bastom.dev/internal/sim/world"
)

const (
	handshakeTimeout = 5 * time.Second
	joinTimeout      = 10 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 5 * time.Second
)

type Options struct {
	// AcceptJoins is false when world generation is disabled; HELLO is then
	// answered with E_NO_WORLD.
	AcceptJoins bool
	MOTD        string
	// ForwardingSecret is set in velocity mode. HELLO must then carry the
	// same secret or is answered with E_MODE_DENIED.
	ForwardingSecret string
}

type Server struct {
	world *world.World
	log   zerolog.Logger
	opts  Options

	upgrader websocket.Upgrader
	cmdCheck *protocol.Validator

	active   atomic.Int64
	accepted atomic.Uint64
	rejected atomic.Uint64
}

func NewServer(w *world.World, opts Options, logger zerolog.Logger) (*Server, error) {
	v, err := protocol.NewValidator(protocol.CmdMsg{})
	if err != nil {
		return nil, err
	}
	return &Server{
		world:    w,
		log:      logger.With().Str("component", "ws").Logger(),
		opts:     opts,
		cmdCheck: v,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}, nil
}

type Stats struct {
	Connections      int64
	CommandsAccepted uint64
	CommandsRejected uint64
}

func (s *Server) Stats() Stats {
	return Stats{
		Connections:      s.active.Load(),
		CommandsAccepted: s.accepted.Load(),
		CommandsRejected: s.rejected.Load(),
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sid, name := s.handshake(conn)
		if sid == "" {
			return
		}
		s.active.Add(1)
		defer s.active.Add(-1)
		log := s.log.With().Str("session", sid).Str("name", name).Logger()

		defer func() {
			if err := s.world.Disconnect(sid); err != nil {
				log.Debug().Err(err).Msg("disconnect")
			}
		}()

		notify, err := s.world.Notify(sid)
		if err != nil {
			log.Warn().Err(err).Msg("no view after join")
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Control replies go through the writer; gorilla allows one writer.
		out := make(chan []byte, 64)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			s.writeLoop(ctx, conn, sid, notify, out, log)
		}()

		s.readLoop(ctx, conn, sid, out, log)
		cancel()
		wg.Wait()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	}
}

// handshake reads HELLO, queues the join and answers WELCOME once the tick
// applying it has run. It returns an empty session on failure.
func (s *Server) handshake(conn *websocket.Conn) (sid, name string) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", ""
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		s.refuse(conn, protocol.ErrProtoBadRequest, "expected HELLO")
		return "", ""
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		s.refuse(conn, protocol.ErrProtoBadRequest, "bad HELLO")
		return "", ""
	}
	if hello.ProtocolVersion != protocol.Version {
		s.refuse(conn, protocol.ErrProtoVersion, "bad protocol_version")
		return "", ""
	}
	if want := s.opts.ForwardingSecret; want != "" && subtle.ConstantTimeCompare([]byte(hello.Secret), []byte(want)) != 1 {
		s.refuse(conn, protocol.ErrModeDenied, "join through the configured proxy")
		return "", ""
	}
	if !s.opts.AcceptJoins {
		s.refuse(conn, protocol.ErrNoWorld, "There is no instance available!")
		return "", ""
	}
	name = strings.TrimSpace(hello.Name)
	if name == "" {
		name = "player"
	}
	if len(name) > 16 {
		name = name[:16]
	}

	sid = uuid.NewString()
	resp, err := s.world.Connect(sid, name)
	if err != nil {
		s.refuse(conn, protocol.CodeFor(err), err.Error())
		return "", ""
	}

	timer := time.NewTimer(joinTimeout)
	defer timer.Stop()
	select {
	case res := <-resp:
		if res.Err != nil {
			s.refuse(conn, protocol.CodeFor(res.Err), res.Err.Error())
			return "", ""
		}
		if err := writeJSON(conn, s.welcome(sid, res.Entity, res.Tick)); err != nil {
			_ = s.world.Disconnect(sid)
			return "", ""
		}
	case <-s.world.Done():
		s.refuse(conn, protocol.ErrStopped, "server stopping")
		return "", ""
	case <-timer.C:
		_ = s.world.Disconnect(sid)
		s.refuse(conn, protocol.ErrInternal, "join timed out")
		return "", ""
	}
	s.log.Info().Str("session", sid).Str("name", name).Msg("session started")
	return sid, name
}

func (s *Server) welcome(sid string, ent uint64, tick uint64) protocol.WelcomeMsg {
	cfg := s.world.Config()
	pal := s.world.Palette()
	return protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sid,
		Entity:          ent,
		Tick:            tick,
		MOTD:            s.opts.MOTD,
		WorldParams: protocol.WorldParams{
			WorldID:            cfg.ID,
			TickRateHz:         cfg.TickRateHz,
			ChunkSize:          spatial.ChunkSize,
			Height:             cfg.Height,
			ChunkViewDistance:  cfg.ChunkViewDistance,
			EntityViewDistance: cfg.EntityViewDistance,
			BlockPalette:       protocol.DigestRef{Digest: pal.Digest, Count: len(pal.Defs)},
		},
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sid string, out chan<- []byte, log zerolog.Logger) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			s.reply(ctx, out, errorMsg(protocol.ErrProtoBadRequest, "bad json"))
			continue
		}
		switch base.Type {
		case protocol.TypeBye:
			return
		case protocol.TypeCmd:
			ack := s.handleCmd(sid, msg)
			if !ack.Accepted {
				log.Debug().Uint64("seq", ack.Seq).Str("code", ack.Code).Str("message", ack.Message).Msg("command rejected")
			}
			if !s.reply(ctx, out, ack) {
				return
			}
		default:
			s.reply(ctx, out, errorMsg(protocol.ErrProtoBadRequest, "unknown message type "+base.Type))
		}
	}
}

func (s *Server) handleCmd(sid string, raw []byte) protocol.AckMsg {
	ack := protocol.AckMsg{Type: protocol.TypeAck, ProtocolVersion: protocol.Version}
	var msg protocol.CmdMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return s.reject(ack, protocol.ErrProtoBadRequest, "bad CMD")
	}
	ack.Seq = msg.Seq
	if msg.ProtocolVersion != protocol.Version {
		return s.reject(ack, protocol.ErrProtoVersion, "bad protocol_version")
	}
	if err := s.cmdCheck.Validate(raw); err != nil {
		return s.reject(ack, protocol.ErrProtoBadRequest, err.Error())
	}
	cmd, err := msg.Command()
	if err != nil {
		return s.reject(ack, protocol.ErrBadRequest, err.Error())
	}
	if err := s.world.Enqueue(sid, cmd, time.Now()); err != nil {
		return s.reject(ack, protocol.CodeFor(err), err.Error())
	}
	s.accepted.Add(1)
	ack.Accepted = true
	ack.ServerTick = s.world.CurrentTick()
	return ack
}

func (s *Server) reject(ack protocol.AckMsg, code, message string) protocol.AckMsg {
	s.rejected.Add(1)
	ack.Code = code
	ack.Message = message
	return ack
}

func (s *Server) reply(ctx context.Context, out chan<- []byte, v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}
	select {
	case out <- b:
		return true
	case <-ctx.Done():
		return false
	}
}

// writeLoop sends control replies as text frames and sync payloads as
// binary frames. A slow client only ever has one payload waiting; updates
// coalesce in its view until the write completes.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sid string, notify <-chan struct{}, out <-chan []byte, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.world.Done():
			return
		case b := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-notify:
			p, ok, err := s.world.PendingSyncPayload(sid)
			if err != nil {
				log.Debug().Err(err).Msg("view closed")
				return
			}
			if !ok {
				continue
			}
			b, err := view.Encode(p)
			if err != nil {
				log.Error().Err(err).Uint64("tick", p.Tick).Msg("encode payload")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
				return
			}
		}
	}
}

func (s *Server) refuse(conn *websocket.Conn, code, message string) {
	_ = writeJSON(conn, errorMsg(code, message))
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(time.Second))
}

func errorMsg(code, message string) protocol.ErrorMsg {
	return protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	}
	return nil
}
