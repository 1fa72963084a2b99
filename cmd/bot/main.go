package main

import (
	"encoding/json"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bastom.dev/internal/protocol"
	"bastom.dev/internal/sim/view"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:25565/v1/ws", "ws url")
		name     = flag.String("name", "bot", "player name")
		interval = flag.Duration("interval", 500*time.Millisecond, "time between commands")
		debug    = flag.Bool("v", false, "log acks and payloads")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.StampMicro}).
		Level(level).With().Timestamp().Str("bot", *name).Logger()

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("dial")
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Name:            *name,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatal().Err(err).Msg("send HELLO")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	state := view.NewClientState()
	welcomed := make(chan struct{})
	go func() {
		select {
		case <-welcomed:
		case <-stop:
			_ = conn.WriteJSON(protocol.BaseMessage{Type: protocol.TypeBye, ProtocolVersion: protocol.Version})
			return
		}
		wander(conn, *interval, stop, logger)
	}()

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Info().Err(err).Msg("connection closed")
			return
		}
		if mt == websocket.BinaryMessage {
			p, err := view.Decode(msg)
			if err != nil {
				logger.Warn().Err(err).Msg("bad payload")
				continue
			}
			view.Fold(state, p)
			logger.Debug().Uint64("tick", state.Tick).Int("entities", len(state.Entities)).Int("chunks", len(state.Chunks)).Msg("SYNC")
			continue
		}

		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			logger.Info().Str("session", w.SessionID).Uint64("entity", w.Entity).
				Int("tick_rate", w.WorldParams.TickRateHz).Str("motd", w.MOTD).Msg("WELCOME")
			close(welcomed)

		case protocol.TypeAck:
			var ack protocol.AckMsg
			if err := json.Unmarshal(msg, &ack); err != nil {
				continue
			}
			if !ack.Accepted {
				logger.Warn().Uint64("seq", ack.Seq).Str("code", ack.Code).Str("message", ack.Message).Msg("rejected")
				continue
			}
			logger.Debug().Uint64("seq", ack.Seq).Uint64("server_tick", ack.ServerTick).Msg("ACK")

		case protocol.TypeError:
			var e protocol.ErrorMsg
			_ = json.Unmarshal(msg, &e)
			logger.Error().Str("code", e.Code).Msg(e.Message)
		}
	}
}

// wander sends a random move or velocity change every interval until the
// process is interrupted. It is the only writer after HELLO.
func wander(conn *websocket.Conn, interval time.Duration, stop <-chan os.Signal, logger zerolog.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	var seq uint64
	for {
		select {
		case <-stop:
			_ = conn.WriteJSON(protocol.BaseMessage{Type: protocol.TypeBye, ProtocolVersion: protocol.Version})
			return
		case <-t.C:
		}
		seq++
		cmd := protocol.CmdMsg{
			Type:            protocol.TypeCmd,
			ProtocolVersion: protocol.Version,
			Seq:             seq,
		}
		if rand.Intn(4) == 0 {
			cmd.Kind = "set_velocity"
			cmd.Vec = [3]float64{rand.Float64()*0.4 - 0.2, 0, rand.Float64()*0.4 - 0.2}
		} else {
			cmd.Kind = "move"
			cmd.Vec = [3]float64{float64(rand.Intn(3) - 1), 0, float64(rand.Intn(3) - 1)}
		}
		if err := conn.WriteJSON(cmd); err != nil {
			logger.Warn().Err(err).Msg("send CMD")
			return
		}
	}
}
