package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bastom.dev/internal/protocol"
	"bastom.dev/internal/sim/terrain"
	"bastom.dev/internal/sim/view"
	"bastom.dev/internal/sim/world"
)

func startServer(t *testing.T, opts Options) (*world.World, *Server, string) {
	t.Helper()
	w, err := world.New(world.WorldConfig{
		TickRateHz:         50,
		Height:             16,
		ChunkViewDistance:  1,
		EntityViewDistance: 1,
	}, terrain.NewMemoryProvider(), zerolog.Nop())
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv, err := NewServer(w, opts, zerolog.Nop())
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		cancel()
		w.Stop()
	})
	return w, srv, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// nextText skips binary sync frames until a text frame arrives.
func nextText(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		mt, b, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		if err := json.Unmarshal(b, v); err != nil {
			t.Fatalf("decode %s: %v", b, err)
		}
		return
	}
}

func hello(name string) protocol.HelloMsg {
	return protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Name: name}
}

func join(t *testing.T, url, name string) (*websocket.Conn, protocol.WelcomeMsg) {
	t.Helper()
	conn := dial(t, url)
	send(t, conn, hello(name))
	var welcome protocol.WelcomeMsg
	nextText(t, conn, &welcome)
	if welcome.Type != protocol.TypeWelcome || welcome.SessionID == "" || welcome.Entity == 0 {
		t.Fatalf("welcome=%+v", welcome)
	}
	return conn, welcome
}

func TestHelloWelcomeAndInitialPayload(t *testing.T) {
	_, _, url := startServer(t, Options{AcceptJoins: true, MOTD: "hi"})
	conn, welcome := join(t, url, "andus")
	if welcome.MOTD != "hi" || welcome.WorldParams.ChunkSize != 16 || welcome.WorldParams.Height != 16 {
		t.Fatalf("welcome params=%+v motd=%q", welcome.WorldParams, welcome.MOTD)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if mt != websocket.BinaryMessage {
		t.Fatalf("expected binary payload, got type %d", mt)
	}
	p, err := view.Decode(b)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	state := view.NewClientState()
	view.Fold(state, p)
	if _, ok := state.Entities[welcome.Entity]; !ok {
		t.Fatalf("own player missing from first payload")
	}
	if len(state.Chunks) != 9 {
		t.Fatalf("chunks=%d want 9", len(state.Chunks))
	}
}

func TestCmdAckedAndRejected(t *testing.T) {
	_, srv, url := startServer(t, Options{AcceptJoins: true})
	conn, _ := join(t, url, "andus")

	send(t, conn, protocol.CmdMsg{Type: protocol.TypeCmd, ProtocolVersion: protocol.Version, Seq: 1, Kind: "move", Vec: [3]float64{1, 0, 0}})
	var ack protocol.AckMsg
	nextText(t, conn, &ack)
	if ack.Seq != 1 || !ack.Accepted {
		t.Fatalf("ack=%+v", ack)
	}

	send(t, conn, map[string]any{"type": "CMD", "protocol_version": protocol.Version, "seq": 2, "kind": "fly"})
	nextText(t, conn, &ack)
	if ack.Seq != 2 || ack.Accepted || ack.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("ack=%+v", ack)
	}

	send(t, conn, protocol.CmdMsg{Type: protocol.TypeCmd, ProtocolVersion: "0.1", Seq: 3, Kind: "move"})
	nextText(t, conn, &ack)
	if ack.Seq != 3 || ack.Code != protocol.ErrProtoVersion {
		t.Fatalf("ack=%+v", ack)
	}

	st := srv.Stats()
	if st.Connections != 1 || st.CommandsAccepted != 1 || st.CommandsRejected != 2 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestByeDespawnsPlayer(t *testing.T) {
	w, _, url := startServer(t, Options{AcceptJoins: true})
	conn, welcome := join(t, url, "andus")
	if len(w.Players()) != 1 {
		t.Fatalf("players=%v", w.Players())
	}
	send(t, conn, protocol.BaseMessage{Type: protocol.TypeBye})

	deadline := time.Now().Add(5 * time.Second)
	for len(w.Players()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("player %d still connected", welcome.Entity)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJoinRefusedWithoutWorld(t *testing.T) {
	_, _, url := startServer(t, Options{AcceptJoins: false})
	conn := dial(t, url)
	send(t, conn, hello("andus"))
	var msg protocol.ErrorMsg
	nextText(t, conn, &msg)
	if msg.Type != protocol.TypeError || msg.Code != protocol.ErrNoWorld || msg.Message != "There is no instance available!" {
		t.Fatalf("msg=%+v", msg)
	}
}

func TestHelloVersionMismatch(t *testing.T) {
	_, _, url := startServer(t, Options{AcceptJoins: true})
	conn := dial(t, url)
	send(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.9", Name: "andus"})
	var msg protocol.ErrorMsg
	nextText(t, conn, &msg)
	if msg.Code != protocol.ErrProtoVersion {
		t.Fatalf("msg=%+v", msg)
	}
}

func TestVelocityModeRequiresForwardingSecret(t *testing.T) {
	_, _, url := startServer(t, Options{AcceptJoins: true, ForwardingSecret: "s3cret"})

	conn := dial(t, url)
	send(t, conn, hello("andus"))
	var msg protocol.ErrorMsg
	nextText(t, conn, &msg)
	if msg.Code != protocol.ErrModeDenied {
		t.Fatalf("without secret: msg=%+v", msg)
	}

	conn = dial(t, url)
	h := hello("andus")
	h.Secret = "s3cret"
	send(t, conn, h)
	var welcome protocol.WelcomeMsg
	nextText(t, conn, &welcome)
	if welcome.Type != protocol.TypeWelcome || welcome.Entity == 0 {
		t.Fatalf("with secret: welcome=%+v", welcome)
	}
}
