package observer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bastom.dev/internal/observerproto"
	"bastom.dev/internal/sim/terrain"
	"bastom.dev/internal/sim/world"
)

func newWorld(t *testing.T) *world.World {
	t.Helper()
	w, err := world.New(world.WorldConfig{ID: "w1", Height: 16, ChunkViewDistance: 1, EntityViewDistance: 1}, terrain.NewMemoryProvider(), zerolog.Nop())
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	return w
}

func TestStateHandler(t *testing.T) {
	w := newWorld(t)
	if _, err := w.Connect("s1", "andus"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	w.StepOnce()

	srv := NewServer(w, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec := httptest.NewRecorder()
	srv.StateHandler()(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var resp observerproto.StateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.WorldID != "w1" || resp.Tick != 1 || len(resp.Players) != 1 || resp.Metrics.Sessions != 1 {
		t.Fatalf("resp=%+v", resp)
	}
	if resp.WorldParams.ChunkSize != [3]int{16, 16, 16} {
		t.Fatalf("chunk size=%v", resp.WorldParams.ChunkSize)
	}
}

func TestHandlersRejectRemoteClients(t *testing.T) {
	srv := NewServer(newWorld(t), zerolog.Nop())
	for _, h := range []struct {
		method  string
		handler http.HandlerFunc
	}{
		{http.MethodGet, srv.StateHandler()},
		{http.MethodPost, srv.SnapshotHandler()},
		{http.MethodGet, srv.WSHandler()},
	} {
		req := httptest.NewRequest(h.method, "/", nil)
		req.RemoteAddr = "203.0.113.9:4000"
		rec := httptest.NewRecorder()
		h.handler(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s: status=%d", h.method, rec.Code)
		}
	}
}

func TestExtensionsHandlerHonoursFlag(t *testing.T) {
	srv := NewServer(newWorld(t), zerolog.Nop())
	names := []string{"generator/flat", "storage/memory"}

	get := func(h http.HandlerFunc) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/admin/v1/extensions", nil)
		req.RemoteAddr = "127.0.0.1:5555"
		rec := httptest.NewRecorder()
		h(rec, req)
		return rec
	}

	if rec := get(srv.ExtensionsHandler(names, false)); rec.Code != http.StatusForbidden {
		t.Fatalf("disabled: status=%d", rec.Code)
	}
	rec := get(srv.ExtensionsHandler(names, true))
	if rec.Code != http.StatusOK {
		t.Fatalf("enabled: status=%d", rec.Code)
	}
	var resp observerproto.ExtensionsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.Join(resp.Extensions, ",") != "generator/flat,storage/memory" {
		t.Fatalf("extensions=%v", resp.Extensions)
	}
}

func TestSnapshotHandlerRequestsSave(t *testing.T) {
	w := newWorld(t)
	srv := NewServer(w, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/snapshot", nil)
	req.RemoteAddr = "127.0.0.1:1"
	rec := httptest.NewRecorder()
	srv.SnapshotHandler()(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status=%d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/v1/snapshot", nil)
	req.RemoteAddr = "127.0.0.1:1"
	rec = httptest.NewRecorder()
	srv.SnapshotHandler()(rec, req)
	var resp observerproto.SnapshotResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || !resp.OK {
		t.Fatalf("resp=%s err=%v", rec.Body.String(), err)
	}
}

func TestStatusStream(t *testing.T) {
	w := newWorld(t)
	w.StepOnce()
	hs := httptest.NewServer(NewServer(w, zerolog.Nop()).WSHandler())
	defer hs.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(observerproto.SubscribeMsg{Type: observerproto.TypeSubscribe, ProtocolVersion: observerproto.Version, IntervalMS: 50}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 2; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var st observerproto.StatusMsg
		if err := conn.ReadJSON(&st); err != nil {
			t.Fatalf("read status %d: %v", i, err)
		}
		if st.Type != observerproto.TypeStatus || st.Tick != 1 {
			t.Fatalf("status=%+v", st)
		}
	}
}

func TestDecodeSubscribeClampsInterval(t *testing.T) {
	cases := []struct {
		in   int
		want int
	}{
		{0, observerproto.DefaultIntervalMS},
		{10, observerproto.MinIntervalMS},
		{250, 250},
		{10 * 60_000, observerproto.MaxIntervalMS},
	}
	for _, c := range cases {
		b, _ := json.Marshal(observerproto.SubscribeMsg{Type: observerproto.TypeSubscribe, ProtocolVersion: observerproto.Version, IntervalMS: c.in})
		sub, ok := decodeSubscribe(b)
		if !ok || sub.IntervalMS != c.want {
			t.Fatalf("in=%d got=%d ok=%v", c.in, sub.IntervalMS, ok)
		}
	}
	if _, ok := decodeSubscribe([]byte(`{"type":"HELLO","protocol_version":"` + observerproto.Version + `"}`)); ok {
		t.Fatalf("expected wrong type to be rejected")
	}
}
