package command

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/rs/zerolog"

	"bastom.dev/internal/sim/simerr"
)

func move(session string, tick uint64) Command {
	return Command{Session: session, Entity: 1, Kind: KindMove, Tick: tick, Vec: mgl64.Vec3{1, 0, 0}}
}

func TestEnqueueBackpressureKeepsDepthBound(t *testing.T) {
	q := NewQueue(Config{Depth: 4}, zerolog.Nop())
	for i := 0; i < 4; i++ {
		if err := q.Enqueue(move(fmt.Sprintf("s%d", i), 0)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	for i := 0; i < 10; i++ {
		if err := q.Enqueue(move("late", 0)); !errors.Is(err, simerr.ErrOverloaded) {
			t.Fatalf("want ErrOverloaded, got %v", err)
		}
		if q.Len() != 4 {
			t.Fatalf("depth grew to %d", q.Len())
		}
	}
	if q.Overloaded() != 10 {
		t.Fatalf("overloaded count: %d", q.Overloaded())
	}

	if err := q.Enqueue(Command{Session: "other", Kind: KindDisconnect}); err != nil {
		t.Fatalf("disconnect must never be dropped: %v", err)
	}
	got := q.Drain(0)
	if len(got) != 5 || got[4].Kind != KindDisconnect || !got[4].Critical {
		t.Fatalf("drain: %+v", got)
	}
}

func TestDisconnectPurgesSessionCommands(t *testing.T) {
	q := NewQueue(Config{Depth: 16}, zerolog.Nop())
	_ = q.Enqueue(move("a", 0))
	_ = q.Enqueue(move("b", 0))
	_ = q.Enqueue(move("a", 0))
	if err := q.Enqueue(Command{Session: "a", Kind: KindDisconnect}); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	got := q.Drain(0)
	if len(got) != 2 || got[0].Session != "b" || got[1].Kind != KindDisconnect {
		t.Fatalf("drain after purge: %+v", got)
	}
}

func TestPerSessionLimit(t *testing.T) {
	q := NewQueue(Config{Depth: 100, PerSession: 2}, zerolog.Nop())
	_ = q.Enqueue(move("a", 0))
	_ = q.Enqueue(move("a", 0))
	if err := q.Enqueue(move("a", 0)); !errors.Is(err, simerr.ErrOverloaded) {
		t.Fatalf("want ErrOverloaded, got %v", err)
	}
	if err := q.Enqueue(move("b", 0)); err != nil {
		t.Fatalf("other session must not be throttled: %v", err)
	}
	q.Drain(0)
	if err := q.Enqueue(move("a", 1)); err != nil {
		t.Fatalf("limit should reset after drain: %v", err)
	}
}

func TestDrainKeepsFutureCommandsInOrder(t *testing.T) {
	q := NewQueue(Config{Depth: 16}, zerolog.Nop())
	_ = q.Enqueue(move("a", 2))
	_ = q.Enqueue(move("b", 1))
	_ = q.Enqueue(move("a", 1))
	_ = q.Enqueue(move("c", 3))

	got := q.Drain(1)
	if len(got) != 2 || got[0].Session != "b" || got[1].Session != "a" {
		t.Fatalf("tick 1: %+v", got)
	}
	got = q.Drain(5)
	if len(got) != 2 || got[0].Tick != 2 || got[1].Tick != 3 {
		t.Fatalf("tick 5: %+v", got)
	}
	if q.Len() != 0 {
		t.Fatalf("len %d", q.Len())
	}
}

func TestEnqueueAssignsIDsAndValidates(t *testing.T) {
	q := NewQueue(Config{}, zerolog.Nop())
	if err := q.Enqueue(Command{Kind: "fly"}); err == nil {
		t.Fatalf("unknown kind must fail")
	}
	if err := q.Enqueue(Command{Kind: KindJoin}); err == nil {
		t.Fatalf("join without session must fail")
	}
	_ = q.Enqueue(move("a", 0))
	_ = q.Enqueue(move("a", 0))
	got := q.Drain(0)
	if got[0].ID.Compare(got[1].ID) >= 0 {
		t.Fatalf("ids not increasing: %s %s", got[0].ID, got[1].ID)
	}
}

func TestConcurrentProducers(t *testing.T) {
	q := NewQueue(Config{Depth: 1000}, zerolog.Nop())
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if q.Enqueue(move(fmt.Sprintf("p%d", p), 0)) == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}
		}(p)
	}
	wg.Wait()
	if accepted != 1000 || q.Len() != 1000 {
		t.Fatalf("accepted=%d len=%d", accepted, q.Len())
	}
}

func TestClosedQueueRejects(t *testing.T) {
	q := NewQueue(Config{}, zerolog.Nop())
	q.Close()
	if err := q.Enqueue(Command{Session: "a", Kind: KindDisconnect}); !errors.Is(err, simerr.ErrStopped) {
		t.Fatalf("want ErrStopped, got %v", err)
	}
}
