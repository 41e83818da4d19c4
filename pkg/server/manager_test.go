package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coedit-dev/coedit/pkg/crdt"
	"github.com/coedit-dev/coedit/pkg/room"
	"github.com/coedit-dev/coedit/pkg/store"
)

// stubConn is a minimal room.Conn for registry tests.
type stubConn struct {
	sent int
}

func (c *stubConn) Send(room.Message) error {
	c.sent++
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, cfg *Config) (*RoomManager, *store.MemoryStore) {
	t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cfg.fillDefaults()
	}
	st := store.NewMemoryStore()
	rm := NewRoomManager(crdt.NewLogEngine(), st, cfg, testLogger(), NewMetrics(prometheus.NewRegistry()))
	t.Cleanup(func() { rm.Shutdown(context.Background()) })
	return rm, st
}

func TestGetOrCreateRoomIdempotent(t *testing.T) {
	rm, _ := newTestManager(t, nil)

	r1 := rm.GetOrCreateRoom("doc-1")
	r2 := rm.GetOrCreateRoom("doc-1")
	if r1 != r2 {
		t.Error("GetOrCreateRoom returned different rooms for one id")
	}
	if got := rm.RoomCount(); got != 1 {
		t.Errorf("RoomCount() = %d, want 1", got)
	}
}

func TestJoinRoomRecordsMappingOnlyOnSuccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RoomCapacity = 2
	rm, _ := newTestManager(t, cfg)

	for i := 0; i < 2; i++ {
		if _, err := rm.JoinRoom(&stubConn{}, "doc-1", fmt.Sprintf("c%d", i)); err != nil {
			t.Fatalf("JoinRoom(%d) error = %v", i, err)
		}
	}

	if _, err := rm.JoinRoom(&stubConn{}, "doc-1", "c-extra"); !errors.Is(err, ErrRoomFull) {
		t.Errorf("JoinRoom at capacity error = %v, want ErrRoomFull", err)
	}
	if got := rm.ConnectionCount(); got != 2 {
		t.Errorf("ConnectionCount() = %d, want 2", got)
	}
}

func TestLeaveUnknownConnection(t *testing.T) {
	rm, _ := newTestManager(t, nil)

	if _, ok := rm.LeaveRoom(&stubConn{}); ok {
		t.Error("LeaveRoom(unknown) = true, want false")
	}
}

func TestDeferredTeardownFires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TeardownGrace = 20 * time.Millisecond
	rm, _ := newTestManager(t, cfg)

	conn := &stubConn{}
	if _, err := rm.JoinRoom(conn, "doc-1", "c1"); err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}
	rm.LeaveRoom(conn)

	if got := rm.RoomCount(); got != 1 {
		t.Fatalf("room removed before the grace delay, RoomCount() = %d", got)
	}

	deadline := time.Now().Add(time.Second)
	for rm.RoomCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("room not torn down after grace delay")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRejoinWithinGracePreservesRoom(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TeardownGrace = 80 * time.Millisecond
	rm, _ := newTestManager(t, cfg)

	conn := &stubConn{}
	r1, err := rm.JoinRoom(conn, "doc-1", "c1")
	if err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}
	r1.ApplyUpdate([]byte("precious edit"))
	state := r1.FullState()

	rm.LeaveRoom(conn)

	// Rejoin while the teardown timer is still pending.
	r2, err := rm.JoinRoom(&stubConn{}, "doc-1", "c2")
	if err != nil {
		t.Fatalf("rejoin error = %v", err)
	}
	if r2 != r1 {
		t.Error("rejoin created a fresh room inside the grace window")
	}

	// The cancelled teardown must not fire later.
	time.Sleep(120 * time.Millisecond)
	if got := rm.RoomCount(); got != 1 {
		t.Errorf("RoomCount() = %d, want 1 after cancelled teardown", got)
	}
	if !bytes.Equal(r2.FullState(), state) {
		t.Error("document state lost across the grace window")
	}
}

func TestLateFiringCancelledTeardownIsNoOp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TeardownGrace = time.Hour
	rm, _ := newTestManager(t, cfg)

	conn := &stubConn{}
	r1, err := rm.JoinRoom(conn, "doc-1", "c1")
	if err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}
	rm.LeaveRoom(conn)

	rm.mu.Lock()
	stale := rm.teardowns["doc-1"]
	rm.mu.Unlock()
	if stale == nil {
		t.Fatal("no teardown scheduled after the room emptied")
	}

	// A new connection cancels the pending teardown.
	r2, err := rm.JoinRoom(&stubConn{}, "doc-1", "c2")
	if err != nil {
		t.Fatalf("rejoin error = %v", err)
	}
	if r2 != r1 {
		t.Fatal("rejoin did not reuse the room")
	}

	// The timer goroutine may have already fired and be waiting on the
	// manager lock when the cancel lands; replay that arrival order.
	rm.finishTeardown("doc-1", stale)

	if got := rm.RoomCount(); got != 1 {
		t.Errorf("RoomCount() = %d, want 1: cancelled teardown removed a live room", got)
	}
	if got := rm.GetOrCreateRoom("doc-1"); got != r1 {
		t.Error("room id resolves to a different room after the stale teardown")
	}
}

func TestStaleTimerDoesNotServeNewerTeardown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TeardownGrace = time.Hour
	rm, _ := newTestManager(t, cfg)

	conn := &stubConn{}
	if _, err := rm.JoinRoom(conn, "doc-1", "c1"); err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}
	rm.LeaveRoom(conn)

	rm.mu.Lock()
	stale := rm.teardowns["doc-1"]
	rm.mu.Unlock()

	// Rejoin and leave again: the id now has a fresh timer whose grace
	// window must not be cut short by the first timer firing late.
	conn2 := &stubConn{}
	if _, err := rm.JoinRoom(conn2, "doc-1", "c2"); err != nil {
		t.Fatalf("rejoin error = %v", err)
	}
	rm.LeaveRoom(conn2)

	rm.finishTeardown("doc-1", stale)

	if got := rm.RoomCount(); got != 1 {
		t.Errorf("RoomCount() = %d, want 1: stale timer tore down for a newer schedule", got)
	}
}

func TestTeardownFlushesDirtyRoom(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TeardownGrace = 20 * time.Millisecond
	rm, st := newTestManager(t, cfg)

	conn := &stubConn{}
	r, err := rm.JoinRoom(conn, "doc-1", "c1")
	if err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}
	r.ApplyUpdate([]byte("edit"))
	want := r.FullState()

	rm.LeaveRoom(conn)

	deadline := time.Now().Add(time.Second)
	for {
		if state, err := st.Load(context.Background(), "doc-1"); err == nil {
			if !bytes.Equal(state, want) {
				t.Errorf("flushed snapshot = %x, want %x", state, want)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("teardown did not flush the dirty room")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestShutdownFlushesAndRefusesJoins(t *testing.T) {
	cfg := DefaultConfig()
	rm, st := newTestManager(t, cfg)

	conn := &stubConn{}
	r, err := rm.JoinRoom(conn, "doc-1", "c1")
	if err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}
	r.ApplyUpdate([]byte("edit"))

	if err := rm.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if _, err := st.Load(context.Background(), "doc-1"); err != nil {
		t.Errorf("dirty room not flushed at shutdown: %v", err)
	}
	if _, err := rm.JoinRoom(&stubConn{}, "doc-2", "c2"); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("JoinRoom after shutdown error = %v, want ErrManagerClosed", err)
	}
}

func TestMaintenanceSweepsStaleAwareness(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaintenanceInterval = 20 * time.Millisecond
	cfg.AwarenessExpiry = time.Nanosecond
	rm, _ := newTestManager(t, cfg)

	r := rm.GetOrCreateRoom("doc-1")
	r.SetAwareness("c1", []byte("cursor"))

	deadline := time.Now().Add(time.Second)
	for len(r.AwarenessSnapshot()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("maintenance loop never swept stale awareness")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
