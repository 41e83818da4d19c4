package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coedit-dev/coedit/pkg/crdt"
	"github.com/coedit-dev/coedit/pkg/room"
	"github.com/coedit-dev/coedit/pkg/store"
)

// RoomManager is the registry of rooms keyed by id, plus the
// connection→room mapping and the background maintenance loops.
//
// Locking is two-tier: the manager mutex guards the directory, each
// room's own lock guards its internals. The manager lock is never held
// across a call that takes a room lock.
type RoomManager struct {
	mu        sync.Mutex
	rooms     map[string]*room.Room
	byConn    map[room.Conn]string    // connection -> room id
	teardowns map[string]*time.Timer  // pending deferred teardowns
	closed    bool

	engine  crdt.Engine
	store   store.Store
	cfg     *Config
	logger  *slog.Logger
	metrics *Metrics

	done      chan struct{}
	loopsDone sync.WaitGroup
}

// NewRoomManager creates the registry and starts its maintenance and
// metrics loops.
func NewRoomManager(engine crdt.Engine, st store.Store, cfg *Config, logger *slog.Logger, metrics *Metrics) *RoomManager {
	rm := &RoomManager{
		rooms:     make(map[string]*room.Room),
		byConn:    make(map[room.Conn]string),
		teardowns: make(map[string]*time.Timer),
		engine:    engine,
		store:     st,
		cfg:       cfg,
		logger:    logger.With("component", "room_manager"),
		metrics:   metrics,
		done:      make(chan struct{}),
	}

	rm.loopsDone.Add(2)
	go rm.maintenanceLoop()
	go rm.metricsLoop()

	return rm
}

// GetOrCreateRoom returns the room for an id, creating it on first
// use. A pending teardown for the id is cancelled.
func (rm *RoomManager) GetOrCreateRoom(roomID string) *room.Room {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.getOrCreateLocked(roomID)
}

func (rm *RoomManager) getOrCreateLocked(roomID string) *room.Room {
	rm.cancelTeardownLocked(roomID)

	if r, ok := rm.rooms[roomID]; ok {
		return r
	}

	r := room.New(roomID, rm.engine.NewDocument(), room.Config{Capacity: rm.cfg.RoomCapacity}, rm.logger)
	rm.rooms[roomID] = r
	rm.metrics.ActiveRooms.Set(float64(len(rm.rooms)))
	rm.logger.Info("room created", "room_id", roomID)
	return r
}

// JoinRoom creates or fetches the room and attempts to join it. The
// connection→room mapping is recorded only if the join succeeds.
func (rm *RoomManager) JoinRoom(conn room.Conn, roomID, clientID string) (*room.Room, error) {
	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		return nil, ErrManagerClosed
	}
	r := rm.getOrCreateLocked(roomID)
	rm.mu.Unlock()

	// Room.Join takes the room lock; the manager lock is released
	// first.
	if !r.Join(conn, clientID) {
		return nil, ErrRoomFull
	}

	rm.mu.Lock()
	rm.byConn[conn] = roomID
	connections := len(rm.byConn)
	rm.mu.Unlock()

	rm.metrics.ActiveConnections.Set(float64(connections))
	return r, nil
}

// LeaveRoom removes the connection's mapping and its room membership.
// When the room becomes empty a deferred teardown is scheduled instead
// of deleting immediately, absorbing rapid reconnects.
func (rm *RoomManager) LeaveRoom(conn room.Conn) (string, bool) {
	rm.mu.Lock()
	roomID, ok := rm.byConn[conn]
	if !ok {
		rm.mu.Unlock()
		return "", false
	}
	delete(rm.byConn, conn)
	connections := len(rm.byConn)
	r := rm.rooms[roomID]
	rm.mu.Unlock()

	rm.metrics.ActiveConnections.Set(float64(connections))

	if r == nil {
		return roomID, true
	}
	r.Leave(conn)

	if r.Len() == 0 {
		rm.scheduleTeardown(roomID)
	}
	return roomID, true
}

// scheduleTeardown arms the grace timer for an empty room, replacing
// any previous timer for the same id.
func (rm *RoomManager) scheduleTeardown(roomID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.closed {
		return
	}
	rm.cancelTeardownLocked(roomID)
	var timer *time.Timer
	timer = time.AfterFunc(rm.cfg.TeardownGrace, func() {
		rm.finishTeardown(roomID, timer)
	})
	rm.teardowns[roomID] = timer
	rm.logger.Debug("room teardown scheduled",
		"room_id", roomID,
		"grace", rm.cfg.TeardownGrace)
}

func (rm *RoomManager) cancelTeardownLocked(roomID string) {
	if timer, ok := rm.teardowns[roomID]; ok {
		timer.Stop()
		delete(rm.teardowns, roomID)
	}
}

// finishTeardown fires after the grace delay. Cancellation removes the
// registry entry, so a timer that fires concurrently with a cancel must
// find its own entry still present before it may touch the room; the
// identity check also defeats a newer timer armed for the same id.
func (rm *RoomManager) finishTeardown(roomID string, timer *time.Timer) {
	rm.mu.Lock()
	if current, ok := rm.teardowns[roomID]; !ok || current != timer {
		rm.mu.Unlock()
		return
	}
	delete(rm.teardowns, roomID)
	r, ok := rm.rooms[roomID]
	if !ok {
		rm.mu.Unlock()
		return
	}
	if r.Len() > 0 {
		rm.mu.Unlock()
		return
	}
	delete(rm.rooms, roomID)
	remaining := len(rm.rooms)
	rm.mu.Unlock()

	rm.metrics.ActiveRooms.Set(float64(remaining))
	rm.flushRoom(r)
	rm.logger.Info("room torn down", "room_id", roomID, "rooms", remaining)
}

// flushRoom persists a dirty room best-effort.
func (rm *RoomManager) flushRoom(r *room.Room) {
	if !r.Dirty() {
		return
	}
	snapshot := r.StartSave()
	if snapshot == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rm.cfg.SaveTimeout)
	defer cancel()

	if err := rm.store.Save(ctx, r.ID(), snapshot); err != nil {
		r.AbortSave()
		rm.metrics.Saves.WithLabelValues("error").Inc()
		rm.logger.Warn("room flush failed", "room_id", r.ID(), "error", err)
		return
	}
	r.MarkPersisted()
	rm.metrics.Saves.WithLabelValues("ok").Inc()
}

// RoomCount returns the number of registered rooms.
func (rm *RoomManager) RoomCount() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.rooms)
}

// ConnectionCount returns the number of mapped connections.
func (rm *RoomManager) ConnectionCount() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.byConn)
}

// snapshotRooms copies the room list so loops never hold the manager
// lock across room-lock acquisitions.
func (rm *RoomManager) snapshotRooms() []*room.Room {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	out := make([]*room.Room, 0, len(rm.rooms))
	for _, r := range rm.rooms {
		out = append(out, r)
	}
	return out
}

// maintenanceLoop sweeps stale awareness across all rooms.
func (rm *RoomManager) maintenanceLoop() {
	defer rm.loopsDone.Done()

	ticker := time.NewTicker(rm.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := 0
			for _, r := range rm.snapshotRooms() {
				removed += r.CleanupStaleAwareness(rm.cfg.AwarenessExpiry)
			}
			if removed > 0 {
				rm.logger.Info("awareness sweep", "removed", removed)
			}
		case <-rm.done:
			return
		}
	}
}

// metricsLoop reports room and connection counts for observability.
func (rm *RoomManager) metricsLoop() {
	defer rm.loopsDone.Done()

	ticker := time.NewTicker(rm.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rooms := rm.RoomCount()
			connections := rm.ConnectionCount()
			rm.metrics.ActiveRooms.Set(float64(rooms))
			rm.metrics.ActiveConnections.Set(float64(connections))
			rm.logger.Info("registry status",
				"rooms", rooms,
				"connections", connections)
		case <-rm.done:
			return
		}
	}
}

// Shutdown stops the loops, cancels pending teardown timers, and
// flushes dirty rooms best-effort.
func (rm *RoomManager) Shutdown(ctx context.Context) error {
	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		return nil
	}
	rm.closed = true
	for roomID, timer := range rm.teardowns {
		timer.Stop()
		delete(rm.teardowns, roomID)
	}
	rooms := make([]*room.Room, 0, len(rm.rooms))
	for _, r := range rm.rooms {
		rooms = append(rooms, r)
	}
	rm.mu.Unlock()

	close(rm.done)
	rm.loopsDone.Wait()

	for _, r := range rooms {
		select {
		case <-ctx.Done():
			rm.logger.Warn("shutdown flush interrupted", "error", ctx.Err())
			return ctx.Err()
		default:
		}
		rm.flushRoom(r)
	}

	rm.logger.Info("room manager shutdown", "rooms_flushed", len(rooms))
	return nil
}
