// Package room holds the per-document collaboration state: the CRDT
// document handle, the connection set, the awareness map, and the
// dirty/save bookkeeping.
//
// A single mutex serializes every mutation. The CRDT engine is not
// assumed safe under concurrent invocation, and broadcast must observe
// a stable connection set, so at most one mutator runs at a time per
// room.
package room

import (
	"log/slog"
	"sync"
	"time"

	"github.com/coedit-dev/coedit/pkg/crdt"
)

// DefaultCapacity is the maximum number of connections per room.
const DefaultCapacity = 10

// AwarenessState is one client's ephemeral presence entry. It expires
// independently of connection liveness, so a disconnect that skips
// graceful cleanup does not leave stale presence indefinitely.
type AwarenessState struct {
	ClientID  string
	Payload   []byte
	UpdatedAt time.Time
}

// Config bounds a room's resources.
type Config struct {
	// Capacity is the maximum connection count. Default: 10.
	Capacity int
}

// Room binds one logical collaborative document to its set of
// connected peers.
type Room struct {
	id        string
	createdAt time.Time
	logger    *slog.Logger
	capacity  int

	mu        sync.Mutex
	doc       crdt.Document
	conns     map[Conn]string // connection -> client id
	awareness map[string]*AwarenessState
	seeded    bool
	dirty     bool
	saving    bool
	lastSave  time.Time
	applied   uint64
}

// New creates an empty room around a fresh document.
func New(id string, doc crdt.Document, cfg Config, logger *slog.Logger) *Room {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Room{
		id:        id,
		createdAt: time.Now(),
		logger:    logger.With("component", "room", "room_id", id),
		capacity:  cfg.Capacity,
		doc:       doc,
		conns:     make(map[Conn]string),
		awareness: make(map[string]*AwarenessState),
		lastSave:  time.Now(),
	}
}

// ID returns the room id.
func (r *Room) ID() string {
	return r.id
}

// CreatedAt returns the room creation time.
func (r *Room) CreatedAt() time.Time {
	return r.createdAt
}

// Join adds a connection. It returns false with no state change when
// the room is at capacity.
func (r *Room) Join(conn Conn, clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.conns) >= r.capacity {
		return false
	}
	r.conns[conn] = clientID
	return true
}

// Leave removes a connection and its awareness entry.
func (r *Room) Leave(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(conn)
}

func (r *Room) removeLocked(conn Conn) {
	clientID, ok := r.conns[conn]
	if !ok {
		return
	}
	delete(r.conns, conn)
	delete(r.awareness, clientID)
}

// Len returns the current connection count.
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// ApplyUpdate merges an update into the document. Engine failures are
// caught here: the update is simply not merged and false is returned,
// leaving the room internally consistent.
func (r *Room) ApplyUpdate(update []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.doc.ApplyUpdate(update); err != nil {
		r.logger.Warn("update rejected by engine", "error", err, "size", len(update))
		return false
	}
	r.dirty = true
	r.applied++
	return true
}

// AppliedUpdates returns the number of updates merged so far.
func (r *Room) AppliedUpdates() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applied
}

// StateVector returns the document's current version summary.
func (r *Room) StateVector() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.StateVector()
}

// Diff returns the updates a peer with the given state vector lacks.
// An empty vector yields the full encoded state.
func (r *Room) Diff(peerStateVector []byte) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeStateAsUpdate(peerStateVector)
}

// FullState returns the full encoded document state.
func (r *Room) FullState() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeStateAsUpdate(nil)
}

// NeedsSeed reports whether the room's document has never been seeded
// from persisted state. The first reporting caller owns seeding.
func (r *Room) NeedsSeed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seeded {
		return false
	}
	r.seeded = true
	return true
}

// Seed merges persisted state into the document without marking the
// room dirty.
func (r *Room) Seed(state []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(state) == 0 {
		return nil
	}
	return r.doc.ApplyUpdate(state)
}

// Broadcast sends a frame to every connection except exclude. A send
// failure on one target removes that connection and its awareness
// entry but does not abort delivery to the remaining targets.
func (r *Room) Broadcast(m Message, exclude Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for conn, clientID := range r.conns {
		if conn == exclude {
			continue
		}
		if err := conn.Send(m); err != nil {
			r.logger.Warn("dropping unwritable connection",
				"client_id", clientID,
				"error", err)
			r.removeLocked(conn)
		}
	}
}

// SetAwareness stores a client's presence payload and refreshes its
// expiry clock.
func (r *Room) SetAwareness(clientID string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := make([]byte, len(payload))
	copy(cp, payload)
	r.awareness[clientID] = &AwarenessState{
		ClientID:  clientID,
		Payload:   cp,
		UpdatedAt: time.Now(),
	}
}

// AwarenessSnapshot returns a copy of all current awareness entries.
func (r *Room) AwarenessSnapshot() []AwarenessState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]AwarenessState, 0, len(r.awareness))
	for _, st := range r.awareness {
		out = append(out, *st)
	}
	return out
}

// CleanupStaleAwareness purges entries idle longer than maxIdle and
// returns how many were removed.
func (r *Room) CleanupStaleAwareness(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for clientID, st := range r.awareness {
		if st.UpdatedAt.Before(cutoff) {
			delete(r.awareness, clientID)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("purged stale awareness", "removed", removed)
	}
	return removed
}

// ShouldPersist reports whether the room is dirty, not already being
// saved, and past the minimum save interval.
func (r *Room) ShouldPersist(minInterval time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty && !r.saving && time.Since(r.lastSave) >= minInterval
}

// StartSave marks a save in progress and returns the state snapshot to
// persist. It returns nil when another save is already running.
func (r *Room) StartSave() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saving {
		return nil
	}
	r.saving = true
	return r.doc.EncodeStateAsUpdate(nil)
}

// MarkPersisted records a successful save: the dirty flag clears and
// the save timer resets.
func (r *Room) MarkPersisted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saving = false
	r.dirty = false
	r.lastSave = time.Now()
}

// AbortSave clears the in-progress marker after a failed save, leaving
// the room dirty so the next cycle retries.
func (r *Room) AbortSave() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saving = false
}

// Dirty reports whether the room has unsaved changes.
func (r *Room) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}
