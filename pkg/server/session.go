package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/coedit-dev/coedit/pkg/auth"
	"github.com/coedit-dev/coedit/pkg/protocol"
	"github.com/coedit-dev/coedit/pkg/room"
	"github.com/coedit-dev/coedit/pkg/store"
)

// State is a session's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateJoining
	StateSyncing
	StateActive
	StateClosing
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateAuthenticating:
		return "Authenticating"
	case StateJoining:
		return "Joining"
	case StateSyncing:
		return "Syncing"
	case StateActive:
		return "Active"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// wsTransport is the slice of *websocket.Conn the session uses.
// Narrowed to an interface so dispatch tests can run over a fake.
type wsTransport interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// clientSeq disambiguates client ids minted in the same instant.
var clientSeq atomic.Uint64

// Session drives one connection through handshake, sync, steady-state
// dispatch, and cleanup.
type Session struct {
	conn      wsTransport
	manager   *RoomManager
	store     store.Store
	verifier  auth.Verifier
	forwarder AIForwarder
	cfg       *Config
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer

	userID   string
	clientID string
	roomID   string
	room     *room.Room

	state   atomic.Int32
	closed  atomic.Bool
	writeMu sync.Mutex
	done    chan struct{}
	tasks   sync.WaitGroup
}

func newSession(conn wsTransport, roomID string, srv *Server) *Session {
	return &Session{
		conn:      conn,
		manager:   srv.manager,
		store:     srv.store,
		verifier:  srv.verifier,
		forwarder: srv.forwarder,
		cfg:       srv.cfg,
		logger:    srv.logger.With("component", "session", "room_id", roomID),
		metrics:   srv.metrics,
		tracer:    srv.tracer,
		roomID:    roomID,
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Send implements room.Conn. It is safe for concurrent use; peers'
// receive loops deliver broadcasts through it.
func (s *Session) Send(m room.Message) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	messageType := websocket.TextMessage
	if m.Binary {
		messageType = websocket.BinaryMessage
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(messageType, m.Data); err != nil {
		return &SessionError{ClientID: s.clientID, Op: "send", Err: err}
	}
	return nil
}

func (s *Session) sendControl(c *protocol.Control) {
	data, err := protocol.EncodeControl(c)
	if err != nil {
		s.logger.Error("control encode failed", "kind", c.Kind, "error", err)
		return
	}
	if err := s.Send(room.TextMessage(data)); err != nil {
		s.logger.Debug("control send failed", "kind", c.Kind, "error", err)
	}
}

// Run executes the session lifecycle and blocks until the connection
// is gone and cleanup is complete.
func (s *Session) Run(ctx context.Context, credential string) {
	ctx, span := s.tracer.Start(ctx, "session",
		trace.WithAttributes(attribute.String("room.id", s.roomID)))
	defer span.End()

	s.setState(StateAuthenticating)
	principal, err := s.authenticate(ctx, credential)
	if err != nil {
		s.logger.Warn("authentication failed", "error", err)
		span.SetStatus(codes.Error, "unauthorized")
		s.refuse(CloseUnauthorized, "unauthorized")
		return
	}
	s.userID = principal.UserID
	s.clientID = newClientID(principal.UserID)
	s.logger = s.logger.With("client_id", s.clientID)
	span.SetAttributes(attribute.String("client.id", s.clientID))

	s.setState(StateJoining)
	r, err := s.manager.JoinRoom(s, s.roomID, s.clientID)
	if err != nil {
		s.logger.Warn("join refused", "error", err)
		span.SetStatus(codes.Error, "room at capacity")
		s.refuse(CloseRoomFull, "room at capacity")
		return
	}
	s.room = r

	s.setState(StateSyncing)
	s.seedRoom(ctx)
	s.sendFullState()
	s.startTasks()
	s.room.Broadcast(peerNotice(protocol.ControlPeerJoined, s.clientID), s)

	s.logger.Info("session active", "user_id", s.userID)
	s.setState(StateActive)
	s.readLoop()

	s.shutdown()
}

// authenticate validates the credential through the external bridge.
// With no verifier configured the server runs open; the credential is
// only used to label the user.
func (s *Session) authenticate(ctx context.Context, credential string) (*auth.Principal, error) {
	if s.verifier == nil {
		userID := credential
		if userID == "" {
			userID = "anonymous"
		}
		return &auth.Principal{UserID: userID}, nil
	}
	return s.verifier.Verify(ctx, credential)
}

// refuse closes the connection with a terminal status before the
// session ever joined a room.
func (s *Session) refuse(code int, reason string) {
	s.closed.Store(true)
	s.setState(StateClosed)
	msg := websocket.FormatCloseMessage(code, reason)
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
	s.conn.Close()
}

// seedRoom loads persisted state into a newly created room. Failure is
// not fatal: collaboration proceeds on an empty baseline and the next
// save overwrites whatever could not be read.
func (s *Session) seedRoom(ctx context.Context) {
	if !s.room.NeedsSeed() {
		return
	}

	loadCtx, cancel := context.WithTimeout(ctx, s.cfg.SaveTimeout)
	defer cancel()

	state, err := s.store.Load(loadCtx, s.roomID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("persisted state unavailable, starting empty", "error", err)
		return
	}
	if err := s.room.Seed(state); err != nil {
		s.logger.Warn("persisted state rejected by engine, starting empty", "error", err)
	}
}

// sendFullState pushes the room's current document to the new client.
func (s *Session) sendFullState() {
	frame := protocol.EncodeSync(protocol.SyncStep2, s.room.FullState())
	if err := s.Send(room.BinaryMessage(frame)); err != nil {
		s.logger.Debug("initial state send failed", "error", err)
	}
}

func (s *Session) startTasks() {
	s.tasks.Add(2)
	go s.heartbeatLoop()
	go s.saveLoop()
}

// shutdown runs the CLOSING path: cancel the background tasks and wait
// for them, announce departure, leave the room, and attempt one final
// save if the room is still dirty. Waiting before leaving prevents a
// cancelled task from later mutating a room this connection already
// left.
func (s *Session) shutdown() {
	if s.closed.Swap(true) {
		return
	}
	s.setState(StateClosing)

	close(s.done)
	s.tasks.Wait()

	if s.room != nil {
		s.room.Broadcast(peerNotice(protocol.ControlPeerLeft, s.clientID), s)
		s.manager.LeaveRoom(s)
		s.persist(true)
	}

	s.conn.Close()
	s.setState(StateClosed)
	s.logger.Info("session closed")
}

// heartbeatLoop sends transport-level pings until teardown. A failed
// ping marks the connection dead: the transport is closed so the read
// loop errors out and cleanup runs without waiting for the idle
// deadline.
func (s *Session) heartbeatLoop() {
	defer s.tasks.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Debug("heartbeat failed, closing connection", "error", err)
				s.conn.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// saveLoop persists the room on the save cadence while this connection
// lives. Every member runs one; ShouldPersist's in-flight marker keeps
// them from stacking saves.
func (s *Session) saveLoop() {
	defer s.tasks.Done()

	ticker := time.NewTicker(s.cfg.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.persist(false)
		case <-s.done:
			return
		}
	}
}

// persist saves the room snapshot when due. Failures are logged and
// retried on the next cycle; with final set, a dirty room is saved
// regardless of cadence.
func (s *Session) persist(final bool) {
	if final {
		if !s.room.Dirty() {
			return
		}
	} else if !s.room.ShouldPersist(s.cfg.SaveInterval) {
		return
	}

	snapshot := s.room.StartSave()
	if snapshot == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SaveTimeout)
	defer cancel()

	if err := s.store.Save(ctx, s.roomID, snapshot); err != nil {
		s.room.AbortSave()
		s.metrics.Saves.WithLabelValues("error").Inc()
		s.logger.Warn("room save failed", "error", err)
		return
	}
	s.room.MarkPersisted()
	s.metrics.Saves.WithLabelValues("ok").Inc()
	s.logger.Debug("room saved", "bytes", len(snapshot))
}

func newClientID(userID string) string {
	return fmt.Sprintf("%s-%x-%d", userID, time.Now().UnixMilli(), clientSeq.Add(1))
}

func peerNotice(kind protocol.ControlKind, clientID string) room.Message {
	data, _ := protocol.EncodeControl(&protocol.Control{Kind: kind, ClientID: clientID})
	return room.TextMessage(data)
}
