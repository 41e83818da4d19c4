package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coedit-dev/coedit/pkg/protocol"
	"github.com/coedit-dev/coedit/pkg/room"
)

// frame is one recorded transport write.
type frame struct {
	messageType int
	data        []byte
}

// fakeTransport scripts ReadMessage and records writes.
type fakeTransport struct {
	reads   []frame
	writes  []frame
	pingErr error
	closed  atomic.Bool
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	if len(f.reads) == 0 {
		return 0, nil, errors.New("connection closed")
	}
	next := f.reads[0]
	f.reads = f.reads[1:]
	return next.messageType, next.data, nil
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.writes = append(f.writes, frame{messageType, cp})
	return nil
}

func (f *fakeTransport) WriteControl(int, []byte, time.Time) error { return f.pingErr }
func (f *fakeTransport) SetReadDeadline(time.Time) error           { return nil }
func (f *fakeTransport) SetWriteDeadline(time.Time) error          { return nil }
func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeTransport) binaryWrites() [][]byte {
	var out [][]byte
	for _, w := range f.writes {
		if w.messageType == websocket.BinaryMessage {
			out = append(out, w.data)
		}
	}
	return out
}

func (f *fakeTransport) textWrites() [][]byte {
	var out [][]byte
	for _, w := range f.writes {
		if w.messageType == websocket.TextMessage {
			out = append(out, w.data)
		}
	}
	return out
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv := New(nil, Options{Registry: prometheus.NewRegistry(), Logger: testLogger()})
	t.Cleanup(func() { srv.manager.Shutdown(context.Background()) })
	return srv
}

// joinSession wires a session with a fake transport into a room,
// bypassing the websocket handshake.
func joinSession(t *testing.T, srv *Server, roomID, clientID string) (*Session, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	sess := newSession(tr, roomID, srv)
	sess.clientID = clientID
	r, err := srv.manager.JoinRoom(sess, roomID, clientID)
	if err != nil {
		t.Fatalf("JoinRoom(%s) error = %v", clientID, err)
	}
	sess.room = r
	return sess, tr
}

func TestHeartbeatEcho(t *testing.T) {
	srv := newTestServer(t)
	sess, tr := joinSession(t, srv, "doc-1", "c1")

	tr.reads = []frame{{websocket.BinaryMessage, nil}}
	sess.readLoop()

	bins := tr.binaryWrites()
	if len(bins) != 1 || len(bins[0]) != 0 {
		t.Fatalf("heartbeat echo writes = %v, want one zero-length binary frame", bins)
	}
}

func TestBinaryUpdateAppliedAndBroadcast(t *testing.T) {
	srv := newTestServer(t)
	sender, _ := joinSession(t, srv, "doc-1", "sender")
	_, peerTr := joinSession(t, srv, "doc-1", "peer")

	update := protocol.EncodeSync(protocol.SyncUpdate, []byte("U1"))
	sender.handleBinary(update)

	if got := sender.room.AppliedUpdates(); got != 1 {
		t.Errorf("AppliedUpdates() = %d, want 1", got)
	}

	bins := peerTr.binaryWrites()
	if len(bins) != 1 || !bytes.Equal(bins[0], update) {
		t.Fatalf("peer received %v, want the update frame verbatim", bins)
	}
}

func TestBinaryStep1RepliesToSenderOnly(t *testing.T) {
	srv := newTestServer(t)
	sender, senderTr := joinSession(t, srv, "doc-1", "sender")
	_, peerTr := joinSession(t, srv, "doc-1", "peer")

	sender.room.ApplyUpdate([]byte("existing edit"))
	want := protocol.EncodeSync(protocol.SyncStep2, sender.room.Diff(nil))

	sender.handleBinary(protocol.EncodeSync(protocol.SyncStep1, nil))

	bins := senderTr.binaryWrites()
	if len(bins) != 1 || !bytes.Equal(bins[0], want) {
		t.Fatalf("sender received %v, want step2 with full state", bins)
	}
	if len(peerTr.binaryWrites()) != 0 {
		t.Error("step1 reply leaked to a peer")
	}
}

func TestBinaryAwarenessStoredAndBroadcast(t *testing.T) {
	srv := newTestServer(t)
	sender, _ := joinSession(t, srv, "doc-1", "sender")
	_, peerTr := joinSession(t, srv, "doc-1", "peer")

	awareness := protocol.EncodeAwareness([]byte(`{"cursor":5}`))
	sender.handleBinary(awareness)

	snap := sender.room.AwarenessSnapshot()
	if len(snap) != 1 || snap[0].ClientID != "sender" {
		t.Fatalf("awareness snapshot = %+v, want one entry for sender", snap)
	}
	bins := peerTr.binaryWrites()
	if len(bins) != 1 || !bytes.Equal(bins[0], awareness) {
		t.Fatalf("peer received %v, want awareness frame verbatim", bins)
	}
}

func TestQueryAwarenessRepliesWithSnapshot(t *testing.T) {
	srv := newTestServer(t)
	sess, tr := joinSession(t, srv, "doc-1", "c1")
	sess.room.SetAwareness("other", []byte("their cursor"))

	sess.handleBinary(protocol.EncodeMessage(protocol.MessageQueryAwareness, nil))

	bins := tr.binaryWrites()
	if len(bins) != 1 {
		t.Fatalf("query reply frames = %d, want 1", len(bins))
	}
	mt, payload, err := protocol.DecodeMessage(bins[0])
	if err != nil || mt != protocol.MessageAwareness {
		t.Fatalf("reply type = %v err = %v, want Awareness", mt, err)
	}
	if !bytes.Equal(payload, []byte("their cursor")) {
		t.Errorf("reply payload = %q, want the stored awareness", payload)
	}
}

func TestMalformedAndOversizedFramesAreNonFatal(t *testing.T) {
	srv := newTestServer(t)
	sess, tr := joinSession(t, srv, "doc-1", "c1")

	// Truncated sync frame (no subtype byte), unknown outer type, and
	// an awareness payload over its 1 MiB cap.
	sess.handleBinary([]byte{byte(protocol.MessageSync)})
	sess.handleBinary([]byte{0x7f, 0x01, 0x02})
	sess.handleBinary(protocol.EncodeAwareness(make([]byte, protocol.MaxAwarenessSize+1)))

	if tr.closed.Load() {
		t.Error("a malformed frame closed the connection")
	}
	if got := sess.room.Len(); got != 1 {
		t.Errorf("room Len() = %d, want 1", got)
	}
	if len(tr.writes) != 0 {
		t.Errorf("malformed frames produced %d replies, want 0", len(tr.writes))
	}
}

func TestControlUpdateBroadcastExcludesSender(t *testing.T) {
	srv := newTestServer(t)
	sender, senderTr := joinSession(t, srv, "doc-1", "sender")
	_, peerTr := joinSession(t, srv, "doc-1", "peer")

	msg, err := protocol.EncodeControl(&protocol.Control{
		Kind:   protocol.ControlUpdate,
		Update: protocol.ByteList("U1"),
	})
	if err != nil {
		t.Fatalf("EncodeControl() error = %v", err)
	}
	sender.handleControl(msg)

	texts := peerTr.textWrites()
	if len(texts) != 1 || !bytes.Equal(texts[0], msg) {
		t.Fatalf("peer received %v, want the control frame verbatim", texts)
	}
	if len(senderTr.writes) != 0 {
		t.Error("update echoed back to its sender")
	}
}

func TestControlSyncStep1Reply(t *testing.T) {
	srv := newTestServer(t)
	sess, tr := joinSession(t, srv, "doc-1", "c1")
	sess.room.ApplyUpdate([]byte("edit"))

	msg, _ := protocol.EncodeControl(&protocol.Control{Kind: protocol.ControlSyncStep1})
	sess.handleControl(msg)

	texts := tr.textWrites()
	if len(texts) != 1 {
		t.Fatalf("reply frames = %d, want 1", len(texts))
	}
	reply, err := protocol.DecodeControl(texts[0])
	if err != nil {
		t.Fatalf("DecodeControl(reply) error = %v", err)
	}
	if reply.Kind != protocol.ControlSyncStep2 {
		t.Errorf("reply kind = %q, want sync-step-2", reply.Kind)
	}
	if !bytes.Equal(reply.Update, sess.room.FullState()) {
		t.Error("empty-vector step1 did not return the full state")
	}
}

func TestControlPingPong(t *testing.T) {
	srv := newTestServer(t)
	sess, tr := joinSession(t, srv, "doc-1", "c1")

	msg, _ := protocol.EncodeControl(&protocol.Control{Kind: protocol.ControlPing})
	sess.handleControl(msg)

	texts := tr.textWrites()
	if len(texts) != 1 {
		t.Fatalf("pong frames = %d, want 1", len(texts))
	}
	var got struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(texts[0], &got); err != nil {
		t.Fatalf("Unmarshal(pong) error = %v", err)
	}
	if got.Type != "pong" {
		t.Errorf("reply type = %q, want pong", got.Type)
	}
}

func TestControlUnknownKindIgnored(t *testing.T) {
	srv := newTestServer(t)
	sess, tr := joinSession(t, srv, "doc-1", "c1")

	sess.handleControl([]byte(`{"type":"subscribe"}`))
	sess.handleControl([]byte(`not json`))

	if len(tr.writes) != 0 || tr.closed.Load() {
		t.Error("unknown control messages must be ignored silently")
	}
}

func TestShutdownAnnouncesAndSaves(t *testing.T) {
	srv := newTestServer(t)
	sess, tr := joinSession(t, srv, "doc-1", "leaver")
	_, peerTr := joinSession(t, srv, "doc-1", "stayer")

	sess.startTasks()
	sess.room.ApplyUpdate([]byte("unsaved edit"))
	sess.shutdown()

	if !tr.closed.Load() {
		t.Error("transport not closed")
	}
	if got := sess.State(); got != StateClosed {
		t.Errorf("State() = %v, want Closed", got)
	}

	var sawLeft bool
	for _, data := range peerTr.textWrites() {
		c, err := protocol.DecodeControl(data)
		if err == nil && c.Kind == protocol.ControlPeerLeft && c.ClientID == "leaver" {
			sawLeft = true
		}
	}
	if !sawLeft {
		t.Error("peer never saw the peer-left notification")
	}

	if _, err := srv.store.Load(context.Background(), "doc-1"); err != nil {
		t.Errorf("final save missing: %v", err)
	}
	if got := srv.manager.ConnectionCount(); got != 1 {
		t.Errorf("ConnectionCount() = %d, want 1", got)
	}

	// Idempotent: a second shutdown is a no-op.
	sess.shutdown()
}

func TestHeartbeatFailureClosesTransport(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	srv := New(cfg, Options{Registry: prometheus.NewRegistry(), Logger: testLogger()})
	t.Cleanup(func() { srv.manager.Shutdown(context.Background()) })

	tr := &fakeTransport{pingErr: errors.New("broken pipe")}
	sess := newSession(tr, "doc-1", srv)

	sess.tasks.Add(1)
	go sess.heartbeatLoop()

	// The dead peer must be detected on the ping cadence, not the idle
	// deadline.
	deadline := time.Now().Add(time.Second)
	for !tr.closed.Load() {
		if time.Now().After(deadline) {
			t.Fatal("failed heartbeat did not close the transport")
		}
		time.Sleep(5 * time.Millisecond)
	}
	sess.tasks.Wait()
}

func TestSendAfterCloseFails(t *testing.T) {
	srv := newTestServer(t)
	sess, _ := joinSession(t, srv, "doc-1", "c1")
	sess.startTasks()
	sess.shutdown()

	if err := sess.Send(room.BinaryMessage([]byte{1})); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Send() after close error = %v, want ErrSessionClosed", err)
	}
}

func TestStateString(t *testing.T) {
	states := map[State]string{
		StateConnecting:     "Connecting",
		StateAuthenticating: "Authenticating",
		StateJoining:        "Joining",
		StateSyncing:        "Syncing",
		StateActive:         "Active",
		StateClosing:        "Closing",
		StateClosed:         "Closed",
		State(99):           "Unknown",
	}
	for st, want := range states {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", st, got, want)
		}
	}
}
