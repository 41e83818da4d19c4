package server

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coedit-dev/coedit/pkg/protocol"
	"github.com/coedit-dev/coedit/pkg/room"
)

// readLoop is the ACTIVE-state dispatcher. It blocks until the
// connection errors, the peer disconnects, or the idle deadline
// passes; all three route through the same cleanup path.
func (s *Session) readLoop() {
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				s.logger.Debug("read error", "error", err)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(data) == 0 {
				// Zero-length frames are heartbeats: echoed back
				// unmodified, never decoded.
				s.Send(room.BinaryMessage(nil))
				continue
			}
			s.handleBinary(data)

		case websocket.TextMessage:
			s.handleControl(data)

		default:
			s.logger.Debug("ignoring websocket message", "ws_type", messageType)
		}
	}
}

// handleBinary dispatches one binary protocol frame. Decode errors are
// per-frame: logged, counted, and the session continues.
func (s *Session) handleBinary(data []byte) {
	messageType, payload, err := protocol.DecodeMessage(data)
	if err != nil {
		s.metrics.ProtocolErrors.Inc()
		s.logger.Debug("frame decode failed", "error", err)
		return
	}
	if err := protocol.CheckSize(messageType, len(payload)); err != nil {
		s.metrics.ProtocolErrors.Inc()
		s.logger.Warn("oversized frame dropped", "type", messageType, "size", len(payload))
		return
	}

	switch messageType {
	case protocol.MessageSync:
		s.handleSync(data, payload)

	case protocol.MessageAwareness:
		s.room.SetAwareness(s.clientID, payload)
		s.broadcast(room.BinaryMessage(data))

	case protocol.MessageQueryAwareness:
		for _, st := range s.room.AwarenessSnapshot() {
			if err := s.Send(room.BinaryMessage(protocol.EncodeAwareness(st.Payload))); err != nil {
				return
			}
		}

	case protocol.MessageAuth:
		// Credentials travel in the connect parameters; an in-band
		// auth frame has nothing left to prove.
		s.logger.Debug("ignoring in-band auth frame", "size", len(payload))

	default:
		s.logger.Debug("ignoring unknown frame type", "type", messageType)
	}
}

// handleSync dispatches a sync frame. frame is the full original
// encoding, relayed verbatim on broadcast.
func (s *Session) handleSync(frame, payload []byte) {
	syncType, content, err := protocol.DecodeSync(payload)
	if err != nil {
		s.metrics.ProtocolErrors.Inc()
		s.logger.Debug("sync decode failed", "error", err)
		return
	}

	switch syncType {
	case protocol.SyncStep1:
		// Peer requests a diff against its state vector; reply to the
		// sender only.
		reply := protocol.EncodeSync(protocol.SyncStep2, s.room.Diff(content))
		if err := s.Send(room.BinaryMessage(reply)); err != nil {
			s.logger.Debug("sync reply failed", "error", err)
		}

	case protocol.SyncStep2:
		s.applyUpdate(content)

	case protocol.SyncUpdate:
		if s.applyUpdate(content) {
			s.broadcast(room.BinaryMessage(frame))
		}

	default:
		s.logger.Debug("ignoring unknown sync subtype", "subtype", syncType)
	}
}

// handleControl dispatches one structured control message.
func (s *Session) handleControl(data []byte) {
	c, err := protocol.DecodeControl(data)
	if err != nil {
		s.metrics.ProtocolErrors.Inc()
		s.logger.Debug("control decode failed", "error", err)
		return
	}

	switch c.Kind {
	case protocol.ControlUpdate:
		if s.applyUpdate(c.Update) {
			s.broadcast(room.TextMessage(data))
		}

	case protocol.ControlSyncStep1:
		s.sendControl(&protocol.Control{
			Kind:   protocol.ControlSyncStep2,
			Update: s.room.Diff(c.Vector),
		})

	case protocol.ControlSyncStep2:
		s.applyUpdate(c.Update)

	case protocol.ControlAwareness:
		s.room.SetAwareness(s.clientID, c.Awareness)
		s.broadcast(room.TextMessage(data))

	case protocol.ControlPing:
		s.sendControl(protocol.NewPong())

	case protocol.ControlAIInteraction:
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		if err := s.forwarder.Forward(ctx, s.roomID, s.userID, c.Data); err != nil {
			s.logger.Warn("ai interaction forward failed", "error", err)
		}
		cancel()

	default:
		s.logger.Debug("ignoring control message", "kind", c.Kind)
	}
}

// applyUpdate merges an update into the room document. Engine
// rejections are non-fatal; the update is discarded and the session
// continues.
func (s *Session) applyUpdate(update []byte) bool {
	start := time.Now()
	ok := s.room.ApplyUpdate(update)
	s.metrics.ApplyDuration.Observe(time.Since(start).Seconds())

	if !ok {
		s.metrics.UpdatesRejected.Inc()
		return false
	}
	s.metrics.UpdatesApplied.Inc()
	return true
}

func (s *Session) broadcast(m room.Message) {
	s.room.Broadcast(m, s)
	s.metrics.Broadcasts.Inc()
}
