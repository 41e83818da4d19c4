package room

// Message is a pre-encoded frame a room relays between peers.
type Message struct {
	// Binary selects the binary wire encoding; otherwise the frame is
	// a structured (JSON) control message.
	Binary bool
	Data   []byte
}

// BinaryMessage wraps bytes as a binary frame.
func BinaryMessage(data []byte) Message {
	return Message{Binary: true, Data: data}
}

// TextMessage wraps bytes as a structured frame.
func TextMessage(data []byte) Message {
	return Message{Data: data}
}

// Conn is the transport surface a room needs from a connection. The
// server's session type implements it over a WebSocket; tests use
// in-memory fakes.
type Conn interface {
	// Send delivers one frame to the peer. A non-nil error marks the
	// connection dead; the room drops it.
	Send(m Message) error
}
