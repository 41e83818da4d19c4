package protocol

import "errors"

// MessageType identifies the outer type of a binary frame.
type MessageType uint8

const (
	MessageSync           MessageType = 0x00 // CRDT sync payload
	MessageAwareness      MessageType = 0x01 // Ephemeral presence payload
	MessageAuth           MessageType = 0x02 // Credential payload
	MessageQueryAwareness MessageType = 0x03 // Request for current awareness
)

// String returns the string representation of the message type.
func (mt MessageType) String() string {
	switch mt {
	case MessageSync:
		return "Sync"
	case MessageAwareness:
		return "Awareness"
	case MessageAuth:
		return "Auth"
	case MessageQueryAwareness:
		return "QueryAwareness"
	default:
		return "Unknown"
	}
}

// Protocol errors. All are per-message conditions; none should
// terminate a connection.
var (
	ErrInvalidMessage  = errors.New("protocol: invalid message")
	ErrMessageTooLarge = errors.New("protocol: message too large")
	ErrUnsupportedType = errors.New("protocol: unsupported type")
)

// DecodeMessage splits a binary frame into its outer type and payload.
// The payload aliases the input; callers that retain it past the frame
// must copy. An empty frame is invalid (zero-length frames are
// heartbeats and must never reach the decoder).
func DecodeMessage(data []byte) (MessageType, []byte, error) {
	if len(data) == 0 {
		return 0, nil, ErrInvalidMessage
	}
	return MessageType(data[0]), data[1:], nil
}

// EncodeMessage prepends the outer type byte to a payload.
func EncodeMessage(mt MessageType, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(mt)
	copy(buf[1:], payload)
	return buf
}

// EncodeAwareness encodes an awareness frame: [AWARENESS] ++ content.
func EncodeAwareness(content []byte) []byte {
	return EncodeMessage(MessageAwareness, content)
}

// ValidateMessageType rejects type codes outside the known set.
func ValidateMessageType(mt MessageType) error {
	switch mt {
	case MessageSync, MessageAwareness, MessageAuth, MessageQueryAwareness:
		return nil
	default:
		return ErrUnsupportedType
	}
}
