package protocol

import "fmt"

// Per-type payload size limits. A frame over its type's limit is
// dropped without terminating the connection.
const (
	MaxSyncSize      = 10 << 20 // 10 MiB
	MaxAwarenessSize = 1 << 20  // 1 MiB
	MaxAuthSize      = 10 << 10 // 10 KiB
)

// MaxPayloadSize returns the payload size limit for a message type.
// Unknown types get the most restrictive limit.
func MaxPayloadSize(mt MessageType) int {
	switch mt {
	case MessageSync:
		return MaxSyncSize
	case MessageAwareness, MessageQueryAwareness:
		return MaxAwarenessSize
	case MessageAuth:
		return MaxAuthSize
	default:
		return MaxAuthSize
	}
}

// CheckSize reports ErrMessageTooLarge if a payload of n bytes exceeds
// the limit for the given message type.
func CheckSize(mt MessageType, n int) error {
	if limit := MaxPayloadSize(mt); n > limit {
		return fmt.Errorf("%w: %s payload %d bytes exceeds %d", ErrMessageTooLarge, mt, n, limit)
	}
	return nil
}
