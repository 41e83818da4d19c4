package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ControlKind is the discriminator of a structured control message.
type ControlKind string

const (
	ControlUpdate        ControlKind = "update"
	ControlSyncStep1     ControlKind = "sync-step-1"
	ControlSyncStep2     ControlKind = "sync-step-2"
	ControlAwareness     ControlKind = "awareness"
	ControlPing          ControlKind = "ping"
	ControlPong          ControlKind = "pong"
	ControlAIInteraction ControlKind = "ai-interaction-update"
	ControlPeerJoined    ControlKind = "peer-joined"
	ControlPeerLeft      ControlKind = "peer-left"
)

// ByteList is a byte slice carried as a JSON array of numbers, the
// form produced by clients that cannot send raw binary.
type ByteList []byte

// MarshalJSON encodes the bytes as a JSON number array.
func (b ByteList) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Itoa(int(v)))
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON number array into bytes. Values outside
// 0..255 are invalid.
func (b *ByteList) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return fmt.Errorf("%w: byte value %d out of range", ErrInvalidMessage, n)
		}
		out[i] = byte(n)
	}
	*b = out
	return nil
}

// Control is the structured (tagged-object) form of a protocol
// message. Which fields are populated depends on Kind:
//
//   - update, sync-step-2: Update
//   - sync-step-1: Vector (empty meaning "I have nothing")
//   - awareness: Awareness
//   - ai-interaction-update: Data
//   - peer-joined, peer-left: ClientID
//   - ping, pong: no payload
type Control struct {
	Kind      ControlKind     `json:"type"`
	Update    ByteList        `json:"update,omitempty"`
	Vector    ByteList        `json:"vector,omitempty"`
	Awareness json.RawMessage `json:"awareness,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
}

// EncodeControl encodes a structured control message.
func EncodeControl(c *Control) ([]byte, error) {
	return json.Marshal(c)
}

// DecodeControl decodes a structured control message. A missing
// discriminator is invalid; an unrecognized one is returned as-is so
// callers can log and ignore it.
func DecodeControl(data []byte) (*Control, error) {
	if len(data) == 0 {
		return nil, ErrInvalidMessage
	}
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if c.Kind == "" {
		return nil, fmt.Errorf("%w: missing type discriminator", ErrInvalidMessage)
	}
	return &c, nil
}

// NewPong builds the reply to a ping.
func NewPong() *Control {
	return &Control{Kind: ControlPong}
}

// NewPeerJoined builds a peer-joined notification.
func NewPeerJoined(clientID string) *Control {
	return &Control{Kind: ControlPeerJoined, ClientID: clientID}
}

// NewPeerLeft builds a peer-left notification.
func NewPeerLeft(clientID string) *Control {
	return &Control{Kind: ControlPeerLeft, ClientID: clientID}
}
