package protocol

// SyncType identifies the subtype of a sync payload.
type SyncType uint8

const (
	SyncStep1  SyncType = 0x00 // State-vector request
	SyncStep2  SyncType = 0x01 // Full or diff response
	SyncUpdate SyncType = 0x02 // Incremental change
)

// String returns the string representation of the sync subtype.
func (st SyncType) String() string {
	switch st {
	case SyncStep1:
		return "Step1"
	case SyncStep2:
		return "Step2"
	case SyncUpdate:
		return "Update"
	default:
		return "Unknown"
	}
}

// DecodeSync splits a sync payload into its subtype and content.
// The content aliases the input. An empty payload is invalid.
func DecodeSync(payload []byte) (SyncType, []byte, error) {
	if len(payload) == 0 {
		return 0, nil, ErrInvalidMessage
	}
	return SyncType(payload[0]), payload[1:], nil
}

// EncodeSync encodes a sync frame: [SYNC][subtype] ++ content.
func EncodeSync(st SyncType, content []byte) []byte {
	buf := make([]byte, 2+len(content))
	buf[0] = byte(MessageSync)
	buf[1] = byte(st)
	copy(buf[2:], content)
	return buf
}

// ValidateSyncType rejects subtype codes outside the known set.
func ValidateSyncType(st SyncType) error {
	switch st {
	case SyncStep1, SyncStep2, SyncUpdate:
		return nil
	default:
		return ErrUnsupportedType
	}
}
