// Package protocol implements the coedit wire protocol.
//
// Two encodings are supported. The binary encoding is a single type
// byte followed by a type-specific payload; sync payloads carry a
// second subtype byte. The structured encoding is a JSON object with
// a "type" discriminator, for transports that cannot carry raw binary.
//
// All functions are pure and stateless. Decode functions accept
// unknown type codes so callers can decide severity; use
// ValidateMessageType and ValidateSyncType to reject them.
package protocol
