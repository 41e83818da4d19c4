// Package crdt defines the document-merge capability the sync core
// depends on, together with a default in-process engine.
//
// The merge algorithm itself is an opaque capability: any engine whose
// update merging is commutative and idempotent (the standard CRDT
// convergence property) can be substituted. That property is assumed,
// not verified.
package crdt

import "errors"

// Engine creates documents.
type Engine interface {
	// NewDocument returns a fresh, empty document.
	NewDocument() Document
}

// Document is one replica of a shared document.
//
// Documents are not safe for concurrent use. Callers serialize access;
// in this server every call goes through the owning room's lock.
type Document interface {
	// ApplyUpdate merges an update into the document. Applying the
	// same update twice is a no-op. An engine may reserve a byte
	// prefix for its own state encoding (the default engine reserves
	// "clog1"); raw updates starting with that prefix are rejected
	// with ErrInvalidUpdate rather than silently misread.
	ApplyUpdate(update []byte) error

	// StateVector returns a compact summary of which updates this
	// document has incorporated. A fresh document returns an empty
	// vector.
	StateVector() []byte

	// EncodeStateAsUpdate returns an update containing everything a
	// peer with the given state vector lacks. An empty vector yields
	// the full document state.
	EncodeStateAsUpdate(stateVector []byte) []byte
}

// Engine errors.
var (
	ErrEmptyUpdate   = errors.New("crdt: empty update")
	ErrInvalidUpdate = errors.New("crdt: invalid update encoding")
)
