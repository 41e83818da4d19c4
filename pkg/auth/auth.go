// Package auth is the authentication bridge. Only the pass/fail
// contract matters to the sync core: a credential either resolves to a
// principal or the connection is refused.
package auth

import (
	"context"
	"errors"
)

// ErrInvalidCredential is returned for any credential that does not
// verify. Callers treat it as fatal for the connection, with no retry.
var ErrInvalidCredential = errors.New("auth: invalid credential")

// Principal is the identity a verified credential resolves to.
type Principal struct {
	UserID string

	// Extra carries provider-specific claims the core does not
	// interpret.
	Extra map[string]string
}

// Verifier validates bearer credentials. Implementations must be safe
// for concurrent use.
type Verifier interface {
	Verify(ctx context.Context, credential string) (*Principal, error)
}

// StaticVerifier resolves credentials from a fixed token→user map.
// Intended for tests and local development.
type StaticVerifier struct {
	tokens map[string]string
}

// NewStaticVerifier builds a verifier over a token→userID map.
func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &StaticVerifier{tokens: cp}
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(_ context.Context, credential string) (*Principal, error) {
	userID, ok := v.tokens[credential]
	if !ok {
		return nil, ErrInvalidCredential
	}
	return &Principal{UserID: userID}, nil
}
