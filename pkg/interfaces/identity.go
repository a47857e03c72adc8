package interfaces

import "context"

// Verifier resolves a bearer credential to the principal it was issued for.
// Verify fails with ErrAuthInvalid for expired, malformed or forged tokens.
type Verifier interface {
	Verify(ctx context.Context, token string) (principalID string, err error)
}
