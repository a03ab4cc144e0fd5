package auth

import "errors"

// Verifier error types. All of them refuse admission identically; the
// distinction exists for server-side logging only.
var (
	ErrMissingToken   = errors.New("missing bearer token")
	ErrInvalidToken   = errors.New("token rejected by auth backend")
	ErrMalformedReply = errors.New("malformed auth backend response")
)
