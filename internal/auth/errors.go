package auth

import (
	"errors"
	"fmt"
)

// ErrMissingKey is returned by New when no subscription key is configured.
var ErrMissingKey = errors.New("subscription key is required")

// AuthenticationError reports that a bearer token could not be obtained, either
// because the identity endpoint was unreachable or because it answered with a
// non-success status. StatusCode is zero when no response was received.
type AuthenticationError struct {
	StatusCode int
	Err        error
}

func (e *AuthenticationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("authentication failed (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }
