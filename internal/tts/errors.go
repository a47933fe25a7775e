package tts

import (
	"context"
	"errors"
	"fmt"
)

// ErrClientClosed is delivered for calls made after Close.
var ErrClientClosed = errors.New("speech client closed")

// HTTPError is a non-success status from the speech endpoint.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("speech endpoint returned %s", e.Status)
	}
	return fmt.Sprintf("speech endpoint returned %s: %s", e.Status, e.Body)
}

// TransportError wraps a failure to build, send or read a synthesis request.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was the client's own per-call deadline.
func (e *TransportError) Timeout() bool { return errors.Is(e.Err, context.DeadlineExceeded) }

// CancellationError means the caller's context ended before the response arrived.
type CancellationError struct {
	Err error
}

func (e *CancellationError) Error() string { return fmt.Sprintf("synthesis cancelled: %v", e.Err) }

func (e *CancellationError) Unwrap() error { return e.Err }
