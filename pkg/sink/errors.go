// Package sink holds the error types shared by sink backends and a writer
// that reconnects on demand.
package sink

import (
	"errors"
	"fmt"
)

// ErrWriterClosed is returned by a Reconnecting writer after Close
var ErrWriterClosed = errors.New("sink writer is closed")

// ConnectionError reports that a backend could not be reached or the
// connection parameters were unusable.
type ConnectionError struct {
	Backend string
	Target  string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: backend=%s target=%s: %v", e.Backend, e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// WriteError reports a rejected or interrupted bulk write. The whole batch
// is considered undelivered.
type WriteError struct {
	Backend string
	Points  int
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write error: backend=%s points=%d: %v", e.Backend, e.Points, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err wraps a ConnectionError
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// IsWriteError reports whether err wraps a WriteError
func IsWriteError(err error) bool {
	var writeErr *WriteError
	return errors.As(err, &writeErr)
}
