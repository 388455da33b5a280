package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by stores and the router.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict indicates a uniqueness or state conflict.
	ErrConflict = errors.New("storage: conflict")

	// ErrReadOnlySource indicates a write was attempted on a source
	// configured with readonly = true. The write has no side effect.
	ErrReadOnlySource = errors.New("storage: source is read-only")

	// ErrUnknownSource indicates a data_source hint that matches no
	// configured source.
	ErrUnknownSource = errors.New("storage: unknown source")
)

// ConnectionError wraps a lost or failed backend connection.
type ConnectionError struct {
	Source string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("storage: source %q connection: %v", e.Source, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
