package storage

import "errors"

// Common storage errors
var (
	// ErrNotFound indicates the entity does not exist in the store.
	ErrNotFound = errors.New("entity not found")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store is closed")
)
