// Package storage defines the persistence collaborator contract used for
// replicated state and the durable offline queue.
package storage

import "context"

// Export is a full dump of the store: kind -> id -> raw entity bytes.
type Export map[string]map[string][]byte

// Store is the persistence contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the stored bytes for the entity, or ErrNotFound.
	Get(ctx context.Context, kind, id string) ([]byte, error)

	// Put stores the entity bytes, replacing any previous value.
	Put(ctx context.Context, kind, id string, data []byte) error

	// Delete removes the entity. Deleting a missing entity is not an error.
	Delete(ctx context.Context, kind, id string) error

	// List returns all entities of a kind keyed by id.
	List(ctx context.Context, kind string) (map[string][]byte, error)

	// ExportAll dumps the complete store contents.
	ExportAll(ctx context.Context) (Export, error)

	// ImportAll merges a dump into the store, overwriting existing ids.
	ImportAll(ctx context.Context, data Export) error

	// Close releases underlying resources.
	Close() error
}
