// Package store persists the serialized aggregation state. The state
// is written whole after every ingest, so both backends are built
// around an idempotent single-row upsert rather than an append table.
package store

import "context"

// Store is the durable home of the aggregation state blob. Both the
// SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	// LoadState returns the persisted state blob, or (nil, nil) when
	// nothing has been persisted yet.
	LoadState(ctx context.Context) ([]byte, error)

	// SaveState overwrites the persisted state blob.
	SaveState(ctx context.Context, state []byte) error

	// ClearState removes the persisted state blob.
	ClearState(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
