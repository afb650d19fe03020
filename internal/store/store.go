// Package store defines the durable collection-oriented storage boundary
// used by every other component, plus an in-memory implementation.
package store

import (
	"context"
	"errors"
)

// Sentinel errors for the storage boundary. Callers test with errors.Is.
var (
	// ErrStorage wraps failures of the underlying medium (corruption,
	// exhaustion). Non-retryable: surfaced immediately, state unchanged.
	ErrStorage = errors.New("storage failure")

	// ErrValidation marks input rejected before any write happened.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned only where absence is exceptional (e.g.
	// restoring with no snapshot). Plain lookups return nil, not this.
	ErrNotFound = errors.New("not found")
)

// Well-known collection names.
const (
	CollectionOperations = "operations"
	CollectionBackups    = "backups"
	CollectionConfig     = "config"
)

// Record is one keyed row in a collection.
type Record struct {
	Key   string
	Value []byte // JSON
}

// DurableStore is the persistent collection-oriented storage collaborator.
// "Not found" is nil/empty, never an error. Implementations wrap medium
// failures with ErrStorage.
type DurableStore interface {
	Put(ctx context.Context, collection, key string, value []byte) error
	Get(ctx context.Context, collection, key string) ([]byte, error)
	List(ctx context.Context, collection string) ([]Record, error)
	// ListByIndex returns records whose JSON value has field == want,
	// where want is the JSON encoding of the indexed value (e.g. "false").
	ListByIndex(ctx context.Context, collection, field, want string) ([]Record, error)
	Delete(ctx context.Context, collection, key string) error
	Clear(ctx context.Context, collection string) error
	Close() error
}
