// Package store provides typed access to document collections, the source of
// truth behind the query cache.
package store

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Collection is a typed view of one document collection.
type Collection[V any] interface {
	// Get retrieves a single document by ID.
	Get(ctx context.Context, id string) (V, error)
	// List retrieves every document in the collection, ordered by ID.
	List(ctx context.Context) ([]V, error)
	// Where retrieves the documents whose field equals value, ordered by ID.
	Where(ctx context.Context, field string, value any) ([]V, error)
	// Set creates or overwrites a document.
	Set(ctx context.Context, id string, value V) error
	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, id string) error
	io.Closer
}
