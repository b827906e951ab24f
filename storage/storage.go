package storage

import (
	"context"

	"github.com/c360/satbridge/errors"
)

// ErrNotFound is returned by Get when the key holds no value.
var ErrNotFound = errors.New("key not found")

// Store is the pluggable backend interface for small durable values.
//
// The interface uses a simple key-value pattern where:
//   - Keys are short strings; backends may map them to file names or prefixed keys
//   - Values are opaque binary data; encoding is the caller's concern
//   - Operations are context-aware for cancellation and timeouts
//
// Implementations:
//   - filestore.Store: one file per key, replaced by atomic rename
//   - redisstore.Store: one Redis string per key
//   - kvstore.Store: one entry per key in a NATS JetStream KV bucket
//
// All Store implementations must be safe for concurrent use.
type Store interface {
	// Put replaces the value at key. A reader never sees a partial value.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the value at key, or an error matching ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the value at key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases connections held by the backend.
	Close() error
}
