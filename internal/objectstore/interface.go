// Package objectstore holds the encrypted file blobs for health links.
package objectstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no object exists under a key.
var ErrNotFound = errors.New("object not found")

// Store is the blob-storage contract. Keys are opaque to callers of
// the link core; the lifecycle manager namespaces them per link.
type Store interface {
	// Put stores an object. A non-nil expiry is recorded with the
	// object so the backing store can expire it independently of the
	// service.
	Put(ctx context.Context, key string, data []byte, expiry *time.Time) error
	Get(ctx context.Context, key string) ([]byte, error)
	DeleteByPrefix(ctx context.Context, prefix string) error
	// PresignGet returns a URL granting temporary read access.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}
