package backup

import (
	"context"
	"errors"
)

// ErrNotFound is returned for a missing object or snapshot.
var ErrNotFound = errors.New("object not found")

// ObjectStore is the remote side of backups: a flat keyspace of
// opaque blobs. S3Store is the production implementation.
type ObjectStore interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}
