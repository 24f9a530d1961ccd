package store

import (
	"context"
	"errors"
)

// ErrExists is returned when creating a key that is already present.
var ErrExists = errors.New("key already exists")

// KV is a write-once key-value substrate for serialized records.
// Get reports missing keys with model.ErrNotFound.
type KV interface {
	Create(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
