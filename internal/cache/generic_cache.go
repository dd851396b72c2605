package cache

import "context"

// Partition is a key-value store holding whole serialized entries.
// Values are always replaced wholesale, never partially updated.
type Partition interface {
	// Name returns the partition name
	Name() string
	// retrieves a stored value.
	// returns nil, nil when not found
	Get(ctx context.Context, key string) ([]byte, error)
	// stores a value, replacing any previous one
	Put(ctx context.Context, key string, value []byte) error
	// removes a value. Removing a missing key is a no-op.
	Delete(ctx context.Context, key string) error
	// lists stored keys in lexical order
	Keys(ctx context.Context) ([]string, error)
}
