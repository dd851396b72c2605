// Handles durable storage of cached HTTP responses, grouped in named partitions
package cache

import (
	"context"
	"fmt"
)

// Backend manages named partitions.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Open returns the named partition, creating it if absent
	Open(ctx context.Context, name string) (Partition, error)
	// Lookup returns the named partition without creating it.
	// The boolean is false when the partition does not exist.
	Lookup(ctx context.Context, name string) (Partition, bool, error)
	// List returns the names of all existing partitions
	List(ctx context.Context) ([]string, error)
	// Drop deletes a partition and all its entries. Dropping a missing partition is a no-op.
	Drop(ctx context.Context, name string) error
	// Close releases resources held by the backend
	Close() error
}

// New creates the backend matching the given kind
func New(kind string, opts Options) (Backend, error) {
	switch kind {
	case "disk":
		return NewDisk(opts.Folder), nil
	case "leveldb":
		return NewLevelDB(opts.Folder)
	case "redis":
		return NewRedis(RedisConfig{URL: opts.RedisURL, Prefix: opts.RedisPrefix})
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", kind)
	}
}

// Options holds the settings of every backend kind
type Options struct {
	Folder      string
	RedisURL    string
	RedisPrefix string
}
