package storage

import (
	"context"
)

// Storage is the node-local replica store. The coordination state machine applies
// replicated commands onto it; nothing else writes to it directly.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes keys and reports how many existed.
	Delete(ctx context.Context, keys ...string) (int, error)
	// Keys returns keys under prefix in lexical order. limit <= 0 means no limit.
	Keys(ctx context.Context, prefix string, limit int) ([]string, error)

	// Increment adds delta to the counter at key and returns the new value.
	Increment(ctx context.Context, key string, delta int64) (int64, error)

	// Write applies puts and deletes in one transaction.
	Write(ctx context.Context, puts map[string][]byte, deletes []string) error

	// Export and Replace back state machine snapshots.
	Export(ctx context.Context, prefix string) (map[string][]byte, error)
	Replace(ctx context.Context, entries map[string][]byte) error

	Close() error
}

// Backend names accepted by Open.
const (
	BackendBadger = "badger"
	BackendMemory = "memory"
)
