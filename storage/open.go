package storage

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Open returns the replica store for backend: "badger" (default) or "memory".
func Open(backend, dataDir string, gcInterval time.Duration, logger hclog.Logger) (Storage, error) {
	switch backend {
	case "", BackendBadger:
		return NewBadgerStorage(dataDir, BadgerOptions{GCInterval: gcInterval, Logger: logger})
	case BackendMemory:
		return NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
