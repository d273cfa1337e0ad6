package kv

import (
	"context"
	"encoding/json"
	"fmt"

	"flowmesh/pkg/cluster"
)

// Batch collects puts and deletes replicated as one atomic write.
type Batch struct {
	st      *Store
	puts    map[string][]byte
	deletes []string
	lock    string
	token   uint64
	err     error
}

// NewBatch starts an empty batch.
func (st *Store) NewBatch() *Batch {
	return &Batch{st: st, puts: make(map[string][]byte)}
}

// Put adds a raw value.
func (b *Batch) Put(key string, value []byte) *Batch {
	b.puts[scoped(key)] = value
	return b
}

// PutJSON adds a JSON-encoded value.
func (b *Batch) PutJSON(key string, v any) *Batch {
	raw, err := json.Marshal(v)
	if err != nil {
		if b.err == nil {
			b.err = fmt.Errorf("encode %s: %w", key, err)
		}
		return b
	}
	return b.Put(key, raw)
}

// Delete adds a deletion.
func (b *Batch) Delete(key string) *Batch {
	b.deletes = append(b.deletes, scoped(key))
	return b
}

// Fence makes the write conditional on the issuer still holding lock with token.
func (b *Batch) Fence(lock string, token uint64) *Batch {
	b.lock, b.token = lock, token
	return b
}

// Commit replicates the batch. It reports false when the fence rejected it.
func (b *Batch) Commit(ctx context.Context) (bool, error) {
	if b.err != nil {
		return false, b.err
	}
	if len(b.puts) == 0 && len(b.deletes) == 0 {
		return true, nil
	}
	res, err := cluster.ApplyCommand(ctx, b.st.sub, cluster.CmdKVWrite, cluster.KVWritePayload{
		Puts:       b.puts,
		Deletes:    b.deletes,
		FenceLock:  b.lock,
		FenceToken: b.token,
	})
	if err != nil {
		return false, err
	}
	return res.OK, nil
}
