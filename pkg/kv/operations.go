package kv

import (
	"context"
	"encoding/json"
)

// Set replicates a single key.
func (st *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := st.NewBatch().Put(key, value).Commit(ctx)
	return err
}

// Get reads a key from the local replica.
func (st *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := st.sub.Ready(); err != nil {
		return nil, false, err
	}
	return st.sub.FSM().Get(ctx, scoped(key))
}

// Del replicates the deletion of keys.
func (st *Store) Del(ctx context.Context, keys ...string) error {
	b := st.NewBatch()
	for _, k := range keys {
		b.Delete(k)
	}
	_, err := b.Commit(ctx)
	return err
}

// Exists checks whether the key exists on the local replica.
func (st *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := st.Get(ctx, key)
	return ok, err
}

// GetJSON decodes a JSON value. It reports false when the key is absent.
func (st *Store) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, ok, err := st.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return true, json.Unmarshal(raw, v)
}
