package kv

import (
	"context"
	"strings"
)

// Keys returns the relative keys under prefix, in lexical order.
func (st *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := st.sub.Ready(); err != nil {
		return nil, err
	}
	keys, err := st.sub.FSM().Keys(ctx, scoped(prefix))
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, scoped(""))
	}
	return keys, nil
}

// Scan calls fn with every value under prefix.
func (st *Store) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	keys, err := st.Keys(ctx, prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		v, ok, err := st.Get(ctx, k)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// DelPrefix deletes every key under prefix and returns the deleted count.
func (st *Store) DelPrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := st.Keys(ctx, prefix)
	if err != nil || len(keys) == 0 {
		return 0, err
	}
	return len(keys), st.Del(ctx, keys...)
}
