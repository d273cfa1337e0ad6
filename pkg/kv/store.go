package kv

import (
	"context"

	"flowmesh/pkg/cluster"
)

// Store provides a replicated KV API on top of the coordination substrate.
// Writes go through the replicated log; reads come from the local replica.
// Keys are relative; the store scopes them under cluster.DataPrefix.
type Store struct {
	sub cluster.Substrate
}

// New returns a replicated KV store over sub.
func New(sub cluster.Substrate) *Store {
	return &Store{sub: sub}
}

// Substrate exposes the underlying substrate.
func (st *Store) Substrate() cluster.Substrate { return st.sub }

// Ping provides a cheap health check path.
func (st *Store) Ping(ctx context.Context) error {
	if err := st.sub.Ready(); err != nil {
		return err
	}
	_, _, err := st.sub.FSM().Get(ctx, cluster.DataPrefix+"__ping__")
	return err
}

func scoped(key string) string { return cluster.DataPrefix + key }
