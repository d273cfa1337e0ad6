package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowmesh/pkg/cluster"
	"flowmesh/storage"
)

func newStores(t *testing.T) (*Store, *Store, *cluster.Loopback) {
	t.Helper()
	st := storage.NewMemoryKV()
	t.Cleanup(func() { _ = st.Close() })
	lb := cluster.NewLoopback(st, cluster.FSMOptions{})
	return New(lb.Node("n1")), New(lb.Node("n2")), lb
}

func TestSetGetDel(t *testing.T) {
	s1, s2, _ := newStores(t)
	ctx := context.Background()

	require.NoError(t, s1.Set(ctx, "a", []byte("1")))
	v, ok, err := s2.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	ok, err = s2.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s2.Del(ctx, "a"))
	ok, err = s1.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s1.Ping(ctx))
}

func TestJSONValues(t *testing.T) {
	s1, _, _ := newStores(t)
	ctx := context.Background()
	type rec struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}

	ok, err := s1.NewBatch().PutJSON("r", rec{Name: "x", N: 3}).Commit(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	var got rec
	found, err := s1.GetJSON(ctx, "r", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec{Name: "x", N: 3}, got)

	found, err = s1.GetJSON(ctx, "nope", &got)
	require.NoError(t, err)
	assert.False(t, found)

	_, err = s1.NewBatch().PutJSON("bad", make(chan int)).Commit(ctx)
	assert.Error(t, err)
}

func TestKeysScanDelPrefix(t *testing.T) {
	s1, s2, _ := newStores(t)
	ctx := context.Background()

	b := s1.NewBatch()
	for _, k := range []string{"inst/2", "inst/1", "task/1", "inst/3"} {
		b.Put(k, []byte(k))
	}
	ok, err := b.Commit(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	keys, err := s2.Keys(ctx, "inst/")
	require.NoError(t, err)
	assert.Equal(t, []string{"inst/1", "inst/2", "inst/3"}, keys)

	var seen []string
	require.NoError(t, s2.Scan(ctx, "inst/", func(k string, v []byte) error {
		assert.Equal(t, k, string(v))
		seen = append(seen, k)
		return nil
	}))
	assert.Len(t, seen, 3)

	stop := errors.New("stop")
	err = s2.Scan(ctx, "inst/", func(string, []byte) error { return stop })
	assert.ErrorIs(t, err, stop)

	n, err := s1.DelPrefix(ctx, "inst/")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	keys, err = s1.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"task/1"}, keys)

	n, err = s1.DelPrefix(ctx, "inst/")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBatchIsAtomic(t *testing.T) {
	s1, _, _ := newStores(t)
	ctx := context.Background()
	require.NoError(t, s1.Set(ctx, "old", []byte("x")))

	ok, err := s1.NewBatch().Put("new", []byte("y")).Delete("old").Commit(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err := s1.Get(ctx, "old")
	require.NoError(t, err)
	assert.False(t, found)
	v, found, err := s1.Get(ctx, "new")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("y"), v)

	ok, err = s1.NewBatch().Commit(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "empty batch is a no-op")
}

func TestFencedBatch(t *testing.T) {
	s1, s2, lb := newStores(t)
	ctx := context.Background()

	res, err := cluster.ApplyCommand(ctx, lb.Node("n1"), cluster.CmdLockAcquire,
		cluster.LockPayload{Name: "inst-1", Lease: time.Minute})
	require.NoError(t, err)
	require.True(t, res.OK)

	ok, err := s1.NewBatch().Put("k", []byte("holder")).Fence("inst-1", res.Token).Commit(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s2.NewBatch().Put("k", []byte("intruder")).Fence("inst-1", res.Token).Commit(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "fence rejects a non-holder")

	ok, err = s1.NewBatch().Put("k", []byte("stale")).Fence("inst-1", res.Token+1).Commit(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "fence rejects a wrong token")

	v, _, err := s2.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("holder"), v)
}

func TestUnavailableReads(t *testing.T) {
	st := storage.NewMemoryKV()
	defer st.Close()
	lb := cluster.NewLoopback(st, cluster.FSMOptions{})
	n := lb.Node("n1")
	s := New(n)
	n.Disconnect()

	_, _, err := s.Get(context.Background(), "a")
	assert.True(t, cluster.IsUnavailable(err))
	_, err = s.Keys(context.Background(), "")
	assert.True(t, cluster.IsUnavailable(err))
	assert.Error(t, s.Set(context.Background(), "a", nil))
}
