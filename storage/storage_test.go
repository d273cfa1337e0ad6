package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Storage {
	t.Helper()
	bs, err := NewBadgerStorage("", BadgerOptions{InMemory: true})
	require.NoError(t, err)
	disk, err := NewBadgerStorage(t.TempDir(), BadgerOptions{GCInterval: time.Hour})
	require.NoError(t, err)
	out := map[string]Storage{
		"memory":          NewMemoryKV(),
		"badger-inmemory": bs,
		"badger-disk":     disk,
	}
	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func TestStorageBasics(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			_, ok, err := st.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, st.Put(ctx, "a/1", []byte("one")))
			require.NoError(t, st.Put(ctx, "a/2", []byte("two")))
			require.NoError(t, st.Put(ctx, "b/1", []byte("three")))

			v, ok, err := st.Get(ctx, "a/1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "one", string(v))

			keys, err := st.Keys(ctx, "a/", 0)
			require.NoError(t, err)
			assert.Equal(t, []string{"a/1", "a/2"}, keys)

			keys, err = st.Keys(ctx, "a/", 1)
			require.NoError(t, err)
			assert.Len(t, keys, 1)

			n, err := st.Delete(ctx, "a/1", "nope")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			_, ok, _ = st.Get(ctx, "a/1")
			assert.False(t, ok)
		})
	}
}

func TestStorageWriteIsAtomicBatch(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Put(ctx, "old", []byte("x")))
			require.NoError(t, st.Write(ctx, map[string][]byte{"k1": []byte("v1"), "k2": []byte("v2")}, []string{"old", "never"}))

			_, ok, _ := st.Get(ctx, "old")
			assert.False(t, ok)
			v, ok, _ := st.Get(ctx, "k2")
			assert.True(t, ok)
			assert.Equal(t, "v2", string(v))
		})
	}
}

func TestStorageIncrementConcurrent(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			const n = 50
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := st.Increment(ctx, "ctr", 1)
					assert.NoError(t, err)
				}()
			}
			wg.Wait()
			v, err := st.Increment(ctx, "ctr", 0)
			require.NoError(t, err)
			assert.Equal(t, int64(n), v)
		})
	}
}

func TestStorageExportReplace(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Put(ctx, "coord/x", []byte("1")))
			require.NoError(t, st.Put(ctx, "data/y", []byte("2")))

			all, err := st.Export(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 2)

			coord, err := st.Export(ctx, "coord/")
			require.NoError(t, err)
			assert.Equal(t, map[string][]byte{"coord/x": []byte("1")}, coord)

			require.NoError(t, st.Replace(ctx, map[string][]byte{"data/z": []byte("3")}))
			_, ok, _ := st.Get(ctx, "coord/x")
			assert.False(t, ok)
			v, ok, _ := st.Get(ctx, "data/z")
			assert.True(t, ok)
			assert.Equal(t, "3", string(v))
		})
	}
}

func TestMemoryKVReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryKV()
	buf := []byte("v")
	require.NoError(t, m.Put(ctx, "k", buf))
	buf[0] = 'x'
	v, _, _ := m.Get(ctx, "k")
	assert.Equal(t, "v", string(v))
	v[0] = 'y'
	again, _, _ := m.Get(ctx, "k")
	assert.Equal(t, "v", string(again))
}

func TestCounterEncoding(t *testing.T) {
	assert.Equal(t, int64(-7), DecodeCounter(EncodeCounter(-7)))
	assert.Equal(t, int64(42), DecodeCounter([]byte("42")))
	assert.Equal(t, int64(0), DecodeCounter(nil))
}

func TestOpen(t *testing.T) {
	st, err := Open(BackendMemory, "", 0, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryKV{}, st)
	require.NoError(t, st.Close())

	_, err = Open("etcd", "", 0, nil)
	assert.Error(t, err)
}
