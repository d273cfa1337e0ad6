package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowmesh/pkg/cluster"
	"flowmesh/storage"
)

func newLoopback(t *testing.T) *cluster.Loopback {
	t.Helper()
	st := storage.NewMemoryKV()
	t.Cleanup(func() { _ = st.Close() })
	return cluster.NewLoopback(st, cluster.FSMOptions{})
}

func TestTryLockExcludesOtherNodes(t *testing.T) {
	lb := newLoopback(t)
	ctx := context.Background()
	m1 := NewManager(lb.Node("n1"), Config{})
	m2 := NewManager(lb.Node("n2"), Config{RetryInterval: 10 * time.Millisecond})

	ok, err := m1.TryLock(ctx, "orders", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	tok, held := m1.Token("orders")
	assert.True(t, held)
	assert.NotZero(t, tok)
	assert.Equal(t, []string{"orders"}, m1.Held())

	rec, found, err := m2.Holder(ctx, "orders")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "n1", rec.Holder)

	ok, err = m2.TryLock(ctx, "orders", 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "contended lock times out")

	require.NoError(t, m1.Unlock(ctx, "orders"))
	assert.Empty(t, m1.Held())

	ok, err = m2.TryLock(ctx, "orders", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	tok2, _ := m2.Token("orders")
	assert.Greater(t, tok2, tok, "fencing tokens increase")
	require.NoError(t, m2.Unlock(ctx, "orders"))
}

func TestTryLockLocalMutualExclusion(t *testing.T) {
	lb := newLoopback(t)
	ctx := context.Background()
	m := NewManager(lb.Node("n1"), Config{})

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.TryLock(ctx, "shared", 5*time.Second)
			if !assert.NoError(t, err) || !assert.True(t, ok) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			assert.NoError(t, m.Unlock(ctx, "shared"))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestUnlockNotHeld(t *testing.T) {
	lb := newLoopback(t)
	ctx := context.Background()
	m1 := NewManager(lb.Node("n1"), Config{})
	m2 := NewManager(lb.Node("n2"), Config{})

	ok, err := m1.TryLock(ctx, "a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	assert.NoError(t, m2.Unlock(ctx, "a"))
	rec, found, err := m1.Holder(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "n1", rec.Holder, "non-holder unlock leaves the lease alone")
}

func TestTryLockValidation(t *testing.T) {
	lb := newLoopback(t)
	n1 := lb.Node("n1")
	m := NewManager(n1, Config{})

	_, err := m.TryLock(context.Background(), "", time.Second)
	assert.Error(t, err)

	n1.Disconnect()
	ok, err := m.TryLock(context.Background(), "a", time.Second)
	assert.False(t, ok)
	assert.True(t, cluster.IsUnavailable(err))
}

func TestLeaseExpiryAllowsTakeover(t *testing.T) {
	lb := newLoopback(t)
	ctx := context.Background()
	cfg := Config{Lease: 150 * time.Millisecond, Refresh: 50 * time.Millisecond, RetryInterval: 10 * time.Millisecond}
	m1 := NewManager(lb.Node("n1"), cfg)
	m2 := NewManager(lb.Node("n2"), cfg)

	ok, err := m1.TryLock(ctx, "job", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m2.TryLock(ctx, "job", time.Second)
	require.NoError(t, err)
	require.True(t, ok, "lease lapses without refresh")

	m1.RefreshAll(ctx)
	_, stillHeld := m1.Token("job")
	assert.False(t, stillHeld, "refresh notices the lost lease")
	assert.Empty(t, m1.Held())

	rec, found, err := m2.Holder(ctx, "job")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "n2", rec.Holder)
}

func TestRefreshKeepsLeaseAlive(t *testing.T) {
	lb := newLoopback(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := Config{Lease: 200 * time.Millisecond, Refresh: 40 * time.Millisecond, RetryInterval: 10 * time.Millisecond}
	m1 := NewManager(lb.Node("n1"), cfg)
	m2 := NewManager(lb.Node("n2"), cfg)

	ok, err := m1.TryLock(ctx, "job", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	go m1.Run(ctx)

	time.Sleep(400 * time.Millisecond)
	ok, err = m2.TryLock(ctx, "job", 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	_, held := m1.Token("job")
	assert.True(t, held)
}

func TestIdleLockNamesAreForgotten(t *testing.T) {
	lb := newLoopback(t)
	ctx := context.Background()
	m := NewManager(lb.Node("n1"), Config{RetryInterval: 5 * time.Millisecond})
	slots := func() int {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.local)
	}

	for i := 0; i < 20; i++ {
		name := "process-instance/" + string(rune('a'+i))
		ok, err := m.TryLock(ctx, name, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, m.Unlock(ctx, name))
	}
	assert.Equal(t, 0, slots())

	ok, err := m.TryLock(ctx, "busy", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.TryLock(ctx, "busy", 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, slots(), "the holder keeps its slot")

	require.NoError(t, m.Unlock(ctx, "busy"))
	assert.Equal(t, 0, slots())

	ok, err = m.TryLock(ctx, "busy", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "a forgotten name can be locked again")
}

func TestDroppedLeaseReleasesSlot(t *testing.T) {
	lb := newLoopback(t)
	ctx := context.Background()
	m1 := NewManager(lb.Node("n1"), Config{Lease: 100 * time.Millisecond, Refresh: 50 * time.Millisecond})
	m2 := NewManager(lb.Node("n2"), Config{Lease: time.Second, RetryInterval: 10 * time.Millisecond})

	ok, err := m1.TryLock(ctx, "jobs", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(150 * time.Millisecond)
	ok, err = m2.TryLock(ctx, "jobs", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	m1.RefreshAll(ctx)
	m1.mu.Lock()
	n := len(m1.local)
	m1.mu.Unlock()
	assert.Equal(t, 0, n)
}
