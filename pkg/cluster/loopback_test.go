package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowmesh/storage"
)

func newLoopback(t *testing.T) *Loopback {
	t.Helper()
	st := storage.NewMemoryKV()
	t.Cleanup(func() { _ = st.Close() })
	return NewLoopback(st, FSMOptions{})
}

func TestLoopbackSharedReplica(t *testing.T) {
	lb := newLoopback(t)
	ctx := context.Background()
	n1, n2 := lb.Node("n1"), lb.Node("n2")
	assert.Same(t, n1, lb.Node("n1"))

	res, err := ApplyCommand(ctx, n1, CmdCounterAdd, CounterPayload{Name: "c", Delta: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Value)
	assert.Equal(t, uint64(1), res.Index)

	v, err := n2.FSM().Counter(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestLoopbackCounterAtomicity(t *testing.T) {
	lb := newLoopback(t)
	ctx := context.Background()
	nodes := []*LoopbackNode{lb.Node("n1"), lb.Node("n2"), lb.Node("n3")}

	const perNode = 40
	var wg sync.WaitGroup
	for _, n := range nodes {
		n := n
		for i := 0; i < perNode; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := ApplyCommand(ctx, n, CmdCounterAdd, CounterPayload{Name: "c", Delta: 1})
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	v, err := nodes[0].FSM().Counter(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(len(nodes)*perNode), v)
}

func TestLoopbackDisconnect(t *testing.T) {
	lb := newLoopback(t)
	ctx := context.Background()
	n1, n2 := lb.Node("n1"), lb.Node("n2")

	assert.True(t, n1.IsCoordinator())
	assert.False(t, n2.IsCoordinator())
	assert.Equal(t, RoleLeader, n1.Role())
	assert.Equal(t, RoleFollower, n2.Role())

	n1.Disconnect()
	_, err := ApplyCommand(ctx, n1, CmdBarrier, nil)
	assert.True(t, IsUnavailable(err))
	assert.True(t, IsUnavailable(n1.Ready()))
	_, err = n1.Voters(ctx)
	assert.True(t, IsUnavailable(err))
	assert.True(t, n2.IsCoordinator(), "coordinator moves to the next connected node")

	n1.Reconnect()
	require.NoError(t, n1.Ready())
	assert.True(t, n1.IsCoordinator())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = ApplyCommand(cancelled, n1, CmdBarrier, nil)
	assert.True(t, IsUnavailable(err))
}

func TestLoopbackVotersAndEvict(t *testing.T) {
	lb := newLoopback(t)
	ctx := context.Background()
	n1 := lb.Node("n1")
	lb.Node("n2")
	lb.Node("n3")

	voters, err := n1.Voters(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Voter{
		{ID: "n1", Address: LoopbackAddress("n1")},
		{ID: "n2", Address: LoopbackAddress("n2")},
		{ID: "n3", Address: LoopbackAddress("n3")},
	}, voters)

	require.NoError(t, n1.Evict(ctx, "n2"))
	voters, err = n1.Voters(ctx)
	require.NoError(t, err)
	assert.Len(t, voters, 2)
}

func TestMembershipLifecycle(t *testing.T) {
	lb := newLoopback(t)
	ctx := context.Background()
	cfg := func(id string) MembershipConfig {
		return MembershipConfig{Local: Member{ID: id, Address: LoopbackAddress(id)}, HeartbeatInterval: time.Second, TTL: 5 * time.Second}
	}
	m1 := NewMembership(lb.Node("n1"), cfg("n1"))
	m2 := NewMembership(lb.Node("n2"), cfg("n2"))

	_, err := m1.LocalMember(ctx)
	assert.True(t, IsUnavailable(err), "not joined yet")

	require.NoError(t, m1.Join(ctx))
	require.NoError(t, m2.Join(ctx))

	size, err := m1.ClusterSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	local, err := m2.LocalMember(ctx)
	require.NoError(t, err)
	assert.Equal(t, "n2", local.ID)
	assert.Equal(t, MemberAlive, local.Status)

	oldest, err := m1.IsOldestMember(ctx)
	require.NoError(t, err)
	assert.True(t, oldest)
	oldest, err = m2.IsOldestMember(ctx)
	require.NoError(t, err)
	assert.False(t, oldest)

	state, err := m1.ClusterState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateStable, state)

	require.NoError(t, m2.Leave(ctx))
	state, err = m1.ClusterState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateReconciling, state, "voter n2 has no member record")
}

func TestMembershipSuspectAndExpiry(t *testing.T) {
	lb := newLoopback(t)
	ctx := context.Background()
	m1 := NewMembership(lb.Node("n1"), MembershipConfig{Local: Member{ID: "n1"}, TTL: time.Second})
	m2 := NewMembership(lb.Node("n2"), MembershipConfig{Local: Member{ID: "n2"}, TTL: time.Second})
	require.NoError(t, m1.Join(ctx))
	require.NoError(t, m2.Join(ctx))

	m1.now = func() time.Time { return time.Now().Add(3 * time.Second) }
	members, err := m1.Members(ctx)
	require.NoError(t, err)
	for _, m := range members {
		assert.Equal(t, MemberSuspect, m.Status, m.ID)
	}
	state, err := m1.ClusterState(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateReconciling, state)

	// n2 goes silent; the coordinator expires it once it is older than 2x TTL.
	time.Sleep(2100 * time.Millisecond)
	require.NoError(t, m1.Tick(ctx))

	m1.now = time.Now
	members, err = m1.Members(ctx)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "n1", members[0].ID)

	voters, err := lb.Node("n1").Voters(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Voter{{ID: "n1", Address: LoopbackAddress("n1")}}, voters)

	// A heartbeat from the expired member re-registers it.
	require.NoError(t, m2.Tick(ctx))
	size, err := m1.ClusterSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestMembershipUnavailable(t *testing.T) {
	lb := newLoopback(t)
	n := lb.Node("n1")
	m := NewMembership(n, MembershipConfig{})
	n.Disconnect()
	_, err := m.Members(context.Background())
	assert.True(t, IsUnavailable(err))
	assert.True(t, IsUnavailable(m.Join(context.Background())))
}
