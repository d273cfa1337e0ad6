package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"flowmesh/storage"
)

// Loopback is an in-process substrate: several named node views share one state
// machine and every Apply is serialized. It backs single-node deployments with
// clustering disabled and multi-node simulations in tests.
type Loopback struct {
	mu    sync.Mutex
	fsm   *FSM
	index uint64
	nodes map[string]*LoopbackNode
}

// NewLoopback creates a loopback substrate over st.
func NewLoopback(st storage.Storage, opts FSMOptions) *Loopback {
	return &Loopback{fsm: NewFSM(st, opts), nodes: make(map[string]*LoopbackNode)}
}

// Node returns the view for id, creating it on first use.
func (l *Loopback) Node(id string) *LoopbackNode {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n, ok := l.nodes[id]; ok {
		return n
	}
	n := &LoopbackNode{lb: l, id: id}
	l.nodes[id] = n
	return n
}

func (l *Loopback) apply(cmd Command) (Result, error) {
	data, err := cmd.Marshal()
	if err != nil {
		return Result{}, err
	}
	l.mu.Lock()
	l.index++
	out := l.fsm.apply(l.index, data)
	l.mu.Unlock()
	switch r := out.(type) {
	case Result:
		return r, nil
	case error:
		return Result{}, r
	default:
		return Result{}, fmt.Errorf("unexpected apply response %T", out)
	}
}

// LoopbackNode is one member's view of a Loopback substrate.
type LoopbackNode struct {
	lb      *Loopback
	id      string
	down    atomic.Bool
	evicted atomic.Bool
}

var _ Substrate = (*LoopbackNode)(nil)

func (n *LoopbackNode) LocalID() string { return n.id }

func (n *LoopbackNode) FSM() *FSM { return n.lb.fsm }

func (n *LoopbackNode) Apply(ctx context.Context, cmd Command) (Result, error) {
	if err := n.Ready(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, Unavailable("apply canceled", err)
	}
	return n.lb.apply(cmd.stamp(n.id))
}

func (n *LoopbackNode) Ready() error {
	if n.down.Load() {
		return Unavailable(fmt.Sprintf("node %s is disconnected", n.id), nil)
	}
	return nil
}

// IsCoordinator is true for the connected node with the lowest id.
func (n *LoopbackNode) IsCoordinator() bool {
	if n.down.Load() {
		return false
	}
	n.lb.mu.Lock()
	defer n.lb.mu.Unlock()
	for id, other := range n.lb.nodes {
		if id < n.id && !other.down.Load() && !other.evicted.Load() {
			return false
		}
	}
	return true
}

func (n *LoopbackNode) Role() Role {
	if n.IsCoordinator() {
		return RoleLeader
	}
	return RoleFollower
}

func (n *LoopbackNode) Voters(ctx context.Context) ([]Voter, error) {
	if err := n.Ready(); err != nil {
		return nil, err
	}
	n.lb.mu.Lock()
	defer n.lb.mu.Unlock()
	out := make([]Voter, 0, len(n.lb.nodes))
	for id, other := range n.lb.nodes {
		if other.evicted.Load() {
			continue
		}
		out = append(out, Voter{ID: id, Address: LoopbackAddress(id)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (n *LoopbackNode) Evict(ctx context.Context, id string) error {
	n.lb.mu.Lock()
	other, ok := n.lb.nodes[id]
	n.lb.mu.Unlock()
	if ok {
		other.evicted.Store(true)
	}
	return nil
}

// Disconnect makes every call on this view fail as if the substrate were unreachable.
func (n *LoopbackNode) Disconnect() { n.down.Store(true) }

// Reconnect undoes Disconnect.
func (n *LoopbackNode) Reconnect() {
	n.down.Store(false)
	n.evicted.Store(false)
}

func (n *LoopbackNode) Close() error {
	n.down.Store(true)
	return nil
}

// LoopbackAddress is the member address used by loopback node views.
func LoopbackAddress(id string) string { return "loopback://" + id }
