package counter

import (
	"context"
	"fmt"

	"flowmesh/pkg/cluster"
)

// Registry provides named cluster-wide int64 counters. Every operation goes
// through the replicated log, so reads are linearizable.
type Registry struct {
	sub cluster.Substrate
}

// New returns a counter registry over sub.
func New(sub cluster.Substrate) *Registry {
	return &Registry{sub: sub}
}

// Get returns the current value of name. Unknown counters read as zero.
func (r *Registry) Get(ctx context.Context, name string) (int64, error) {
	return r.Add(ctx, name, 0)
}

// Increment adds one to name and returns the new value.
func (r *Registry) Increment(ctx context.Context, name string) (int64, error) {
	return r.Add(ctx, name, 1)
}

// Add atomically adds delta to name and returns the new value.
func (r *Registry) Add(ctx context.Context, name string, delta int64) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("counter name required")
	}
	res, err := cluster.ApplyCommand(ctx, r.sub, cluster.CmdCounterAdd, cluster.CounterPayload{Name: name, Delta: delta})
	if err != nil {
		return 0, err
	}
	return res.Value, nil
}

// Peek reads name from the local replica without a round trip.
func (r *Registry) Peek(ctx context.Context, name string) (int64, error) {
	return r.sub.FSM().Counter(ctx, name)
}
