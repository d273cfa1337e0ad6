package cluster

import "context"

// Substrate is the consensus layer every coordination primitive goes through.
// Apply is the only way to mutate cluster state; FSM exposes the local replica
// for reads.
type Substrate interface {
	// LocalID is this node's member id.
	LocalID() string
	// Apply replicates cmd and returns its result once this node's replica has applied it.
	Apply(ctx context.Context, cmd Command) (Result, error)
	// FSM is the local replica.
	FSM() *FSM
	// Ready fails with ErrClusteringUnavailable when the substrate cannot serve requests.
	Ready() error
	// IsCoordinator reports whether this node runs cluster housekeeping (member expiry).
	IsCoordinator() bool
	// Voters lists the voting configuration.
	Voters(ctx context.Context) ([]Voter, error)
	// Evict removes a failed member from the voting configuration.
	Evict(ctx context.Context, id string) error
	// Role reports the local node's substrate role.
	Role() Role
	Close() error
}

// ApplyCommand builds and applies a command in one step.
func ApplyCommand(ctx context.Context, sub Substrate, t CommandType, payload any) (Result, error) {
	cmd, err := NewCommand(t, payload)
	if err != nil {
		return Result{}, err
	}
	return sub.Apply(ctx, cmd)
}
