package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"flowmesh/storage"
)

// RaftConfig defines how to start the local raft node.
type RaftConfig struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool
	// ApplyTimeout bounds a single replicated write when the caller's context has no deadline.
	ApplyTimeout time.Duration
	EventTTL     time.Duration
	Logger       hclog.Logger
}

// RaftSubstrate owns the local raft node. Writes are applied on the raft leader;
// followers forward them to the leader's coordinator RPC address.
type RaftSubstrate struct {
	cfg       RaftConfig
	raft      *hraft.Raft
	fsm       *FSM
	trans     hraft.Transport
	closers   []func() error
	forwarder Forwarder
	logger    hclog.Logger
}

var _ Substrate = (*RaftSubstrate)(nil)

// StartRaft starts a raft node with bolt log/stable stores, file snapshots and a TCP transport.
func StartRaft(st storage.Storage, cfg RaftConfig, fwd Forwarder) (*RaftSubstrate, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("raft data dir: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	store, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.bolt"))
	if err != nil {
		return nil, fmt.Errorf("bolt log store: %w", err)
	}
	stable, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.bolt"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("bolt stable store: %w", err)
	}
	snap, err := hraft.NewFileSnapshotStoreWithLogger(filepath.Join(cfg.DataDir, "raft-snapshots"), 2, logger.Named("snapshot"))
	if err != nil {
		_ = store.Close()
		_ = stable.Close()
		return nil, fmt.Errorf("snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		_ = store.Close()
		_ = stable.Close()
		return nil, err
	}
	trans, err := hraft.NewTCPTransportWithLogger(cfg.BindAddr, addr, 3, 10*time.Second, logger.Named("transport"))
	if err != nil {
		_ = store.Close()
		_ = stable.Close()
		return nil, err
	}

	s, err := NewRaftSubstrate(st, cfg, store, stable, snap, trans, fwd)
	if err != nil {
		_ = trans.Close()
		_ = store.Close()
		_ = stable.Close()
		return nil, err
	}
	s.closers = append(s.closers, trans.Close, store.Close, stable.Close)
	return s, nil
}

// NewRaftSubstrate wires raft over caller-supplied stores and transport.
func NewRaftSubstrate(st storage.Storage, cfg RaftConfig, logs hraft.LogStore, stable hraft.StableStore,
	snaps hraft.SnapshotStore, trans hraft.Transport, fwd Forwarder) (*RaftSubstrate, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}

	rcfg := hraft.DefaultConfig()
	rcfg.LocalID = hraft.ServerID(cfg.NodeID)
	rcfg.HeartbeatTimeout = 200 * time.Millisecond
	rcfg.ElectionTimeout = 200 * time.Millisecond
	rcfg.LeaderLeaseTimeout = 200 * time.Millisecond
	rcfg.CommitTimeout = 50 * time.Millisecond
	rcfg.Logger = logger.Named("raft")

	fsm := NewFSM(st, FSMOptions{EventTTL: cfg.EventTTL, Logger: logger})
	ra, err := hraft.NewRaft(rcfg, fsm, logs, stable, snaps, trans)
	if err != nil {
		return nil, fmt.Errorf("raft: %w", err)
	}

	s := &RaftSubstrate{cfg: cfg, raft: ra, fsm: fsm, trans: trans, forwarder: fwd, logger: logger.Named("substrate")}

	if cfg.Bootstrap {
		existing, err := hraft.HasExistingState(logs, stable, snaps)
		if err != nil {
			return nil, fmt.Errorf("raft state: %w", err)
		}
		if !existing {
			conf := hraft.Configuration{Servers: []hraft.Server{{
				ID:      rcfg.LocalID,
				Address: trans.LocalAddr(),
			}}}
			if err := ra.BootstrapCluster(conf).Error(); err != nil {
				return nil, fmt.Errorf("bootstrap: %w", err)
			}
		}
	}
	return s, nil
}

func (s *RaftSubstrate) LocalID() string { return s.cfg.NodeID }

func (s *RaftSubstrate) FSM() *FSM { return s.fsm }

// Address is the raft transport address of this node.
func (s *RaftSubstrate) Address() string { return string(s.trans.LocalAddr()) }

// Raft returns the underlying raft instance
func (s *RaftSubstrate) Raft() *hraft.Raft { return s.raft }

func (s *RaftSubstrate) Role() Role {
	if s.raft.State() == hraft.Leader {
		return RoleLeader
	}
	return RoleFollower
}

// RaftState is the raw raft state name, for diagnostics.
func (s *RaftSubstrate) RaftState() string { return s.raft.State().String() }

func (s *RaftSubstrate) IsCoordinator() bool { return s.raft.State() == hraft.Leader }

func (s *RaftSubstrate) Ready() error {
	switch s.raft.State() {
	case hraft.Shutdown:
		return Unavailable("raft is shut down", nil)
	case hraft.Leader:
		return nil
	}
	if _, id := s.raft.LeaderWithID(); id == "" {
		return Unavailable("no raft leader", nil)
	}
	return nil
}

// Apply applies locally on the leader, otherwise forwards to the leader and then
// waits for the local replica to catch up to the returned index.
func (s *RaftSubstrate) Apply(ctx context.Context, cmd Command) (Result, error) {
	cmd = cmd.stamp(s.cfg.NodeID)
	if s.raft.State() == hraft.Leader {
		return s.ApplyLocal(ctx, cmd)
	}
	if err := s.Ready(); err != nil {
		return Result{}, err
	}
	target, err := s.leaderRPC(ctx)
	if err != nil {
		return Result{}, err
	}
	if s.forwarder == nil {
		return Result{}, Unavailable("not leader and no forwarder configured", nil)
	}
	res, err := s.forwarder.Forward(ctx, target, cmd)
	if err != nil {
		return Result{}, err
	}
	wctx, cancel := s.bounded(ctx)
	defer cancel()
	if err := s.fsm.WaitApplied(wctx, res.Index); err != nil {
		return Result{}, err
	}
	return res, nil
}

// ApplyLocal applies cmd through the local raft node, which must be the leader.
func (s *RaftSubstrate) ApplyLocal(ctx context.Context, cmd Command) (Result, error) {
	data, err := cmd.Marshal()
	if err != nil {
		return Result{}, err
	}
	timeout := s.cfg.ApplyTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
		if timeout <= 0 {
			return Result{}, Unavailable("apply deadline exceeded", ctx.Err())
		}
	}
	f := s.raft.Apply(data, timeout)
	if err := f.Error(); err != nil {
		if errors.Is(err, hraft.ErrNotLeader) || errors.Is(err, hraft.ErrLeadershipLost) ||
			errors.Is(err, hraft.ErrRaftShutdown) || errors.Is(err, hraft.ErrEnqueueTimeout) {
			return Result{}, Unavailable("raft apply failed", err)
		}
		return Result{}, fmt.Errorf("raft apply: %w", err)
	}
	switch r := f.Response().(type) {
	case Result:
		return r, nil
	case error:
		return Result{}, r
	default:
		return Result{}, fmt.Errorf("unexpected apply response %T", r)
	}
}

func (s *RaftSubstrate) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.ApplyTimeout)
}

// leaderRPC resolves the leader's coordinator RPC address from its member record.
func (s *RaftSubstrate) leaderRPC(ctx context.Context) (string, error) {
	_, id := s.raft.LeaderWithID()
	if id == "" {
		return "", Unavailable("no raft leader", nil)
	}
	m, ok, err := s.fsm.Member(ctx, string(id))
	if err != nil {
		return "", err
	}
	if !ok || m.RPCAddress == "" {
		return "", Unavailable(fmt.Sprintf("leader %s has not registered an rpc address", id), nil)
	}
	return m.RPCAddress, nil
}

// AddVoter adds a server to the raft configuration. Non-leaders forward the request.
func (s *RaftSubstrate) AddVoter(ctx context.Context, id, address string) error {
	if s.raft.State() != hraft.Leader {
		target, err := s.leaderRPC(ctx)
		if err != nil {
			return err
		}
		if s.forwarder == nil {
			return Unavailable("not leader and no forwarder configured", nil)
		}
		return s.forwarder.Join(ctx, target, id, address)
	}
	cfgFuture := s.raft.GetConfiguration()
	if err := cfgFuture.Error(); err != nil {
		return err
	}
	for _, srv := range cfgFuture.Configuration().Servers {
		if srv.ID == hraft.ServerID(id) && srv.Address == hraft.ServerAddress(address) {
			// already a member; treat as success
			return nil
		}
	}
	return s.raft.AddVoter(hraft.ServerID(id), hraft.ServerAddress(address), 0, 0).Error()
}

// Join asks the nodes at rpcAddrs to add this node as a voter, returning on the first success.
func (s *RaftSubstrate) Join(ctx context.Context, rpcAddrs []string) error {
	if s.forwarder == nil {
		return fmt.Errorf("join requires a forwarder")
	}
	var lastErr error
	for _, addr := range rpcAddrs {
		if err := s.forwarder.Join(ctx, addr, s.cfg.NodeID, s.Address()); err != nil {
			lastErr = err
			s.logger.Warn("join attempt failed", "target", addr, "error", err)
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no join addresses")
	}
	return lastErr
}

func (s *RaftSubstrate) Voters(ctx context.Context) ([]Voter, error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	future := s.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, Unavailable("raft configuration", err)
	}
	servers := future.Configuration().Servers
	out := make([]Voter, 0, len(servers))
	for _, srv := range servers {
		if srv.Suffrage != hraft.Voter {
			continue
		}
		out = append(out, Voter{ID: string(srv.ID), Address: string(srv.Address)})
	}
	return out, nil
}

// Evict removes a server from the raft configuration. Only the leader can do this.
func (s *RaftSubstrate) Evict(ctx context.Context, id string) error {
	if s.raft.State() != hraft.Leader {
		return nil
	}
	return s.raft.RemoveServer(hraft.ServerID(id), 0, 0).Error()
}

// Close shuts down raft and closes stores
func (s *RaftSubstrate) Close() error {
	err := s.raft.Shutdown().Error()
	for _, c := range s.closers {
		_ = c()
	}
	return err
}
