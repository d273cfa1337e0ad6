package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"

	"flowmesh/config"
	"flowmesh/pkg/cluster"
	"flowmesh/pkg/counter"
	"flowmesh/pkg/election"
	"flowmesh/pkg/eventbus"
	"flowmesh/pkg/flow"
	"flowmesh/pkg/health"
	"flowmesh/pkg/kv"
	"flowmesh/pkg/lock"
	"flowmesh/pkg/process"
	"flowmesh/storage"
)

const joinRetryInterval = 500 * time.Millisecond

// Node is one flowmesh member: the coordination substrate plus every component
// built on it.
type Node struct {
	cfg    *config.Config
	logger hclog.Logger

	store storage.Storage
	sub   cluster.Substrate
	raft  *cluster.RaftSubstrate
	rpc   *grpc.Server
	fwd   *cluster.GRPCForwarder

	Membership *cluster.Membership
	Locks      *lock.Manager
	Elections  *election.Manager
	Counters   *counter.Registry
	Bus        *eventbus.Bus
	Health     *health.Checker
	Adapters   *process.Adapters
	Transforms *process.Transforms
	Engine     *process.Engine
	Dispatcher *process.Dispatcher

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewNode opens storage and the substrate selected by cfg and wires the node.
// With clustering disabled the node runs alone on a loopback substrate.
func NewNode(cfg *config.Config, logger hclog.Logger) (*Node, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	st, err := storage.Open(cfg.Storage.Backend, cfg.Storage.DataDir, cfg.Storage.GCInterval, logger.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	if !cfg.Cluster.Enabled {
		lb := cluster.NewLoopback(st, cluster.FSMOptions{EventTTL: cfg.Coordination.EventTTL, Logger: logger})
		n := Assemble(cfg, logger, lb.Node(cfg.Cluster.NodeID), flow.NewFileReader(cfg.Engine.FlowsDir))
		n.store = st
		return n, nil
	}

	fwd := cluster.NewGRPCForwarder()
	rs, err := cluster.StartRaft(st, cluster.RaftConfig{
		NodeID:       cfg.Cluster.NodeID,
		BindAddr:     cfg.Cluster.BindAddr,
		DataDir:      cfg.Cluster.DataDir,
		Bootstrap:    cfg.Cluster.Bootstrap,
		ApplyTimeout: cfg.Cluster.ApplyTimeout,
		EventTTL:     cfg.Coordination.EventTTL,
		Logger:       logger,
	}, fwd)
	if err != nil {
		_ = fwd.Close()
		_ = st.Close()
		return nil, fmt.Errorf("raft start: %w", err)
	}

	n := Assemble(cfg, logger, rs, flow.NewFileReader(cfg.Engine.FlowsDir))
	n.store, n.raft, n.fwd = st, rs, fwd
	n.rpc = grpc.NewServer(cluster.ServerOptions()...)
	cluster.RegisterCoordinator(n.rpc, rs)
	return n, nil
}

// Assemble wires every component over sub. It owns neither sub's storage nor
// its transport; NewNode does.
func Assemble(cfg *config.Config, logger hclog.Logger, sub cluster.Substrate, flows flow.Reader) *Node {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	n := &Node{cfg: cfg, logger: logger.Named("node"), sub: sub}

	address := cluster.LoopbackAddress(sub.LocalID())
	if rs, ok := sub.(*cluster.RaftSubstrate); ok {
		address = rs.Address()
	}
	n.Membership = cluster.NewMembership(sub, cluster.MembershipConfig{
		Local: cluster.Member{
			ID:         sub.LocalID(),
			Address:    address,
			RPCAddress: cfg.Cluster.RPCAddr,
			APIAddress: cfg.Cluster.Advertise,
		},
		HeartbeatInterval: cfg.Cluster.HeartbeatInterval,
		TTL:               cfg.Cluster.MemberTTL,
		Logger:            logger,
	})
	n.Locks = lock.NewManager(sub, lock.Config{
		Lease:         cfg.Coordination.LockLease,
		Refresh:       cfg.Coordination.LockRefresh,
		RetryInterval: cfg.Coordination.LockRetry,
		Logger:        logger,
	})
	n.Elections = election.NewManager(sub, election.Config{
		Lease:  cfg.Coordination.LeaderLease,
		Renew:  cfg.Coordination.LeaderRenew,
		Logger: logger,
	})
	n.Counters = counter.New(sub)
	n.Bus = eventbus.New(sub, eventbus.Config{Buffer: cfg.Coordination.EventBuffer, Logger: logger})
	n.Health = health.NewChecker(n.Membership, n.Bus, cfg.Cluster.MinQuorum, cfg.Cluster.ApplyTimeout)

	n.Adapters = process.NewAdapters()
	n.Transforms = process.NewTransforms()
	process.RegisterBuiltins(n.Adapters, n.Transforms)

	repo := process.NewRepository(kv.New(sub))
	registry := process.NewRegistry(repo, n.Counters, flows, n.Adapters, n.Transforms, logger.Named("definitions"))
	n.Engine = process.NewEngine(process.Config{
		NodeID:      sub.LocalID(),
		LockTimeout: cfg.Engine.LockTimeout,
		StaleAfter:  cfg.Engine.StaleAfter,
		AsyncStart:  cfg.Engine.AsyncStart,
		Workers:     cfg.Engine.Workers,
		QueueSize:   cfg.Engine.QueueSize,
		Logger:      logger,
	}, process.Deps{
		Locks:       n.Locks,
		Events:      n.Bus,
		Counters:    n.Counters,
		Definitions: registry,
		Repository:  repo,
		Adapters:    n.Adapters,
		Transforms:  n.Transforms,
		Audit:       process.LogSink{Logger: logger.Named("audit")},
	})
	n.Dispatcher = process.NewDispatcher(n.Engine, n.Elections, process.DispatcherConfig{
		PollInterval: cfg.Engine.PollInterval,
		Logger:       logger,
	})
	return n
}

// Substrate is the node's coordination substrate.
func (n *Node) Substrate() cluster.Substrate { return n.sub }

// Clustered reports whether the node runs on raft.
func (n *Node) Clustered() bool { return n.raft != nil }

// Start serves the coordinator RPC, joins the cluster and launches the
// heartbeat, lease refresh and dispatch loops.
func (n *Node) Start(ctx context.Context) error {
	if n.rpc != nil {
		lis, err := net.Listen("tcp", n.cfg.Cluster.RPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", n.cfg.Cluster.RPCAddr, err)
		}
		n.logger.Info("coordinator rpc listening", "address", n.cfg.Cluster.RPCAddr)
		go func() {
			if err := n.rpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				n.logger.Error("coordinator rpc stopped", "error", err)
			}
		}()
	}

	if err := n.join(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	for _, loop := range []func(context.Context){n.Membership.Run, n.Locks.Run, n.Elections.Run, n.Dispatcher.Run} {
		loop := loop
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			loop(runCtx)
		}()
	}
	return nil
}

// join retries until a raft leader accepts this node and the member record is written.
func (n *Node) join(ctx context.Context) error {
	if n.raft != nil && !n.cfg.Cluster.Bootstrap && len(n.cfg.Cluster.JoinAddresses) > 0 {
		if err := retry(ctx, func() error {
			return n.raft.Join(ctx, n.cfg.Cluster.JoinAddresses)
		}); err != nil {
			return fmt.Errorf("join cluster: %w", err)
		}
	}
	if err := retry(ctx, func() error { return n.Membership.Join(ctx) }); err != nil {
		return fmt.Errorf("register member: %w", err)
	}
	return nil
}

func retry(ctx context.Context, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(joinRetryInterval):
		}
	}
}

// Close stops the loops, leaves the cluster and releases the substrate and storage.
func (n *Node) Close() error {
	if n.cancel != nil {
		n.cancel()
		n.wg.Wait()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := n.Membership.Leave(ctx); err != nil {
		n.logger.Warn("leave failed", "error", err)
	}
	cancel()

	n.Engine.Close()
	n.Bus.Close()

	var errs []error
	if n.rpc != nil {
		stopped := make(chan struct{})
		go func() {
			n.rpc.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			n.rpc.Stop()
		}
	}
	if err := n.sub.Close(); err != nil {
		errs = append(errs, err)
	}
	if n.fwd != nil {
		if err := n.fwd.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
