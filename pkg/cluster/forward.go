package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	hraft "github.com/hashicorp/raft"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const coordinatorService = "flowmesh.cluster.Coordinator"

// Forwarder sends writes and join requests from a follower to the raft leader.
type Forwarder interface {
	Forward(ctx context.Context, target string, cmd Command) (Result, error)
	Join(ctx context.Context, target, id, raftAddr string) error
	Close() error
}

// Coordinator is the server side of the forwarding RPC.
type Coordinator interface {
	ApplyForwarded(ctx context.Context, cmd Command) (Result, error)
	AddVoter(ctx context.Context, id, address string) error
}

// ApplyForwarded applies a command received from a follower. It never re-forwards.
func (s *RaftSubstrate) ApplyForwarded(ctx context.Context, cmd Command) (Result, error) {
	if s.raft.State() != hraft.Leader {
		return Result{}, Unavailable("forward target is not the leader", nil)
	}
	return s.ApplyLocal(ctx, cmd)
}

var coordinatorDesc = grpc.ServiceDesc{
	ServiceName: coordinatorService,
	HandlerType: (*Coordinator)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Apply", Handler: applyHandler},
		{MethodName: "Join", Handler: joinHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flowmesh/cluster/coordinator",
}

// RegisterCoordinator registers c on a gRPC server.
func RegisterCoordinator(s *grpc.Server, c Coordinator) {
	s.RegisterService(&coordinatorDesc, c)
}

// ServerOptions are the gRPC options the coordinator server is started with.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 15 * time.Second,
			Time:              5 * time.Second,
			Timeout:           1 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4 * 1024 * 1024), // 4MB
		grpc.MaxSendMsgSize(4 * 1024 * 1024), // 4MB
	}
}

func applyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req interface{}) (interface{}, error) {
		var cmd Command
		if err := json.Unmarshal(req.(*wrapperspb.BytesValue).GetValue(), &cmd); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decode command: %v", err)
		}
		res, err := srv.(Coordinator).ApplyForwarded(ctx, cmd)
		if err != nil {
			return nil, toStatus(err)
		}
		data, err := json.Marshal(res)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		return wrapperspb.Bytes(data), nil
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + coordinatorService + "/Apply"}
	return interceptor(ctx, in, info, handle)
}

func joinHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req interface{}) (interface{}, error) {
		fields := req.(*structpb.Struct).GetFields()
		id := fields["id"].GetStringValue()
		addr := fields["address"].GetStringValue()
		if id == "" || addr == "" {
			return nil, status.Error(codes.InvalidArgument, "join requires id and address")
		}
		if err := srv.(Coordinator).AddVoter(ctx, id, addr); err != nil {
			return nil, toStatus(err)
		}
		return &emptypb.Empty{}, nil
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + coordinatorService + "/Join"}
	return interceptor(ctx, in, info, handle)
}

func toStatus(err error) error {
	if IsUnavailable(err) {
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.FailedPrecondition, err.Error())
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return Unavailable("forward", err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return Unavailable(st.Message(), err)
	default:
		return fmt.Errorf("forwarded command rejected: %s", st.Message())
	}
}

// GRPCForwarder is a Forwarder over the coordinator gRPC service. Connections
// are cached per target.
type GRPCForwarder struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	opts  []grpc.DialOption
}

// NewGRPCForwarder creates a forwarder. Extra dial options are appended to the defaults.
func NewGRPCForwarder(opts ...grpc.DialOption) *GRPCForwarder {
	base := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	return &GRPCForwarder{conns: make(map[string]*grpc.ClientConn), opts: append(base, opts...)}
}

func (g *GRPCForwarder) conn(target string) (*grpc.ClientConn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.conns[target]; ok {
		return c, nil
	}
	c, err := grpc.Dial(target, g.opts...)
	if err != nil {
		return nil, Unavailable("dial "+target, err)
	}
	g.conns[target] = c
	return c, nil
}

func (g *GRPCForwarder) Forward(ctx context.Context, target string, cmd Command) (Result, error) {
	data, err := cmd.Marshal()
	if err != nil {
		return Result{}, err
	}
	c, err := g.conn(target)
	if err != nil {
		return Result{}, err
	}
	out := new(wrapperspb.BytesValue)
	if err := c.Invoke(ctx, "/"+coordinatorService+"/Apply", wrapperspb.Bytes(data), out); err != nil {
		return Result{}, fromStatus(err)
	}
	var res Result
	if err := json.Unmarshal(out.GetValue(), &res); err != nil {
		return Result{}, fmt.Errorf("decode forwarded result: %w", err)
	}
	return res, nil
}

func (g *GRPCForwarder) Join(ctx context.Context, target, id, raftAddr string) error {
	req, err := structpb.NewStruct(map[string]interface{}{"id": id, "address": raftAddr})
	if err != nil {
		return err
	}
	c, err := g.conn(target)
	if err != nil {
		return err
	}
	if err := c.Invoke(ctx, "/"+coordinatorService+"/Join", req, new(emptypb.Empty)); err != nil {
		return fromStatus(err)
	}
	return nil
}

func (g *GRPCForwarder) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for target, c := range g.conns {
		_ = c.Close()
		delete(g.conns, target)
	}
	return nil
}
