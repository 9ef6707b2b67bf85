package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"ibsupervisor/internal/router"
)

// Fully qualified gRPC names of the supervisor service.
const (
	ServiceName   = "ibsupervisor.v1.Supervisor"
	ExecuteMethod = "/" + ServiceName + "/Execute"
	WatchMethod   = "/" + ServiceName + "/Watch"
)

// Dispatcher executes a raw command envelope.
type Dispatcher interface {
	Dispatch(ctx context.Context, raw []byte) (router.Outbound, bool)
}

// Watcher streams every outbound envelope.
type Watcher interface {
	Watch(buffer int) (<-chan router.Outbound, func())
}

// SupervisorServer is the server API of the supervisor service. Commands
// and envelopes travel as google.protobuf.Struct values carrying the same
// JSON shape as the Redis transport.
type SupervisorServer interface {
	Execute(ctx context.Context, cmd *structpb.Struct) (*structpb.Struct, error)
	Watch(req *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error
}

// WatchStreamDesc describes the server-streaming Watch call.
var WatchStreamDesc = grpc.StreamDesc{
	StreamName:    "Watch",
	ServerStreams: true,
	Handler:       watchHandler,
}

// ServiceDesc is the grpc.ServiceDesc of the supervisor service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SupervisorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
	},
	Streams:  []grpc.StreamDesc{WatchStreamDesc},
	Metadata: "ibsupervisor/v1/supervisor.proto",
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SupervisorServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ExecuteMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SupervisorServer).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(SupervisorServer).Watch(m, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

// GRPCServer serves commands from direct callers and streams replies and
// session events to watchers.
type GRPCServer struct {
	dispatcher Dispatcher
	watcher    Watcher
	logger     *slog.Logger
}

// NewGRPCServer creates a GRPCServer.
func NewGRPCServer(d Dispatcher, w Watcher, logger *slog.Logger) *GRPCServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCServer{dispatcher: d, watcher: w, logger: logger}
}

// Register registers the service on gs.
func (s *GRPCServer) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// Execute dispatches one command and returns its reply envelope.
func (s *GRPCServer) Execute(ctx context.Context, cmd *structpb.Struct) (*structpb.Struct, error) {
	raw, err := protojson.Marshal(cmd)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encoding command: %v", err)
	}
	out, fresh := s.dispatcher.Dispatch(ctx, raw)
	if !fresh && out.Type == "" {
		return nil, status.Error(codes.AlreadyExists, "command with this msg_id is already running")
	}
	return ToStruct(out)
}

// Watch streams every outbound envelope until the client goes away.
func (s *GRPCServer) Watch(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ch, stop := s.watcher.Watch(256)
	defer stop()

	ctx := stream.Context()
	s.logger.Info("grpc watcher subscribed")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("grpc watcher disconnected")
			return nil
		case out, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := ToStruct(out)
			if err != nil {
				s.logger.Warn("encoding watched envelope", "error", err)
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// ToStruct converts an outbound envelope to a Struct through its JSON form.
func ToStruct(out router.Outbound) (*structpb.Struct, error) {
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	msg := new(structpb.Struct)
	if err := protojson.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("converting envelope: %w", err)
	}
	return msg, nil
}

// ServeGRPC listens on addr and serves gs until ctx is done, then stops
// gracefully.
func ServeGRPC(ctx context.Context, addr string, gs *grpc.Server, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen on %s: %w", addr, err)
	}
	logger.Info("grpc server listening", "addr", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()

	select {
	case <-ctx.Done():
		// Watch streams only end with their clients, so bound the wait.
		stopped := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			gs.Stop()
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}
