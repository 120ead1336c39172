package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/banshee-data/worldmodel/internal/monitoring"
	"github.com/banshee-data/worldmodel/internal/worldmodel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "worldmodel.v1.WorldModel"

const (
	getObjectModelMethod = "/" + ServiceName + "/GetObjectModel"
	getObjectMethod      = "/" + ServiceName + "/GetObject"
	streamUpdatesMethod  = "/" + ServiceName + "/StreamUpdates"
)

// maxMsgSize allows large models in a single message.
const maxMsgSize = 16 * 1024 * 1024

// WorldModelServer is the server side of the WorldModel service. Messages
// are well-known types so no generated code is needed: objects travel as
// structpb.Struct in the JSON shape of Update.
type WorldModelServer interface {
	GetObjectModel(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetObject(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	StreamUpdates(*emptypb.Empty, UpdateStream) error
}

// UpdateStream is the server end of StreamUpdates.
type UpdateStream interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

type updateStream struct {
	grpc.ServerStream
}

func (s updateStream) Send(m *structpb.Struct) error { return s.ServerStream.SendMsg(m) }

func getObjectModelHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorldModelServer).GetObjectModel(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getObjectModelMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(WorldModelServer).GetObjectModel(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func getObjectHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorldModelServer).GetObject(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getObjectMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(WorldModelServer).GetObject(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func streamUpdatesHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(WorldModelServer).StreamUpdates(in, updateStream{stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorldModelServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetObjectModel", Handler: getObjectModelHandler},
		{MethodName: "GetObject", Handler: getObjectHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamUpdates", Handler: streamUpdatesHandler, ServerStreams: true},
	},
	Metadata: "worldmodel/v1/worldmodel.proto",
}

// RegisterWorldModelServer registers srv on s.
func RegisterWorldModelServer(s grpc.ServiceRegistrar, srv WorldModelServer) {
	s.RegisterService(&serviceDesc, srv)
}

// ModelSource is the read side of the tracker.
type ModelSource interface {
	GetObjectModel() []worldmodel.Object
	GetObject(objectID string) (worldmodel.Object, error)
}

// Server implements WorldModelServer on top of a tracker and broadcaster.
type Server struct {
	source      ModelSource
	broadcaster *Broadcaster
}

var _ WorldModelServer = (*Server)(nil)

// NewServer creates the gRPC service implementation.
func NewServer(source ModelSource, b *Broadcaster) *Server {
	return &Server{source: source, broadcaster: b}
}

func (s *Server) GetObjectModel(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(Update{Kind: KindModel, Objects: s.source.GetObjectModel()})
}

func (s *Server) GetObject(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	obj, err := s.source.GetObject(req.GetValue())
	if errors.Is(err, worldmodel.ErrUnknownObject) {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return toStruct(Update{Kind: KindObject, Object: &obj})
}

func (s *Server) StreamUpdates(_ *emptypb.Empty, stream UpdateStream) error {
	sub, err := s.broadcaster.Subscribe()
	if errors.Is(err, ErrTooManyClients) {
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer s.broadcaster.Unsubscribe(sub.ID)
	monitoring.Logf("[gRPC] StreamUpdates started for %s", sub.ID)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-sub.C:
			if !ok {
				return status.Error(codes.Unavailable, "stream closed")
			}
			msg, err := toStruct(u)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.Send(msg); err != nil {
				monitoring.Logf("[gRPC] Send error for %s: %v", sub.ID, err)
				return err
			}
		}
	}
}

// NewGRPCServer creates a grpc.Server with the WorldModel service
// registered.
func NewGRPCServer(srv WorldModelServer, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	}, opts...)
	s := grpc.NewServer(opts...)
	RegisterWorldModelServer(s, srv)
	return s
}

// Serve runs s on addr until ctx is cancelled.
func Serve(ctx context.Context, s *grpc.Server, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	monitoring.Logf("[gRPC] Listening on %s", lis.Addr())

	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func toStruct(u Update) (*structpb.Struct, error) {
	b, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct) (Update, error) {
	b, err := s.MarshalJSON()
	if err != nil {
		return Update{}, err
	}
	var u Update
	if err := json.Unmarshal(b, &u); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	return u, nil
}
