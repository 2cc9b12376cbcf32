package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"chatgrid/gateway/internal/codec"
	"chatgrid/gateway/internal/logging"
)

const serviceName = "chatgrid.gateway.v1.Collaborator"

// Broadcaster feeds collaborator traffic into the room fanout.
type Broadcaster interface {
	Broadcast(ctx context.Context, roomID string, frame []byte)
}

// PresenceSource reports room membership counts.
type PresenceSource interface {
	LocalCount(roomID string) int
	ClusterCount(ctx context.Context, roomID string) (int64, error)
}

// CollaboratorServer is the contract the service desc dispatches against.
type CollaboratorServer interface {
	Publish(ctx context.Context, req *PublishRequest) (*PublishResponse, error)
	Presence(ctx context.Context, req *PresenceRequest) (*PresenceResponse, error)
}

// Service implements the collaborator API on top of the router and room index.
type Service struct {
	router Broadcaster
	rooms  PresenceSource
	log    *logging.Logger
}

// NewService wires the collaborator API to the gateway internals.
func NewService(router Broadcaster, rooms PresenceSource, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.L()
	}
	return &Service{router: router, rooms: rooms, log: logger}
}

// Publish validates the envelope, undoes any payload compression, and hands
// the re-encoded frame to the broadcast router.
func (s *Service) Publish(ctx context.Context, req *PublishRequest) (*PublishResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request required")
	}
	env := req.Envelope
	if !env.Kind.Known() {
		return nil, status.Errorf(codes.InvalidArgument, "unknown envelope type %q", env.Kind)
	}
	if env.RoomID == "" {
		return nil, status.Error(codes.InvalidArgument, "room id required")
	}
	if req.Encoding != "" {
		compressor, ok := CompressorFor(req.Encoding)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "unsupported payload encoding %q", req.Encoding)
		}
		payload, err := compressor.Decompress(env.Payload)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decompress payload: %v", err)
		}
		env.Payload = payload
	}
	frame, err := codec.Encode(&env)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode frame: %v", err)
	}
	s.router.Broadcast(ctx, env.RoomID, frame)
	s.log.Debug("collaborator publish",
		logging.String("room_id", env.RoomID),
		logging.String("type", string(env.Kind)))
	return &PublishResponse{Accepted: true}, nil
}

// Presence returns local and cluster-wide member counts for a room. A broken
// counter degrades to local-only rather than failing the call.
func (s *Service) Presence(ctx context.Context, req *PresenceRequest) (*PresenceResponse, error) {
	if req == nil || req.RoomID == "" {
		return nil, status.Error(codes.InvalidArgument, "room id required")
	}
	resp := &PresenceResponse{
		RoomID:       req.RoomID,
		LocalMembers: int64(s.rooms.LocalCount(req.RoomID)),
	}
	cluster, err := s.rooms.ClusterCount(ctx, req.RoomID)
	if err != nil {
		s.log.Warn("cluster presence unavailable",
			logging.String("room_id", req.RoomID), logging.Error(err))
		resp.ClusterMembers = resp.LocalMembers
		resp.ClusterDegraded = true
		return resp, nil
	}
	resp.ClusterMembers = cluster
	return resp, nil
}

func publishHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PublishRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CollaboratorServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Publish"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CollaboratorServer).Publish(ctx, req.(*PublishRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func presenceHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PresenceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CollaboratorServer).Presence(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Presence"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CollaboratorServer).Presence(ctx, req.(*PresenceRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// serviceDesc is written by hand so the wire format stays the gateway's own.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CollaboratorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: publishHandler},
		{MethodName: "Presence", Handler: presenceHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "collaborator",
}

// Register attaches the collaborator service to a gRPC server.
func Register(registrar grpc.ServiceRegistrar, service *Service) {
	registrar.RegisterService(&serviceDesc, service)
}
