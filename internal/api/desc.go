package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "konk.v1.Konk"

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

type eventStream struct {
	grpc.ServerStream
}

func (s eventStream) Send(m *structpb.Struct) error { return s.SendMsg(m) }

// unary adapts a Service method to a grpc.MethodDesc. PIn is the pointer
// type of the request message.
func unary[In any, PIn interface {
	*In
	proto.Message
}, Out proto.Message](name string, fn func(*Service, context.Context, PIn) (Out, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PIn(new(In))
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Service)
			if interceptor == nil {
				return fn(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(PIn))
			})
		},
	}
}

// ServiceDesc describes the control service. The payloads are
// well-known protobuf types so no generated code is needed.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", (*Service).Status),
		unary("Connect", (*Service).Connect),
		unary("Disconnect", (*Service).Disconnect),
		unary("SendText", (*Service).SendText),
		unary("SendFile", (*Service).SendFile),
		unary("ListChats", (*Service).ListChats),
		unary("ListMessages", (*Service).ListMessages),
		unary("CreateGroup", (*Service).CreateGroup),
		unary("LeaveGroup", (*Service).LeaveGroup),
		unary("PendingKeys", (*Service).PendingKeys),
		unary("ConfirmKey", (*Service).ConfirmKey),
		unary("SetPassword", (*Service).SetPassword),
		unary("ImportAccount", (*Service).ImportAccount),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(*Service).WatchEvents(in, eventStream{stream})
			},
		},
	},
}

// Register adds the control service to srv.
func Register(srv grpc.ServiceRegistrar, s *Service) {
	srv.RegisterService(&ServiceDesc, s)
}
