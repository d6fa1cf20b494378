// Package api exposes the session daemon over gRPC on its Unix socket.
//
// The control service has no generated stubs. Requests and responses are
// google.protobuf.Struct values and the service descriptor is declared here.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "amora.v1.Control"

// Unary method names.
const (
	MethodGetStatus         = "GetStatus"
	MethodSendMessage       = "SendMessage"
	MethodRetryMessage      = "RetryMessage"
	MethodListConversations = "ListConversations"
	MethodListMessages      = "ListMessages"
	MethodLoadHistory       = "LoadHistory"
	MethodMarkRead          = "MarkRead"
	MethodSendTyping        = "SendTyping"
	MethodStartCall         = "StartCall"
	MethodAnswerCall        = "AnswerCall"
	MethodEndCall           = "EndCall"
	MethodReconnect         = "Reconnect"
	MethodSetNetwork        = "SetNetwork"

	StreamWatchEvents = "WatchEvents"
)

// ControlServer is implemented by Control.
type ControlServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendTyping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartCall(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AnswerCall(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EndCall(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reconnect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetNetwork(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, EventStream) error
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

type unaryMethod func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).WatchEvents(in, &eventStream{stream})
}

// ServiceDesc describes amora.v1.Control.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, ControlServer.GetStatus),
		unary(MethodSendMessage, ControlServer.SendMessage),
		unary(MethodRetryMessage, ControlServer.RetryMessage),
		unary(MethodListConversations, ControlServer.ListConversations),
		unary(MethodListMessages, ControlServer.ListMessages),
		unary(MethodLoadHistory, ControlServer.LoadHistory),
		unary(MethodMarkRead, ControlServer.MarkRead),
		unary(MethodSendTyping, ControlServer.SendTyping),
		unary(MethodStartCall, ControlServer.StartCall),
		unary(MethodAnswerCall, ControlServer.AnswerCall),
		unary(MethodEndCall, ControlServer.EndCall),
		unary(MethodReconnect, ControlServer.Reconnect),
		unary(MethodSetNetwork, ControlServer.SetNetwork),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    StreamWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "amora/v1/control.proto",
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}
