package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the messenger gRPC service.
// Every method takes and returns a google.protobuf.Struct so the API needs no
// generated stubs; the method tables below follow protoc-gen-go-grpc output.
const ServiceName = "messenger.v1.Messenger"

// MessengerServer is the server API of the messenger service.
type MessengerServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SelectConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateDM(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateRoom(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RenameConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	BlockRoom(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UnblockRoom(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddMember(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SearchMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendAttachment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetForeground(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartCall(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AcceptCall(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeclineCall(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EndCall(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetCallState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartBroadcast(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StopBroadcast(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetBroadcastState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Connect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Disconnect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PairWithCode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamEvents(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
	GetPairingQR(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

type unaryFunc func(MessengerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(MessengerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(MessengerServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

type streamFunc func(MessengerServer, *structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error

func streamMethod(name string, call streamFunc) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(srv interface{}, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return call(srv.(MessengerServer), in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
		},
	}
}

// ServiceDesc is the grpc.ServiceDesc of the messenger service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MessengerServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("GetStatus", MessengerServer.GetStatus),
		unaryMethod("ListConversations", MessengerServer.ListConversations),
		unaryMethod("SelectConversation", MessengerServer.SelectConversation),
		unaryMethod("CreateDM", MessengerServer.CreateDM),
		unaryMethod("CreateRoom", MessengerServer.CreateRoom),
		unaryMethod("RenameConversation", MessengerServer.RenameConversation),
		unaryMethod("BlockRoom", MessengerServer.BlockRoom),
		unaryMethod("UnblockRoom", MessengerServer.UnblockRoom),
		unaryMethod("AddMember", MessengerServer.AddMember),
		unaryMethod("GetMessages", MessengerServer.GetMessages),
		unaryMethod("SearchMessages", MessengerServer.SearchMessages),
		unaryMethod("SendMessage", MessengerServer.SendMessage),
		unaryMethod("SendAttachment", MessengerServer.SendAttachment),
		unaryMethod("SetForeground", MessengerServer.SetForeground),
		unaryMethod("StartCall", MessengerServer.StartCall),
		unaryMethod("AcceptCall", MessengerServer.AcceptCall),
		unaryMethod("DeclineCall", MessengerServer.DeclineCall),
		unaryMethod("EndCall", MessengerServer.EndCall),
		unaryMethod("GetCallState", MessengerServer.GetCallState),
		unaryMethod("StartBroadcast", MessengerServer.StartBroadcast),
		unaryMethod("StopBroadcast", MessengerServer.StopBroadcast),
		unaryMethod("GetBroadcastState", MessengerServer.GetBroadcastState),
		unaryMethod("Connect", MessengerServer.Connect),
		unaryMethod("Disconnect", MessengerServer.Disconnect),
		unaryMethod("Logout", MessengerServer.Logout),
		unaryMethod("PairWithCode", MessengerServer.PairWithCode),
	},
	Streams: []grpc.StreamDesc{
		streamMethod("StreamEvents", MessengerServer.StreamEvents),
		streamMethod("GetPairingQR", MessengerServer.GetPairingQR),
	},
	Metadata: "messenger/v1/messenger.proto",
}

func RegisterMessengerServer(s grpc.ServiceRegistrar, srv MessengerServer) {
	s.RegisterService(&ServiceDesc, srv)
}
