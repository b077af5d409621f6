package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "notifications.v1.NotificationsService"

// NotificationsServiceServer is the server API of notifications.v1.
// Requests and responses are google.protobuf.Struct messages carrying the
// same fields as the HTTP JSON bodies.
type NotificationsServiceServer interface {
	SubmitNotification(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SubmitAccountOpened(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var NotificationsServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*NotificationsServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitNotification", Handler: unaryHandler("SubmitNotification", NotificationsServiceServer.SubmitNotification)},
		{MethodName: "SubmitAccountOpened", Handler: unaryHandler("SubmitAccountOpened", NotificationsServiceServer.SubmitAccountOpened)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "notifications/v1/notifications.proto",
}

func RegisterNotificationsServiceServer(s grpc.ServiceRegistrar, srv NotificationsServiceServer) {
	s.RegisterService(&NotificationsServiceDesc, srv)
}

type unaryMethod func(NotificationsServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, method unaryMethod) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	fullMethod := "/" + serviceName + "/" + name
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(srv.(NotificationsServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return method(srv.(NotificationsServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Client calls notifications.v1.NotificationsService.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) SubmitNotification(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/SubmitNotification", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SubmitAccountOpened(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/SubmitAccountOpened", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
