package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "metrionix.v1.Integrations"

const (
	methodTriggerSync      = "/" + ServiceName + "/TriggerSync"
	methodListIntegrations = "/" + ServiceName + "/ListIntegrations"
)

// IntegrationsServer is the server API for metrionix.v1.Integrations.
// Messages are google.protobuf.Struct; see package convert for the fields.
type IntegrationsServer interface {
	TriggerSync(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListIntegrations(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(method string, call func(IntegrationsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(IntegrationsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(IntegrationsServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// IntegrationsServiceDesc describes metrionix.v1.Integrations for grpc.Server.
var IntegrationsServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IntegrationsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "TriggerSync", Handler: unaryHandler(methodTriggerSync, IntegrationsServer.TriggerSync)},
		{MethodName: "ListIntegrations", Handler: unaryHandler(methodListIntegrations, IntegrationsServer.ListIntegrations)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "metrionix/v1/integrations.proto",
}

// RegisterIntegrationsServer registers srv on s.
func RegisterIntegrationsServer(s grpc.ServiceRegistrar, srv IntegrationsServer) {
	s.RegisterService(&IntegrationsServiceDesc, srv)
}

// IntegrationsClient calls metrionix.v1.Integrations.
type IntegrationsClient struct {
	cc grpc.ClientConnInterface
}

// NewIntegrationsClient wraps a connection.
func NewIntegrationsClient(cc grpc.ClientConnInterface) *IntegrationsClient {
	return &IntegrationsClient{cc: cc}
}

func (c *IntegrationsClient) TriggerSync(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodTriggerSync, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *IntegrationsClient) ListIntegrations(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodListIntegrations, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
