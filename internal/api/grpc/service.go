package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name. Every message is a
// google.protobuf.Struct carrying the same JSON shapes as the HTTP API.
const ServiceName = "backtestgpt.v1.BacktestService"

// Full method names.
const (
	MethodRunBacktest  = "/" + ServiceName + "/RunBacktest"
	MethodConverse     = "/" + ServiceName + "/Converse"
	MethodListRegistry = "/" + ServiceName + "/ListRegistry"
	MethodGetRun       = "/" + ServiceName + "/GetRun"
)

// BacktestServiceServer is the server API for the backtest service.
type BacktestServiceServer interface {
	RunBacktest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Converse(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ListRegistry(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetRun(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(srv BacktestServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BacktestServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BacktestServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes the backtest service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BacktestServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RunBacktest",
			Handler: unaryHandler(MethodRunBacktest, func(s BacktestServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.RunBacktest(ctx, in)
			}),
		},
		{
			MethodName: "Converse",
			Handler: unaryHandler(MethodConverse, func(s BacktestServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.Converse(ctx, in)
			}),
		},
		{
			MethodName: "ListRegistry",
			Handler: unaryHandler(MethodListRegistry, func(s BacktestServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.ListRegistry(ctx, in)
			}),
		},
		{
			MethodName: "GetRun",
			Handler: unaryHandler(MethodGetRun, func(s BacktestServiceServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return s.GetRun(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "backtestgpt/v1/backtest.proto",
}

// RegisterBacktestServiceServer registers srv on s.
func RegisterBacktestServiceServer(s grpc.ServiceRegistrar, srv BacktestServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client is a thin client for the backtest service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a client over an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RunBacktest runs a structured backtest.
func (c *Client) RunBacktest(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodRunBacktest, in, opts...)
}

// Converse runs one conversational turn.
func (c *Client) Converse(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodConverse, in, opts...)
}

// ListRegistry returns the indicator and operator catalogs.
func (c *Client) ListRegistry(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodListRegistry, &structpb.Struct{}, opts...)
}

// GetRun returns one history record.
func (c *Client) GetRun(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetRun, &structpb.Struct{Fields: map[string]*structpb.Value{
		"id": structpb.NewStringValue(id),
	}}, opts...)
}
