package service

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "kllama.v1.ModelRunner"

// ModelRunnerServer stores models under keys and runs them.
type ModelRunnerServer interface {
	SetModel(context.Context, *SetModelRequest) (*SetModelResponse, error)
	GetModel(context.Context, *GetModelRequest) (*GetModelResponse, error)
	RunModel(context.Context, *RunModelRequest) (*RunModelResponse, error)
	DeleteModel(context.Context, *DeleteModelRequest) (*DeleteModelResponse, error)
	LoadModel(context.Context, *LoadModelRequest) (*LoadModelResponse, error)
	ListModels(context.Context, *ListModelsRequest) (*ListModelsResponse, error)
}

var ModelRunnerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ModelRunnerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SetModel", ModelRunnerServer.SetModel),
		unary("GetModel", ModelRunnerServer.GetModel),
		unary("RunModel", ModelRunnerServer.RunModel),
		unary("DeleteModel", ModelRunnerServer.DeleteModel),
		unary("LoadModel", ModelRunnerServer.LoadModel),
		unary("ListModels", ModelRunnerServer.ListModels),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kllama/v1/model_runner",
}

func RegisterModelRunnerServer(s grpc.ServiceRegistrar, srv ModelRunnerServer) {
	s.RegisterService(&ModelRunnerServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary[Req, Resp any](method string, call func(ModelRunnerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ModelRunnerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(method),
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ModelRunnerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Client calls a ModelRunner over conn using the JSON codec.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SetModel(ctx context.Context, in *SetModelRequest, opts ...grpc.CallOption) (*SetModelResponse, error) {
	return invoke[SetModelResponse](ctx, c, "SetModel", in, opts)
}

func (c *Client) GetModel(ctx context.Context, in *GetModelRequest, opts ...grpc.CallOption) (*GetModelResponse, error) {
	return invoke[GetModelResponse](ctx, c, "GetModel", in, opts)
}

func (c *Client) RunModel(ctx context.Context, in *RunModelRequest, opts ...grpc.CallOption) (*RunModelResponse, error) {
	return invoke[RunModelResponse](ctx, c, "RunModel", in, opts)
}

func (c *Client) DeleteModel(ctx context.Context, in *DeleteModelRequest, opts ...grpc.CallOption) (*DeleteModelResponse, error) {
	return invoke[DeleteModelResponse](ctx, c, "DeleteModel", in, opts)
}

func (c *Client) LoadModel(ctx context.Context, in *LoadModelRequest, opts ...grpc.CallOption) (*LoadModelResponse, error) {
	return invoke[LoadModelResponse](ctx, c, "LoadModel", in, opts)
}

func (c *Client) ListModels(ctx context.Context, in *ListModelsRequest, opts ...grpc.CallOption) (*ListModelsResponse, error) {
	return invoke[ListModelsResponse](ctx, c, "ListModels", in, opts)
}
