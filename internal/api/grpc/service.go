package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified name of the training service
const ServiceName = "coordinator.v1.Training"

const (
	fetchTaskMethod    = "/" + ServiceName + "/FetchTask"
	submitUpdateMethod = "/" + ServiceName + "/SubmitUpdate"
)

// TrainingServer is served by the coordinator. FetchTask long-polls for the
// next task of one client; SubmitUpdate returns its result
type TrainingServer interface {
	FetchTask(ctx context.Context, client *wrapperspb.Int64Value) (*structpb.Struct, error)
	SubmitUpdate(ctx context.Context, result *structpb.Struct) (*emptypb.Empty, error)
}

// TrainingServiceDesc describes the training service for grpc.Server
var TrainingServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TrainingServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "FetchTask", Handler: fetchTaskHandler},
		{MethodName: "SubmitUpdate", Handler: submitUpdateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coordinator/v1/training.proto",
}

// RegisterTrainingServer registers srv on s
func RegisterTrainingServer(s grpc.ServiceRegistrar, srv TrainingServer) {
	s.RegisterService(&TrainingServiceDesc, srv)
}

func fetchTaskHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.Int64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TrainingServer).FetchTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fetchTaskMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TrainingServer).FetchTask(ctx, req.(*wrapperspb.Int64Value))
	}
	return interceptor(ctx, in, info, handler)
}

func submitUpdateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TrainingServer).SubmitUpdate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: submitUpdateMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TrainingServer).SubmitUpdate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// TrainingClient calls the training service
type TrainingClient struct {
	cc grpc.ClientConnInterface
}

// NewTrainingClient creates a client on an open connection
func NewTrainingClient(cc grpc.ClientConnInterface) *TrainingClient {
	return &TrainingClient{cc: cc}
}

// FetchTask waits for the next task of client
func (c *TrainingClient) FetchTask(ctx context.Context, client int, opts ...grpc.CallOption) (*Task, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fetchTaskMethod, wrapperspb.Int64(int64(client)), out, opts...); err != nil {
		return nil, err
	}
	return decodeTask(out)
}

// SubmitUpdate reports the result of a task
func (c *TrainingClient) SubmitUpdate(ctx context.Context, result *TaskResult, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, submitUpdateMethod, encodeResult(result), new(emptypb.Empty), opts...)
}
