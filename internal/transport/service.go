package transport

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"hopflow/internal/dataflow"
)

const ServiceName = "hopflow.runner.v1.Runner"

const (
	submitMethod = "/" + ServiceName + "/Submit"
	statusMethod = "/" + ServiceName + "/Status"
	cancelMethod = "/" + ServiceName + "/Cancel"
)

// RunnerServer is the remote runner API. Pipelines and statuses travel as
// JSON inside protobuf wrapper messages.
type RunnerServer interface {
	Submit(context.Context, *wrapperspb.BytesValue) (*wrapperspb.StringValue, error)
	Status(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	Cancel(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
}

func RegisterRunnerServer(s grpc.ServiceRegistrar, srv RunnerServer) {
	s.RegisterService(&runnerServiceDesc, srv)
}

var runnerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RunnerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unary(submitMethod, func(s RunnerServer, ctx context.Context, in *wrapperspb.BytesValue) (any, error) {
			return s.Submit(ctx, in)
		})},
		{MethodName: "Status", Handler: unary(statusMethod, func(s RunnerServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
			return s.Status(ctx, in)
		})},
		{MethodName: "Cancel", Handler: unary(cancelMethod, func(s RunnerServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
			return s.Cancel(ctx, in)
		})},
	},
	Metadata: "hopflow/runner/v1/runner.proto",
}

// unary adapts a typed method to a grpc method handler.
func unary[In any, PIn interface{ *In }](fullMethod string, call func(RunnerServer, context.Context, PIn) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := PIn(new(In))
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RunnerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(RunnerServer), ctx, req.(PIn))
		})
	}
}

// JobRunner is a runner that can find its jobs again by id.
type JobRunner interface {
	dataflow.Runner
	Job(id string) (dataflow.Job, bool)
}

// Service exposes a local runner over grpc.
type Service struct {
	Runner JobRunner
}

func (s *Service) Submit(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	p, err := dataflow.Decode(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	job, err := s.Runner.Submit(ctx, p)
	if err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	return wrapperspb.String(job.ID()), nil
}

func (s *Service) Status(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	job, err := s.job(in.GetValue())
	if err != nil {
		return nil, err
	}
	st, err := job.Status(ctx)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	b, err := json.Marshal(st)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(b), nil
}

func (s *Service) Cancel(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	job, err := s.job(in.GetValue())
	if err != nil {
		return nil, err
	}
	if err := job.Cancel(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, status.FromContextError(err).Err()
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) job(id string) (dataflow.Job, error) {
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "job id is empty")
	}
	job, ok := s.Runner.Job(id)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "job %s not found", id)
	}
	return job, nil
}
