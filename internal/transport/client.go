package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"hopflow/internal/dataflow"
)

const RemoteName = "remote"

// RemoteRunner submits pipelines to a runner server.
type RemoteRunner struct {
	cc *grpc.ClientConn
}

// Dial connects lazily; the first call surfaces an unreachable runner.
func Dial(addr string, opts ...grpc.DialOption) (*RemoteRunner, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return &RemoteRunner{cc: cc}, nil
}

func (r *RemoteRunner) Name() string { return RemoteName }

func (r *RemoteRunner) Close() error { return r.cc.Close() }

// Healthy asks the server's health service about the runner service.
func (r *RemoteRunner) Healthy(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(r.cc).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("transport: runner is %s", resp.GetStatus())
	}
	return nil
}

func (r *RemoteRunner) Submit(ctx context.Context, p *dataflow.Pipeline) (dataflow.Job, error) {
	b, err := p.Encode()
	if err != nil {
		return nil, err
	}
	out := new(wrapperspb.StringValue)
	if err := r.cc.Invoke(ctx, submitMethod, wrapperspb.Bytes(b), out); err != nil {
		return nil, err
	}
	return &remoteJob{id: out.GetValue(), cc: r.cc}, nil
}

type remoteJob struct {
	id string
	cc *grpc.ClientConn
}

func (j *remoteJob) ID() string { return j.id }

func (j *remoteJob) Status(ctx context.Context) (dataflow.JobStatus, error) {
	out := new(wrapperspb.BytesValue)
	if err := j.cc.Invoke(ctx, statusMethod, wrapperspb.String(j.id), out); err != nil {
		return dataflow.JobStatus{}, err
	}
	var st dataflow.JobStatus
	if err := json.Unmarshal(out.GetValue(), &st); err != nil {
		return dataflow.JobStatus{}, fmt.Errorf("transport: job %s status: %w", j.id, err)
	}
	return st, nil
}

func (j *remoteJob) Cancel(ctx context.Context) error {
	return j.cc.Invoke(ctx, cancelMethod, wrapperspb.String(j.id), new(emptypb.Empty))
}
