package dataflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	df "hopflow/internal/dataflow"
	"hopflow/internal/dataflow/direct"
	"hopflow/internal/engine"
	errs "hopflow/internal/errors"
	"hopflow/internal/execution"
	"hopflow/internal/extension"
	"hopflow/internal/graph"
	"hopflow/internal/logging"
	"hopflow/internal/registry"
	"hopflow/internal/runconfig"
	"hopflow/internal/transform"
	"hopflow/internal/transform/transformtest"
	"hopflow/internal/translator"
)

type fakeJob struct {
	mu        sync.Mutex
	statusErr error
	state     df.JobState
	cancels   int
}

func (j *fakeJob) ID() string { return "job-1" }

func (j *fakeJob) Status(context.Context) (df.JobStatus, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.statusErr != nil {
		return df.JobStatus{}, j.statusErr
	}
	return df.JobStatus{ID: "job-1", State: j.state}, nil
}

func (j *fakeJob) Cancel(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancels++
	j.state = df.JobCancelled
	return nil
}

func (j *fakeJob) cancelCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancels
}

type fakeRunners struct {
	job       *fakeJob
	submitErr error
}

func (f *fakeRunners) Name() string { return "fake" }

func (f *fakeRunners) Submit(context.Context, *df.Pipeline) (df.Job, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.job, nil
}

func (f *fakeRunners) Open(context.Context, Options) (df.Runner, func() error, error) {
	return f, func() error { return nil }, nil
}

// blockingRunners holds Submit until release is closed, like a remote
// runner that is slow to answer.
type blockingRunners struct {
	job        *fakeJob
	submitting chan struct{}
	release    chan struct{}
}

func newBlockingRunners() *blockingRunners {
	return &blockingRunners{
		job:        &fakeJob{state: df.JobRunning},
		submitting: make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (b *blockingRunners) Name() string { return "slow" }

func (b *blockingRunners) Submit(context.Context, *df.Pipeline) (df.Job, error) {
	close(b.submitting)
	<-b.release
	return b.job, nil
}

func (b *blockingRunners) Open(context.Context, Options) (df.Runner, func() error, error) {
	return b, func() error { return nil }, nil
}

type fixture struct {
	reg  *registry.Registry
	deps engine.Deps
	into *transformtest.Collector
}

func newFixture(t *testing.T, rows int) *fixture {
	t.Helper()
	f := &fixture{reg: registry.New(), into: &transformtest.Collector{}}
	transformtest.Register(f.reg, transformtest.IDRows(rows), f.into)
	registry.MustRegister(f.reg, registry.Descriptor{ID: "test-blocking-rows", Category: registry.CategoryTransform, Tags: []string{transform.TagSource}},
		func() (*transformtest.Rows, error) {
			return &transformtest.Rows{Schema: transformtest.IDSchema, Data: transformtest.IDRows(rows), Block: true}, nil
		})
	f.deps = engine.Deps{Registry: f.reg, Bus: extension.NewBus(logging.Discard()), Logger: logging.Discard()}
	return f
}

func (f *fixture) directEngine(t *testing.T) *Engine {
	t.Helper()
	fns := df.NewFnRegistry()
	require.NoError(t, translator.RegisterFns(fns, f.reg, f.deps.Bus))
	return New(f.deps, DefaultRunners{Direct: direct.New(fns, direct.WithLogger(logging.Discard()))})
}

func runConfig(t *testing.T, props map[string]string) *runconfig.RunConfiguration {
	t.Helper()
	bag := DefaultConfiguration()
	require.NoError(t, bag.SetProperty("poll_interval", "10ms"))
	for k, v := range props {
		require.NoError(t, bag.SetProperty(k, v))
	}
	return runconfig.New("test", runconfig.KindPipeline, bag)
}

func twoNodes(src, sink string) *graph.Graph {
	return &graph.Graph{
		Name:  "two",
		Nodes: []graph.Node{{Name: "src", PluginID: src}, {Name: "out", PluginID: sink}},
		Hops:  []graph.Hop{{From: "src", To: "out", Enabled: true}},
	}
}

func wait(t *testing.T, e *Engine) (execution.Snapshot, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := e.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "engine did not finish")
	return snap, err
}

func TestDataflow_DirectRunToCompletion(t *testing.T) {
	f := newFixture(t, 5)
	e := f.directEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Prepare(ctx, twoNodes("test-rows", "test-collect"), nil, runConfig(t, map[string]string{"parallelism": "2"})))
	require.NoError(t, e.Start(ctx))
	snap, err := wait(t, e)
	require.NoError(t, err)

	assert.Equal(t, execution.StatusFinished, snap.Status)
	assert.Equal(t, int64(5), snap.Counter(execution.CounterInput))
	assert.Equal(t, int64(5), snap.Counter(execution.CounterOutput))
	assert.Equal(t, int64(5), snap.Counter(execution.TransformCounter("out", translator.CounterInput)))
	assert.NotEmpty(t, snap.Detail(DetailJobID))
	assert.Equal(t, direct.Name, snap.Detail(DetailRunner))
	assert.Equal(t, 5, f.into.Len())
}

func TestDataflow_RowFailureFailsExecution(t *testing.T) {
	f := newFixture(t, 10)
	e := f.directEngine(t)
	ctx := context.Background()

	g := &graph.Graph{
		Name: "failing",
		Nodes: []graph.Node{
			{Name: "src", PluginID: "test-rows"},
			{Name: "f", PluginID: "test-fail-every-3"},
			{Name: "out", PluginID: "test-collect"},
		},
		Hops: []graph.Hop{{From: "src", To: "f", Enabled: true}, {From: "f", To: "out", Enabled: true}},
	}
	require.NoError(t, e.Prepare(ctx, g, nil, runConfig(t, nil)))
	require.NoError(t, e.Start(ctx))
	snap, err := wait(t, e)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "RowProcessingError")
	assert.Equal(t, execution.StatusFailed, snap.Status)
	assert.GreaterOrEqual(t, snap.Counter(execution.CounterErrors), int64(1))
}

func TestDataflow_StopCancelsJob(t *testing.T) {
	f := newFixture(t, 2)
	e := f.directEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Prepare(ctx, twoNodes("test-blocking-rows", "test-collect"), nil, runConfig(t, nil)))
	require.NoError(t, e.Start(ctx))
	require.Eventually(t, func() bool { return f.into.Len() == 2 }, 2*time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(stopCtx))
	assert.Equal(t, execution.StatusStopped, e.State().Status)
	require.NoError(t, e.Stop(stopCtx))
	assert.Equal(t, execution.StatusStopped, e.State().Status)
}

func TestDataflow_RejectsCycles(t *testing.T) {
	f := newFixture(t, 1)
	e := f.directEngine(t)
	g := &graph.Graph{
		Name:  "loop",
		Nodes: []graph.Node{{Name: "a", PluginID: "test-collect"}, {Name: "b", PluginID: "test-collect"}},
		Hops:  []graph.Hop{{From: "a", To: "b", Enabled: true}, {From: "b", To: "a", Enabled: true}},
	}
	err := e.Prepare(context.Background(), g, nil, runConfig(t, nil))
	assert.ErrorIs(t, err, errs.ErrCyclicGraph)
	assert.Equal(t, execution.StatusFailed, e.State().Status)
}

func TestDataflow_LostRunnerIsEngineRuntimeFault(t *testing.T) {
	f := newFixture(t, 1)
	job := &fakeJob{statusErr: errors.New("connection refused")}
	e := New(f.deps, &fakeRunners{job: job})
	ctx := context.Background()

	require.NoError(t, e.Prepare(ctx, twoNodes("test-rows", "test-collect"), nil, runConfig(t, map[string]string{"fault_tolerance": "2"})))
	require.NoError(t, e.Start(ctx))
	snap, err := wait(t, e)

	assert.ErrorIs(t, err, errs.ErrEngineRuntime)
	assert.Equal(t, execution.StatusFailed, snap.Status)
	assert.Equal(t, 1, job.cancelCount(), "the orphaned job must be cancelled")
}

func TestDataflow_SubmitFailure(t *testing.T) {
	f := newFixture(t, 1)
	e := New(f.deps, &fakeRunners{submitErr: errors.New("runner unavailable")})
	ctx := context.Background()

	require.NoError(t, e.Prepare(ctx, twoNodes("test-rows", "test-collect"), nil, runConfig(t, nil)))
	err := e.Start(ctx)
	assert.ErrorIs(t, err, errs.ErrEngineRuntime)
	assert.Equal(t, execution.StatusFailed, e.State().Status)
}

func TestDataflow_AbortCancelsSubmittedJob(t *testing.T) {
	f := newFixture(t, 1)
	job := &fakeJob{state: df.JobRunning}
	e := New(f.deps, &fakeRunners{job: job})
	ctx := context.Background()

	require.NoError(t, e.Prepare(ctx, twoNodes("test-rows", "test-collect"), nil, runConfig(t, map[string]string{"poll_interval": "1h"})))
	require.NoError(t, e.Start(ctx))
	cause := errors.New("start timed out")
	e.Abort(cause)

	snap, err := wait(t, e)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, execution.StatusFailed, snap.Status)
	require.Eventually(t, func() bool { return job.cancelCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, job.cancelCount(), "the job is cancelled once")
}

func TestDataflow_AbortWhileSubmittingCancelsJob(t *testing.T) {
	f := newFixture(t, 1)
	runners := newBlockingRunners()
	e := New(f.deps, runners)
	ctx := context.Background()
	require.NoError(t, e.Prepare(ctx, twoNodes("test-rows", "test-collect"), nil, runConfig(t, nil)))

	started := make(chan error, 1)
	go func() { started <- e.Start(ctx) }()
	<-runners.submitting

	aborted := make(chan struct{})
	cause := errors.New("start timed out")
	go func() {
		e.Abort(cause)
		close(aborted)
	}()
	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("Abort waited for Submit")
	}
	assert.Equal(t, execution.StatusFailed, e.State().Status)

	close(runners.release)
	require.Error(t, <-started)
	require.Eventually(t, func() bool { return runners.job.cancelCount() == 1 }, 2*time.Second, 5*time.Millisecond,
		"the job submitted after the abort must not keep running")
	snap, err := wait(t, e)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, execution.StatusFailed, snap.Status)
}

func TestDataflow_StopWhileSubmittingCancelsJob(t *testing.T) {
	f := newFixture(t, 1)
	runners := newBlockingRunners()
	e := New(f.deps, runners)
	ctx := context.Background()
	require.NoError(t, e.Prepare(ctx, twoNodes("test-rows", "test-collect"), nil, runConfig(t, nil)))

	started := make(chan error, 1)
	go func() { started <- e.Start(ctx) }()
	<-runners.submitting

	stopped := make(chan error, 1)
	go func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		stopped <- e.Stop(stopCtx)
	}()
	close(runners.release)
	require.NoError(t, <-started)
	require.NoError(t, <-stopped)

	assert.Equal(t, execution.StatusStopped, e.State().Status)
	assert.Equal(t, 1, runners.job.cancelCount())
}

func TestDataflow_StopBeforeStart(t *testing.T) {
	f := newFixture(t, 1)
	runners := newBlockingRunners()
	e := New(f.deps, runners)
	ctx := context.Background()
	require.NoError(t, e.Prepare(ctx, twoNodes("test-rows", "test-collect"), nil, runConfig(t, nil)))

	require.NoError(t, e.Stop(ctx))
	assert.Equal(t, execution.StatusStopped, e.State().Status)
	assert.Error(t, e.Start(ctx))
	assert.Zero(t, runners.job.cancelCount())
}

func TestDataflow_Options(t *testing.T) {
	_, err := decodeOptions(runConfig(t, map[string]string{"parallelism": "0"}))
	assert.Error(t, err)

	opts, err := decodeOptions(runConfig(t, map[string]string{"extensions": "audit, trace,"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"audit", "trace"}, opts.extensionIDs())
	assert.Equal(t, direct.Name, opts.Runner)
	assert.Equal(t, 10*time.Millisecond, opts.PollInterval)

	_, _, err = DefaultRunners{}.Open(context.Background(), Options{Runner: "spark"})
	assert.Error(t, err)
}
