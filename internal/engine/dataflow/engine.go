// Package dataflow is the engine that hands a translated graph to a dataflow
// runner and follows the job from the outside.
package dataflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	df "hopflow/internal/dataflow"
	"hopflow/internal/dataflow/direct"
	"hopflow/internal/engine"
	errs "hopflow/internal/errors"
	"hopflow/internal/execution"
	"hopflow/internal/graph"
	"hopflow/internal/plan"
	"hopflow/internal/registry"
	"hopflow/internal/runconfig"
	"hopflow/internal/translator"
	"hopflow/internal/transport"
	"hopflow/internal/variables"
)

const PluginID = "dataflow"

// Detail keys recorded on the execution state.
const (
	DetailJobID  = "dataflow.job.id"
	DetailRunner = "dataflow.runner"
)

type Options struct {
	Runner         string        `koanf:"runner"`
	RunnerAddress  string        `koanf:"runner_address"`
	Parallelism    int           `koanf:"parallelism"`
	JobName        string        `koanf:"job_name"`
	PollInterval   time.Duration `koanf:"poll_interval"`
	FaultTolerance int           `koanf:"fault_tolerance"`
	Extensions     string        `koanf:"extensions"`
}

func (o Options) extensionIDs() []string {
	var ids []string
	for _, id := range strings.Split(o.Extensions, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

var specs = []runconfig.PropertySpec{
	{Key: "runner", Default: direct.Name, Description: "direct runs in this process, remote submits to runner_address"},
	{Key: "runner_address", Default: "localhost:7077", Description: "host:port of a remote runner"},
	{Key: "parallelism", Default: "1", Description: "Workers per transform stage"},
	{Key: "job_name", Default: "", Description: "Job name, defaults to the pipeline name"},
	{Key: "poll_interval", Default: "500ms", Description: "How often the job status is polled"},
	{Key: "fault_tolerance", Default: "3", Description: "Consecutive failed polls before the runner counts as lost"},
	{Key: "extensions", Default: "", Description: "Comma separated extension ids every worker must load"},
}

func DefaultConfiguration() *runconfig.OptionBag {
	return runconfig.NewOptionBag(PluginID, "Dataflow", specs...)
}

// Runners opens the runner a prepared execution submits to.
type Runners interface {
	Open(ctx context.Context, opts Options) (df.Runner, func() error, error)
}

// DefaultRunners serves "direct" from a shared in-process runner and dials
// "remote" per execution.
type DefaultRunners struct {
	Direct *direct.Runner
}

func (d DefaultRunners) Open(_ context.Context, opts Options) (df.Runner, func() error, error) {
	switch opts.Runner {
	case direct.Name:
		if d.Direct == nil {
			return nil, nil, errors.New("dataflow: no direct runner configured")
		}
		return d.Direct, func() error { return nil }, nil
	case transport.RemoteName:
		rr, err := transport.Dial(opts.RunnerAddress)
		if err != nil {
			return nil, nil, err
		}
		return rr, rr.Close, nil
	default:
		return nil, nil, fmt.Errorf("dataflow: unknown runner %q", opts.Runner)
	}
}

// Register adds the dataflow engine to reg.
func Register(reg *registry.Registry, deps engine.Deps, runners Runners) error {
	registry.Declare[engine.Plugin](reg, registry.CategoryPipelineEngine)
	return registry.Register(reg, registry.Descriptor{
		ID:          PluginID,
		Name:        "Dataflow",
		Category:    registry.CategoryPipelineEngine,
		Description: "Translates the graph into a dataflow pipeline and runs it on a direct or remote runner",
	}, func() (*Engine, error) { return New(deps, runners), nil })
}

type Engine struct {
	deps    engine.Deps
	runners Runners
	lc      *engine.Lifecycle

	mu       sync.Mutex
	opts     Options
	plan     *plan.Plan
	pipeline *df.Pipeline
	release  func() error
	job      df.Job
	started  bool
	stopping atomic.Bool
	// cancelled makes the job cancel happen once, whoever notices first.
	cancelled atomic.Bool
	// cancelling is held while a job cancel is in flight so the runner
	// connection outlives it.
	cancelling sync.Mutex
}

func New(deps engine.Deps, runners Runners) *Engine {
	return &Engine{deps: deps, runners: runners, lc: engine.NewLifecycle(PluginID, "", deps)}
}

func (e *Engine) PluginID() string { return PluginID }

func (e *Engine) CreateDefaultEngineRunConfiguration() runconfig.EngineRunConfiguration {
	return DefaultConfiguration()
}

func (e *Engine) State() execution.Snapshot { return e.lc.State().Snapshot() }

func (e *Engine) Wait(ctx context.Context) (execution.Snapshot, error) { return e.lc.Wait(ctx) }

func decodeOptions(rc *runconfig.RunConfiguration) (Options, error) {
	bag := runconfig.EngineRunConfiguration(DefaultConfiguration())
	if rc != nil && rc.Engine != nil && rc.Engine.EnginePluginID() == PluginID {
		bag = rc.Engine
	}
	var opts Options
	if err := bag.Decode(&opts); err != nil {
		return opts, err
	}
	switch {
	case opts.Parallelism <= 0:
		return opts, fmt.Errorf("dataflow: parallelism must be positive, got %d", opts.Parallelism)
	case opts.PollInterval <= 0:
		return opts, fmt.Errorf("dataflow: poll_interval must be positive, got %s", opts.PollInterval)
	case opts.FaultTolerance <= 0:
		opts.FaultTolerance = 1
	}
	return opts, nil
}

func (e *Engine) Prepare(ctx context.Context, g *graph.Graph, vars variables.Variables, rc *runconfig.RunConfiguration) error {
	if err := e.lc.To(ctx, execution.StatusPreparing, nil); err != nil {
		return err
	}
	g = g.Clone()
	e.lc.State().SetName(g.Name)
	e.lc.SetVariables(vars)

	pipe, p, opts, err := e.prepare(g, vars, rc)
	if err != nil {
		e.lc.Finish(ctx, execution.StatusFailed, err)
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st := e.lc.Status(); st != execution.StatusPreparing {
		_ = p.Close()
		return fmt.Errorf("dataflow: prepare interrupted, execution is %s", st)
	}
	e.opts, e.plan, e.pipeline = opts, p, pipe
	e.lc.State().SetDetail(DetailRunner, opts.Runner)
	return nil
}

func (e *Engine) prepare(g *graph.Graph, vars variables.Variables, rc *runconfig.RunConfiguration) (*df.Pipeline, *plan.Plan, Options, error) {
	opts, err := decodeOptions(rc)
	if err != nil {
		return nil, nil, opts, err
	}
	// Cycles are reported as such before anything is instantiated.
	if _, err := g.TopologicalOrder(); err != nil {
		return nil, nil, opts, err
	}
	p, err := plan.Build(g, e.deps.Registry, plan.Options{Variables: vars, Logger: e.lc.Log()})
	if err != nil {
		return nil, nil, opts, err
	}
	pipe, err := translator.Translate(p, translator.Options{Parallelism: opts.Parallelism, Extensions: opts.extensionIDs()})
	if err != nil {
		_ = p.Close()
		return nil, nil, opts, err
	}
	if opts.JobName != "" {
		pipe.Name = opts.JobName
	}
	return pipe, p, opts, nil
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pipeline == nil || e.lc.Status() != execution.StatusPreparing {
		return fmt.Errorf("dataflow: start requires a prepared execution, state is %s", e.lc.Status())
	}
	e.closePlan()
	e.started = true

	// Submit may block on a remote runner with mu held. An Abort meanwhile
	// ends the execution, the transition to running below then fails and
	// the job is cancelled here.
	runner, release, err := e.runners.Open(ctx, e.opts)
	if err == nil {
		e.release = release
		e.job, err = runner.Submit(ctx, e.pipeline)
	}
	if err != nil {
		err = errs.EngineRuntime(PluginID, fmt.Errorf("submit to %s runner: %w", e.opts.Runner, err))
		e.releaseRunner()
		e.lc.Finish(ctx, execution.StatusFailed, err)
		return err
	}
	e.lc.State().SetDetail(DetailJobID, e.job.ID())
	if err := e.lc.To(ctx, execution.StatusRunning, nil); err != nil {
		e.cancelJob()
		e.releaseRunner()
		return err
	}
	go e.monitor(e.job)
	return nil
}

// closePlan releases the driver-side transform instances, which are only
// needed for planning. Callers hold mu.
func (e *Engine) closePlan() {
	if e.plan == nil || e.started {
		return
	}
	if err := e.plan.Close(); err != nil {
		e.lc.Log().Warn("closing planned transforms failed", "err", err)
	}
}

func (e *Engine) releaseRunner() {
	if e.release != nil {
		if err := e.release(); err != nil {
			e.lc.Log().Warn("releasing runner failed", "err", err)
		}
		e.release = nil
	}
}

// cancelJob asks the runner to cancel without waiting for long.
func (e *Engine) cancelJob() {
	if e.job == nil || !e.cancelled.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.job.Cancel(ctx); err != nil {
		e.lc.Log().Warn("cancelling job failed", "job", e.job.ID(), "err", err)
	}
}

// monitor polls the job until it ends, mirroring its counters. Losing the
// runner for FaultTolerance polls in a row fails the execution.
func (e *Engine) monitor(job df.Job) {
	defer func() {
		e.cancelling.Lock()
		defer e.cancelling.Unlock()
		e.mu.Lock()
		e.releaseRunner()
		e.mu.Unlock()
	}()
	ctx := context.Background()
	t := time.NewTicker(e.opts.PollInterval)
	defer t.Stop()
	failures := 0
	for {
		if e.lc.Status().Terminal() {
			e.cancelJob()
			return
		}
		st, err := e.poll(ctx, job)
		if err != nil {
			failures++
			e.lc.Log().Warn("job status unavailable", "job", job.ID(), "attempt", failures, "err", err)
			if failures >= e.opts.FaultTolerance {
				fault := errs.EngineRuntime(PluginID, fmt.Errorf("lost contact with %s runner after %d attempts: %w", e.opts.Runner, failures, err))
				e.cancelJob()
				e.end(execution.StatusFailed, fault)
				return
			}
		} else {
			failures = 0
			e.mirror(st)
			if st.State.Terminal() || (st.Error != "" && !e.stopping.Load()) {
				e.finishFrom(st)
				return
			}
			e.lc.Publish(ctx)
		}
		select {
		case <-t.C:
		case <-e.lc.Done():
			// Ended outside the job, by Abort.
			e.cancelJob()
			return
		}
	}
}

func (e *Engine) poll(ctx context.Context, job df.Job) (df.JobStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, max(e.opts.PollInterval*4, time.Second))
	defer cancel()
	return job.Status(ctx)
}

// finishFrom maps a job status onto the execution. A job reporting an error
// while still running is cancelled first.
func (e *Engine) finishFrom(st df.JobStatus) {
	switch {
	case st.Error != "":
		if !st.State.Terminal() {
			e.cancelJob()
		}
		e.end(execution.StatusFailed, fmt.Errorf("dataflow job %s failed: %s", st.ID, st.Error))
	case st.State == df.JobCancelled || e.stopping.Load():
		e.end(execution.StatusStopped, nil)
	case st.State == df.JobFailed:
		e.end(execution.StatusFailed, fmt.Errorf("dataflow job %s failed", st.ID))
	default:
		e.end(execution.StatusFinished, nil)
	}
}

func (e *Engine) end(status execution.Status, cause error) {
	e.lc.Finish(context.Background(), status, cause)
}

// mirror raises execution counters to the job's cumulative values.
func (e *Engine) mirror(st df.JobStatus) {
	state := e.lc.State()
	var input, output, rowErrors int64
	for _, stage := range e.pipeline.Stages {
		byName := st.Counters[stage.ID]
		for name, v := range byName {
			state.Raise(execution.TransformCounter(stage.ID, name), v)
		}
		step := e.plan.Step(stage.ID)
		if step == nil {
			continue
		}
		if stage.Kind == df.KindSource {
			input += byName[translator.CounterOutput]
		}
		if step.IsTerminal() {
			output += byName[translator.CounterOutput]
		}
		rowErrors += byName[translator.CounterErrors]
	}
	state.Raise(execution.CounterInput, input)
	state.Raise(execution.CounterOutput, output)
	state.Raise(execution.CounterErrors, rowErrors)
	state.SetDetail("dataflow.job.state", string(st.State))
	if st.Error != "" {
		state.SetDetail("dataflow.job.error", st.Error)
	}
}

// Stop waits for a Start in progress, then either ends a prepared execution
// or cancels the submitted job and waits for the monitor to see it end.
func (e *Engine) Stop(ctx context.Context) error {
	if e.lc.Status() == execution.StatusCreated {
		return nil
	}
	e.stopping.Store(true)
	e.mu.Lock()
	job := e.job
	if job == nil && e.lc.Finish(ctx, execution.StatusStopped, nil) {
		e.closePlan()
	}
	e.mu.Unlock()
	if job != nil {
		e.cancelling.Lock()
		if !e.lc.Status().Terminal() {
			if err := job.Cancel(ctx); err != nil {
				e.lc.Log().Warn("cancelling job failed", "job", job.ID(), "err", err)
			}
		}
		e.cancelling.Unlock()
	}

	_, err := e.lc.Wait(ctx)
	if ctx.Err() != nil {
		return err
	}
	return nil
}

// Abort fails the execution at once without waiting for a Start in
// progress. A submitted job is cancelled by whichever of Abort, Start or the
// monitor gets to it first.
func (e *Engine) Abort(cause error) {
	if cause == nil {
		cause = errors.New("aborted")
	}
	e.cancelling.Lock()
	defer e.cancelling.Unlock()
	if !e.lc.Finish(context.Background(), execution.StatusFailed, cause) {
		return
	}
	if e.mu.TryLock() {
		defer e.mu.Unlock()
		e.releaseAborted()
		return
	}
	go func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.releaseAborted()
	}()
}

// releaseAborted runs with mu held.
func (e *Engine) releaseAborted() {
	if e.job != nil {
		e.cancelJob()
		return
	}
	e.closePlan()
}
