// Package pipeline runs pipelines and workflows: it picks the engine named by
// the run configuration, drives it through its lifecycle and hands back the
// final state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hopflow/internal/engine"
	errs "hopflow/internal/errors"
	"hopflow/internal/execution"
	"hopflow/internal/extension"
	"hopflow/internal/graph"
	"hopflow/internal/logging"
	"hopflow/internal/registry"
	"hopflow/internal/runconfig"
	"hopflow/internal/variables"
	"hopflow/internal/workflow"
)

type Runner struct {
	Registry *registry.Registry
	// Store resolves run configurations by name for RunFile.
	Store runconfig.Store
	// Bus and Locations serve run configurations naming an execution-info
	// location.
	Bus       *extension.Bus
	Locations map[string]execution.Location
	// Timeout bounds Prepare and Start; zero waits as long as they take.
	Timeout time.Duration
	Logger  *slog.Logger
}

func (r *Runner) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return logging.Channel("runner")
}

// controlled is what the runner needs from pipeline and workflow engines
// once they are prepared.
type controlled interface {
	PluginID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Abort(cause error)
	Wait(ctx context.Context) (execution.Snapshot, error)
	State() execution.Snapshot
}

// Execute runs g once with the engine of rc. Variables of rc override vars.
// Cancelling ctx stops the execution; the final snapshot is returned either
// way, with the failure cause as error.
func (r *Runner) Execute(ctx context.Context, g *graph.Graph, rc *runconfig.RunConfiguration, vars variables.Variables) (execution.Snapshot, error) {
	if err := checkKind(rc, runconfig.KindPipeline); err != nil {
		return execution.Snapshot{}, err
	}
	eng, err := engine.New(r.Registry, rc.Engine.EnginePluginID())
	if err != nil {
		return execution.Snapshot{}, err
	}
	vars, rc = vars.Merge(rc.VariableMap()), rc.Clone()
	return r.drive(ctx, eng, rc, func(ctx context.Context) error {
		return eng.Prepare(ctx, g, vars, rc)
	})
}

// ExecuteWorkflow is Execute for workflows.
func (r *Runner) ExecuteWorkflow(ctx context.Context, g *workflow.Graph, rc *runconfig.RunConfiguration, vars variables.Variables) (execution.Snapshot, error) {
	if err := checkKind(rc, runconfig.KindWorkflow); err != nil {
		return execution.Snapshot{}, err
	}
	eng, err := workflow.New(r.Registry, rc.Engine.EnginePluginID())
	if err != nil {
		return execution.Snapshot{}, err
	}
	vars, rc = vars.Merge(rc.VariableMap()), rc.Clone()
	return r.drive(ctx, eng, rc, func(ctx context.Context) error {
		return eng.Prepare(ctx, g, vars, rc)
	})
}

// RunFile compiles the pipeline at path and executes it with the run
// configuration called runConfig, or the default pipeline configuration.
func (r *Runner) RunFile(ctx context.Context, path, runConfig string, vars variables.Variables) (execution.Snapshot, error) {
	g, base, err := Compile(path)
	if err != nil {
		return execution.Snapshot{}, err
	}
	rc, err := r.runConfiguration(runConfig, runconfig.KindPipeline)
	if err != nil {
		return execution.Snapshot{}, err
	}
	return r.Execute(ctx, g, rc, base.Merge(vars))
}

// RunWorkflowFile is RunFile for workflow files.
func (r *Runner) RunWorkflowFile(ctx context.Context, path, runConfig string, vars variables.Variables) (execution.Snapshot, error) {
	g, base, err := CompileWorkflow(path)
	if err != nil {
		return execution.Snapshot{}, err
	}
	rc, err := r.runConfiguration(runConfig, runconfig.KindWorkflow)
	if err != nil {
		return execution.Snapshot{}, err
	}
	return r.ExecuteWorkflow(ctx, g, rc, base.Merge(vars))
}

func (r *Runner) runConfiguration(name string, kind runconfig.Kind) (*runconfig.RunConfiguration, error) {
	if r.Store == nil {
		return nil, errors.New("runner: no run configuration store")
	}
	if name == "" {
		return runconfig.Default(r.Store, kind)
	}
	return r.Store.Load(name)
}

func checkKind(rc *runconfig.RunConfiguration, kind runconfig.Kind) error {
	if rc == nil {
		return errors.New("runner: no run configuration")
	}
	if err := rc.Validate(); err != nil {
		return err
	}
	if rc.Kind != kind {
		return fmt.Errorf("runner: run configuration %s is for a %s, not a %s", rc.Name, rc.Kind, kind)
	}
	return nil
}

func (r *Runner) drive(ctx context.Context, e controlled, rc *runconfig.RunConfiguration, prepare func(context.Context) error) (execution.Snapshot, error) {
	id := e.State().ID
	if rc.ExecutionInfoLocation != "" {
		detach, err := r.record(id, rc.ExecutionInfoLocation)
		if err != nil {
			return e.State(), err
		}
		defer detach()
	}
	log := r.log().With("execution", id, "engine", e.PluginID(), "run_configuration", rc.Name)

	if err := r.bounded(ctx, e, "prepare", prepare); err != nil {
		log.Warn("prepare failed", "err", err)
		return e.State(), err
	}
	if ctx.Err() != nil {
		_ = e.Stop(context.Background())
		return e.Wait(context.Background())
	}
	if err := r.bounded(ctx, e, "start", e.Start); err != nil {
		log.Warn("start failed", "err", err)
		return e.State(), err
	}
	log.Info("execution started")

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			log.Info("stopping execution")
			_ = e.Stop(context.Background())
		case <-finished:
		}
	}()
	snap, err := e.Wait(context.Background())
	log.Info("execution ended", "status", snap.Status, "duration", snap.Duration())
	return snap, err
}

// bounded runs call under the runner timeout. A call that does not return in
// time fails the execution: the engine is aborted, which cancels any remote
// job, and the call is left to return on its own.
func (r *Runner) bounded(ctx context.Context, e controlled, step string, call func(context.Context) error) error {
	if r.Timeout <= 0 {
		return call(ctx)
	}
	done := make(chan error, 1)
	go func() { done <- call(ctx) }()
	t := time.NewTimer(r.Timeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		err := errs.EngineRuntime(e.PluginID(), fmt.Errorf("%s did not return within %s", step, r.Timeout))
		e.Abort(err)
		return err
	}
}

// record subscribes a recorder for one execution to the named location.
func (r *Runner) record(id, location string) (func(), error) {
	loc, ok := r.Locations[location]
	if !ok {
		return nil, fmt.Errorf("runner: unknown execution-info location %q", location)
	}
	if r.Bus == nil {
		return nil, errors.New("runner: execution-info location needs an extension bus")
	}
	rec := execution.Recorder{Location: loc}
	return r.Bus.Subscribe(extension.ExecutionStateUpdated, extension.HandlerFunc(
		func(ctx context.Context, log *slog.Logger, vars variables.Variables, subject any) error {
			if s, ok := subject.(execution.Snapshot); ok && s.ID == id {
				return rec.Handle(ctx, log, vars, subject)
			}
			return nil
		})), nil
}
