// Package pipeline is the workflow action that runs a pipeline file and
// waits for it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"hopflow/internal/action"
	"hopflow/internal/execution"
	"hopflow/internal/registry"
	"hopflow/internal/variables"
)

const PluginID = "pipeline"

// Runner runs a pipeline file with a named run configuration; an empty name
// picks the default pipeline configuration.
type Runner interface {
	RunFile(ctx context.Context, path, runConfig string, vars variables.Variables) (execution.Snapshot, error)
}

type Config struct {
	File             string            `json:"file"`
	RunConfiguration string            `json:"run_configuration"`
	Parameters       map[string]string `json:"parameters"`
}

func Register(reg *registry.Registry, runner Runner) error {
	if runner == nil {
		return errors.New("pipeline action: nil runner")
	}
	return registry.Register(reg, registry.Descriptor{
		ID:          PluginID,
		Name:        "Pipeline",
		Category:    registry.CategoryAction,
		Description: "Runs a pipeline and succeeds when it finishes",
	}, func() (*Action, error) { return &Action{runner: runner}, nil })
}

type Action struct {
	runner Runner
	name   string
	cfg    Config
	path   string
	vars   variables.Variables
}

func (a *Action) Configure(ctx action.Context) error {
	if err := ctx.DecodeConfig(&a.cfg); err != nil {
		return err
	}
	if a.cfg.File == "" {
		return fmt.Errorf("pipeline action %s: file is empty", ctx.Name)
	}
	a.name = ctx.Name
	a.path = a.cfg.File
	// relative to the workflow file
	if dir := ctx.Variables[variables.WorkflowDir]; dir != "" && !filepath.IsAbs(a.path) {
		a.path = filepath.Join(dir, a.path)
	}
	a.vars = ctx.Variables.Clone()
	return nil
}

func (a *Action) Execute(ctx context.Context, prev action.Result) (action.Result, error) {
	vars := a.vars.Merge(prev.Variables).Merge(a.cfg.Parameters)
	delete(vars, variables.WorkflowDir)

	snap, err := a.runner.RunFile(ctx, a.path, a.cfg.RunConfiguration, vars)
	if err != nil && snap.Status == "" {
		return action.Result{}, err
	}
	res := action.Result{Success: snap.Status == execution.StatusFinished, Errors: prev.Errors + snap.Counter(execution.CounterErrors)}
	if !res.Success {
		res.ExitStatus = 1
		res.Message = fmt.Sprintf("pipeline %s ended %s", a.cfg.File, snap.Status)
		if snap.Error != "" {
			res.Message += ": " + snap.Error
		}
		if res.Errors == prev.Errors {
			res.Errors++
		}
	}
	return res, nil
}
