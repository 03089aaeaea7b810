// Package plugins installs the built-in engines, transforms, actions and
// extensions into a registry.
package plugins

import (
	"context"
	"errors"
	"log/slog"

	"hopflow/actions/abort"
	"hopflow/actions/checkdb"
	pipelineaction "hopflow/actions/pipeline"
	"hopflow/actions/success"
	"hopflow/actions/wait"
	"hopflow/internal/action"
	"hopflow/internal/engine"
	enginedf "hopflow/internal/engine/dataflow"
	"hopflow/internal/engine/local"
	"hopflow/internal/execution"
	"hopflow/internal/extension"
	"hopflow/internal/registry"
	"hopflow/internal/transform"
	"hopflow/internal/variables"
	"hopflow/internal/workflow"
	kafkaout "hopflow/sink/kafka"
	kafkain "hopflow/source/kafka"
	"hopflow/transforms/dummy"
	"hopflow/transforms/filter"
	"hopflow/transforms/groupby"
	"hopflow/transforms/rowgen"
	"hopflow/transforms/uppercase"
	"hopflow/transforms/window"
	"hopflow/transforms/writelog"
)

// HistoryID is the extension recording every execution.
const HistoryID = "execution-history"

type Options struct {
	// Runners serve the dataflow engine; nil leaves it out.
	Runners enginedf.Runners
	// Pipelines serves the pipeline action; nil leaves it out.
	Pipelines pipelineaction.Runner
	// History, when set, receives every execution snapshot.
	History execution.Location
}

// Register installs every built-in plugin into deps.Registry.
func Register(deps engine.Deps, opts Options) error {
	reg := deps.Registry
	if reg == nil {
		return errors.New("plugins: no registry")
	}
	registry.Declare[transform.Transform](reg, registry.CategoryTransform)
	registry.Declare[action.Action](reg, registry.CategoryAction)
	registry.Declare[extension.Plugin](reg, registry.CategoryExtension)

	steps := []func() error{
		func() error { return local.Register(reg, deps) },
		func() error { return workflow.RegisterLocal(reg, deps) },
	}
	if opts.Runners != nil {
		steps = append(steps, func() error { return enginedf.Register(reg, deps, opts.Runners) })
	}
	for _, r := range []func(*registry.Registry) error{
		rowgen.Register,
		dummy.Register,
		filter.Register,
		uppercase.Register,
		writelog.Register,
		window.Register,
		groupby.Register,
		kafkain.Register,
		kafkaout.Register,
		success.Register,
		abort.Register,
		wait.Register,
		checkdb.Register,
	} {
		steps = append(steps, func() error { return r(reg) })
	}
	if opts.Pipelines != nil {
		steps = append(steps, func() error { return pipelineaction.Register(reg, opts.Pipelines) })
	}
	if opts.History != nil {
		steps = append(steps, func() error { return registerHistory(reg, opts.History) })
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// history is execution.Recorder as an extension plugin.
type history struct {
	rec execution.Recorder
}

func (h *history) PointID() string { return extension.ExecutionStateUpdated }

func (h *history) Handle(ctx context.Context, log *slog.Logger, vars variables.Variables, subject any) error {
	return h.rec.Handle(ctx, log, vars, subject)
}

func registerHistory(reg *registry.Registry, loc execution.Location) error {
	return registry.Register(reg, registry.Descriptor{
		ID:          HistoryID,
		Name:        "Execution history",
		Category:    registry.CategoryExtension,
		Description: "Records every execution state update",
	}, func() (*history, error) { return &history{rec: execution.Recorder{Location: loc}}, nil })
}
