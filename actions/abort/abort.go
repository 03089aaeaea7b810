// Package abort stops a workflow with a failed result.
package abort

import (
	"context"
	"log/slog"

	"hopflow/internal/action"
	"hopflow/internal/registry"
)

const PluginID = "abort"

type Config struct {
	Message string `json:"message"`
}

func Register(reg *registry.Registry) error {
	return registry.Register(reg, registry.Descriptor{
		ID:          PluginID,
		Name:        "Abort",
		Category:    registry.CategoryAction,
		Description: "Stops the workflow and fails it",
	}, func() (*Abort, error) { return &Abort{}, nil })
}

type Abort struct {
	cfg Config
	log *slog.Logger
}

func (a *Abort) Configure(ctx action.Context) error {
	a.cfg = Config{Message: "aborted by " + ctx.Name}
	a.log = ctx.Log()
	return ctx.DecodeConfig(&a.cfg)
}

func (a *Abort) Execute(_ context.Context, prev action.Result) (action.Result, error) {
	a.log.Error(a.cfg.Message)
	return action.Result{Stopped: true, Errors: prev.Errors + 1, ExitStatus: 1, Message: a.cfg.Message}, nil
}
