// Package success ends a workflow branch with a successful result.
package success

import (
	"context"

	"hopflow/internal/action"
	"hopflow/internal/registry"
)

const PluginID = "success"

func Register(reg *registry.Registry) error {
	return registry.Register(reg, registry.Descriptor{
		ID:          PluginID,
		Name:        "Success",
		Category:    registry.CategoryAction,
		Description: "Clears errors and reports success",
	}, func() (*Success, error) { return &Success{}, nil })
}

type Success struct{}

func (*Success) Configure(action.Context) error { return nil }

func (*Success) Execute(_ context.Context, prev action.Result) (action.Result, error) {
	return action.Result{Success: true, Variables: prev.Variables}, nil
}
