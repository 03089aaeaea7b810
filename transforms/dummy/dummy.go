// Package dummy passes rows through untouched.
package dummy

import (
	"context"

	"hopflow/internal/registry"
	"hopflow/internal/row"
	"hopflow/internal/transform"
)

const PluginID = "dummy"

func Register(reg *registry.Registry) error {
	return registry.Register(reg, registry.Descriptor{
		ID:          PluginID,
		Name:        "Dummy",
		Category:    registry.CategoryTransform,
		Description: "Does nothing; useful as a hop junction or a placeholder",
	}, func() (*Dummy, error) { return &Dummy{}, nil })
}

type Dummy struct{ transform.NopClose }

func (*Dummy) Configure(ctx transform.Context) (row.Schema, error) { return ctx.Input, nil }

func (*Dummy) ProcessRow(_ context.Context, r row.Row, emit transform.Emit) error { return emit(r) }
