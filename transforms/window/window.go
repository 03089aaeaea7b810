// Package window marks where rows are grouped into time windows. It only has
// meaning on a dataflow engine, which turns it into a window stage.
package window

import (
	"context"
	"fmt"

	"hopflow/internal/dataflow"
	"hopflow/internal/registry"
	"hopflow/internal/row"
	"hopflow/internal/transform"
)

const PluginID = "window"

func Register(reg *registry.Registry) error {
	return registry.Register(reg, registry.Descriptor{
		ID:          PluginID,
		Name:        "Window",
		Category:    registry.CategoryTransform,
		Tags:        []string{transform.TagWindow, transform.TagDataflowOnly},
		Description: "Assigns rows to fixed, sliding, session or global windows",
	}, func() (*Window, error) { return &Window{}, nil })
}

type Window struct {
	transform.NopClose
	spec dataflow.WindowSpec
}

// Configure appends the configured window bound fields to the input schema.
func (w *Window) Configure(ctx transform.Context) (row.Schema, error) {
	if err := ctx.DecodeConfig(&w.spec); err != nil {
		return row.Schema{}, err
	}
	if w.spec.Type == "" {
		w.spec.Type = dataflow.WindowGlobal
	}
	if err := w.spec.Validate(); err != nil {
		return row.Schema{}, fmt.Errorf("window %s: %w", ctx.Name, err)
	}
	if f := w.spec.TimestampField; f != "" {
		i := ctx.Input.Index(f)
		if i < 0 {
			return row.Schema{}, fmt.Errorf("window %s: timestamp field %q not in input %s", ctx.Name, f, ctx.Input)
		}
		switch t := ctx.Input.Field(i).Type; t {
		case row.TypeTimestamp, row.TypeDate, row.TypeInt:
		default:
			return row.Schema{}, fmt.Errorf("window %s: timestamp field %q is %s", ctx.Name, f, t)
		}
	}
	var bounds []row.Field
	for _, name := range w.spec.BoundFields() {
		bounds = append(bounds, row.Field{Name: name, Type: row.TypeTimestamp, Nullable: true})
	}
	return ctx.Input.Append(bounds...)
}

// ProcessRow places every row in the global window.
func (w *Window) ProcessRow(_ context.Context, r row.Row, emit transform.Emit) error {
	return emit(append(r.Clone(), w.spec.BoundValues(dataflow.Global)...))
}
