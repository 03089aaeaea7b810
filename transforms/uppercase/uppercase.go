// Package uppercase upper-cases text fields.
package uppercase

import (
	"context"
	"fmt"
	"strings"

	"hopflow/internal/registry"
	"hopflow/internal/row"
	"hopflow/internal/transform"
)

const PluginID = "uppercase"

type Config struct {
	// Fields to convert; empty means every text field.
	Fields []string `json:"fields"`
	// Marker, when set, names a text field appended to each row holding
	// "uppercase".
	Marker string `json:"marker"`
}

func Register(reg *registry.Registry) error {
	return registry.Register(reg, registry.Descriptor{
		ID:          PluginID,
		Name:        "Upper case",
		Category:    registry.CategoryTransform,
		Description: "Converts text fields to upper case",
	}, func() (*Uppercase, error) { return &Uppercase{}, nil })
}

type Uppercase struct {
	transform.NopClose
	idx    []int
	marker bool
}

func (u *Uppercase) Configure(ctx transform.Context) (row.Schema, error) {
	var cfg Config
	if err := ctx.DecodeConfig(&cfg); err != nil {
		return row.Schema{}, err
	}
	u.idx = u.idx[:0]
	if len(cfg.Fields) == 0 {
		for i, f := range ctx.Input.Fields() {
			if f.Type == row.TypeText {
				u.idx = append(u.idx, i)
			}
		}
	}
	for _, name := range cfg.Fields {
		i := ctx.Input.Index(name)
		if i < 0 {
			return row.Schema{}, fmt.Errorf("uppercase %s: field %q not in input %s", ctx.Name, name, ctx.Input)
		}
		if t := ctx.Input.Field(i).Type; t != row.TypeText {
			return row.Schema{}, fmt.Errorf("uppercase %s: field %q is %s, not text", ctx.Name, name, t)
		}
		u.idx = append(u.idx, i)
	}
	u.marker = cfg.Marker != ""
	if !u.marker {
		return ctx.Input, nil
	}
	return ctx.Input.Append(row.Field{Name: cfg.Marker, Type: row.TypeText})
}

func (u *Uppercase) ProcessRow(_ context.Context, r row.Row, emit transform.Emit) error {
	out := r.Clone()
	for _, i := range u.idx {
		if s, ok := out[i].(string); ok {
			out[i] = strings.ToUpper(s)
		}
	}
	if u.marker {
		out = append(out, PluginID)
	}
	return emit(out)
}
