// Package groupby aggregates rows per key. Results are emitted when the
// input ends, or when a window closes on a dataflow engine.
package groupby

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hopflow/internal/registry"
	"hopflow/internal/row"
	"hopflow/internal/transform"
)

const PluginID = "groupby"

func Register(reg *registry.Registry) error {
	return registry.Register(reg, registry.Descriptor{
		ID:          PluginID,
		Name:        "Group by",
		Category:    registry.CategoryTransform,
		Tags:        []string{transform.TagAggregate},
		Description: "Counts, sums and min/max per group of key fields",
	}, func() (*GroupBy, error) { return &GroupBy{}, nil })
}

type Op string

const (
	OpCount Op = "count"
	OpSum   Op = "sum"
	OpMin   Op = "min"
	OpMax   Op = "max"
)

type Aggregate struct {
	Name  string `json:"name"`
	Op    Op     `json:"op"`
	Field string `json:"field,omitempty"`
}

type Config struct {
	Keys       []string    `json:"keys"`
	Aggregates []Aggregate `json:"aggregates"`
}

type GroupBy struct {
	transform.NopClose
	cfg    Config
	keys   []int
	fields []int
	types  []row.Type

	groups map[string]*state
	order  []string
}

type state struct {
	key  []any
	vals []any
}

func (g *GroupBy) Configure(ctx transform.Context) (row.Schema, error) {
	if err := ctx.DecodeConfig(&g.cfg); err != nil {
		return row.Schema{}, err
	}
	if len(g.cfg.Aggregates) == 0 {
		return row.Schema{}, fmt.Errorf("groupby %s: no aggregates", ctx.Name)
	}
	var out []row.Field
	for _, k := range g.cfg.Keys {
		i := ctx.Input.Index(k)
		if i < 0 {
			return row.Schema{}, fmt.Errorf("groupby %s: key %q not in input %s", ctx.Name, k, ctx.Input)
		}
		g.keys = append(g.keys, i)
		out = append(out, ctx.Input.Field(i))
	}
	for _, a := range g.cfg.Aggregates {
		if a.Name == "" {
			return row.Schema{}, fmt.Errorf("groupby %s: aggregate without name", ctx.Name)
		}
		idx, typ := -1, row.TypeInt
		if a.Op != OpCount {
			if idx = ctx.Input.Index(a.Field); idx < 0 {
				return row.Schema{}, fmt.Errorf("groupby %s: %s field %q not in input", ctx.Name, a.Op, a.Field)
			}
			typ = ctx.Input.Field(idx).Type
		}
		switch a.Op {
		case OpCount:
		case OpSum:
			if typ != row.TypeInt && typ != row.TypeNumber {
				return row.Schema{}, fmt.Errorf("groupby %s: cannot sum %s field %q", ctx.Name, typ, a.Field)
			}
		case OpMin, OpMax:
			switch typ {
			case row.TypeInt, row.TypeNumber, row.TypeText, row.TypeDate, row.TypeTimestamp:
			default:
				return row.Schema{}, fmt.Errorf("groupby %s: cannot order %s field %q", ctx.Name, typ, a.Field)
			}
		default:
			return row.Schema{}, fmt.Errorf("groupby %s: unknown op %q", ctx.Name, a.Op)
		}
		g.fields = append(g.fields, idx)
		g.types = append(g.types, typ)
		out = append(out, row.Field{Name: a.Name, Type: typ, Nullable: a.Op == OpMin || a.Op == OpMax})
	}
	g.reset()
	return row.NewSchema(out...)
}

func (g *GroupBy) reset() {
	g.groups = make(map[string]*state)
	g.order = nil
}

func (g *GroupBy) ProcessRow(_ context.Context, r row.Row, _ transform.Emit) error {
	key := make([]any, len(g.keys))
	for i, k := range g.keys {
		key[i] = r[k]
	}
	b, err := json.Marshal(key)
	if err != nil {
		return err
	}
	id := string(b)
	st, ok := g.groups[id]
	if !ok {
		st = &state{key: key, vals: make([]any, len(g.cfg.Aggregates))}
		g.groups[id] = st
		g.order = append(g.order, id)
	}
	for i, a := range g.cfg.Aggregates {
		if err := g.apply(st, i, a.Op, r); err != nil {
			return fmt.Errorf("%s: %w", a.Name, err)
		}
	}
	return nil
}

func (g *GroupBy) apply(st *state, i int, op Op, r row.Row) error {
	if op == OpCount {
		n, _ := st.vals[i].(int64)
		st.vals[i] = n + 1
		return nil
	}
	v := r[g.fields[i]]
	if v == nil {
		return nil
	}
	cur := st.vals[i]
	switch op {
	case OpSum:
		switch x := v.(type) {
		case int64:
			n, _ := cur.(int64)
			st.vals[i] = n + x
		case float64:
			n, _ := cur.(float64)
			st.vals[i] = n + x
		default:
			return fmt.Errorf("cannot sum %T", v)
		}
	case OpMin, OpMax:
		if cur == nil {
			st.vals[i] = v
			return nil
		}
		c, err := compare(v, cur)
		if err != nil {
			return err
		}
		if (op == OpMin && c < 0) || (op == OpMax && c > 0) {
			st.vals[i] = v
		}
	}
	return nil
}

func compare(a, b any) (int, error) {
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			return cmp.Compare(x, y), nil
		}
	case float64:
		if y, ok := b.(float64); ok {
			return cmp.Compare(x, y), nil
		}
	case string:
		if y, ok := b.(string); ok {
			return cmp.Compare(x, y), nil
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y), nil
		}
	}
	return 0, errors.New("values of different types")
}

// Flush emits one row per group in first-seen order and starts over.
func (g *GroupBy) Flush(_ context.Context, emit transform.Emit) error {
	defer g.reset()
	for _, id := range g.order {
		st := g.groups[id]
		out := make(row.Row, 0, len(st.key)+len(st.vals))
		out = append(out, st.key...)
		for i, a := range g.cfg.Aggregates {
			v := st.vals[i]
			if v == nil && a.Op == OpSum {
				v = zero(g.types[i])
			}
			out = append(out, v)
		}
		if err := emit(out); err != nil {
			return err
		}
	}
	return nil
}

func zero(t row.Type) any {
	if t == row.TypeNumber {
		return float64(0)
	}
	return int64(0)
}
