// Package filter keeps the rows matching a field condition. A second
// condition, fail_on, turns matching rows into row errors.
package filter

import (
	"cmp"
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"hopflow/internal/registry"
	"hopflow/internal/row"
	"hopflow/internal/transform"
)

const PluginID = "filter"

type Op string

const (
	OpEq         Op = "="
	OpNe         Op = "!="
	OpLt         Op = "<"
	OpLe         Op = "<="
	OpGt         Op = ">"
	OpGe         Op = ">="
	OpNull       Op = "is_null"
	OpNotNull    Op = "not_null"
	OpContains   Op = "contains"
	OpMultipleOf Op = "multiple_of"
)

type Condition struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

type Config struct {
	Condition *Condition `json:"condition"`
	// Negate keeps the rows the condition rejects.
	Negate bool       `json:"negate"`
	FailOn *Condition `json:"fail_on"`
}

func Register(reg *registry.Registry) error {
	return registry.Register(reg, registry.Descriptor{
		ID:          PluginID,
		Name:        "Filter rows",
		Category:    registry.CategoryTransform,
		Description: "Keeps rows matching a condition",
	}, func() (*Filter, error) { return &Filter{}, nil })
}

type Filter struct {
	transform.NopClose
	negate bool
	keep   *matcher
	fail   *matcher
}

// matcher is a condition bound to a field position with its operand
// already converted to the field type.
type matcher struct {
	Condition
	index   int
	typ     row.Type
	operand any
}

func (f *Filter) Configure(ctx transform.Context) (row.Schema, error) {
	var cfg Config
	if err := ctx.DecodeConfig(&cfg); err != nil {
		return row.Schema{}, err
	}
	var err error
	if f.keep, err = bind(ctx.Input, cfg.Condition); err != nil {
		return row.Schema{}, fmt.Errorf("filter %s: condition: %w", ctx.Name, err)
	}
	if f.fail, err = bind(ctx.Input, cfg.FailOn); err != nil {
		return row.Schema{}, fmt.Errorf("filter %s: fail_on: %w", ctx.Name, err)
	}
	f.negate = cfg.Negate
	return ctx.Input, nil
}

func bind(s row.Schema, c *Condition) (*matcher, error) {
	if c == nil {
		return nil, nil
	}
	m := &matcher{Condition: *c, index: s.Index(c.Field)}
	if m.index < 0 {
		return nil, fmt.Errorf("field %q not in input %s", c.Field, s)
	}
	m.typ = s.Field(m.index).Type
	switch c.Op {
	case OpNull, OpNotNull:
		return m, nil
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		if m.typ == row.TypeBinary {
			return nil, fmt.Errorf("%q is binary and cannot be compared", c.Field)
		}
	case OpContains:
		if m.typ != row.TypeText {
			return nil, fmt.Errorf("%s needs a text field, %q is %s", c.Op, c.Field, m.typ)
		}
	case OpMultipleOf:
		if m.typ != row.TypeInt {
			return nil, fmt.Errorf("%s needs an int field, %q is %s", c.Op, c.Field, m.typ)
		}
	default:
		return nil, fmt.Errorf("unknown operator %q", c.Op)
	}
	v, err := row.Coerce(m.typ, c.Value)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("%s needs a value", c.Op)
	}
	if c.Op == OpMultipleOf && v.(int64) == 0 {
		return nil, fmt.Errorf("%s 0", c.Op)
	}
	m.operand = v
	return m, nil
}

func (f *Filter) ProcessRow(_ context.Context, r row.Row, emit transform.Emit) error {
	if f.fail != nil {
		hit, err := f.fail.match(r)
		if err != nil {
			return err
		}
		if hit {
			return fmt.Errorf("filter: %s %s %v on %v", f.fail.Field, f.fail.Op, f.fail.Value, r[f.fail.index])
		}
	}
	if f.keep == nil {
		return emit(r)
	}
	hit, err := f.keep.match(r)
	if err != nil {
		return err
	}
	if hit != f.negate {
		return emit(r)
	}
	return nil
}

func (m *matcher) match(r row.Row) (bool, error) {
	v := r[m.index]
	switch m.Op {
	case OpNull:
		return v == nil, nil
	case OpNotNull:
		return v != nil, nil
	}
	if v == nil {
		// a null never satisfies a comparison
		return false, nil
	}
	switch m.Op {
	case OpContains:
		return strings.Contains(v.(string), m.operand.(string)), nil
	case OpMultipleOf:
		return v.(int64)%m.operand.(int64) == 0, nil
	}
	c, err := compare(m.typ, v, m.operand)
	if err != nil {
		return false, err
	}
	switch m.Op {
	case OpEq:
		return c == 0, nil
	case OpNe:
		return c != 0, nil
	case OpLt:
		return c < 0, nil
	case OpLe:
		return c <= 0, nil
	case OpGt:
		return c > 0, nil
	default:
		return c >= 0, nil
	}
}

func compare(t row.Type, a, b any) (int, error) {
	switch t {
	case row.TypeInt:
		return cmp.Compare(a.(int64), b.(int64)), nil
	case row.TypeNumber:
		return cmp.Compare(a.(float64), b.(float64)), nil
	case row.TypeText:
		return strings.Compare(a.(string), b.(string)), nil
	case row.TypeDate, row.TypeTimestamp:
		return a.(time.Time).Compare(b.(time.Time)), nil
	case row.TypeBoolean:
		x, y := a.(bool), b.(bool)
		switch {
		case x == y:
			return 0, nil
		case !x:
			return -1, nil
		}
		return 1, nil
	case row.TypeBigNumber:
		x, ok1 := new(big.Float).SetString(a.(string))
		y, ok2 := new(big.Float).SetString(b.(string))
		if !ok1 || !ok2 {
			return 0, fmt.Errorf("filter: cannot compare %v and %v", a, b)
		}
		return x.Cmp(y), nil
	}
	return 0, fmt.Errorf("filter: %s values are not comparable", t)
}
