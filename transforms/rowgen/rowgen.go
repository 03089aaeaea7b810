// Package rowgen implements the rowgen source: it emits a fixed list of rows
// a number of times, optionally stamping each with an advancing timestamp.
package rowgen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hopflow/internal/registry"
	"hopflow/internal/row"
	"hopflow/internal/transform"
)

const PluginID = "rowgen"

type TimestampCfg struct {
	Field  string `json:"field"`
	Start  string `json:"start"` // RFC 3339; default is the time Open runs
	StepMS int64  `json:"step_ms"`
}

type Config struct {
	Fields []row.Field `json:"fields"`
	Rows   [][]any     `json:"rows"`
	// Repeat is how many times the rows are emitted; -1 repeats until
	// stopped. Default 1.
	Repeat     int64         `json:"repeat"`
	Timestamp  *TimestampCfg `json:"timestamp"`
	IntervalMS int64         `json:"interval_ms"`
}

func Register(reg *registry.Registry) error {
	return registry.Register(reg, registry.Descriptor{
		ID:          PluginID,
		Name:        "Generate rows",
		Category:    registry.CategoryTransform,
		Tags:        []string{transform.TagSource},
		Description: "Emits a configured list of rows",
	}, func() (*Generator, error) { return &Generator{}, nil })
}

type Generator struct {
	transform.NopClose
	cfg   Config
	rows  []row.Row
	start time.Time
	step  time.Duration
}

func (g *Generator) Configure(ctx transform.Context) (row.Schema, error) {
	g.cfg = Config{Repeat: 1}
	if err := ctx.DecodeConfig(&g.cfg); err != nil {
		return row.Schema{}, err
	}
	fail := func(format string, args ...any) (row.Schema, error) {
		return row.Schema{}, fmt.Errorf("rowgen %s: %s", ctx.Name, fmt.Sprintf(format, args...))
	}
	if g.cfg.Repeat < -1 {
		return fail("repeat %d (want -1 or more)", g.cfg.Repeat)
	}
	fields := g.cfg.Fields
	for _, f := range fields {
		if !f.Type.Valid() {
			return fail("field %q has unsupported type %q", f.Name, f.Type)
		}
	}
	if ts := g.cfg.Timestamp; ts != nil {
		if ts.Field == "" {
			return fail("timestamp needs a field name")
		}
		fields = append(fields, row.Field{Name: ts.Field, Type: row.TypeTimestamp})
		g.step = time.Duration(ts.StepMS) * time.Millisecond
		if ts.Start != "" {
			start, err := time.Parse(time.RFC3339Nano, ts.Start)
			if err != nil {
				return fail("timestamp start: %v", err)
			}
			g.start = start
		}
	}
	out, err := row.NewSchema(fields...)
	if err != nil {
		return fail("%v", err)
	}

	templates := g.cfg.Rows
	if len(templates) == 0 {
		if len(g.cfg.Fields) > 0 {
			return fail("no rows")
		}
		templates = [][]any{{}}
	}
	g.rows = g.rows[:0]
	for i, raw := range templates {
		if len(raw) != len(g.cfg.Fields) {
			return fail("row %d has %d values for %d fields", i, len(raw), len(g.cfg.Fields))
		}
		r := make(row.Row, len(raw))
		for j, v := range raw {
			f := g.cfg.Fields[j]
			c, err := row.Coerce(f.Type, v)
			if err != nil {
				return fail("row %d field %q: %v", i, f.Name, err)
			}
			if c == nil && !f.Nullable {
				return fail("row %d field %q is null", i, f.Name)
			}
			r[j] = c
		}
		g.rows = append(g.rows, r)
	}
	return out, nil
}

func (g *Generator) Open(context.Context) error {
	if g.cfg.Timestamp != nil && g.start.IsZero() {
		g.start = time.Now().UTC()
	}
	return nil
}

func (*Generator) ProcessRow(context.Context, row.Row, transform.Emit) error {
	return errors.New("rowgen: source has no input")
}

func (g *Generator) Produce(ctx context.Context, emit transform.Emit) error {
	var (
		n     int64
		pause *time.Ticker
	)
	if g.cfg.IntervalMS > 0 {
		pause = time.NewTicker(time.Duration(g.cfg.IntervalMS) * time.Millisecond)
		defer pause.Stop()
	}
	for pass := int64(0); g.cfg.Repeat < 0 || pass < g.cfg.Repeat; pass++ {
		for _, tmpl := range g.rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			if pause != nil && n > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-pause.C:
				}
			}
			r := tmpl.Clone()
			if g.cfg.Timestamp != nil {
				r = append(r, g.start.Add(time.Duration(n)*g.step))
			}
			if err := emit(r); err != nil {
				return err
			}
			n++
		}
	}
	return nil
}
