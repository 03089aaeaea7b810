package translator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"hopflow/internal/dataflow"
	errs "hopflow/internal/errors"
	"hopflow/internal/extension"
	"hopflow/internal/registry"
	"hopflow/internal/row"
	"hopflow/internal/transform"
)

// Counter names kept by every TransformFn.
const (
	CounterInit   = "init"
	CounterInput  = "input"
	CounterOutput = "output"
	CounterErrors = "errors"
)

// RegisterFns installs the worker-side decoder for URN. Workers resolve
// plugins from reg and announce their setup on bus.
func RegisterFns(fns *dataflow.FnRegistry, reg *registry.Registry, bus *extension.Bus) error {
	return fns.Register(URN, func(raw json.RawMessage) (dataflow.DoFn, error) {
		var p Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return &TransformFn{payload: p, reg: reg, bus: bus}, nil
	})
}

// TransformFn runs one transform instance on one worker. Setup pays for
// schema parsing and plugin loading; the per-element path only calls the
// transform.
type TransformFn struct {
	payload Payload
	reg     *registry.Registry
	bus     *extension.Bus

	t                        transform.Transform
	input, output, rowErrors dataflow.Counter
	seq                      int64
}

func (f *TransformFn) Setup(ctx context.Context, wc dataflow.WorkerContext) error {
	p := f.payload
	for _, id := range p.Extensions {
		d, ok := f.reg.Find(id)
		if !ok || d.Category != registry.CategoryExtension {
			return errs.PluginLoad(id, fmt.Errorf("worker for %s cannot load extension", p.Name))
		}
	}
	if err := f.bus.Publish(ctx, extension.DataflowWorkerSetup, p.Variables, wc); err != nil {
		return fmt.Errorf("worker setup for %s: %w", p.Name, err)
	}

	input, err := row.FromTransportDocument(p.Input)
	if err != nil {
		return err
	}
	want, err := row.FromTransportDocument(p.Output)
	if err != nil {
		return err
	}
	t, _, err := registry.InstantiateAs[transform.Transform](f.reg, p.Plugin)
	if err != nil {
		return err
	}
	got, err := t.Configure(transform.Context{
		Name:      p.Name,
		PluginID:  p.Plugin,
		Input:     input,
		Config:    p.Config,
		Variables: p.Variables,
		Logger:    wc.Log().With("transform", p.Name),
		Copy:      wc.Worker,
	})
	if err == nil && !got.Equal(want) {
		err = fmt.Errorf("worker computed output %s, driver planned %s", got, want)
	}
	if err == nil {
		if o, ok := t.(transform.Opener); ok {
			err = o.Open(ctx)
		}
	}
	if err != nil {
		_ = t.Close()
		return errs.GraphValidationWrap(p.Name, err, "worker setup failed")
	}

	f.t = t
	f.input = wc.Counter(CounterInput)
	f.output = wc.Counter(CounterOutput)
	f.rowErrors = wc.Counter(CounterErrors)
	wc.Counter(CounterInit).Inc(1)
	return nil
}

// ProcessElement counts and re-raises row failures; skipping bad rows is
// left to the transform itself.
func (f *TransformFn) ProcessElement(ctx context.Context, e dataflow.Element, emit dataflow.Emitter) error {
	f.input.Inc(1)
	f.seq++
	err := f.t.ProcessRow(ctx, e.Row, func(r row.Row) error {
		f.output.Inc(1)
		return emit(dataflow.Element{Row: r, Timestamp: e.Timestamp, Window: e.Window})
	})
	if err != nil && ctx.Err() == nil {
		f.rowErrors.Inc(1)
		return errs.RowProcessing(f.payload.Name, f.seq, err)
	}
	return err
}

func (f *TransformFn) Produce(ctx context.Context, emit dataflow.Emitter) error {
	src, ok := f.t.(transform.Source)
	if !ok {
		return fmt.Errorf("transform %s (%s) is not a source", f.payload.Name, f.payload.Plugin)
	}
	return src.Produce(ctx, func(r row.Row) error {
		f.output.Inc(1)
		return emit(dataflow.Element{Row: r, Timestamp: time.Now(), Window: dataflow.Global})
	})
}

func (f *TransformFn) Flush(ctx context.Context, w dataflow.Window, emit dataflow.Emitter) error {
	fl, ok := f.t.(transform.Flusher)
	if !ok {
		return nil
	}
	ts := w.MaxTimestamp()
	if w.IsGlobal() {
		ts = time.Now()
	}
	err := fl.Flush(ctx, func(r row.Row) error {
		f.output.Inc(1)
		return emit(dataflow.Element{Row: r, Timestamp: ts, Window: w})
	})
	if err != nil && ctx.Err() == nil {
		f.rowErrors.Inc(1)
		return errs.RowProcessing(f.payload.Name, f.seq, err)
	}
	return err
}

func (f *TransformFn) Teardown() error {
	if f.t == nil {
		return nil
	}
	err := f.t.Close()
	f.t = nil
	return err
}
