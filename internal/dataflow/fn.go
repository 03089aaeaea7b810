package dataflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"hopflow/internal/logging"
)

type Emitter func(Element) error

// DoFn is an element function. Every worker decodes and sets up its own
// instance; nothing is shared between workers except the metrics store.
type DoFn interface {
	Setup(ctx context.Context, wc WorkerContext) error
	ProcessElement(ctx context.Context, e Element, emit Emitter) error
	Teardown() error
}

// SourceFn is implemented by functions that start a pipeline.
type SourceFn interface {
	DoFn
	Produce(ctx context.Context, emit Emitter) error
}

// FlushFn is called when a combine window closes.
type FlushFn interface {
	Flush(ctx context.Context, w Window, emit Emitter) error
}

// WorkerContext is what a function sees of the worker running it.
type WorkerContext struct {
	JobID   string
	Stage   string
	Worker  int
	Metrics *MetricsStore
	Logger  *slog.Logger
}

func (wc WorkerContext) Counter(name string) Counter {
	return Counter{store: wc.Metrics, step: wc.Stage, name: name}
}

func (wc WorkerContext) Log() *slog.Logger {
	if wc.Logger != nil {
		return wc.Logger
	}
	return logging.L()
}

// Decoder builds a fresh function from a stage payload.
type Decoder func(payload json.RawMessage) (DoFn, error)

type FnRegistry struct {
	mu   sync.RWMutex
	byID map[string]Decoder
}

func NewFnRegistry() *FnRegistry {
	return &FnRegistry{byID: make(map[string]Decoder)}
}

func (r *FnRegistry) Register(urn string, dec Decoder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byID[urn]; dup {
		return fmt.Errorf("dataflow: urn %q already registered", urn)
	}
	r.byID[urn] = dec
	return nil
}

func (r *FnRegistry) Has(urn string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[urn]
	return ok
}

func (r *FnRegistry) Decode(urn string, payload json.RawMessage) (DoFn, error) {
	r.mu.RLock()
	dec, ok := r.byID[urn]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("dataflow: no decoder for urn %q", urn)
	}
	fn, err := dec(payload)
	if err != nil {
		return nil, fmt.Errorf("dataflow: decode %s: %w", urn, err)
	}
	return fn, nil
}
