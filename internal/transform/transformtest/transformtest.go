// Package transformtest provides transforms for engine and planner tests.
package transformtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"hopflow/internal/registry"
	"hopflow/internal/row"
	"hopflow/internal/transform"
)

// IDSchema is [id:int, name:text].
var IDSchema = row.MustSchema(
	row.Field{Name: "id", Type: row.TypeInt},
	row.Field{Name: "name", Type: row.TypeText},
)

// IDRows returns n rows matching IDSchema.
func IDRows(n int) []row.Row {
	out := make([]row.Row, n)
	for i := range out {
		out[i] = row.Row{int64(i + 1), fmt.Sprintf("row-%d", i+1)}
	}
	return out
}

// Rows is a source emitting a fixed set of rows.
type Rows struct {
	transform.NopClose
	Schema row.Schema
	Data   []row.Row
	// Block makes Produce wait for cancellation after the last row.
	Block bool
}

func (s *Rows) Configure(transform.Context) (row.Schema, error) { return s.Schema, nil }

func (s *Rows) ProcessRow(context.Context, row.Row, transform.Emit) error {
	return errors.New("rows: source has no input")
}

func (s *Rows) Produce(ctx context.Context, emit transform.Emit) error {
	for _, r := range s.Data {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(r.Clone()); err != nil {
			return err
		}
	}
	if s.Block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

// Collector records rows across every Collect instance sharing it.
type Collector struct {
	mu   sync.Mutex
	rows []row.Row
}

func (c *Collector) Add(r row.Row) {
	c.mu.Lock()
	c.rows = append(c.rows, r)
	c.mu.Unlock()
}

func (c *Collector) Rows() []row.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]row.Row(nil), c.rows...)
}

func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rows)
}

// Collect passes rows through and records them.
type Collect struct {
	transform.NopClose
	Into  *Collector
	Delay time.Duration
}

func (c *Collect) Configure(ctx transform.Context) (row.Schema, error) { return ctx.Input, nil }

func (c *Collect) ProcessRow(ctx context.Context, r row.Row, emit transform.Emit) error {
	if c.Delay > 0 {
		select {
		case <-time.After(c.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.Into.Add(r)
	return emit(r)
}

// FailEvery fails every Nth row it sees, counting per instance.
type FailEvery struct {
	transform.NopClose
	N    int64
	seen atomic.Int64
}

func (f *FailEvery) Configure(ctx transform.Context) (row.Schema, error) { return ctx.Input, nil }

func (f *FailEvery) ProcessRow(_ context.Context, r row.Row, emit transform.Emit) error {
	if n := f.seen.Add(1); f.N > 0 && n%f.N == 0 {
		return fmt.Errorf("fail-every: rejecting row %v", r[0])
	}
	return emit(r)
}

// FailOnIDs fails rows whose first value is one of the listed ids. Unlike
// FailEvery it does not depend on which instance sees the row.
type FailOnIDs struct {
	transform.NopClose
	IDs map[int64]bool
}

func (f *FailOnIDs) Configure(ctx transform.Context) (row.Schema, error) { return ctx.Input, nil }

func (f *FailOnIDs) ProcessRow(_ context.Context, r row.Row, emit transform.Emit) error {
	if id, _ := r[0].(int64); f.IDs[id] {
		return fmt.Errorf("fail-on-ids: rejecting row %d", id)
	}
	return emit(r)
}

// Register adds the test transforms to reg. Every Collect instance shares
// into; rows feeds every Rows instance.
func Register(reg *registry.Registry, rows []row.Row, into *Collector) {
	registry.Declare[transform.Transform](reg, registry.CategoryTransform)
	registry.MustRegister(reg, registry.Descriptor{ID: "test-rows", Category: registry.CategoryTransform, Tags: []string{transform.TagSource}},
		func() (*Rows, error) { return &Rows{Schema: IDSchema, Data: rows}, nil })
	registry.MustRegister(reg, registry.Descriptor{ID: "test-collect", Category: registry.CategoryTransform},
		func() (*Collect, error) { return &Collect{Into: into}, nil })
	registry.MustRegister(reg, registry.Descriptor{ID: "test-fail-every-3", Category: registry.CategoryTransform},
		func() (*FailEvery, error) { return &FailEvery{N: 3}, nil })
	registry.MustRegister(reg, registry.Descriptor{ID: "test-fail-on-multiples-of-3", Category: registry.CategoryTransform},
		func() (*FailOnIDs, error) {
			ids := map[int64]bool{}
			for _, r := range rows {
				if id := r[0].(int64); id%3 == 0 {
					ids[id] = true
				}
			}
			return &FailOnIDs{IDs: ids}, nil
		})
}
