// Package local runs a transform graph in-process: one goroutine per
// transform, one bounded row set per hop.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"hopflow/internal/engine"
	errs "hopflow/internal/errors"
	"hopflow/internal/execution"
	"hopflow/internal/graph"
	"hopflow/internal/plan"
	"hopflow/internal/registry"
	"hopflow/internal/row"
	"hopflow/internal/runconfig"
	"hopflow/internal/transform"
	"hopflow/internal/variables"
)

const PluginID = "local"

type Options struct {
	RowSetSize       int           `koanf:"rowset_size"`
	ErrorThreshold   int64         `koanf:"error_threshold"`
	FeedbackInterval time.Duration `koanf:"feedback_interval"`
}

var specs = []runconfig.PropertySpec{
	{Key: "rowset_size", Default: "10000", Description: "Rows buffered per hop before the producer blocks"},
	{Key: "error_threshold", Default: "0", Description: "Row errors tolerated before the pipeline fails"},
	{Key: "feedback_interval", Default: "1s", Description: "How often progress is published while running"},
}

func DefaultConfiguration() *runconfig.OptionBag {
	return runconfig.NewOptionBag(PluginID, "Local", specs...)
}

// Register adds the local engine to reg. Each instantiation is a fresh,
// single-use engine sharing deps.
func Register(reg *registry.Registry, deps engine.Deps) error {
	registry.Declare[engine.Plugin](reg, registry.CategoryPipelineEngine)
	return registry.Register(reg, registry.Descriptor{
		ID:          PluginID,
		Name:        "Local",
		Category:    registry.CategoryPipelineEngine,
		Description: "Runs every transform in this process, one goroutine each",
	}, func() (*Engine, error) { return New(deps), nil })
}

type Engine struct {
	deps engine.Deps
	lc   *engine.Lifecycle

	mu       sync.Mutex
	opts     Options
	plan     *plan.Plan
	cancel   context.CancelFunc
	stopping atomic.Bool
	failure  error
	errors   atomic.Int64
}

func New(deps engine.Deps) *Engine {
	return &Engine{deps: deps, lc: engine.NewLifecycle(PluginID, "", deps)}
}

func (e *Engine) PluginID() string { return PluginID }

func (e *Engine) CreateDefaultEngineRunConfiguration() runconfig.EngineRunConfiguration {
	return DefaultConfiguration()
}

func (e *Engine) State() execution.Snapshot { return e.lc.State().Snapshot() }

func (e *Engine) Wait(ctx context.Context) (execution.Snapshot, error) { return e.lc.Wait(ctx) }

func (e *Engine) Prepare(ctx context.Context, g *graph.Graph, vars variables.Variables, rc *runconfig.RunConfiguration) error {
	if err := e.lc.To(ctx, execution.StatusPreparing, nil); err != nil {
		return err
	}
	g = g.Clone()
	e.lc.State().SetName(g.Name)
	e.lc.SetVariables(vars)

	opts, err := decodeOptions(rc)
	if err != nil {
		e.lc.Finish(ctx, execution.StatusFailed, err)
		return err
	}
	p, err := plan.Build(g, e.deps.Registry, plan.Options{Variables: vars, Logger: e.lc.Log()})
	if err == nil {
		err = rejectDataflowOnly(p)
		if err != nil {
			_ = p.Close()
		}
	}
	if err != nil {
		e.lc.Finish(ctx, execution.StatusFailed, err)
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st := e.lc.Status(); st != execution.StatusPreparing {
		_ = p.Close()
		return fmt.Errorf("local: prepare interrupted, execution is %s", st)
	}
	e.opts, e.plan = opts, p
	return nil
}

func decodeOptions(rc *runconfig.RunConfiguration) (Options, error) {
	bag := runconfig.EngineRunConfiguration(DefaultConfiguration())
	if rc != nil && rc.Engine != nil && rc.Engine.EnginePluginID() == PluginID {
		bag = rc.Engine
	}
	var opts Options
	if err := bag.Decode(&opts); err != nil {
		return opts, err
	}
	if opts.RowSetSize <= 0 {
		return opts, fmt.Errorf("local: rowset_size must be positive, got %d", opts.RowSetSize)
	}
	if opts.ErrorThreshold < 0 {
		opts.ErrorThreshold = 0
	}
	return opts, nil
}

func rejectDataflowOnly(p *plan.Plan) error {
	for _, name := range p.Order {
		if s := p.Step(name); s.Descriptor.HasTag(transform.TagDataflowOnly) {
			return errs.GraphValidation(name, "%s only runs on a dataflow engine", s.Node.PluginID)
		}
	}
	return nil
}

type stepIO struct {
	inbox   *Inbox
	outputs []*RowSet
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.plan == nil || e.lc.Status() != execution.StatusPreparing {
		return fmt.Errorf("local: start requires a prepared execution, state is %s", e.lc.Status())
	}
	io := make(map[string]*stepIO, len(e.plan.Order))
	for _, name := range e.plan.Order {
		io[name] = &stepIO{inbox: NewInbox()}
	}
	for _, h := range e.plan.Graph.Hops {
		if !h.Enabled {
			continue
		}
		rs := io[h.To].inbox.Add(h.From, h.To, e.opts.RowSetSize)
		io[h.From].outputs = append(io[h.From].outputs, rs)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	if err := e.lc.To(ctx, execution.StatusRunning, nil); err != nil {
		cancel()
		return err
	}

	var wg sync.WaitGroup
	for _, name := range e.plan.Order {
		wg.Add(1)
		go func(s *plan.Step, sio *stepIO) {
			defer wg.Done()
			e.runStep(runCtx, s, sio)
		}(e.plan.Step(name), io[name])
	}
	go e.feedback(runCtx)
	go e.supervise(&wg, cancel)
	return nil
}

func (e *Engine) supervise(wg *sync.WaitGroup, cancel context.CancelFunc) {
	wg.Wait()
	cancel()
	if err := e.plan.Close(); err != nil {
		e.lc.Log().Warn("closing transforms failed", "err", err)
	}
	ctx := context.Background()
	switch cause := e.cause(); {
	case cause != nil:
		e.lc.Finish(ctx, execution.StatusFailed, cause)
	case e.stopping.Load():
		e.lc.Finish(ctx, execution.StatusStopped, nil)
	default:
		e.lc.Finish(ctx, execution.StatusFinished, nil)
	}
}

func (e *Engine) feedback(ctx context.Context) {
	if e.opts.FeedbackInterval <= 0 {
		return
	}
	t := time.NewTicker(e.opts.FeedbackInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.lc.Publish(ctx)
		}
	}
}

func (e *Engine) cause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failure
}

// fail records the first engine failure and stops every worker.
func (e *Engine) fail(err error) {
	e.mu.Lock()
	if e.failure == nil {
		e.failure = err
	}
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) count(transformName, counter string, n int64) {
	_ = e.lc.State().Add(execution.TransformCounter(transformName, counter), n)
	e.deps.Metrics.AddRows(e.plan.Graph.Name, transformName, counter, n)
}

func (e *Engine) runStep(ctx context.Context, s *plan.Step, sio *stepIO) {
	name := s.Node.Name
	log := e.lc.Log().With("transform", name)
	defer func() {
		for _, out := range sio.outputs {
			out.Done()
		}
		if dropped := sio.inbox.Discard(); dropped > 0 {
			log.Info("discarded pending rows", "rows", dropped)
		}
	}()

	terminal := s.IsTerminal()
	emit := func(r row.Row) error {
		for i, out := range sio.outputs {
			v := r
			if i > 0 {
				v = r.Clone()
			}
			if err := out.Put(ctx, v); err != nil {
				return err
			}
		}
		e.count(name, execution.CounterOutput, 1)
		if terminal {
			_ = e.lc.State().Add(execution.CounterOutput, 1)
		}
		return nil
	}

	if o, ok := s.Transform.(transform.Opener); ok {
		if err := o.Open(ctx); err != nil {
			e.fail(errs.RowProcessing(name, 0, err))
			return
		}
	}

	if src, ok := s.Transform.(transform.Source); ok {
		sourceEmit := func(r row.Row) error {
			_ = e.lc.State().Add(execution.CounterInput, 1)
			return emit(r)
		}
		if err := src.Produce(ctx, sourceEmit); err != nil && !e.interrupted(ctx, err) {
			e.fail(fmt.Errorf("transform %s: %w", name, err))
		}
		return
	}

	var seq int64
	for {
		r, ok, err := sio.inbox.Get(ctx)
		if err != nil || !ok {
			break
		}
		seq++
		e.count(name, execution.CounterInput, 1)
		if err := s.Transform.ProcessRow(ctx, r, emit); err != nil {
			if e.interrupted(ctx, err) {
				return
			}
			if !e.rowError(name, seq, err) {
				return
			}
		}
	}
	if ctx.Err() != nil {
		return
	}
	if f, ok := s.Transform.(transform.Flusher); ok {
		if err := f.Flush(ctx, emit); err != nil && !e.interrupted(ctx, err) {
			e.rowError(name, seq, err)
		}
	}
}

// interrupted reports whether err is a consequence of the run being
// cancelled rather than a failure of its own.
func (e *Engine) interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, ErrDiscarded)
}

// rowError counts a failed row and reports whether processing may go on.
func (e *Engine) rowError(name string, seq int64, err error) bool {
	rowErr := errs.RowProcessing(name, seq, err)
	e.count(name, execution.CounterErrors, 1)
	_ = e.lc.State().Add(execution.CounterErrors, 1)
	if n := e.errors.Add(1); n > e.opts.ErrorThreshold {
		e.fail(rowErr)
		return false
	}
	e.lc.Log().Warn("row rejected", "err", rowErr)
	return true
}

// Stop and Abort read the status under mu, the same lock Start holds while
// it moves to running, so a prepared plan is either started or released.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	switch e.lc.Status() {
	case execution.StatusCreated:
		e.mu.Unlock()
		return nil
	case execution.StatusPreparing:
		e.lc.Finish(ctx, execution.StatusStopped, nil)
		p := e.plan
		e.mu.Unlock()
		if p != nil {
			_ = p.Close()
		}
		return nil
	case execution.StatusRunning:
		e.stopping.Store(true)
		cancel := e.cancel
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	default:
		e.mu.Unlock()
	}
	_, err := e.lc.Wait(ctx)
	if ctx.Err() != nil {
		return err
	}
	return nil
}

func (e *Engine) Abort(cause error) {
	if cause == nil {
		cause = errors.New("aborted")
	}
	e.mu.Lock()
	switch e.lc.Status() {
	case execution.StatusPreparing:
		e.lc.Finish(context.Background(), execution.StatusFailed, cause)
		p := e.plan
		e.mu.Unlock()
		if p != nil {
			_ = p.Close()
		}
	case execution.StatusRunning:
		e.mu.Unlock()
		e.fail(cause)
	default:
		e.mu.Unlock()
	}
}
