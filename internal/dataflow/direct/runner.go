// Package direct executes dataflow pipelines inside the current process.
// Stages run concurrently and talk over buffered channels.
package direct

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"hopflow/internal/dataflow"
	"hopflow/internal/logging"
	"hopflow/internal/telemetry"
)

const Name = "direct"

// DefaultBuffer is the capacity of each stage's input channel.
const DefaultBuffer = 256

type Runner struct {
	fns     *dataflow.FnRegistry
	metrics *telemetry.Metrics
	log     *slog.Logger
	buffer  int

	mu   sync.Mutex
	jobs map[string]*job
}

type Option func(*Runner)

func WithMetrics(m *telemetry.Metrics) Option { return func(r *Runner) { r.metrics = m } }
func WithLogger(l *slog.Logger) Option        { return func(r *Runner) { r.log = l } }
func WithBuffer(n int) Option                 { return func(r *Runner) { r.buffer = n } }

func New(fns *dataflow.FnRegistry, opts ...Option) *Runner {
	r := &Runner{fns: fns, buffer: DefaultBuffer, jobs: make(map[string]*job)}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = logging.Channel("runner." + Name)
	}
	if r.buffer <= 0 {
		r.buffer = 1
	}
	return r
}

func (r *Runner) Name() string { return Name }

// Submit starts p and returns at once. The job does not inherit ctx; it runs
// until it completes or is cancelled.
func (r *Runner) Submit(_ context.Context, p *dataflow.Pipeline) (dataflow.Job, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	for _, s := range p.Stages {
		if s.Kind != dataflow.KindWindow && !r.fns.Has(s.URN) {
			return nil, fmt.Errorf("direct: stage %q: no function registered for %q", s.ID, s.URN)
		}
	}
	j := r.newJob(p)
	r.mu.Lock()
	r.jobs[j.id] = j
	r.mu.Unlock()
	go j.run()
	return j, nil
}

// Job looks up a job submitted to this runner.
func (r *Runner) Job(id string) (dataflow.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	return j, ok
}

// Forget drops a terminal job from the lookup table.
func (r *Runner) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok && j.terminal() {
		delete(r.jobs, id)
	}
}

type job struct {
	id      string
	p       *dataflow.Pipeline
	fns     *dataflow.FnRegistry
	store   *dataflow.MetricsStore
	log     *slog.Logger
	buffer  int
	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	done    chan struct{}

	mu    sync.Mutex
	state dataflow.JobState
	err   error
}

func (r *Runner) newJob(p *dataflow.Pipeline) *job {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	metrics := r.metrics
	return &job{
		id:  id,
		p:   p,
		fns: r.fns,
		store: dataflow.NewMetricsStore(func(step, name string, n int64) {
			metrics.AddElements(step, name, n)
		}),
		log:    r.log.With("job", id, "pipeline", p.Name),
		buffer: r.buffer,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  dataflow.JobRunning,
	}
}

func (j *job) ID() string { return j.id }

func (j *job) Status(context.Context) (dataflow.JobStatus, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := dataflow.JobStatus{ID: j.id, State: j.state, Counters: j.store.Snapshot()}
	if j.err != nil {
		st.Error = j.err.Error()
	}
	return st, nil
}

// Cancel stops every stage and waits for the job to wind down.
func (j *job) Cancel(ctx context.Context) error {
	if j.terminal() {
		return nil
	}
	j.stopped.Store(true)
	j.cancel()
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *job) terminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state.Terminal()
}

// fail records the first error. Element failures let the job drain; any
// other failure stops it.
func (j *job) fail(err error, fatal bool) {
	j.mu.Lock()
	first := j.err == nil
	if first {
		j.err = err
	}
	j.mu.Unlock()
	if first {
		j.log.Error("stage failed", "err", err)
	}
	if fatal {
		j.cancel()
	}
}

/*──────── wiring ───────*/

func (j *job) run() {
	inputs := make(map[string]chan dataflow.Element, len(j.p.Stages))
	pending := make(map[string]*atomic.Int32, len(j.p.Stages))
	for _, s := range j.p.Stages {
		if s.Kind == dataflow.KindSource {
			continue
		}
		inputs[s.ID] = make(chan dataflow.Element, j.buffer)
		n := &atomic.Int32{}
		n.Store(int32(len(uniq(s.Inputs))))
		pending[s.ID] = n
	}

	var wg sync.WaitGroup
	for i := range j.p.Stages {
		s := &j.p.Stages[i]
		consumers := j.p.Consumers(s.ID)
		outs := make([]chan dataflow.Element, len(consumers))
		for k, c := range consumers {
			outs[k] = inputs[c]
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				for _, c := range consumers {
					if pending[c].Add(-1) == 0 {
						close(inputs[c])
					}
				}
			}()
			j.runStage(s, inputs[s.ID], j.emitter(outs))
		}()
	}
	wg.Wait()
	j.cancel()

	j.mu.Lock()
	switch {
	case j.stopped.Load():
		j.state = dataflow.JobCancelled
	case j.err != nil:
		j.state = dataflow.JobFailed
	default:
		j.state = dataflow.JobDone
	}
	state := j.state
	j.mu.Unlock()
	j.log.Info("job ended", "state", state)
	close(j.done)
}

func uniq(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// emitter fans an element out to every consumer. Rows are copied for all
// but the first consumer.
func (j *job) emitter(outs []chan dataflow.Element) dataflow.Emitter {
	return func(e dataflow.Element) error {
		for i, out := range outs {
			v := e
			if i > 0 {
				v.Row = e.Row.Clone()
			}
			select {
			case out <- v:
			case <-j.ctx.Done():
				return j.ctx.Err()
			}
		}
		return nil
	}
}

func (j *job) workerContext(s *dataflow.Stage, worker int) dataflow.WorkerContext {
	return dataflow.WorkerContext{
		JobID:   j.id,
		Stage:   s.ID,
		Worker:  worker,
		Metrics: j.store,
		Logger:  j.log.With("stage", s.ID, "worker", worker),
	}
}

// instance decodes and sets up a fresh function for one worker.
func (j *job) instance(s *dataflow.Stage, worker int) (dataflow.DoFn, error) {
	fn, err := j.fns.Decode(s.URN, s.Payload)
	if err != nil {
		return nil, err
	}
	if err := fn.Setup(j.ctx, j.workerContext(s, worker)); err != nil {
		_ = fn.Teardown()
		return nil, fmt.Errorf("setup %s: %w", s.ID, err)
	}
	return fn, nil
}

func (j *job) runStage(s *dataflow.Stage, in <-chan dataflow.Element, emit dataflow.Emitter) {
	switch s.Kind {
	case dataflow.KindSource:
		j.runSource(s, emit)
	case dataflow.KindParDo:
		j.parallel(s, func(worker int) { j.runParDo(s, worker, in, emit) })
	case dataflow.KindWindow:
		j.runWindow(s, in, emit)
	case dataflow.KindCombine:
		j.runCombine(s, in, emit)
	}
}

func (j *job) parallel(s *dataflow.Stage, work func(worker int)) {
	n := max(s.Parallelism, 1)
	var wg sync.WaitGroup
	for w := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			work(w)
		}()
	}
	wg.Wait()
}

// interrupted reports whether an error is a consequence of the job being
// torn down.
func (j *job) interrupted() bool { return j.ctx.Err() != nil }

/*──────── stages ───────*/

func (j *job) runSource(s *dataflow.Stage, emit dataflow.Emitter) {
	fn, err := j.instance(s, 0)
	if err != nil {
		j.fail(err, true)
		return
	}
	defer fn.Teardown()
	src, ok := fn.(dataflow.SourceFn)
	if !ok {
		j.fail(fmt.Errorf("stage %s: %T cannot produce elements", s.ID, fn), true)
		return
	}
	stamp := func(e dataflow.Element) error {
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		return emit(e)
	}
	if err := src.Produce(j.ctx, stamp); err != nil && !j.interrupted() {
		j.fail(err, true)
	}
}

func (j *job) runParDo(s *dataflow.Stage, worker int, in <-chan dataflow.Element, emit dataflow.Emitter) {
	var fn dataflow.DoFn
	defer func() {
		if fn != nil {
			_ = fn.Teardown()
		}
	}()
	for {
		var e dataflow.Element
		var ok bool
		select {
		case e, ok = <-in:
		case <-j.ctx.Done():
			return
		}
		if !ok {
			break
		}
		if fn == nil {
			var err error
			if fn, err = j.instance(s, worker); err != nil {
				j.fail(err, true)
				return
			}
		}
		if err := fn.ProcessElement(j.ctx, e, emit); err != nil {
			if j.interrupted() {
				return
			}
			// The instance may be in any state after a failure.
			_ = fn.Teardown()
			fn = nil
			// The unit ends failed once drained; later elements still run
			// on a fresh instance and are counted, never silently dropped.
			j.fail(err, false)
		}
	}
	if fn == nil {
		return
	}
	if f, ok := fn.(dataflow.FlushFn); ok {
		if err := f.Flush(j.ctx, dataflow.Global, emit); err != nil && !j.interrupted() {
			j.fail(err, false)
		}
	}
}

func (j *job) runWindow(s *dataflow.Stage, in <-chan dataflow.Element, emit dataflow.Emitter) {
	var wp dataflow.WindowPayload
	if err := json.Unmarshal(s.Payload, &wp); err != nil {
		j.fail(fmt.Errorf("stage %s: window payload: %w", s.ID, err), true)
		return
	}
	if err := wp.Spec.Validate(); err != nil {
		j.fail(fmt.Errorf("stage %s: %w", s.ID, err), true)
		return
	}
	wc := j.workerContext(s, 0)
	inputs, outputs, errs := wc.Counter("input"), wc.Counter("output"), wc.Counter("errors")
	for e := range in {
		inputs.Inc(1)
		ts := e.Timestamp
		if wp.TimestampIndex >= 0 {
			var err error
			if wp.TimestampIndex >= len(e.Row) {
				err = fmt.Errorf("row has no field %d", wp.TimestampIndex)
			} else {
				ts, err = dataflow.ExtractTimestamp(e.Row[wp.TimestampIndex])
			}
			if err != nil {
				errs.Inc(1)
				j.fail(fmt.Errorf("stage %s: %w", s.ID, err), false)
				continue
			}
		}
		for _, w := range wp.Spec.AssignWindows(ts) {
			r := append(e.Row.Clone(), wp.Spec.BoundValues(w)...)
			if err := emit(dataflow.Element{Row: r, Timestamp: ts, Window: w}); err != nil {
				return
			}
			outputs.Inc(1)
		}
		if j.ctx.Err() != nil {
			return
		}
	}
}

type windowKey struct{ start, end int64 }

func keyOf(w dataflow.Window) windowKey {
	if w.IsGlobal() {
		return windowKey{}
	}
	return windowKey{w.Start.UnixNano(), w.End.UnixNano()}
}

type group struct {
	window   dataflow.Window
	elements []dataflow.Element
}

// runCombine buffers its input per window and, once the input ends, runs
// one function instance per window.
func (j *job) runCombine(s *dataflow.Stage, in <-chan dataflow.Element, emit dataflow.Emitter) {
	var all []dataflow.Element
	for e := range in {
		all = append(all, e)
	}
	if j.ctx.Err() != nil {
		return
	}
	groups := j.group(s, all)

	next := make(chan group)
	go func() {
		defer close(next)
		for _, g := range groups {
			select {
			case next <- g:
			case <-j.ctx.Done():
				return
			}
		}
	}()
	j.parallel(s, func(worker int) {
		for g := range next {
			j.combineWindow(s, worker, g, emit)
		}
	})
}

func (j *job) group(s *dataflow.Stage, all []dataflow.Element) []group {
	if j.sessions(s) {
		protos := make([]dataflow.Window, len(all))
		for i, e := range all {
			protos[i] = e.Window
		}
		merged := dataflow.MergeSessions(protos)
		for i := range all {
			for _, m := range merged {
				if m.Contains(all[i].Window.Start) {
					all[i].Window = m
					break
				}
			}
		}
	}
	index := make(map[windowKey]int)
	var groups []group
	for _, e := range all {
		k := keyOf(e.Window)
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, group{window: e.Window})
		}
		groups[i].elements = append(groups[i].elements, e)
	}
	slices.SortStableFunc(groups, func(a, b group) int { return a.window.Start.Compare(b.window.Start) })
	return groups
}

func (j *job) sessions(s *dataflow.Stage) bool {
	w, ok := j.p.Stage(s.Window)
	if !ok {
		return false
	}
	var wp dataflow.WindowPayload
	return json.Unmarshal(w.Payload, &wp) == nil && wp.Spec.Type == dataflow.WindowSession
}

func (j *job) combineWindow(s *dataflow.Stage, worker int, g group, emit dataflow.Emitter) {
	var fn dataflow.DoFn
	defer func() {
		if fn != nil {
			_ = fn.Teardown()
		}
	}()
	for _, e := range g.elements {
		if fn == nil {
			var err error
			if fn, err = j.instance(s, worker); err != nil {
				j.fail(err, true)
				return
			}
		}
		if err := fn.ProcessElement(j.ctx, e, emit); err != nil {
			if j.interrupted() {
				return
			}
			_ = fn.Teardown()
			fn = nil
			// Drain, then fail, as in runParDo.
			j.fail(err, false)
		}
	}
	if f, ok := fn.(dataflow.FlushFn); ok {
		if err := f.Flush(j.ctx, g.window, emit); err != nil && !j.interrupted() {
			j.fail(err, false)
		}
	}
}
