package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"hopflow/internal/action"
	"hopflow/internal/engine"
	errs "hopflow/internal/errors"
	"hopflow/internal/execution"
	"hopflow/internal/registry"
	"hopflow/internal/runconfig"
	"hopflow/internal/variables"
)

// Engine runs one workflow once. It shares the pipeline engines' lifecycle:
// created -> preparing -> running -> finished|stopped|failed, each
// transition published on the extension bus.
type Engine interface {
	PluginID() string
	Prepare(ctx context.Context, g *Graph, vars variables.Variables, rc *runconfig.RunConfiguration) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Abort(cause error)
	Wait(ctx context.Context) (execution.Snapshot, error)
	State() execution.Snapshot
}

// Plugin is what the workflow-engine registry category requires.
type Plugin interface {
	Engine
	engine.ConfigurationFactory
}

// New instantiates the workflow engine registered under id.
func New(reg *registry.Registry, id string) (Plugin, error) {
	p, _, err := registry.InstantiateAs[Plugin](reg, id)
	return p, err
}

const LocalPluginID = "local-workflow"

const (
	CounterExecuted  = "actions.executed"
	CounterFailed    = "actions.failed"
	DetailLastAction = "workflow.last_action"
	DetailExitStatus = "workflow.exit_status"
)

type LocalOptions struct {
	MaxSteps int `koanf:"max_steps"`
}

var localSpecs = []runconfig.PropertySpec{
	{Key: "max_steps", Default: "10000", Description: "Action executions allowed before a looping workflow fails"},
}

func DefaultLocalConfiguration() *runconfig.OptionBag {
	return runconfig.NewOptionBag(LocalPluginID, "Local workflow", localSpecs...)
}

// RegisterLocal adds the local workflow engine to reg and declares the
// action contract.
func RegisterLocal(reg *registry.Registry, deps engine.Deps) error {
	registry.Declare[Plugin](reg, registry.CategoryWorkflowEngine)
	registry.Declare[action.Action](reg, registry.CategoryAction)
	return registry.Register(reg, registry.Descriptor{
		ID:          LocalPluginID,
		Name:        "Local workflow",
		Category:    registry.CategoryWorkflowEngine,
		Description: "Runs workflow actions one at a time in this process",
	}, func() (*LocalEngine, error) { return NewLocal(deps), nil })
}

type LocalEngine struct {
	deps engine.Deps
	lc   *engine.Lifecycle

	mu       sync.Mutex
	opts     LocalOptions
	graph    *Graph
	actions  map[string]action.Action
	cancel   context.CancelFunc
	stopping atomic.Bool
	failure  error
}

func NewLocal(deps engine.Deps) *LocalEngine {
	return &LocalEngine{deps: deps, lc: engine.NewLifecycle(LocalPluginID, "", deps)}
}

func (e *LocalEngine) PluginID() string { return LocalPluginID }

func (e *LocalEngine) CreateDefaultEngineRunConfiguration() runconfig.EngineRunConfiguration {
	return DefaultLocalConfiguration()
}

func (e *LocalEngine) State() execution.Snapshot { return e.lc.State().Snapshot() }

func (e *LocalEngine) Wait(ctx context.Context) (execution.Snapshot, error) { return e.lc.Wait(ctx) }

func (e *LocalEngine) Prepare(ctx context.Context, g *Graph, vars variables.Variables, rc *runconfig.RunConfiguration) error {
	if err := e.lc.To(ctx, execution.StatusPreparing, nil); err != nil {
		return err
	}
	g = g.Clone()
	e.lc.State().SetName(g.Name)
	e.lc.SetVariables(vars)

	var opts LocalOptions
	acts, err := e.prepare(g, vars, rc, &opts)
	if err != nil {
		e.lc.Finish(ctx, execution.StatusFailed, err)
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st := e.lc.Status(); st != execution.StatusPreparing {
		closeActions(acts)
		return fmt.Errorf("local-workflow: prepare interrupted, execution is %s", st)
	}
	e.opts, e.graph, e.actions = opts, g, acts
	return nil
}

func (e *LocalEngine) prepare(g *Graph, vars variables.Variables, rc *runconfig.RunConfiguration, opts *LocalOptions) (map[string]action.Action, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	bag := runconfig.EngineRunConfiguration(DefaultLocalConfiguration())
	if rc != nil && rc.Engine != nil && rc.Engine.EnginePluginID() == LocalPluginID {
		bag = rc.Engine
	}
	if err := bag.Decode(opts); err != nil {
		return nil, err
	}
	if opts.MaxSteps <= 0 {
		return nil, fmt.Errorf("local-workflow: max_steps must be positive, got %d", opts.MaxSteps)
	}

	acts := make(map[string]action.Action, len(g.Actions))
	for _, a := range g.Actions {
		inst, d, err := registry.InstantiateAs[action.Action](e.deps.Registry, a.PluginID)
		if err == nil && d.Category != registry.CategoryAction {
			err = errs.PluginLoad(a.PluginID, fmt.Errorf("%s is a %s, not an action", a.PluginID, d.Category))
		}
		if err != nil {
			closeActions(acts)
			return nil, err
		}
		err = inst.Configure(action.Context{
			Name:      a.Name,
			PluginID:  a.PluginID,
			Config:    a.Config,
			Variables: vars,
			Logger:    e.lc.Log().With("action", a.Name),
		})
		if err != nil {
			closeActions(acts)
			return nil, errs.GraphValidationWrap(a.Name, err, "configure %s", a.PluginID)
		}
		acts[a.Name] = inst
	}
	return acts, nil
}

func closeActions(acts map[string]action.Action) {
	for _, a := range acts {
		if c, ok := a.(action.Closer); ok {
			_ = c.Close()
		}
	}
}

func (e *LocalEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.graph == nil || e.lc.Status() != execution.StatusPreparing {
		return fmt.Errorf("local-workflow: start requires a prepared execution, state is %s", e.lc.Status())
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	if err := e.lc.To(ctx, execution.StatusRunning, nil); err != nil {
		cancel()
		return err
	}
	go e.run(runCtx, cancel)
	return nil
}

type pending struct {
	name string
	prev action.Result
}

// run walks the hops depth first, in hop order, from the start action.
func (e *LocalEngine) run(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	stack := []pending{{name: e.graph.StartAction(), prev: action.Result{Success: true}}}
	var (
		last     action.Result
		lastName string
		steps    int
	)
	for len(stack) > 0 && ctx.Err() == nil {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if steps++; steps > e.opts.MaxSteps {
			e.fail(fmt.Errorf("workflow exceeded %d action executions", e.opts.MaxSteps))
			break
		}
		last, lastName = e.execute(ctx, next.name, next.prev), next.name
		if last.Stopped {
			break
		}
		follow := e.graph.Next(next.name, last.Success)
		for _, to := range slices.Backward(follow) {
			stack = append(stack, pending{name: to, prev: last})
		}
	}

	e.mu.Lock()
	closeActions(e.actions)
	e.mu.Unlock()

	bg := context.Background()
	switch cause := e.cause(); {
	case cause != nil:
		e.lc.Finish(bg, execution.StatusFailed, cause)
	case e.stopping.Load():
		e.lc.Finish(bg, execution.StatusStopped, nil)
	case last.Stopped:
		e.lc.Finish(bg, execution.StatusFailed, fmt.Errorf("workflow stopped by action %s: %s", lastName, last.Message))
	case !last.Success:
		e.lc.Finish(bg, execution.StatusFailed, fmt.Errorf("workflow ended with a failed result from action %s: %s", lastName, last.Message))
	default:
		e.lc.Finish(bg, execution.StatusFinished, nil)
	}
}

func (e *LocalEngine) execute(ctx context.Context, name string, prev action.Result) action.Result {
	log := e.lc.Log().With("action", name)
	log.Debug("action started")
	res, err := e.actions[name].Execute(ctx, prev)
	if err != nil {
		res = action.Failed(prev, err)
		log.Warn("action failed", "err", err)
	}
	if res.Variables == nil {
		res.Variables = prev.Variables
	} else {
		res.Variables = prev.Variables.Merge(res.Variables)
	}

	st := e.lc.State()
	_ = st.Add(CounterExecuted, 1)
	if !res.Success {
		_ = st.Add(CounterFailed, 1)
	}
	st.SetDetail(DetailLastAction, name)
	st.SetDetail(DetailExitStatus, strconv.Itoa(res.ExitStatus))
	e.lc.Publish(ctx)
	return res
}

func (e *LocalEngine) cause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failure
}

func (e *LocalEngine) fail(err error) {
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

func (e *LocalEngine) Stop(ctx context.Context) error {
	switch e.lc.Status() {
	case execution.StatusCreated:
		return nil
	case execution.StatusPreparing:
		e.mu.Lock()
		acts := e.actions
		e.actions, e.graph = nil, nil
		e.mu.Unlock()
		closeActions(acts)
		e.lc.Finish(ctx, execution.StatusStopped, nil)
		return nil
	}
	if !e.lc.Status().Terminal() {
		e.stopping.Store(true)
		e.mu.Lock()
		cancel := e.cancel
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
	_, err := e.lc.Wait(ctx)
	if ctx.Err() != nil {
		return err
	}
	return nil
}

func (e *LocalEngine) Abort(cause error) {
	if cause == nil {
		cause = errors.New("aborted")
	}
	switch e.lc.Status() {
	case execution.StatusPreparing:
		e.mu.Lock()
		acts := e.actions
		e.actions, e.graph = nil, nil
		e.mu.Unlock()
		closeActions(acts)
		e.lc.Finish(context.Background(), execution.StatusFailed, cause)
	case execution.StatusRunning:
		e.fail(cause)
	}
}
