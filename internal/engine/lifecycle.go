package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"hopflow/internal/execution"
	"hopflow/internal/extension"
	"hopflow/internal/telemetry"
	"hopflow/internal/variables"
)

// Lifecycle owns an execution state on behalf of an engine. It validates
// transitions and publishes a snapshot on the bus after each one. Bus
// handlers must not call back into the engine.
type Lifecycle struct {
	pluginID string
	state    *execution.State
	bus      *extension.Bus
	metrics  *telemetry.Metrics
	log      *slog.Logger

	mu    sync.Mutex
	vars  variables.Variables
	cause error
	done  chan struct{}
}

func NewLifecycle(pluginID, name string, deps Deps) *Lifecycle {
	id := uuid.NewString()
	return &Lifecycle{
		pluginID: pluginID,
		state:    execution.NewState(id, name, pluginID),
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		log:      deps.Log().With("engine", pluginID, "execution", id),
		done:     make(chan struct{}),
	}
}

func (l *Lifecycle) State() *execution.State { return l.state }

func (l *Lifecycle) Log() *slog.Logger { return l.log }

func (l *Lifecycle) Status() execution.Status { return l.state.Status() }

func (l *Lifecycle) SetVariables(v variables.Variables) {
	l.mu.Lock()
	l.vars = v.Clone()
	l.mu.Unlock()
}

// To moves the execution to status. A terminal status records cause and
// releases Wait. The bus is notified after the state has changed; a handler
// error is logged by the bus and never undoes the transition.
func (l *Lifecycle) To(ctx context.Context, status execution.Status, cause error) error {
	if extension.InHandler(ctx) {
		return fmt.Errorf("lifecycle: transition to %s from an extension handler: %w", status, extension.ErrReentrant)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	from, err := l.state.Transition(status)
	if err != nil {
		return err
	}
	if status.Terminal() {
		l.cause = cause
		l.state.SetError(cause)
		close(l.done)
	}
	l.metrics.Transition(l.pluginID, string(from), string(status))
	attrs := []any{"from", from, "to", status}
	if cause != nil {
		attrs = append(attrs, "err", cause)
	}
	l.log.Info("execution state changed", attrs...)
	_ = l.bus.Publish(ctx, extension.ExecutionStateUpdated, l.vars, l.state.Snapshot())
	return nil
}

// Finish moves to a terminal status unless the execution already ended.
// It reports whether this call ended it.
func (l *Lifecycle) Finish(ctx context.Context, status execution.Status, cause error) bool {
	if l.state.Status().Terminal() {
		return false
	}
	return l.To(ctx, status, cause) == nil
}

// Publish sends the current snapshot without a transition, for progress.
// It does nothing when called from an extension handler.
func (l *Lifecycle) Publish(ctx context.Context) {
	if extension.InHandler(ctx) {
		l.log.Warn("progress publish from an extension handler ignored")
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.bus.Publish(ctx, extension.ExecutionStateUpdated, l.vars, l.state.Snapshot())
}

func (l *Lifecycle) Done() <-chan struct{} { return l.done }

// Err is the failure cause once terminal.
func (l *Lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cause
}

func (l *Lifecycle) Wait(ctx context.Context) (execution.Snapshot, error) {
	select {
	case <-l.done:
		return l.state.Snapshot(), l.Err()
	case <-ctx.Done():
		return l.state.Snapshot(), ctx.Err()
	}
}
