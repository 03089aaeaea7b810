package engine

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hopflow/internal/execution"
	"hopflow/internal/extension"
	"hopflow/internal/logging"
	"hopflow/internal/variables"
)

func newTestLifecycle(t *testing.T) (*Lifecycle, *[]execution.Snapshot) {
	t.Helper()
	bus := extension.NewBus(logging.Discard())
	var seen []execution.Snapshot
	bus.Subscribe(extension.ExecutionStateUpdated, extension.HandlerFunc(func(_ context.Context, _ *slog.Logger, vars variables.Variables, subject any) error {
		seen = append(seen, subject.(execution.Snapshot))
		return nil
	}))
	bus.Subscribe(extension.ExecutionStateUpdated, extension.HandlerFunc(func(context.Context, *slog.Logger, variables.Variables, any) error {
		return errors.New("observer broke")
	}))
	return NewLifecycle("local", "p", Deps{Bus: bus, Logger: logging.Discard()}), &seen
}

func TestLifecycle_PublishesEveryTransition(t *testing.T) {
	l, seen := newTestLifecycle(t)
	ctx := context.Background()

	require.NoError(t, l.To(ctx, execution.StatusPreparing, nil))
	require.NoError(t, l.To(ctx, execution.StatusRunning, nil))
	require.NoError(t, l.To(ctx, execution.StatusFinished, nil))

	require.Len(t, *seen, 3)
	assert.Equal(t, execution.StatusPreparing, (*seen)[0].Status)
	assert.Equal(t, execution.StatusRunning, (*seen)[1].Status)
	assert.Equal(t, execution.StatusFinished, (*seen)[2].Status)
	assert.Equal(t, execution.StatusFinished, l.Status(), "handler error must not undo the transition")
}

func TestLifecycle_RejectsIllegalTransitions(t *testing.T) {
	l, seen := newTestLifecycle(t)
	ctx := context.Background()
	require.Error(t, l.To(ctx, execution.StatusRunning, nil))
	assert.Empty(t, *seen)
	assert.Equal(t, execution.StatusCreated, l.Status())
}

func TestLifecycle_FinishOnceAndWait(t *testing.T) {
	l, _ := newTestLifecycle(t)
	ctx := context.Background()
	require.NoError(t, l.To(ctx, execution.StatusPreparing, nil))
	require.NoError(t, l.To(ctx, execution.StatusRunning, nil))

	cause := errors.New("runner lost")
	assert.True(t, l.Finish(ctx, execution.StatusFailed, cause))
	assert.False(t, l.Finish(ctx, execution.StatusStopped, nil))

	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	snap, err := l.Wait(wctx)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, execution.StatusFailed, snap.Status)
	assert.Equal(t, "runner lost", snap.Error)
}

func TestLifecycle_WaitHonoursContext(t *testing.T) {
	l, _ := newTestLifecycle(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLifecycle_HandlerCannotCallBack(t *testing.T) {
	bus := extension.NewBus(logging.Discard())
	var l *Lifecycle
	var nested error
	published := 0
	bus.Subscribe(extension.ExecutionStateUpdated, extension.HandlerFunc(func(ctx context.Context, _ *slog.Logger, _ variables.Variables, _ any) error {
		published++
		l.Publish(ctx)
		nested = l.To(ctx, execution.StatusFailed, nil)
		return nil
	}))
	l = NewLifecycle("local", "p", Deps{Bus: bus, Logger: logging.Discard()})

	done := make(chan error, 1)
	go func() { done <- l.To(context.Background(), execution.StatusPreparing, nil) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handler calling back into the lifecycle deadlocked")
	}
	assert.Equal(t, 1, published)
	assert.ErrorIs(t, nested, extension.ErrReentrant)
	assert.Equal(t, execution.StatusPreparing, l.Status())
}
