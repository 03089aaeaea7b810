package extension

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hopflow/internal/logging"
	"hopflow/internal/registry"
	"hopflow/internal/variables"
)

func recorder(calls *[]string, name string, err error) HandlerFunc {
	return func(context.Context, *slog.Logger, variables.Variables, any) error {
		*calls = append(*calls, name)
		return err
	}
}

func TestPublish_OrderAndAbortOnError(t *testing.T) {
	b := NewBus(logging.Discard())
	var calls []string
	b.Subscribe(ExecutionStateUpdated, recorder(&calls, "first", nil))
	b.Subscribe(ExecutionStateUpdated, recorder(&calls, "second", errors.New("ui gone")))
	b.Subscribe(ExecutionStateUpdated, recorder(&calls, "third", nil))
	b.Subscribe("other", recorder(&calls, "other", nil))

	err := b.Publish(context.Background(), ExecutionStateUpdated, nil, "snapshot")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ui gone")
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestPublish_PanicIsContained(t *testing.T) {
	b := NewBus(logging.Discard())
	var calls []string
	b.Subscribe("p", HandlerFunc(func(context.Context, *slog.Logger, variables.Variables, any) error { panic("bad handler") }))
	b.Subscribe("p", recorder(&calls, "after", nil))

	err := b.Publish(context.Background(), "p", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Empty(t, calls)
}

func TestPublish_RejectsNestedPublish(t *testing.T) {
	b := NewBus(logging.Discard())
	depth := 0
	var nested error
	b.Subscribe("p", HandlerFunc(func(ctx context.Context, _ *slog.Logger, _ variables.Variables, _ any) error {
		depth++
		if depth > 5 {
			t.Fatal("nested publish was dispatched")
		}
		nested = b.Publish(ctx, "p", nil, nil)
		return nil
	}))
	var other []string
	b.Subscribe("q", recorder(&other, "q", nil))
	b.Subscribe("p", HandlerFunc(func(ctx context.Context, _ *slog.Logger, _ variables.Variables, _ any) error {
		assert.True(t, InHandler(ctx))
		return b.Publish(ctx, "q", nil, nil)
	}))

	err := b.Publish(context.Background(), "p", nil, nil)
	assert.Equal(t, 1, depth)
	assert.ErrorIs(t, nested, ErrReentrant)
	assert.ErrorIs(t, err, ErrReentrant, "publishing to another point from a handler is nested too")
	assert.Empty(t, other)
	assert.False(t, InHandler(context.Background()))
}

func TestPublish_ConcurrentPublishersAreIndependent(t *testing.T) {
	b := NewBus(logging.Discard())
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	b.Subscribe("p", HandlerFunc(func(context.Context, *slog.Logger, variables.Variables, any) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	}))

	first := make(chan error, 1)
	go func() { first <- b.Publish(context.Background(), "p", nil, nil) }()
	<-entered
	require.NoError(t, b.Publish(context.Background(), "p", nil, nil))
	close(release)
	require.NoError(t, <-first)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	b := NewBus(logging.Discard())
	var calls []string
	unsub := b.Subscribe("p", recorder(&calls, "a", nil))
	b.Subscribe("p", recorder(&calls, "b", nil))
	unsub()
	unsub()

	require.NoError(t, b.Publish(context.Background(), "p", variables.Variables{"X": "1"}, nil))
	assert.Equal(t, []string{"b"}, calls)
	assert.Equal(t, 1, b.Len("p"))
}

func TestPublish_NilBusAndHandlerInputs(t *testing.T) {
	var nilBus *Bus
	assert.NoError(t, nilBus.Publish(context.Background(), "p", nil, nil))

	b := NewBus(logging.Discard())
	var gotVars variables.Variables
	var gotSubject any
	b.Subscribe("p", HandlerFunc(func(_ context.Context, log *slog.Logger, vars variables.Variables, subject any) error {
		assert.NotNil(t, log)
		gotVars, gotSubject = vars, subject
		return nil
	}))
	require.NoError(t, b.Publish(context.Background(), "p", variables.Variables{"K": "v"}, 42))
	assert.Equal(t, "v", gotVars["K"])
	assert.Equal(t, 42, gotSubject)
}

type countingPlugin struct{ n *int }

func (c countingPlugin) PointID() string { return "p" }
func (c countingPlugin) Handle(context.Context, *slog.Logger, variables.Variables, any) error {
	*c.n++
	return nil
}

func TestAttach(t *testing.T) {
	reg := registry.New()
	registry.Declare[Plugin](reg, registry.CategoryExtension)
	n := 0
	registry.MustRegister(reg, registry.Descriptor{ID: "count", Category: registry.CategoryExtension},
		func() (countingPlugin, error) { return countingPlugin{n: &n}, nil })

	b := NewBus(logging.Discard())
	detach, err := Attach(b, reg)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "p", nil, nil))
	detach()
	require.NoError(t, b.Publish(context.Background(), "p", nil, nil))
	assert.Equal(t, 1, n)
}
