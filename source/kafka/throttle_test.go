package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottle_NilNeverBlocks(t *testing.T) {
	th := NewThrottle(ThrottleCfg{})
	assert.Nil(t, th)
	require.NoError(t, th.Acquire(context.Background()))
	th.Close()
}

func TestThrottle_WaitsForRefill(t *testing.T) {
	th := NewThrottle(ThrottleCfg{Capacity: 2, Refill: 1, Interval: 30 * time.Millisecond})
	defer th.Close()
	ctx := context.Background()

	require.NoError(t, th.Acquire(ctx))
	require.NoError(t, th.Acquire(ctx))

	start := time.Now()
	require.NoError(t, th.Acquire(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestThrottle_CancelAndClose(t *testing.T) {
	th := NewThrottle(ThrottleCfg{Capacity: 1, Refill: 1, Interval: time.Hour})
	require.NoError(t, th.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, th.Acquire(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- th.Acquire(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	th.Close()
	select {
	case err := <-done:
		require.ErrorIs(t, err, errThrottleClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not wake the waiter")
	}
}
