package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hopflow/internal/row"
)

func TestRowSet_BlocksProducerWhenFull(t *testing.T) {
	const size = 4
	in := NewInbox()
	rs := in.Add("a", "b", size)
	ctx := context.Background()

	for i := range size {
		require.NoError(t, rs.Put(ctx, row.Row{int64(i)}))
	}
	assert.Equal(t, size, rs.Len())

	put := make(chan error, 1)
	go func() { put <- rs.Put(ctx, row.Row{int64(size)}) }()

	select {
	case err := <-put:
		t.Fatalf("put %d returned %v on a full row set", size+1, err)
	case <-time.After(50 * time.Millisecond):
	}

	r, ok, err := in.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(0), r[0])

	select {
	case err := <-put:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("producer still blocked after a row was consumed")
	}
	assert.Equal(t, size, rs.Len())
}

func TestRowSet_PutHonoursCancel(t *testing.T) {
	in := NewInbox()
	rs := in.Add("a", "b", 1)
	require.NoError(t, rs.Put(context.Background(), row.Row{1}))

	ctx, cancel := context.WithCancel(context.Background())
	put := make(chan error, 1)
	go func() { put <- rs.Put(ctx, row.Row{2}) }()
	cancel()

	select {
	case err := <-put:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("blocked put ignored cancellation")
	}
}

func TestInbox_RoundRobinUntilAllDone(t *testing.T) {
	in := NewInbox()
	a := in.Add("a", "c", 10)
	b := in.Add("b", "c", 10)
	ctx := context.Background()

	for i := range 3 {
		require.NoError(t, a.Put(ctx, row.Row{"a", i}))
		require.NoError(t, b.Put(ctx, row.Row{"b", i}))
	}
	a.Done()

	var from []string
	for range 6 {
		r, ok, err := in.Get(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		from = append(from, r[0].(string))
	}
	assert.Equal(t, []string{"a", "b", "a", "b", "a", "b"}, from)

	got := make(chan bool, 1)
	go func() {
		_, ok, _ := in.Get(ctx)
		got <- ok
	}()
	select {
	case <-got:
		t.Fatal("get returned while an input was still open")
	case <-time.After(30 * time.Millisecond):
	}
	b.Done()
	assert.False(t, <-got)
}

func TestInbox_DiscardReleasesProducers(t *testing.T) {
	in := NewInbox()
	rs := in.Add("a", "b", 1)
	ctx := context.Background()
	require.NoError(t, rs.Put(ctx, row.Row{1}))

	put := make(chan error, 1)
	go func() { put <- rs.Put(ctx, row.Row{2}) }()
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, in.Discard())
	select {
	case err := <-put:
		assert.ErrorIs(t, err, ErrDiscarded)
	case <-time.After(time.Second):
		t.Fatal("producer not released by discard")
	}
	assert.ErrorIs(t, rs.Put(ctx, row.Row{3}), ErrDiscarded)
}
