package local

import (
	"context"
	"errors"
	"sync"

	"hopflow/internal/row"
)

// ErrDiscarded is returned to producers once the consumer stopped reading.
var ErrDiscarded = errors.New("local: row set discarded by consumer")

// Inbox groups the row sets feeding one transform. They share a lock and a
// condition so the consumer can wait on all of its inputs at once.
type Inbox struct {
	mu   sync.Mutex
	cond *sync.Cond
	sets []*RowSet
	next int
}

func NewInbox() *Inbox {
	in := &Inbox{}
	in.cond = sync.NewCond(&in.mu)
	return in
}

// RowSet is the bounded queue behind one hop. Put blocks while it is full,
// which is the only flow control between transforms.
type RowSet struct {
	inbox    *Inbox
	From, To string
	capacity int

	buf        []row.Row
	head, size int
	done       bool
	discarding bool
}

// Add creates a row set of the given capacity feeding this inbox.
func (in *Inbox) Add(from, to string, capacity int) *RowSet {
	if capacity <= 0 {
		capacity = 1
	}
	rs := &RowSet{inbox: in, From: from, To: to, capacity: capacity, buf: make([]row.Row, capacity)}
	in.mu.Lock()
	in.sets = append(in.sets, rs)
	in.mu.Unlock()
	return rs
}

// wake makes ctx cancellation visible to goroutines blocked on the cond.
func (in *Inbox) wake(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		in.mu.Lock()
		in.cond.Broadcast()
		in.mu.Unlock()
	})
}

// Put appends r, blocking while the row set is full.
func (rs *RowSet) Put(ctx context.Context, r row.Row) error {
	in := rs.inbox
	in.mu.Lock()
	defer in.mu.Unlock()
	if rs.size == rs.capacity && !rs.discarding {
		stop := in.wake(ctx)
		defer stop()
		for rs.size == rs.capacity && !rs.discarding && ctx.Err() == nil {
			in.cond.Wait()
		}
	}
	switch {
	case rs.discarding:
		return ErrDiscarded
	case ctx.Err() != nil:
		return ctx.Err()
	}
	rs.buf[(rs.head+rs.size)%rs.capacity] = r
	rs.size++
	in.cond.Broadcast()
	return nil
}

// Done marks the end of the producer's rows.
func (rs *RowSet) Done() {
	in := rs.inbox
	in.mu.Lock()
	rs.done = true
	in.cond.Broadcast()
	in.mu.Unlock()
}

func (rs *RowSet) Len() int {
	rs.inbox.mu.Lock()
	defer rs.inbox.mu.Unlock()
	return rs.size
}

func (rs *RowSet) pop() row.Row {
	r := rs.buf[rs.head]
	rs.buf[rs.head] = nil
	rs.head = (rs.head + 1) % rs.capacity
	rs.size--
	return r
}

// Get returns the next row from any input, round robin. ok is false once
// every input is done and drained.
func (in *Inbox) Get(ctx context.Context) (r row.Row, ok bool, err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	var stop func() bool
	defer func() {
		if stop != nil {
			stop()
		}
	}()
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		finished := 0
		for i := range in.sets {
			rs := in.sets[(in.next+i)%len(in.sets)]
			if rs.size > 0 {
				in.next = (in.next + i + 1) % len(in.sets)
				r := rs.pop()
				in.cond.Broadcast()
				return r, true, nil
			}
			if rs.done {
				finished++
			}
		}
		if finished == len(in.sets) {
			return nil, false, nil
		}
		if stop == nil {
			stop = in.wake(ctx)
		}
		in.cond.Wait()
	}
}

// Discard drops every buffered row and makes further Puts fail. It returns
// the number of rows dropped.
func (in *Inbox) Discard() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	n := 0
	for _, rs := range in.sets {
		for rs.size > 0 {
			rs.pop()
			n++
		}
		rs.discarding = true
	}
	in.cond.Broadcast()
	return n
}
