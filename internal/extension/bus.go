// Package extension is a synchronous observer list keyed by extension point
// id. It lets collaborators react to lifecycle events without the engines
// depending on them.
package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"hopflow/internal/logging"
	"hopflow/internal/variables"
)

// Well-known extension point ids.
const (
	ExecutionStateUpdated = "execution-state-updated"
	DataflowWorkerSetup   = "dataflow-worker-setup"
)

// Handler reacts to a published event. subject is the event payload, for
// example an execution snapshot. Handlers must not mutate it. ctx is marked
// as being inside a publish; publishing with it fails with ErrReentrant.
type Handler interface {
	Handle(ctx context.Context, log *slog.Logger, vars variables.Variables, subject any) error
}

type HandlerFunc func(ctx context.Context, log *slog.Logger, vars variables.Variables, subject any) error

func (f HandlerFunc) Handle(ctx context.Context, log *slog.Logger, vars variables.Variables, subject any) error {
	return f(ctx, log, vars, subject)
}

// ErrReentrant is returned by Publish when called from inside a handler.
var ErrReentrant = errors.New("extension: publish from inside a handler")

type publishingKey struct{ bus *Bus }

// InHandler reports whether ctx belongs to a handler of some bus publish.
func InHandler(ctx context.Context) bool {
	return ctx != nil && ctx.Value(inHandlerKey{}) != nil
}

type inHandlerKey struct{}

type subscription struct {
	id      uint64
	handler Handler
}

type Bus struct {
	log *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
}

func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = logging.Channel("extension")
	}
	return &Bus{log: log, subs: make(map[string][]subscription)}
}

// Subscribe appends h to the handlers of pointID and returns a function that
// removes it again.
func (b *Bus) Subscribe(pointID string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[pointID] = append(b.subs[pointID], subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[pointID]
			for i, s := range list {
				if s.id == id {
					b.subs[pointID] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish runs the handlers of pointID in subscription order on the calling
// goroutine. The first failing handler stops the rest; its error is logged
// and returned. Callers on a state transition log it and carry on.
// A publish made with a handler's ctx is rejected with ErrReentrant.
func (b *Bus) Publish(ctx context.Context, pointID string, vars variables.Variables, subject any) error {
	if b == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Value(publishingKey{b}) != nil {
		err := fmt.Errorf("%w: %s", ErrReentrant, pointID)
		b.log.Error("rejected nested publish", "point", pointID, "err", err)
		return err
	}
	ctx = context.WithValue(context.WithValue(ctx, publishingKey{b}, pointID), inHandlerKey{}, true)

	b.mu.RLock()
	handlers := append([]subscription(nil), b.subs[pointID]...)
	b.mu.RUnlock()

	log := b.log.With("point", pointID)
	for i, s := range handlers {
		if err := b.call(ctx, log, s.handler, vars, subject); err != nil {
			log.Error("extension handler failed; skipping remaining handlers", "index", i, "remaining", len(handlers)-i-1, "err", err)
			return fmt.Errorf("extension %s: handler %d: %w", pointID, i, err)
		}
	}
	return nil
}

func (b *Bus) call(ctx context.Context, log *slog.Logger, h Handler, vars variables.Variables, subject any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return h.Handle(ctx, log, vars, subject)
}

// Len reports the number of handlers subscribed to pointID.
func (b *Bus) Len(pointID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[pointID])
}
