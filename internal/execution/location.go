package execution

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"hopflow/internal/variables"
)

var ErrNotFound = errors.New("execution: not found")

// Location keeps execution snapshots after (and while) the engine runs.
type Location interface {
	Record(ctx context.Context, s Snapshot) error
	Get(ctx context.Context, id string) (Snapshot, error)
	List(ctx context.Context) ([]Snapshot, error)
	Evict(ctx context.Context, id string) error
}

// MemoryLocation holds at most max snapshots and evicts the oldest first.
type MemoryLocation struct {
	max int

	mu    sync.Mutex
	order []string
	byID  map[string]Snapshot
}

func NewMemoryLocation(max int) *MemoryLocation {
	if max <= 0 {
		max = 1000
	}
	return &MemoryLocation{max: max, byID: make(map[string]Snapshot)}
}

func (m *MemoryLocation) Record(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[s.ID]; !ok {
		m.order = append(m.order, s.ID)
	}
	m.byID[s.ID] = s
	for len(m.order) > m.max {
		delete(m.byID, m.order[0])
		m.order = m.order[1:]
	}
	return nil
}

func (m *MemoryLocation) Get(_ context.Context, id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryLocation) List(context.Context) ([]Snapshot, error) {
	m.mu.Lock()
	out := make([]Snapshot, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.byID[id])
	}
	m.mu.Unlock()
	sortByStart(out)
	return out, nil
}

func (m *MemoryLocation) Evict(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return ErrNotFound
	}
	delete(m.byID, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func sortByStart(s []Snapshot) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].Start.Before(s[j].Start) })
}

// Recorder is an execution-state-updated handler writing every snapshot to
// a location.
type Recorder struct {
	Location Location
	Timeout  time.Duration
}

func (r Recorder) Handle(ctx context.Context, log *slog.Logger, _ variables.Variables, subject any) error {
	snap, ok := subject.(Snapshot)
	if !ok {
		return nil
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := r.Location.Record(ctx, snap); err != nil {
		return err
	}
	log.Debug("execution recorded", "id", snap.ID, "status", snap.Status)
	return nil
}
