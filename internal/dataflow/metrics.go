package dataflow

import (
	"maps"
	"sync"
)

// MetricsStore collects counters by step and name. It is the only channel
// from workers back to whoever drives the job.
type MetricsStore struct {
	mu       sync.Mutex
	counters map[string]map[string]int64
	onInc    func(step, name string, n int64)
}

// NewMetricsStore returns a store; onInc, if set, sees every increment.
func NewMetricsStore(onInc func(step, name string, n int64)) *MetricsStore {
	return &MetricsStore{counters: make(map[string]map[string]int64), onInc: onInc}
}

func (m *MetricsStore) Inc(step, name string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.mu.Lock()
	byName, ok := m.counters[step]
	if !ok {
		byName = make(map[string]int64)
		m.counters[step] = byName
	}
	byName[name] += n
	m.mu.Unlock()
	if m.onInc != nil {
		m.onInc(step, name, n)
	}
}

func (m *MetricsStore) Get(step, name string) int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[step][name]
}

// Snapshot copies every counter: step -> name -> value.
func (m *MetricsStore) Snapshot() map[string]map[string]int64 {
	out := make(map[string]map[string]int64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for step, byName := range m.counters {
		out[step] = maps.Clone(byName)
	}
	return out
}

type Counter struct {
	store      *MetricsStore
	step, name string
}

func (c Counter) Inc(n int64) { c.store.Inc(c.step, c.name, n) }
