// Package execution holds the observable state of a running pipeline or
// workflow and the sinks that keep it after the run.
package execution

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusPreparing Status = "preparing"
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusStopped || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusCreated:   {StatusPreparing},
	StatusPreparing: {StatusRunning, StatusStopped, StatusFailed},
	StatusRunning:   {StatusFinished, StatusStopped, StatusFailed},
}

// CanTransition reports whether the lifecycle allows from -> to. Terminal
// states have no way out. Preparing may end directly: a prepare fault or an
// overrun prepare fails it, a stop before start stops it.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Well-known counter names.
const (
	CounterInput  = "input"
	CounterOutput = "output"
	CounterErrors = "errors"
)

// TransformCounter names a per-transform counter, e.g. transform.sort.input.
func TransformCounter(transform, counter string) string {
	return "transform." + transform + "." + counter
}

// State is owned by one engine. Counters only grow; status and details are
// last-write-wins.
type State struct {
	mu       sync.RWMutex
	id       string
	name     string
	engine   string
	status   Status
	details  map[string]string
	counters map[string]int64
	start    time.Time
	end      time.Time
	err      string
	updated  time.Time
}

func NewState(id, name, engine string) *State {
	return &State{
		id:       id,
		name:     name,
		engine:   engine,
		status:   StatusCreated,
		details:  make(map[string]string),
		counters: make(map[string]int64),
		updated:  time.Now(),
	}
}

func (s *State) ID() string { return s.id }

func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Transition moves to the next status. It returns the previous status or an
// error when the lifecycle forbids the move.
func (s *State) Transition(to Status) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.status
	if !CanTransition(from, to) {
		return from, fmt.Errorf("execution %s: illegal transition %s -> %s", s.id, from, to)
	}
	now := time.Now()
	s.status, s.updated = to, now
	switch {
	case to == StatusPreparing:
		s.start = now
	case to.Terminal():
		s.end = now
	}
	return from, nil
}

// SetName names the execution once the graph is known.
func (s *State) SetName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

func (s *State) SetDetail(key, value string) {
	s.mu.Lock()
	s.details[key] = value
	s.updated = time.Now()
	s.mu.Unlock()
}

// SetError keeps the first error; later errors are usually consequences.
func (s *State) SetError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.err == "" {
		s.err = err.Error()
	}
	s.mu.Unlock()
}

// Add increments a counter. Negative deltas are rejected.
func (s *State) Add(name string, delta int64) error {
	if delta < 0 {
		return fmt.Errorf("execution %s: counter %s cannot decrease by %d", s.id, name, -delta)
	}
	s.mu.Lock()
	s.counters[name] += delta
	s.updated = time.Now()
	s.mu.Unlock()
	return nil
}

// Raise sets a counter to v unless it already holds more. Used for totals
// reported by remote runners.
func (s *State) Raise(name string, v int64) {
	s.mu.Lock()
	if v > s.counters[name] {
		s.counters[name] = v
		s.updated = time.Now()
	}
	s.mu.Unlock()
}

func (s *State) Counter(name string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[name]
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ID:       s.id,
		Name:     s.name,
		Engine:   s.engine,
		Status:   s.status,
		Details:  maps.Clone(s.details),
		Counters: maps.Clone(s.counters),
		Start:    s.start,
		End:      s.end,
		Error:    s.err,
		Updated:  s.updated,
	}
}

// Snapshot is an immutable copy of a State handed to readers.
type Snapshot struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Engine   string            `json:"engine"`
	Status   Status            `json:"status"`
	Details  map[string]string `json:"details,omitempty"`
	Counters map[string]int64  `json:"counters,omitempty"`
	Start    time.Time         `json:"start,omitzero"`
	End      time.Time         `json:"end,omitzero"`
	Error    string            `json:"error,omitempty"`
	Updated  time.Time         `json:"updated"`
}

func (s Snapshot) Counter(name string) int64 { return s.Counters[name] }

func (s Snapshot) Detail(key string) string { return s.Details[key] }

// Duration is the run time so far, or the total once terminal.
func (s Snapshot) Duration() time.Duration {
	if s.Start.IsZero() {
		return 0
	}
	if s.End.IsZero() {
		return time.Since(s.Start)
	}
	return s.End.Sub(s.Start)
}
