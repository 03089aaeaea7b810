package dataflow

import (
	"context"
	"time"
)

type JobState string

const (
	JobRunning   JobState = "running"
	JobDone      JobState = "done"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

func (s JobState) Terminal() bool { return s != JobRunning && s != "" }

// JobStatus is what a runner reports about a job. Error is set as soon as a
// stage fails, possibly while the job is still draining.
type JobStatus struct {
	ID       string                      `json:"id"`
	State    JobState                    `json:"state"`
	Error    string                      `json:"error,omitempty"`
	Counters map[string]map[string]int64 `json:"counters,omitempty"`
}

func (s JobStatus) Counter(step, name string) int64 { return s.Counters[step][name] }

type Runner interface {
	Name() string
	Submit(ctx context.Context, p *Pipeline) (Job, error)
}

type Job interface {
	ID() string
	Status(ctx context.Context) (JobStatus, error)
	Cancel(ctx context.Context) error
}

// Await polls job until it reaches a terminal state or ctx ends.
func Await(ctx context.Context, job Job, every time.Duration) (JobStatus, error) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		st, err := job.Status(ctx)
		if err == nil && st.State.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
			return st, err
		case <-t.C:
		}
	}
}
