package kafka

import (
	"sync"
	"time"
)

// Committer decides *when* a driver should flush its marked offsets. It is
// shared by the partition claims of one consumer, which run concurrently.
type Committer struct {
	every    int64
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	marked int64
	last   time.Time
}

func NewCommitter(cfg CheckpointCfg) *Committer {
	return &Committer{every: cfg.CommitEvery, interval: cfg.CommitInt, now: time.Now, last: time.Now()}
}

// Mark records one consumed record and reports whether a commit is due.
// A true result resets the cadence: the caller is expected to commit.
func (c *Committer) Mark() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marked++
	now := c.now()
	due := (c.every > 0 && c.marked >= c.every) || (c.interval > 0 && now.Sub(c.last) >= c.interval)
	if due {
		c.marked, c.last = 0, now
	}
	return due
}

// Pending is the number of records marked since the last commit.
func (c *Committer) Pending() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.marked
}

// Flushed resets the cadence after an out-of-band commit.
func (c *Committer) Flushed() {
	c.mu.Lock()
	c.marked, c.last = 0, c.now()
	c.mu.Unlock()
}
